// Package casmap implements the Delegate-CAS map (component I): a
// key-indexed view over a content-addressable blob store, used both to back
// the completed-operations archive and, optionally, the action cache. It is
// generic over key and value the way the original's DelegateCASMap<K,V> is,
// serializing values with encoding/gob (the same codec the teacher's
// logstash package uses for its log records) and storing the encoded bytes
// under their digest in a BlobStore.
package casmap

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/jsirois/bazel-buildfarm/pkg/rexpb"
	"github.com/klauspost/compress/zstd"
)

// BlobStore is the CAS collaborator (§6): put hands back the digest of the
// bytes it was given, get resolves a digest back to bytes or reports it
// missing.
type BlobStore interface {
	Put(data []byte) (rexpb.Digest, error)
	Get(digest rexpb.Digest) ([]byte, bool, error)
}

// Codec marshals and unmarshals a DelegateCASMap's value type. A plain
// struct of functions, not an interface, so callers can build one inline
// for whatever V they're storing.
type Codec[V any] struct {
	Marshal   func(v V) ([]byte, error)
	Unmarshal func(data []byte) (V, error)
}

// GobCodec builds a Codec backed by encoding/gob, sufficient for the plain
// structs in pkg/rexpb.
func GobCodec[V any]() Codec[V] {
	return Codec[V]{
		Marshal: func(v V) ([]byte, error) {
			var buf bytes.Buffer
			if err := gob.NewEncoder(&buf).Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
		Unmarshal: func(data []byte) (V, error) {
			var v V
			if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
				var zero V
				return zero, err
			}
			return v, nil
		},
	}
}

// DelegateCASMap is a key -> digest -> bytes -> value store: the index
// (key to digest) lives in process memory, the payload lives in the
// delegate BlobStore.
type DelegateCASMap[K comparable, V any] struct {
	mu    sync.RWMutex
	blobs BlobStore
	codec Codec[V]
	index map[K]rexpb.Digest
}

func NewDelegateCASMap[K comparable, V any](blobs BlobStore, codec Codec[V]) *DelegateCASMap[K, V] {
	return &DelegateCASMap[K, V]{
		blobs: blobs,
		codec: codec,
		index: make(map[K]rexpb.Digest),
	}
}

func (m *DelegateCASMap[K, V]) Put(key K, value V) error {
	data, err := m.codec.Marshal(value)
	if err != nil {
		return err
	}
	digest, err := m.blobs.Put(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.index[key] = digest
	m.mu.Unlock()
	return nil
}

func (m *DelegateCASMap[K, V]) Get(key K) (V, bool) {
	var zero V
	m.mu.RLock()
	digest, ok := m.index[key]
	m.mu.RUnlock()
	if !ok {
		return zero, false
	}
	data, found, err := m.blobs.Get(digest)
	if err != nil || !found {
		return zero, false
	}
	value, err := m.codec.Unmarshal(data)
	if err != nil {
		return zero, false
	}
	return value, true
}

func (m *DelegateCASMap[K, V]) Remove(key K) {
	m.mu.Lock()
	delete(m.index, key)
	m.mu.Unlock()
}

func (m *DelegateCASMap[K, V]) Contains(key K) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.index[key]
	return ok
}

// MemoryBlobStore is an in-process BlobStore keyed by sha256, optionally
// zstd-compressing payloads (github.com/klauspost/compress) before storing
// them. It is the default binding used when no external CAS service is
// configured.
type MemoryBlobStore struct {
	mu       sync.RWMutex
	blobs    map[string][]byte
	compress bool
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

func NewMemoryBlobStore(compress bool) *MemoryBlobStore {
	store := &MemoryBlobStore{blobs: make(map[string][]byte), compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err == nil {
			store.encoder = enc
		}
		dec, err := zstd.NewReader(nil)
		if err == nil {
			store.decoder = dec
		}
	}
	return store
}

func (s *MemoryBlobStore) Put(data []byte) (rexpb.Digest, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	digest := rexpb.Digest{Hash: hash, SizeBytes: int64(len(data))}

	stored := data
	if s.compress && s.encoder != nil {
		stored = s.encoder.EncodeAll(data, nil)
	}

	s.mu.Lock()
	s.blobs[hash] = stored
	s.mu.Unlock()
	return digest, nil
}

func (s *MemoryBlobStore) Get(digest rexpb.Digest) ([]byte, bool, error) {
	s.mu.RLock()
	stored, ok := s.blobs[digest.Hash]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.compress && s.decoder != nil {
		data, err := s.decoder.DecodeAll(stored, nil)
		if err != nil {
			return nil, false, fmt.Errorf("casmap: decompress %s: %w", digest, err)
		}
		return data, true, nil
	}
	return stored, true, nil
}
