// Package streams implements the operation stream registry (component B):
// a name-keyed set of byte-stream sinks an executing worker writes
// stdout/stderr into and a caller can read back from concurrently, possibly
// from an arbitrary offset. Sources are backed by an afero virtual
// filesystem, the same library the teacher's logstash package uses to back
// its log retention store.
package streams

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// Registry is the name -> Source map. Get-or-create and removal are the
// only structural operations; Source itself owns the write/read/close
// behavior.
type Registry struct {
	mu      sync.Mutex
	fs      afero.Fs
	sources map[string]*Source
}

func NewRegistry() *Registry {
	return &Registry{
		fs:      afero.NewMemMapFs(),
		sources: make(map[string]*Source),
	}
}

// GetSource returns the existing Source for name, creating one if absent.
// The returned Source self-removes from the registry when closed.
func (r *Registry) GetSource(name string) *Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[name]; ok {
		return s
	}
	s := newSource(r.fs, name, func() { r.remove(name) })
	r.sources[name] = s
	return s
}

func (r *Registry) remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, name)
}

// Reset discards any Source currently registered for name without closing
// it, so the next GetSource starts fresh. This is distinct from Close: the
// original only self-removes on Close, leaving reset as a separate,
// caller-driven operation.
func (r *Registry) Reset(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, name)
}

// Source is a single operation's output sink: one writer, any number of
// concurrent readers seeking to their own offset.
type Source struct {
	mu       sync.Mutex
	fs       afero.Fs
	path     string
	file     afero.File
	closed   bool
	closedCh chan struct{}
	onClose  func()
	size     int64
}

func newSource(fs afero.Fs, name string, onClose func()) *Source {
	return &Source{
		fs:       fs,
		path:     fmt.Sprintf("/streams/%s", name),
		closedCh: make(chan struct{}),
		onClose:  onClose,
	}
}

// Writer returns the append-only sink a worker writes its output into. The
// first call opens the backing file; subsequent calls reuse it.
func (s *Source) Writer() (io.Writer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.ErrClosedPipe
	}
	if s.file == nil {
		f, err := s.fs.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		s.file = f
	}
	return &countingWriter{source: s}, nil
}

// CommittedSize reports how many bytes have been written so far.
func (s *Source) CommittedSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// IsClosed reports whether Close has been called.
func (s *Source) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ClosedFuture returns a channel that is closed once the source is closed,
// letting a reader block until the stream is known-complete.
func (s *Source) ClosedFuture() <-chan struct{} {
	return s.closedCh
}

// Close marks the stream complete and removes it from its owning registry.
// Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var err error
	if s.file != nil {
		err = s.file.Close()
	}
	close(s.closedCh)
	s.mu.Unlock()
	if s.onClose != nil {
		s.onClose()
	}
	return err
}

// OpenReader opens an independent read handle seeked to offset.
func (s *Source) OpenReader(offset int64) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.path)
	if err != nil {
		return nil, err
	}
	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

type countingWriter struct {
	source *Source
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.source.mu.Lock()
	defer w.source.mu.Unlock()
	if w.source.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := w.source.file.Write(p)
	w.source.size += int64(n)
	return n, err
}
