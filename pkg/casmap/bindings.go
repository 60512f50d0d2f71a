package casmap

import (
	"errors"

	"github.com/jsirois/bazel-buildfarm/pkg/rexpb"
)

// ActionKey identifies an action-cache entry; the action's own digest,
// matching the original's ActionKey (a digest plus the instance name, which
// this single-instance core has no need to carry).
type ActionKey = rexpb.Digest

// ActionCache is the capability record collaborator (§6): get/put the
// cached result of a previously-run action. A struct of functions, not an
// interface, per Design Notes 9 so the delegate-CAS and gRPC-client
// bindings are interchangeable values of the same shape.
type ActionCache struct {
	Get func(key ActionKey) (*rexpb.ActionResult, bool, error)
	Put func(key ActionKey, result *rexpb.ActionResult) error
}

// ErrActionCacheUnavailable is returned by the gRPC binding stub: the
// client itself is out of scope (§6, transport is not built here), so this
// binding only proves out the selection point from SUPPLEMENTED FEATURES
// item 9.
var ErrActionCacheUnavailable = errors.New("casmap: grpc action cache binding not implemented")

// NewDelegateActionCache backs an ActionCache with a DelegateCASMap over the
// given blob store, gob-encoding ActionResult values.
func NewDelegateActionCache(blobs BlobStore) ActionCache {
	m := NewDelegateCASMap[ActionKey, *rexpb.ActionResult](blobs, GobCodec[*rexpb.ActionResult]())
	return ActionCache{
		Get: func(key ActionKey) (*rexpb.ActionResult, bool, error) {
			result, ok := m.Get(key)
			return result, ok, nil
		},
		Put: func(key ActionKey, result *rexpb.ActionResult) error {
			return m.Put(key, result)
		},
	}
}

// NewGRPCActionCache is the selection point for a remote action-cache
// client. Not implemented: the gRPC transport is out of scope for this
// module (§6), so every call fails with ErrActionCacheUnavailable.
func NewGRPCActionCache(target string) ActionCache {
	unavailable := func(ActionKey) (*rexpb.ActionResult, bool, error) {
		return nil, false, ErrActionCacheUnavailable
	}
	return ActionCache{
		Get: func(key ActionKey) (*rexpb.ActionResult, bool, error) { return unavailable(key) },
		Put: func(key ActionKey, result *rexpb.ActionResult) error {
			_, _, err := unavailable(key)
			return err
		},
	}
}

// ActionCacheKind selects between the bindings above, mirroring
// ActionCacheConfig.TypeCase's GRPC / DELEGATE_CAS switch.
type ActionCacheKind string

const (
	ActionCacheDelegateCAS ActionCacheKind = "delegate-cas"
	ActionCacheGRPC        ActionCacheKind = "grpc"
)

// NewActionCache builds the configured ActionCache binding.
func NewActionCache(kind ActionCacheKind, blobs BlobStore, grpcTarget string) ActionCache {
	switch kind {
	case ActionCacheGRPC:
		return NewGRPCActionCache(grpcTarget)
	default:
		return NewDelegateActionCache(blobs)
	}
}

// Resolver resolves Action and Command payloads out of a BlobStore by
// digest, the way the lifecycle controller needs to in order to compute an
// operation's required platform and action timeout.
type Resolver struct {
	blobs        BlobStore
	actionCodec  Codec[*rexpb.Action]
	commandCodec Codec[*rexpb.Command]
}

func NewResolver(blobs BlobStore) *Resolver {
	return &Resolver{
		blobs:        blobs,
		actionCodec:  GobCodec[*rexpb.Action](),
		commandCodec: GobCodec[*rexpb.Command](),
	}
}

func (r *Resolver) GetAction(digest rexpb.Digest) (*rexpb.Action, bool, error) {
	data, ok, err := r.blobs.Get(digest)
	if err != nil || !ok {
		return nil, ok, err
	}
	action, err := r.actionCodec.Unmarshal(data)
	if err != nil {
		return nil, false, err
	}
	return action, true, nil
}

func (r *Resolver) GetCommand(digest rexpb.Digest) (*rexpb.Command, bool, error) {
	data, ok, err := r.blobs.Get(digest)
	if err != nil || !ok {
		return nil, ok, err
	}
	command, err := r.commandCodec.Unmarshal(data)
	if err != nil {
		return nil, false, err
	}
	return command, true, nil
}

// PutAction and PutCommand are test/bootstrap helpers for seeding the blob
// store directly, since there is no write-side transport in scope.
func (r *Resolver) PutAction(action *rexpb.Action) (rexpb.Digest, error) {
	data, err := r.actionCodec.Marshal(action)
	if err != nil {
		return rexpb.Digest{}, err
	}
	return r.blobs.Put(data)
}

func (r *Resolver) PutCommand(command *rexpb.Command) (rexpb.Digest, error) {
	data, err := r.commandCodec.Marshal(command)
	if err != nil {
		return rexpb.Digest{}, err
	}
	return r.blobs.Put(data)
}
