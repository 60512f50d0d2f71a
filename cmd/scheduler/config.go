package main

import (
	"time"

	"github.com/jsirois/bazel-buildfarm/pkg/casmap"
	"github.com/jsirois/bazel-buildfarm/pkg/lifecycle"
	"github.com/jsirois/bazel-buildfarm/pkg/log"
	"github.com/jsirois/bazel-buildfarm/pkg/utils"
)

// Config is the top-level scheduler configuration, decoded from
// /etc/buildfarm/scheduler.yaml, $HOME/.config/buildfarm, ./scheduler.yaml
// and BUILDFARM_* environment variables.
type Config struct {
	utils.GRPCOptions `mapstructure:"grpc"`

	// Addresses to listen on for gRPC.
	ListenGrpc []string `mapstructure:"listen_grpc"`
	// Addresses to listen on for HTTP (metrics, pprof).
	ListenHttp []string `mapstructure:"listen_http"`

	// Lifecycle tunables: timeouts, poll/completion delays, page sizes.
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`

	// Blob storage backing the completed-operations archive and the
	// in-process action cache binding.
	CAS CASConfig `mapstructure:"cas"`

	// Action cache binding selection.
	ActionCache ActionCacheConfig `mapstructure:"action_cache"`
}

// LifecycleConfig mirrors lifecycle.Config with mapstructure tags suited to
// duration strings ("30s") in YAML/env, decoded through utils.UnmarshalConfig's
// StringToTimeDurationHookFunc.
type LifecycleConfig struct {
	MaximumActionTimeout          time.Duration `mapstructure:"maximum_action_timeout"`
	DefaultActionTimeout          time.Duration `mapstructure:"default_action_timeout"`
	OperationPollTimeout          time.Duration `mapstructure:"operation_poll_timeout"`
	OperationCompletedDelay       time.Duration `mapstructure:"operation_completed_delay"`
	ListOperationsDefaultPageSize int32         `mapstructure:"list_operations_default_page_size"`
	ListOperationsMaxPageSize     int32         `mapstructure:"list_operations_max_page_size"`
}

// ToLifecycleConfig overlays configured fields on top of the default
// lifecycle configuration, leaving zero-valued fields at their default.
func (c *LifecycleConfig) ToLifecycleConfig() lifecycle.Config {
	cfg := lifecycle.DefaultConfig()
	if c.MaximumActionTimeout != 0 {
		cfg.MaximumActionTimeout = c.MaximumActionTimeout
	}
	if c.DefaultActionTimeout != 0 {
		cfg.DefaultActionTimeout = c.DefaultActionTimeout
	}
	if c.OperationPollTimeout != 0 {
		cfg.OperationPollTimeout = c.OperationPollTimeout
	}
	if c.OperationCompletedDelay != 0 {
		cfg.OperationCompletedDelay = c.OperationCompletedDelay
	}
	if c.ListOperationsDefaultPageSize != 0 {
		cfg.ListOperationsDefaultPageSize = c.ListOperationsDefaultPageSize
	}
	if c.ListOperationsMaxPageSize != 0 {
		cfg.ListOperationsMaxPageSize = c.ListOperationsMaxPageSize
	}
	return cfg
}

// CASConfig selects the blob store backing the delegate-CAS map.
type CASConfig struct {
	// Compress blobs with zstd before storing them.
	Compress bool `mapstructure:"compress"`
}

func (c *CASConfig) CreateBlobStore() casmap.BlobStore {
	return casmap.NewMemoryBlobStore(c.Compress)
}

// ActionCacheConfig selects between the two ActionCache bindings
// (casmap.ActionCacheKind): a gRPC remote cache, or an in-process cache
// stored through the CAS.
type ActionCacheConfig struct {
	Kind   string `mapstructure:"kind"`
	Target string `mapstructure:"target"`
}

func (c *ActionCacheConfig) Create(blobs casmap.BlobStore) casmap.ActionCache {
	kind := casmap.ActionCacheDelegateCAS
	if c.Kind == string(casmap.ActionCacheGRPC) {
		kind = casmap.ActionCacheGRPC
	}
	return casmap.NewActionCache(kind, blobs, c.Target)
}

func (c *Config) Log() {
	log.Info("Scheduler configuration:")
	log.Infof("  gRPC listen addresses: %v", config.ListenGrpc)
	log.Infof("  HTTP listen addresses: %v", config.ListenHttp)
	log.Infof("  Action cache: %s", config.ActionCache.Kind)
	config.GRPCOptions.Log()
}
