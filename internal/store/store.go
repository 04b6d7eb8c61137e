package store

import (
	"fmt"
	"time"

	"tokenbroker/pkg/logging"
)

// Backend types accepted by New.
const (
	TypeMemory = "memory"
	TypeFile   = "file"
	TypeRedis  = "redis"
)

// Options selects and configures a backend.
type Options struct {
	Type string

	// Sealer encrypts persisted and distributed state. It must be a nil
	// interface, not a typed nil pointer, when encryption is disabled.
	Sealer Sealer

	TTLs          TTLs
	Limits        Limits
	SweepInterval time.Duration

	FilePath     string
	FileDebounce time.Duration

	Redis RedisConfig
}

// New builds the backend named by opts.Type.
func New(opts Options) (Store, error) {
	memOpts := []MemoryOption{
		WithTTLs(opts.TTLs),
		WithLimits(opts.Limits),
	}
	if opts.SweepInterval > 0 {
		memOpts = append(memOpts, WithSweepInterval(opts.SweepInterval))
	}

	switch opts.Type {
	case "", TypeMemory:
		logging.Info("Store", "Using in-process token store")
		return NewMemoryStore(memOpts...), nil

	case TypeFile:
		logging.Info("Store", "Using file token store at %s (encrypted: %v)", opts.FilePath, opts.Sealer != nil)
		return NewFileStore(FileConfig{
			Path:     opts.FilePath,
			Sealer:   opts.Sealer,
			Debounce: opts.FileDebounce,
		}, memOpts...)

	case TypeRedis:
		cfg := opts.Redis
		cfg.Sealer = opts.Sealer
		logging.Info("Store", "Using Redis token store at %s (encrypted: %v)", cfg.Address, opts.Sealer != nil)
		return NewRedisStore(cfg, memOpts...)

	default:
		return nil, fmt.Errorf("unknown storage type %q", opts.Type)
	}
}
