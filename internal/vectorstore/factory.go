package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// Provider names accepted by NewStore.
const (
	ProviderLocal   = "local"
	ProviderMemory  = "memory"
	ProviderRemote  = "remote"
	ProviderQdrant  = "qdrant"
	ProviderChromem = "chromem"
)

// Config selects and configures a backend.
//
// Dimension and ResetOnStartup apply to whichever backend is selected and
// override the per-backend fields when set.
type Config struct {
	Provider       string
	Dimension      int
	ResetOnStartup bool

	Local   LocalConfig
	Remote  RemoteConfig
	Qdrant  QdrantConfig
	Chromem ChromemConfig
}

// NewStore creates the Store named by cfg.Provider:
//   - "local" (default): brute-force index persisted under Local.Dir
//   - "memory": brute-force index without persistence
//   - "remote": Qdrant over REST
//   - "qdrant": Qdrant over gRPC
//   - "chromem": embedded chromem-go database
//
// Example usage:
//
//	store, err := vectorstore.NewStore(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
func NewStore(cfg Config, logger *zap.Logger) (Store, error) {
	if cfg.Dimension < 0 {
		return nil, fmt.Errorf("%w: dimension must be >= 0, got %d", ErrInvalidConfig, cfg.Dimension)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", providerOrDefault(cfg.Provider)))

	var (
		store Store
		err   error
	)
	switch cfg.Provider {
	case ProviderLocal, "":
		local := cfg.Local
		applyCommon(&local.Dimension, &local.ResetOnStartup, cfg)
		store, err = wrap(NewLocalStore(local, logger))

	case ProviderMemory:
		local := cfg.Local
		local.Dir = ""
		applyCommon(&local.Dimension, &local.ResetOnStartup, cfg)
		store, err = wrap(NewLocalStore(local, logger))

	case ProviderRemote:
		remote := cfg.Remote
		applyCommon(&remote.Dimension, &remote.ResetOnStartup, cfg)
		store, err = wrap(NewRemoteStore(remote, logger))

	case ProviderQdrant:
		q := cfg.Qdrant
		applyCommon(&q.Dimension, &q.ResetOnStartup, cfg)
		store, err = wrap(NewQdrantStore(q, logger))

	case ProviderChromem:
		c := cfg.Chromem
		applyCommon(&c.Dimension, &c.ResetOnStartup, cfg)
		store, err = wrap(NewChromemStore(c, logger))

	default:
		return nil, fmt.Errorf("%w: %s (supported: local, memory, remote, qdrant, chromem)", ErrUnsupportedProvider, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// wrap converts a concrete constructor result to a Store without leaking a
// typed nil on error.
func wrap[S Store](s S, err error) (Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

func applyCommon(dim *int, reset *bool, cfg Config) {
	if cfg.Dimension > 0 {
		*dim = cfg.Dimension
	}
	if cfg.ResetOnStartup {
		*reset = true
	}
}

func providerOrDefault(p string) string {
	if p == "" {
		return ProviderLocal
	}
	return p
}
