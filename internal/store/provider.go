package store

import (
	"go.uber.org/zap"

	"github.com/lemongate/lemongate/internal/common/config"
	"github.com/lemongate/lemongate/internal/common/logger"
	"github.com/lemongate/lemongate/internal/db"
)

// Provide creates the configured Repository and returns it with a cleanup
// function.
func Provide(cfg *config.Config, log *logger.Logger) (Repository, func() error, error) {
	switch cfg.Store.Backend {
	case config.StoreBackendMemory, "":
		repo := NewMemoryRepository()
		log.Info("using in-memory store")
		return repo, repo.Close, nil
	default:
		pool, err := db.Open(cfg.Store, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		repo, err := NewSQLRepository(pool)
		if err != nil {
			_ = pool.Close()
			return nil, nil, err
		}
		log.Info("store ready", zap.String("backend", cfg.Store.Backend))
		return repo, pool.Close, nil
	}
}
