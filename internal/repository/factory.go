package repository

import (
	"fmt"
	"time"

	"assetvault/internal/config"
	"assetvault/internal/logger"
)

// NewCatalog создаёт реализацию каталога, выбранную в конфигурации.
func NewCatalog(cfg *config.Config, log *logger.Logger) (Catalog, error) {
	switch cfg.Catalog.Backend {
	case "file":
		return NewFileCatalog(cfg.Catalog.FilePath, log)
	case "redis":
		return NewRedisCatalog(RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			DumpPath: cfg.Redis.DumpPath,
		}, log)
	case "badger":
		return NewBadgerCatalog(cfg.Badger.Dir, log)
	case "postgres":
		db, err := ConnectPostgres(cfg.Database.GetDSN(), 5, 5*time.Second, log)
		if err != nil {
			return nil, err
		}
		if err := RunMigrations(db, log); err != nil {
			db.Close()
			return nil, err
		}
		return NewPostgresCatalog(db, log), nil
	default:
		return nil, fmt.Errorf("unknown catalog backend %q", cfg.Catalog.Backend)
	}
}
