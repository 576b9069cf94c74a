package repository

import (
	"context"
	"path/filepath"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/automagician/internal/automagician/configuration"
)

// DefaultDatabaseName is the sqlite file created in the user's home when no path is configured.
const DefaultDatabaseName = "automagician.db"

// New opens the store selected by config. home is the resolved home directory of the run.
func New(ctx context.Context, config configuration.DatabaseConfig, home string, logger log.FieldLogger) (JobStore, error) {
	switch config.Type {
	case configuration.SQLite, "":
		path := string(config.Path)
		if path == "" {
			path = filepath.Join(home, DefaultDatabaseName)
		}
		logger.WithField("path", path).Debug("opening sqlite job database")
		return NewSQLiteJobStore(ctx, path, logger)
	case configuration.Postgres:
		return NewPostgresJobStore(ctx, config.Postgres.Connection, logger)
	case configuration.MemDB:
		return NewMemJobStore()
	case configuration.Redis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    config.Redis.Addrs,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		if err := client.Ping().Err(); err != nil {
			_ = client.Close()
			return nil, errors.Wrapf(err, "cannot reach redis at %v", config.Redis.Addrs)
		}
		return NewRedisJobStore(client, config.Redis.KeyPrefix), nil
	default:
		return nil, errors.Errorf("unsupported database type %q", config.Type)
	}
}
