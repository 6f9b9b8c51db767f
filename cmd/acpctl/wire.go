package main

import (
	"context"
	"fmt"

	"github.com/agentuity/go-acp/store"
	"github.com/agentuity/go-common/logger"
	"github.com/redis/go-redis/v9"
)

type rootFlags struct {
	url      string
	agent    string
	dbPath   string
	redisURL string
	verbose  bool
}

func (f *rootFlags) newLogger() logger.Logger {
	level := logger.LevelInfo
	if f.verbose {
		level = logger.LevelDebug
	}
	return logger.NewConsoleLogger(level)
}

// newStore opens the storage driver selected by flags: Redis when --redis is
// set, SQLite when --db is set, in-memory otherwise.
func (f *rootFlags) newStore(ctx context.Context) (store.Store, func(), error) {
	if f.redisURL != "" {
		opts, err := redis.ParseURL(f.redisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("error parsing redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("error connecting to redis: %w", err)
		}
		s := store.NewRedis(client)
		return s, func() { client.Close() }, nil
	}
	if f.dbPath != "" {
		s, err := store.NewSQLite(ctx, f.dbPath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	}
	s := store.NewMemory()
	return s, func() {}, nil
}
