package main

import (
	"context"
	"fmt"

	"github.com/datallboy/gopod/internal/app"
	"github.com/datallboy/gopod/internal/infra/config"
	"github.com/datallboy/gopod/internal/store"
	"github.com/datallboy/gopod/internal/store/postgres"
)

func openStore(ctx context.Context, cfg config.StoreConfig) (app.Store, error) {
	switch cfg.Driver {
	case config.StoreDriverSQLite:
		s, err := store.NewPersistentStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreDriverPostgres:
		s, err := postgres.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
