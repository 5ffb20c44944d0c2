package main

import (
	"context"
	"fmt"

	"github.com/mcdev12/veto/go/internal/config"
	"github.com/mcdev12/veto/go/internal/veto/store"
	"github.com/mcdev12/veto/go/internal/veto/store/memory"
	"github.com/mcdev12/veto/go/internal/veto/store/postgres"
	"github.com/mcdev12/veto/go/internal/veto/store/sqlite"
	"github.com/rs/zerolog/log"
)

// openStore returns the configured store and a func releasing it.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		log.Warn().Msg("using in-memory store, sessions are lost on restart")
		return memory.New(), func() {}, nil

	case config.StoreSQLite:
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return st, func() {
			if err := st.Close(); err != nil {
				log.Error().Err(err).Msg("close sqlite store")
			}
		}, nil

	case config.StorePostgres:
		st, err := postgres.Connect(ctx, cfg.PostgresDSN())
		if err != nil {
			return nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, st.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
