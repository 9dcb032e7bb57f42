package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	logx "postpilot/pkg/logx"
)

//go:embed migrations_postgres.sql
var postgresSchema string

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	st := &sqlStore{
		db:      stdlib.OpenDBFromPool(pool),
		log:     log,
		dollar:  true,
		onClose: pool.Close,
	}
	if err := st.migrate(ctx, postgresSchema); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info("postgres store opened", logx.String("host", pcfg.ConnConfig.Host), logx.String("database", pcfg.ConnConfig.Database))
	return st, nil
}
