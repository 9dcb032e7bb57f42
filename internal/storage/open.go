package storage

import (
	"context"
	"errors"
	"strings"

	logx "postpilot/pkg/logx"
)

// Open initializes the configured store and applies its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// Drivers lists the accepted driver names.
func Drivers() []string { return []string{"memory", "file", "sqlite", "postgres"} }
