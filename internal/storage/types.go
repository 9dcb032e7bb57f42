package storage

import (
	"context"
	"time"

	"postpilot/internal/post"
)

// Config configures storage. An empty Driver means "memory".
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	DSN         string        // postgres
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres pool size; 0 means pgx default
}

// Store is everything the app needs from persistence.
type Store interface {
	post.Store
	post.AccountDirectory
	Ping(ctx context.Context) error
	Close() error
}
