// Package kv provides the durable per-origin key-value storage the
// persistence store writes through.
package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/l0p7/linkshelf/internal/config"
)

// ErrClosed is returned by backends after Close.
var ErrClosed = errors.New("kv: backend closed")

// Backend is a flat string-keyed byte store. Implementations are safe for
// concurrent use.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
	Close(ctx context.Context) error
}

// Open builds the backend selected by cfg.Backend.
func Open(cfg config.StorageConfig) (Backend, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(cfg.SQLite.Path)
	case "redis":
		return NewRedis(cfg.Redis)
	default:
		return nil, fmt.Errorf("kv: unsupported backend %q", cfg.Backend)
	}
}
