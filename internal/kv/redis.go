package kv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/l0p7/linkshelf/internal/config"
	"github.com/l0p7/linkshelf/internal/redisconn"
	valkey "github.com/valkey-io/valkey-go"
)

type redisBackend struct {
	client    valkey.Client
	namespace string
	closed    atomic.Bool
}

// NewRedis stores every key under cfg.Namespace so Clear never touches
// foreign data in a shared database.
func NewRedis(cfg config.RedisConfig) (Backend, error) {
	client, err := redisconn.Dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("kv: %w", err)
	}
	return newRedisWithClient(client, cfg.Namespace), nil
}

func newRedisWithClient(client valkey.Client, namespace string) *redisBackend {
	if namespace == "" {
		namespace = "linkshelf:kv:"
	}
	return &redisBackend{client: client, namespace: namespace}
}

func (b *redisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if b.closed.Load() {
		return nil, false, ErrClosed
	}
	resp := b.client.Do(ctx, b.client.B().Get().Key(b.namespace+key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("kv: redis get: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("kv: redis get bytes: %w", err)
	}
	return payload, true, nil
}

func (b *redisBackend) Set(ctx context.Context, key string, value []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	cmd := b.client.B().Set().Key(b.namespace + key).Value(valkey.BinaryString(value)).Build()
	if err := b.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("kv: redis set: %w", err)
	}
	return nil
}

func (b *redisBackend) Delete(ctx context.Context, key string) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.client.Do(ctx, b.client.B().Del().Key(b.namespace+key).Build()).Error(); err != nil {
		return fmt.Errorf("kv: redis del: %w", err)
	}
	return nil
}

func (b *redisBackend) Keys(ctx context.Context) ([]string, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	raw, err := b.scan(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, key := range raw {
		keys = append(keys, strings.TrimPrefix(key, b.namespace))
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *redisBackend) Clear(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	raw, err := b.scan(ctx)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := b.client.Do(ctx, b.client.B().Del().Key(raw...).Build()).Error(); err != nil {
		return fmt.Errorf("kv: redis clear: %w", err)
	}
	return nil
}

func (b *redisBackend) Close(context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	b.client.Close()
	return nil
}

func (b *redisBackend) scan(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		resp := b.client.Do(ctx, b.client.B().Scan().Cursor(cursor).Match(b.namespace+"*").Count(100).Build())
		entry, err := resp.AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("kv: redis scan: %w", err)
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}
