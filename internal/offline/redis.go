package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/l0p7/linkshelf/internal/config"
	"github.com/l0p7/linkshelf/internal/redisconn"
	valkey "github.com/valkey-io/valkey-go"
)

// Layout: "<ns>:caches" is a set of cache names and each cache is a hash
// "<ns>:cache:<name>" from request key to JSON encoded Response.
type redisStorage struct {
	client    valkey.Client
	namespace string
}

// NewRedisStorage keeps cache generations in Valkey so they survive restarts
// and can be shared by several linkshelf processes.
func NewRedisStorage(cfg config.RedisConfig, namespace string) (CacheStorage, error) {
	client, err := redisconn.Dial(cfg)
	if err != nil {
		return nil, fmt.Errorf("offline: %w", err)
	}
	return newRedisStorageWithClient(client, namespace), nil
}

func newRedisStorageWithClient(client valkey.Client, namespace string) *redisStorage {
	if namespace == "" {
		namespace = "linkshelf:cache"
	}
	return &redisStorage{client: client, namespace: namespace}
}

func (s *redisStorage) indexKey() string {
	return s.namespace + ":caches"
}

func (s *redisStorage) hashKey(name string) string {
	return s.namespace + ":cache:" + name
}

func (s *redisStorage) Open(ctx context.Context, name string) (Cache, error) {
	cmd := s.client.B().Sadd().Key(s.indexKey()).Member(name).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return nil, fmt.Errorf("offline: redis open %s: %w", name, err)
	}
	return &redisCache{storage: s, name: name}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	resp := s.client.Do(ctx, s.client.B().Sismember().Key(s.indexKey()).Member(name).Build())
	member, err := resp.AsInt64()
	if err != nil {
		return false, fmt.Errorf("offline: redis has %s: %w", name, err)
	}
	return member == 1, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	resp := s.client.Do(ctx, s.client.B().Srem().Key(s.indexKey()).Member(name).Build())
	removed, err := resp.AsInt64()
	if err != nil {
		return false, fmt.Errorf("offline: redis delete %s: %w", name, err)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.hashKey(name)).Build()).Error(); err != nil {
		return false, fmt.Errorf("offline: redis drop %s: %w", name, err)
	}
	return removed > 0, nil
}

// Keys returns cache names sorted; sets carry no insertion order.
func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.indexKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("offline: redis keys: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisStorage) Close(context.Context) error {
	s.client.Close()
	return nil
}

type redisCache struct {
	storage *redisStorage
	name    string
}

func (c *redisCache) Name() string {
	return c.name
}

func (c *redisCache) Match(ctx context.Context, key string) (*Response, bool, error) {
	client := c.storage.client
	resp := client.Do(ctx, client.B().Hget().Key(c.storage.hashKey(c.name)).Field(key).Build())
	if err := resp.Error(); err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("offline: redis match: %w", err)
	}
	payload, err := resp.AsBytes()
	if err != nil {
		return nil, false, fmt.Errorf("offline: redis match bytes: %w", err)
	}
	var out Response
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, false, fmt.Errorf("offline: redis unmarshal: %w", err)
	}
	return &out, true, nil
}

func (c *redisCache) Put(ctx context.Context, key string, resp *Response) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("offline: redis marshal: %w", err)
	}
	client := c.storage.client
	cmd := client.B().Hset().Key(c.storage.hashKey(c.name)).FieldValue().FieldValue(key, valkey.BinaryString(payload)).Build()
	if err := client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("offline: redis put: %w", err)
	}
	return nil
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	client := c.storage.client
	removed, err := client.Do(ctx, client.B().Hdel().Key(c.storage.hashKey(c.name)).Field(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("offline: redis delete entry: %w", err)
	}
	return removed > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	client := c.storage.client
	keys, err := client.Do(ctx, client.B().Hkeys().Key(c.storage.hashKey(c.name)).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("offline: redis entry keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
