// Copyright 2015 Tamás Demeter-Haludka
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package search

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

const DefaultCacheTTL = 5 * time.Minute

// Caches the matches of the searches.
//
// Get returns nil without an error on a cache miss.
type Cache interface {
	Get(ctx context.Context, key string) ([]Match, error)
	Set(ctx context.Context, key string, matches []Match) error
	Invalidate(ctx context.Context) error
}

// Creates the cache from the configuration.
//
// With redis.addr set the cache is stored in Redis, otherwise in memory.
//
// Config values: search.cacheTTL (duration), redis.addr, redis.password, redis.db, redis.prefix.
func CacheFromConfig(cfg *viper.Viper) Cache {
	ttl := cfg.GetDuration("search.cacheTTL")
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	if addr := cfg.GetString("redis.addr"); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.GetString("redis.password"),
			DB:       cfg.GetInt("redis.db"),
		})
		prefix := cfg.GetString("redis.prefix")
		if prefix == "" {
			prefix = "blogify:search:"
		}

		return NewRedisCache(client, prefix, ttl)
	}

	return NewMemoryCache(ttl)
}

var _ Cache = &MemoryCache{}

type memoryCacheEntry struct {
	matches []Match
	expires time.Time
}

// An in-process cache.
type MemoryCache struct {
	mtx     sync.RWMutex
	entries map[string]memoryCacheEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryCacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key string) ([]Match, error) {
	c.mtx.RLock()
	entry, ok := c.entries[key]
	c.mtx.RUnlock()

	if !ok {
		return nil, nil
	}

	if c.now().After(entry.expires) {
		c.mtx.Lock()
		delete(c.entries, key)
		c.mtx.Unlock()
		return nil, nil
	}

	return entry.matches, nil
}

func (c *MemoryCache) Set(ctx context.Context, key string, matches []Match) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.entries[key] = memoryCacheEntry{
		matches: matches,
		expires: c.now().Add(c.ttl),
	}

	return nil
}

func (c *MemoryCache) Invalidate(ctx context.Context) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.entries = make(map[string]memoryCacheEntry)

	return nil
}

var _ Cache = &RedisCache{}

// A cache stored in Redis.
//
// Invalidation bumps a generation counter that is part of every key, the old entries expire on their own.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (c *RedisCache) generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, c.prefix+"generation").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}

	return gen, err
}

func (c *RedisCache) key(ctx context.Context, key string) (string, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return "", err
	}

	return c.prefix + strconv.FormatInt(gen, 10) + ":" + key, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]Match, error) {
	k, err := c.key(ctx, key)
	if err != nil {
		return nil, err
	}

	data, err := c.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	matches := []Match{}
	if err = json.Unmarshal(data, &matches); err != nil {
		return nil, err
	}

	return matches, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, matches []Match) error {
	k, err := c.key(ctx, key)
	if err != nil {
		return err
	}

	data, err := json.Marshal(matches)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, k, data, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, c.prefix+"generation").Err()
}

// Closes the Redis client.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
