// Package redis provides the distributed cache backend on top of Redis.
// TTL is enforced server-side and entries round-trip losslessly as JSON.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	goredis "github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/llmcache/pkg/cache"
	cacheerrors "github.com/blueberrycongee/llmcache/pkg/errors"
)

// Store implements cache.Backend using Redis.
type Store struct {
	client      goredis.UniversalClient
	keyPrefix   string
	compression bool
}

// Config holds configuration for the Redis store.
type Config struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Password          string        `yaml:"password"`
	DB                int           `yaml:"db"`
	KeyPrefix         string        `yaml:"key_prefix"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	EnableCompression bool          `yaml:"enable_compression"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              6379,
		KeyPrefix:         "llmcache",
		ConnectionTimeout: 5 * time.Second,
	}
}

// New creates a Redis store and verifies connectivity.
func New(cfg Config) (*Store, error) {
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 5 * time.Second
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.ConnectionTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, cacheerrors.NewBackendUnavailableError("redis", "redis ping failed", err)
	}

	return &Store{
		client:      client,
		keyPrefix:   cfg.KeyPrefix,
		compression: cfg.EnableCompression,
	}, nil
}

// NewWithClient wraps an existing client. Used by tests and callers that
// manage their own connection (cluster, sentinel).
func NewWithClient(client goredis.UniversalClient, keyPrefix string, compression bool) *Store {
	return &Store{client: client, keyPrefix: keyPrefix, compression: compression}
}

func (s *Store) prefixKey(key string) string {
	if s.keyPrefix == "" {
		return key
	}
	return s.keyPrefix + ":" + key
}

func (s *Store) encode(entry *cache.Entry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, cacheerrors.NewBackendIOError("redis", "encode entry", err)
	}
	if !s.compression {
		return data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, cacheerrors.NewBackendIOError("redis", "compress entry", err)
	}
	if err := zw.Close(); err != nil {
		return nil, cacheerrors.NewBackendIOError("redis", "compress entry", err)
	}
	return buf.Bytes(), nil
}

func (s *Store) decode(key string, data []byte) (*cache.Entry, error) {
	if s.compression {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, cacheerrors.NewDeserializationError("redis", key, err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, cacheerrors.NewDeserializationError("redis", key, err)
		}
	}

	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, cacheerrors.NewDeserializationError("redis", key, err)
	}
	return &entry, nil
}

// Get retrieves the entry for key. Server-side expiry makes expired keys
// absent; the stored expiry stamp is still double-checked. Access
// metadata is updated and written back preserving the remaining TTL.
// Malformed values are deleted and reported as absent.
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	prefixed := s.prefixKey(key)

	data, err := s.client.Get(ctx, prefixed).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, cacheerrors.NewBackendIOError("redis", "redis get", err)
	}

	entry, err := s.decode(key, data)
	if err != nil {
		// Malformed on-wire entry: best-effort delete, then a miss.
		_ = s.client.Del(ctx, prefixed).Err()
		return nil, nil
	}

	now := time.Now()
	if entry.Expired(now) {
		_ = s.client.Del(ctx, prefixed).Err()
		return nil, nil
	}

	entry.Touch(now)
	if updated, err := s.encode(entry); err == nil {
		// Keep the server-side TTL that was set on write.
		_ = s.client.Set(ctx, prefixed, updated, goredis.KeepTTL).Err()
	}

	return entry, nil
}

// Set stores the entry. A positive TTL becomes a server-side expiry; zero
// writes without expiry.
func (s *Store) Set(ctx context.Context, key string, entry *cache.Entry) error {
	data, err := s.encode(entry)
	if err != nil {
		return err
	}

	var expiration time.Duration
	if entry.TTL > 0 {
		expiration = entry.TTL
	}

	if err := s.client.Set(ctx, s.prefixKey(key), data, expiration).Err(); err != nil {
		return cacheerrors.NewBackendIOError("redis", "redis set", err)
	}
	return nil
}

// Delete removes the key and reports whether an entry was removed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.prefixKey(key)).Result()
	if err != nil {
		return false, cacheerrors.NewBackendIOError("redis", "redis del", err)
	}
	return n > 0, nil
}

// Clear removes all entries under the key prefix.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.client.Del(ctx, s.prefixKey(key)).Err(); err != nil {
			return cacheerrors.NewBackendIOError("redis", "redis del", err)
		}
	}
	return nil
}

// Keys lists all entry keys under the prefix.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	return s.scanKeys(ctx)
}

func (s *Store) scanKeys(ctx context.Context) ([]string, error) {
	pattern := s.prefixKey("*")
	prefixLen := len(s.prefixKey(""))

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[prefixLen:])
	}
	if err := iter.Err(); err != nil {
		return nil, cacheerrors.NewBackendIOError("redis", "redis scan", err)
	}
	return keys, nil
}

// Size returns the number of entries under the prefix.
func (s *Store) Size(ctx context.Context) (int, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Has reports whether a live entry exists for key. Server-side TTL makes
// expired keys absent.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefixKey(key)).Result()
	if err != nil {
		return false, cacheerrors.NewBackendIOError("redis", "redis exists", err)
	}
	return n > 0, nil
}

// Entries returns all live entries without updating access metadata.
func (s *Store) Entries(ctx context.Context) ([]*cache.Entry, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entries := make([]*cache.Entry, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, s.prefixKey(key)).Bytes()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			return nil, cacheerrors.NewBackendIOError("redis", "redis get", err)
		}
		entry, err := s.decode(key, data)
		if err != nil || entry.Expired(now) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// HealthCheck performs a liveness probe.
func (s *Store) HealthCheck(ctx context.Context) (bool, error) {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return false, cacheerrors.NewBackendUnavailableError("redis", "redis ping failed", err)
	}
	return true, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
