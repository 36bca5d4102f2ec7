// Package disk provides the filesystem cache backend. Each entry lives in
// its own <key>.json file under a configured directory; a background loop
// drops expired entries and enforces the disk quota.
package disk

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/blueberrycongee/llmcache/internal/observability"
	"github.com/blueberrycongee/llmcache/pkg/cache"
	cacheerrors "github.com/blueberrycongee/llmcache/pkg/errors"
)

const entrySuffix = ".json"

// Store implements cache.Backend on the local filesystem. The per-key
// read-modify-write on Get is serialized by a single mutex; cross-process
// safety is out of scope.
type Store struct {
	dir          string
	maxDiskUsage int64
	compression  bool
	onEvict      cache.EvictFunc
	logger       *observability.Logger

	mu sync.Mutex

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// Config holds configuration for the disk store.
type Config struct {
	CachePath         string          // Directory holding entry files
	CleanupInterval   time.Duration   // Period of the cleanup loop (default: 1 hour)
	MaxDiskUsage      int64           // Aggregate byte quota (default: 1GB)
	EnableCompression bool            // Gzip entry files
	OnEvict           cache.EvictFunc // Notified on expiration and quota eviction
	Logger            *observability.Logger
}

// New creates the cache directory if needed and starts the cleanup loop.
func New(cfg Config) (*Store, error) {
	if cfg.CachePath == "" {
		return nil, cacheerrors.NewConfigurationError("disk backend requires a cache path")
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if cfg.MaxDiskUsage <= 0 {
		cfg.MaxDiskUsage = 1024 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	if err := os.MkdirAll(cfg.CachePath, 0o750); err != nil {
		return nil, cacheerrors.NewBackendUnavailableError("disk", "create cache directory", err)
	}

	s := &Store{
		dir:          cfg.CachePath,
		maxDiskUsage: cfg.MaxDiskUsage,
		compression:  cfg.EnableCompression,
		onEvict:      cfg.OnEvict,
		logger:       cfg.Logger,
		stopCleanup:  make(chan struct{}),
	}

	s.cleanupTicker = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s, nil
}

func (s *Store) entryPath(key string) string {
	return filepath.Join(s.dir, key+entrySuffix)
}

func (s *Store) encode(entry *cache.Entry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, cacheerrors.NewBackendIOError("disk", "encode entry", err)
	}
	if !s.compression {
		return data, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, cacheerrors.NewBackendIOError("disk", "compress entry", err)
	}
	if err := zw.Close(); err != nil {
		return nil, cacheerrors.NewBackendIOError("disk", "compress entry", err)
	}
	return buf.Bytes(), nil
}

func (s *Store) decode(key string, data []byte) (*cache.Entry, error) {
	if s.compression {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, cacheerrors.NewDeserializationError("disk", key, err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, cacheerrors.NewDeserializationError("disk", key, err)
		}
	}

	var entry cache.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, cacheerrors.NewDeserializationError("disk", key, err)
	}
	return &entry, nil
}

// Get reads and parses the entry file. Expired entries are unlinked and
// reported as absent; on success the access metadata is updated and
// persisted before a copy is returned. Malformed files are removed and
// treated as absent.
func (s *Store) Get(ctx context.Context, key string) (*cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(key)
}

func (s *Store) getLocked(key string) (*cache.Entry, error) {
	path := s.entryPath(key)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, cacheerrors.NewBackendIOError("disk", "read entry", err)
	}

	entry, err := s.decode(key, data)
	if err != nil {
		// Corrupt file: drop it and report a miss.
		_ = os.Remove(path)
		s.logger.Warn("removed malformed cache entry", "key", key, "error", err)
		return nil, nil
	}

	now := time.Now()
	if entry.Expired(now) {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, cacheerrors.NewBackendIOError("disk", "remove expired entry", err)
		}
		if s.onEvict != nil {
			s.onEvict(key, cache.EvictTTL, entry.SizeBytes)
		}
		return nil, nil
	}

	entry.Touch(now)
	if err := s.writeEntry(path, entry); err != nil {
		return nil, err
	}

	return entry.Clone(), nil
}

// Set serializes the entry and writes it, overwriting any existing file.
// The quota is not checked here; the cleanup loop enforces it.
func (s *Store) Set(ctx context.Context, key string, entry *cache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeEntry(s.entryPath(key), entry)
}

// writeEntry persists via a temp file and atomic rename so readers never
// observe a partial entry.
func (s *Store) writeEntry(path string, entry *cache.Entry) error {
	data, err := s.encode(entry)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "entry-*.tmp")
	if err != nil {
		return cacheerrors.NewBackendIOError("disk", "create temp file", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return cacheerrors.NewBackendIOError("disk", "write entry", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return cacheerrors.NewBackendIOError("disk", "close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return cacheerrors.NewBackendIOError("disk", "rename entry", err)
	}
	return nil
}

// Delete unlinks the entry file. A missing file is false, not an error.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.entryPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, cacheerrors.NewBackendIOError("disk", "remove entry", err)
	}
	return true, nil
}

// Clear unlinks every entry file.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.keysLocked()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := os.Remove(s.entryPath(key)); err != nil && !os.IsNotExist(err) {
			return cacheerrors.NewBackendIOError("disk", "remove entry", err)
		}
	}
	return nil
}

// Keys lists the keys of all entry files in directory order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keysLocked()
}

func (s *Store) keysLocked() ([]string, error) {
	dirents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, cacheerrors.NewBackendIOError("disk", "list cache directory", err)
	}

	keys := make([]string, 0, len(dirents))
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || !strings.HasSuffix(name, entrySuffix) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(name, entrySuffix))
	}
	return keys, nil
}

// Size returns the number of entry files.
func (s *Store) Size(ctx context.Context) (int, error) {
	keys, err := s.Keys(ctx)
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Has reports whether a live entry exists for key, removing it if it
// turns out to be expired.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.entryPath(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, cacheerrors.NewBackendIOError("disk", "read entry", err)
	}

	entry, err := s.decode(key, data)
	if err != nil {
		_ = os.Remove(path)
		return false, nil
	}
	if entry.Expired(time.Now()) {
		_ = os.Remove(path)
		if s.onEvict != nil {
			s.onEvict(key, cache.EvictTTL, entry.SizeBytes)
		}
		return false, nil
	}
	return true, nil
}

// RemoveExpired loads every entry once, which drops expired ones along
// the way, and returns how many were removed.
func (s *Store) RemoveExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeExpiredLocked()
}

func (s *Store) removeExpiredLocked() (int, error) {
	keys, err := s.keysLocked()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, key := range keys {
		path := s.entryPath(key)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		entry, err := s.decode(key, data)
		if err != nil {
			_ = os.Remove(path)
			removed++
			continue
		}
		if entry.Expired(time.Now()) {
			if err := os.Remove(path); err == nil || os.IsNotExist(err) {
				removed++
				if s.onEvict != nil {
					s.onEvict(key, cache.EvictTTL, entry.SizeBytes)
				}
			}
		}
	}
	return removed, nil
}

// Entries returns all live entries without updating access metadata.
func (s *Store) Entries(ctx context.Context) ([]*cache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.keysLocked()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	entries := make([]*cache.Entry, 0, len(keys))
	for _, key := range keys {
		data, err := os.ReadFile(s.entryPath(key))
		if err != nil {
			continue
		}
		entry, err := s.decode(key, data)
		if err != nil {
			continue
		}
		if entry.Expired(now) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// HealthCheck writes, reads back, and deletes a sentinel entry.
func (s *Store) HealthCheck(ctx context.Context) (bool, error) {
	sentinel := &cache.Entry{
		Key:       cache.HealthCheckKey,
		Response:  json.RawMessage(`"ok"`),
		CreatedAt: time.Now().UnixMilli(),
	}

	if err := s.Set(ctx, cache.HealthCheckKey, sentinel); err != nil {
		return false, err
	}
	got, err := s.Get(ctx, cache.HealthCheckKey)
	if err != nil || got == nil {
		return false, err
	}
	if _, err := s.Delete(ctx, cache.HealthCheckKey); err != nil {
		return false, err
	}
	return true, nil
}

// Close stops the cleanup loop. Entry files stay on disk.
func (s *Store) Close() error {
	s.stopOnce.Do(func() {
		s.cleanupTicker.Stop()
		close(s.stopCleanup)
	})
	return nil
}

// cleanupLoop periodically drops expired entries and enforces the quota.
func (s *Store) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.runCleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// runCleanup removes expired entries, then deletes files in directory
// order until aggregate usage fits the quota. The order is deliberately
// best-effort rather than strict LRU across the filesystem.
func (s *Store) runCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.removeExpiredLocked(); err != nil {
		s.logger.Warn("disk cache cleanup failed", "error", err)
		return
	}

	keys, err := s.keysLocked()
	if err != nil {
		return
	}

	var total int64
	sizes := make(map[string]int64, len(keys))
	for _, key := range keys {
		info, err := os.Stat(s.entryPath(key))
		if err != nil {
			continue
		}
		sizes[key] = info.Size()
		total += info.Size()
	}

	for _, key := range keys {
		if total <= s.maxDiskUsage {
			break
		}
		if err := os.Remove(s.entryPath(key)); err != nil {
			continue
		}
		total -= sizes[key]
		if s.onEvict != nil {
			s.onEvict(key, cache.EvictLRU, sizes[key])
		}
		s.logger.Debug("disk cache evicted entry over quota", "key", key)
	}
}
