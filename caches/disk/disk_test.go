package disk

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmcache/pkg/cache"
)

func newStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.CachePath == "" {
		cfg.CachePath = t.TempDir()
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour // keep the loop quiet during tests
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newEntry(key string) *cache.Entry {
	now := time.Now().UnixMilli()
	return &cache.Entry{
		Key:            key,
		Response:       json.RawMessage(`"cached response"`),
		Model:          "gpt-4",
		CreatedAt:      now,
		LastAccessedAt: now,
		SizeBytes:      64,
	}
}

func TestStore_RequiresPath(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestStore_SetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Config{})

	require.NoError(t, s.Set(ctx, "key1", newEntry("key1")))

	got, err := s.Get(ctx, "key1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "key1", got.Key)
	assert.Equal(t, json.RawMessage(`"cached response"`), got.Response)
	assert.Equal(t, int64(1), got.AccessCount)

	// The access bump is persisted before the copy is returned.
	again, err := s.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.AccessCount)
}

func TestStore_GetAbsent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Config{})

	got, err := s.Get(ctx, "absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStore_Expiry(t *testing.T) {
	ctx := context.Background()

	evicted := 0
	s := newStore(t, Config{
		OnEvict: func(_ string, reason cache.EvictReason, _ int64) {
			assert.Equal(t, cache.EvictTTL, reason)
			evicted++
		},
	})

	entry := newEntry("key1")
	entry.TTL = 20 * time.Millisecond
	entry.ExpiresAt = time.Now().Add(entry.TTL).UnixMilli()
	require.NoError(t, s.Set(ctx, "key1", entry))

	time.Sleep(40 * time.Millisecond)

	got, err := s.Get(ctx, "key1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 1, evicted)

	// The file was unlinked.
	_, err = os.Stat(filepath.Join(s.dir, "key1"+entrySuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Config{})

	require.NoError(t, s.Set(ctx, "key1", newEntry("key1")))

	removed, err := s.Delete(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestStore_KeysAndClear(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Config{})

	for i := 0; i < 3; i++ {
		key := fmt.Sprintf("key%d", i)
		require.NoError(t, s.Set(ctx, key, newEntry(key)))
	}

	// Stray files are not entries.
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("x"), 0o600))

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"key0", "key1", "key2"}, keys)

	n, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, s.Clear(ctx))

	n, err = s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestStore_MalformedEntry(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Config{})

	path := filepath.Join(s.dir, "bad"+entrySuffix)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	got, err := s.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Nil(t, got)

	// Best-effort deletion of the corrupt file.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_Has(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Config{})

	require.NoError(t, s.Set(ctx, "key1", newEntry("key1")))

	ok, err := s.Has(ctx, "key1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Has(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	expired := newEntry("key2")
	expired.TTL = time.Millisecond
	expired.ExpiresAt = time.Now().Add(-time.Second).UnixMilli()
	require.NoError(t, s.Set(ctx, "key2", expired))

	ok, err = s.Has(ctx, "key2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_RemoveExpired(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Config{})

	for i := 0; i < 2; i++ {
		key := fmt.Sprintf("expired%d", i)
		entry := newEntry(key)
		entry.TTL = time.Millisecond
		entry.ExpiresAt = time.Now().Add(-time.Second).UnixMilli()
		require.NoError(t, s.Set(ctx, key, entry))
	}
	require.NoError(t, s.Set(ctx, "live", newEntry("live")))

	removed, err := s.RemoveExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err := s.Size(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_QuotaCleanup(t *testing.T) {
	ctx := context.Background()

	var evicted []string
	s := newStore(t, Config{
		MaxDiskUsage: 300,
		OnEvict: func(key string, reason cache.EvictReason, _ int64) {
			if reason == cache.EvictLRU {
				evicted = append(evicted, key)
			}
		},
	})

	// Each entry file is well over 100 bytes of JSON.
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key%d", i)
		require.NoError(t, s.Set(ctx, key, newEntry(key)))
	}

	s.runCleanup()

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Less(t, len(keys), 5)
	assert.NotEmpty(t, evicted)

	var total int64
	for _, key := range keys {
		info, err := os.Stat(filepath.Join(s.dir, key+entrySuffix))
		require.NoError(t, err)
		total += info.Size()
	}
	assert.LessOrEqual(t, total, int64(300))
}

func TestStore_Compression(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Config{EnableCompression: true})

	entry := newEntry("key1")
	entry.Response = json.RawMessage(`"some compressible response body some compressible response body"`)
	require.NoError(t, s.Set(ctx, "key1", entry))

	// The entry file is gzip, not JSON.
	raw, err := os.ReadFile(filepath.Join(s.dir, "key1"+entrySuffix))
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(raw), 2)
	assert.Equal(t, byte(0x1f), raw[0])
	assert.Equal(t, byte(0x8b), raw[1])

	got, err := s.Get(ctx, "key1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, entry.Response, got.Response)
	assert.Equal(t, int64(1), got.AccessCount)

	// The access write-back stays compressed.
	raw, err = os.ReadFile(filepath.Join(s.dir, "key1"+entrySuffix))
	require.NoError(t, err)
	assert.Equal(t, byte(0x1f), raw[0])

	t.Run("plain JSON under compression is malformed", func(t *testing.T) {
		path := filepath.Join(s.dir, "plain"+entrySuffix)
		require.NoError(t, os.WriteFile(path, []byte(`{"key":"plain"}`), 0o600))

		got, err := s.Get(ctx, "plain")
		require.NoError(t, err)
		assert.Nil(t, got)

		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestStore_HealthCheck(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Config{})

	ok, err := s.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	// The sentinel does not linger.
	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.NotContains(t, keys, cache.HealthCheckKey)
}

func TestStore_Entries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Config{})

	require.NoError(t, s.Set(ctx, "a", newEntry("a")))
	require.NoError(t, s.Set(ctx, "b", newEntry("b")))

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	// Enumeration does not bump access counts.
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
}

func TestStore_NoTempFilesLeft(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, Config{})

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key%d", i)
		require.NoError(t, s.Set(ctx, key, newEntry(key)))
		_, err := s.Get(ctx, key)
		require.NoError(t, err)
	}

	dirents, err := os.ReadDir(s.dir)
	require.NoError(t, err)
	for _, d := range dirents {
		assert.NotContains(t, d.Name(), ".tmp")
	}
}
