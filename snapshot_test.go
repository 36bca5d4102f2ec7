package llmcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmcache/pkg/cache"
	"github.com/blueberrycongee/llmcache/pkg/types"
)

func TestSnapshot_RoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.snapshot.json")

	src := newManager(t, nil)

	reqs := []*Request{
		chatRequest("first prompt", "gpt-4", types.ProviderOpenAI),
		chatRequest("second prompt", "gpt-3.5-turbo", types.ProviderOpenAI),
		chatRequest("third prompt", "claude-3-haiku", types.ProviderClaude),
	}
	for i, req := range reqs {
		usage := &types.Usage{PromptTokens: 10 * (i + 1), CompletionTokens: 5, TotalTokens: 10*(i+1) + 5}
		src.Set(ctx, req, textResponse("response", usage), nil)
	}

	require.NoError(t, src.Export(ctx, path))

	dst := newManager(t, nil)
	require.NoError(t, dst.Import(ctx, path))

	assert.Equal(t, dst.Size(ctx), src.Size(ctx))
	for _, req := range reqs {
		res := dst.Get(ctx, req, nil)
		require.True(t, res.Hit)
		assert.Equal(t, json.RawMessage(`"response"`), res.Data)
	}
}

func TestSnapshot_Format(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.snapshot.json")

	m := newManager(t, nil)
	m.Set(ctx, chatRequest("hello", "gpt-4", types.ProviderOpenAI), textResponse("hi", nil), nil)

	require.NoError(t, m.Export(ctx, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))

	assert.Equal(t, SnapshotVersion, snap.Version)
	assert.Greater(t, snap.Timestamp, int64(0))
	assert.Equal(t, cache.BackendMemory, snap.Config.Backend)
	require.Len(t, snap.Entries, 1)
	assert.True(t, ValidKey(snap.Entries[0].Key))
}

func TestSnapshot_ExportDoesNotCountAsAccess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.snapshot.json")

	m := newManager(t, nil)
	req := chatRequest("untouched", "gpt-4", types.ProviderOpenAI)
	m.Set(ctx, req, textResponse("r", nil), nil)

	require.NoError(t, m.Export(ctx, path))

	res := m.Get(ctx, req, nil)
	require.True(t, res.Hit)
	assert.Equal(t, int64(1), res.Entry.AccessCount)
}

func TestSnapshot_ImportSkipsExpired(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.snapshot.json")

	src := newManager(t, nil)
	src.Set(ctx, chatRequest("durable", "gpt-4", types.ProviderOpenAI), textResponse("r", nil), nil)
	src.Set(ctx, chatRequest("fleeting", "gpt-4", types.ProviderOpenAI), textResponse("r", nil),
		&Control{TTL: 10 * time.Millisecond})

	require.NoError(t, src.Export(ctx, path))

	time.Sleep(25 * time.Millisecond)

	dst := newManager(t, nil)
	require.NoError(t, dst.Import(ctx, path))

	assert.Equal(t, 1, dst.Size(ctx))
	assert.True(t, dst.Get(ctx, chatRequest("durable", "gpt-4", types.ProviderOpenAI), nil).Hit)
	assert.False(t, dst.Get(ctx, chatRequest("fleeting", "gpt-4", types.ProviderOpenAI), nil).Hit)
}

func TestSnapshot_ImportEmitsSetEvents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.snapshot.json")

	src := newManager(t, nil)
	src.Set(ctx, chatRequest("observed", "gpt-4", types.ProviderOpenAI), textResponse("r", nil), nil)
	require.NoError(t, src.Export(ctx, path))

	dst := newManager(t, nil)
	sets := 0
	dst.Subscribe(EventSet, func(Event) { sets++ })

	require.NoError(t, dst.Import(ctx, path))
	assert.Equal(t, 1, sets)

	// Counting history is not restored, only contents.
	st := dst.Stats()
	assert.Equal(t, int64(0), st.Hits)
	assert.Equal(t, int64(1), st.Entries)
}

func TestSnapshot_ImportErrors(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil)

	t.Run("missing file", func(t *testing.T) {
		require.Error(t, m.Import(ctx, filepath.Join(t.TempDir(), "absent.json")))
	})

	t.Run("malformed snapshot", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))
		require.Error(t, m.Import(ctx, path))
	})
}
