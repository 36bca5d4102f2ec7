package llmcache

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/llmcache/pkg/cache"
	"github.com/blueberrycongee/llmcache/pkg/types"
)

func userMessage(text string) []types.ChatMessage {
	return []types.ChatMessage{types.NewTextMessage(types.RoleUser, text)}
}

func floatPtr(v float64) *float64 { return &v }

func TestKeyGenerator_Determinism(t *testing.T) {
	gen := NewKeyGenerator(cache.DefaultNormalization())

	msgs := userMessage("Hello, world!")
	cfg := &types.GenerationConfig{Temperature: floatPtr(0.7), MaxTokens: floatPtr(100)}

	key1 := gen.GenerateKey(msgs, "gpt-3.5-turbo", types.ProviderOpenAI, cfg)
	key2 := gen.GenerateKey(msgs, "gpt-3.5-turbo", types.ProviderOpenAI, cfg)

	assert.Equal(t, key1, key2)
	assert.True(t, ValidKey(key1))
}

func TestKeyGenerator_Normalization(t *testing.T) {
	t.Run("whitespace collapsed by default", func(t *testing.T) {
		gen := NewKeyGenerator(cache.DefaultNormalization())

		key1 := gen.GenerateKey(userMessage("Hello,  world!"), "gpt-4", types.ProviderOpenAI, nil)
		key2 := gen.GenerateKey(userMessage("Hello, world!"), "gpt-4", types.ProviderOpenAI, nil)
		assert.Equal(t, key1, key2)
	})

	t.Run("whitespace preserved when disabled", func(t *testing.T) {
		norm := cache.DefaultNormalization()
		norm.NormalizeWhitespace = false
		gen := NewKeyGenerator(norm)

		key1 := gen.GenerateKey(userMessage("Hello,  world!"), "gpt-4", types.ProviderOpenAI, nil)
		key2 := gen.GenerateKey(userMessage("Hello, world!"), "gpt-4", types.ProviderOpenAI, nil)
		assert.NotEqual(t, key1, key2)
	})

	t.Run("case insensitive by default", func(t *testing.T) {
		gen := NewKeyGenerator(cache.DefaultNormalization())

		key1 := gen.GenerateKey(userMessage("HELLO"), "gpt-4", types.ProviderOpenAI, nil)
		key2 := gen.GenerateKey(userMessage("hello"), "gpt-4", types.ProviderOpenAI, nil)
		assert.Equal(t, key1, key2)
	})

	t.Run("case sensitive when configured", func(t *testing.T) {
		norm := cache.DefaultNormalization()
		norm.CaseSensitive = true
		gen := NewKeyGenerator(norm)

		key1 := gen.GenerateKey(userMessage("HELLO"), "gpt-4", types.ProviderOpenAI, nil)
		key2 := gen.GenerateKey(userMessage("hello"), "gpt-4", types.ProviderOpenAI, nil)
		assert.NotEqual(t, key1, key2)
	})

	t.Run("punctuation stripped when configured", func(t *testing.T) {
		norm := cache.DefaultNormalization()
		norm.IgnorePunctuation = true
		gen := NewKeyGenerator(norm)

		key1 := gen.GenerateKey(userMessage("Hello, world!"), "gpt-4", types.ProviderOpenAI, nil)
		key2 := gen.GenerateKey(userMessage("Hello world"), "gpt-4", types.ProviderOpenAI, nil)
		assert.Equal(t, key1, key2)
	})
}

func TestKeyGenerator_ParameterSensitivity(t *testing.T) {
	gen := NewKeyGenerator(cache.DefaultNormalization())
	msgs := userMessage("hello")

	base := func() *types.GenerationConfig {
		return &types.GenerationConfig{Temperature: floatPtr(0.70)}
	}
	baseKey := gen.GenerateKey(msgs, "gpt-4", types.ProviderOpenAI, base())

	t.Run("temperature second decimal", func(t *testing.T) {
		cfg := base()
		cfg.Temperature = floatPtr(0.71)
		assert.NotEqual(t, baseKey, gen.GenerateKey(msgs, "gpt-4", types.ProviderOpenAI, cfg))
	})

	t.Run("temperature third decimal rounds away", func(t *testing.T) {
		cfg := base()
		cfg.Temperature = floatPtr(0.701)
		assert.Equal(t, baseKey, gen.GenerateKey(msgs, "gpt-4", types.ProviderOpenAI, cfg))
	})

	t.Run("stop sequences", func(t *testing.T) {
		cfg := base()
		cfg.Stop = json.RawMessage(`["\n"]`)
		assert.NotEqual(t, baseKey, gen.GenerateKey(msgs, "gpt-4", types.ProviderOpenAI, cfg))
	})

	t.Run("max tokens rounds to integer", func(t *testing.T) {
		cfg1 := base()
		cfg1.MaxTokens = floatPtr(100)
		cfg2 := base()
		cfg2.MaxTokens = floatPtr(100.4)
		assert.Equal(t,
			gen.GenerateKey(msgs, "gpt-4", types.ProviderOpenAI, cfg1),
			gen.GenerateKey(msgs, "gpt-4", types.ProviderOpenAI, cfg2))
	})

	t.Run("ignored fields do not affect the key", func(t *testing.T) {
		cfg := base()
		cfg.User = "user-42"
		cfg.Timeout = 30
		assert.Equal(t, baseKey, gen.GenerateKey(msgs, "gpt-4", types.ProviderOpenAI, cfg))
	})

	t.Run("absent config equals empty params", func(t *testing.T) {
		key1 := gen.GenerateKey(msgs, "gpt-4", types.ProviderOpenAI, nil)
		key2 := gen.GenerateKey(msgs, "gpt-4", types.ProviderOpenAI, &types.GenerationConfig{})
		assert.Equal(t, key1, key2)
	})
}

func TestKeyGenerator_ModelProviderSensitivity(t *testing.T) {
	gen := NewKeyGenerator(cache.DefaultNormalization())
	msgs := userMessage("hello")

	base := gen.GenerateKey(msgs, "gpt-3.5-turbo", types.ProviderOpenAI, nil)

	assert.NotEqual(t, base, gen.GenerateKey(msgs, "gpt-4", types.ProviderOpenAI, nil))
	assert.NotEqual(t, base, gen.GenerateKey(msgs, "gpt-3.5-turbo", types.ProviderClaude, nil))

	t.Run("model is lowercased and trimmed", func(t *testing.T) {
		assert.Equal(t, base, gen.GenerateKey(msgs, "  GPT-3.5-Turbo ", types.ProviderOpenAI, nil))
	})
}

func TestKeyGenerator_MessageFlattening(t *testing.T) {
	gen := NewKeyGenerator(cache.DefaultNormalization())

	t.Run("role changes the key", func(t *testing.T) {
		key1 := gen.GenerateKey(
			[]types.ChatMessage{types.NewTextMessage(types.RoleUser, "hi")},
			"gpt-4", types.ProviderOpenAI, nil)
		key2 := gen.GenerateKey(
			[]types.ChatMessage{types.NewTextMessage(types.RoleSystem, "hi")},
			"gpt-4", types.ProviderOpenAI, nil)
		assert.NotEqual(t, key1, key2)
	})

	t.Run("typed parts equal joined text", func(t *testing.T) {
		parts := types.ChatMessage{
			Role:    types.RoleUser,
			Content: json.RawMessage(`[{"type":"text","text":"hello"},{"type":"text","text":"world"}]`),
		}
		key1 := gen.GenerateKey([]types.ChatMessage{parts}, "gpt-4", types.ProviderOpenAI, nil)
		key2 := gen.GenerateKey(userMessage("hello world"), "gpt-4", types.ProviderOpenAI, nil)
		assert.Equal(t, key1, key2)
	})

	t.Run("non-text parts contribute empty text", func(t *testing.T) {
		withImage := types.ChatMessage{
			Role:    types.RoleUser,
			Content: json.RawMessage(`[{"type":"text","text":"hello"},{"type":"image_url"}]`),
		}
		key := gen.GenerateKey([]types.ChatMessage{withImage}, "gpt-4", types.ProviderOpenAI, nil)
		assert.True(t, ValidKey(key))
	})

	t.Run("malformed content treated as empty", func(t *testing.T) {
		bad := types.ChatMessage{Role: types.RoleUser, Content: json.RawMessage(`{"oops":1}`)}
		empty := types.ChatMessage{Role: types.RoleUser, Content: json.RawMessage(`""`)}
		key1 := gen.GenerateKey([]types.ChatMessage{bad}, "gpt-4", types.ProviderOpenAI, nil)
		key2 := gen.GenerateKey([]types.ChatMessage{empty}, "gpt-4", types.ProviderOpenAI, nil)
		assert.Equal(t, key1, key2)
	})
}

func TestKeyGenerator_PromptHash(t *testing.T) {
	gen := NewKeyGenerator(cache.DefaultNormalization())

	hash := gen.PromptHash(userMessage("Hello"))
	require.Len(t, hash, 64)
	assert.True(t, ValidKey(hash))

	assert.Equal(t, hash, gen.PromptHash(userMessage("hello")))
}

func TestKeyGenerator_SortJSONKeys(t *testing.T) {
	norm := cache.DefaultNormalization()
	norm.SortJSONKeys = true
	gen := NewKeyGenerator(norm)

	cfg1 := &types.GenerationConfig{
		ResponseFormat: json.RawMessage(`{"type":"json_object","schema":{"b":1,"a":2}}`),
	}
	cfg2 := &types.GenerationConfig{
		ResponseFormat: json.RawMessage(`{"schema":{"a":2,"b":1},"type":"json_object"}`),
	}

	msgs := userMessage("hello")
	assert.Equal(t,
		gen.GenerateKey(msgs, "gpt-4", types.ProviderOpenAI, cfg1),
		gen.GenerateKey(msgs, "gpt-4", types.ProviderOpenAI, cfg2))
}

func TestValidKey(t *testing.T) {
	assert.False(t, ValidKey("short"))
	assert.False(t, ValidKey("G123456789012345678901234567890123456789012345678901234567890123"))

	gen := NewKeyGenerator(cache.DefaultNormalization())
	assert.True(t, ValidKey(gen.GenerateKey(nil, "m", types.ProviderOpenAI, nil)))
}
