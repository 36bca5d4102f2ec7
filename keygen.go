package llmcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/goccy/go-json"

	"github.com/blueberrycongee/llmcache/pkg/cache"
	"github.com/blueberrycongee/llmcache/pkg/types"
)

// keyPattern matches a well-formed cache key.
var keyPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidKey reports whether key is a well-formed 64-hex fingerprint.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// KeyGenerator derives deterministic cache keys from requests. It is pure
// and safe for concurrent use.
type KeyGenerator struct {
	norm cache.Normalization
}

// NewKeyGenerator creates a key generator with the given normalization
// policy.
func NewKeyGenerator(norm cache.Normalization) *KeyGenerator {
	return &KeyGenerator{norm: norm}
}

// GenerateKey returns the 64-hex fingerprint of (messages, model,
// provider, cache-sensitive parameters). Two semantically equivalent
// requests under the normalization policy produce equal keys.
func (g *KeyGenerator) GenerateKey(messages []types.ChatMessage, model string, provider types.Provider, cfg *types.GenerationConfig) string {
	promptHash := g.PromptHash(messages)
	paramsHash := hashHex(g.canonicalParams(cfg))

	model = toLowerTrim(model)

	var sb strings.Builder
	sb.WriteString("prompt:")
	sb.WriteString(promptHash)
	sb.WriteString("|model:")
	sb.WriteString(model)
	sb.WriteString("|provider:")
	sb.WriteString(string(provider))
	sb.WriteString("|params:")
	sb.WriteString(paramsHash)

	return hashHex([]byte(sb.String()))
}

// PromptHash returns the SHA-256 fingerprint of the normalized prompt
// text alone.
func (g *KeyGenerator) PromptHash(messages []types.ChatMessage) string {
	return hashHex([]byte(g.normalize(flattenMessages(messages))))
}

// CanonicalParams returns the canonical serialized form of the
// cache-sensitive parameters, for storage alongside the entry.
func (g *KeyGenerator) CanonicalParams(cfg *types.GenerationConfig) json.RawMessage {
	return g.canonicalParams(cfg)
}

func toLowerTrim(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// flattenMessages joins "<role>:<content>" segments with newlines, in
// order. Typed-part content contributes the space-joined text of its
// parts; malformed content contributes empty text.
func flattenMessages(messages []types.ChatMessage) string {
	segments := make([]string, 0, len(messages))
	for _, m := range messages {
		segments = append(segments, m.Role+":"+m.Text())
	}
	return strings.Join(segments, "\n")
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// normalize applies the configured normalization policy to prompt text.
func (g *KeyGenerator) normalize(text string) string {
	if g.norm.NormalizeWhitespace {
		text = strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
	}
	if !g.norm.CaseSensitive {
		text = strings.ToLower(text)
	}
	if g.norm.IgnorePunctuation {
		text = strings.Map(func(r rune) rune {
			if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
				return r
			}
			return -1
		}, text)
	}
	return text
}

// canonicalParams extracts the cache-sensitive parameter subset in its
// canonical textual form: float parameters rounded to two decimals,
// integer parameters rounded to the nearest integer, stop sequences and
// response format preserved structurally. Absent parameters are omitted,
// and fields outside the subset (user, stream, timeout) are ignored.
func (g *KeyGenerator) canonicalParams(cfg *types.GenerationConfig) json.RawMessage {
	params := map[string]any{}
	if cfg != nil {
		putRounded(params, "temperature", cfg.Temperature)
		putRounded(params, "top_p", cfg.TopP)
		putRounded(params, "frequency_penalty", cfg.FrequencyPenalty)
		putRounded(params, "presence_penalty", cfg.PresencePenalty)
		putInteger(params, "top_k", cfg.TopK)
		putInteger(params, "max_tokens", cfg.MaxTokens)
		if len(cfg.Stop) > 0 {
			params["stop"] = json.RawMessage(cfg.Stop)
		}
		if len(cfg.ResponseFormat) > 0 {
			params["response_format"] = json.RawMessage(cfg.ResponseFormat)
		}
	}

	if g.norm.SortJSONKeys {
		return marshalSorted(params)
	}

	// Without key sorting, serialize in the fixed extraction order.
	var sb strings.Builder
	sb.WriteByte('{')
	first := true
	for _, k := range []string{
		"temperature", "top_p", "frequency_penalty", "presence_penalty",
		"top_k", "max_tokens", "stop", "response_format",
	} {
		v, ok := params[k]
		if !ok {
			continue
		}
		if !first {
			sb.WriteByte(',')
		}
		first = false
		data, _ := json.Marshal(v)
		fmt.Fprintf(&sb, "%q:%s", k, data)
	}
	sb.WriteByte('}')
	return json.RawMessage(sb.String())
}

// marshalSorted serializes with recursively sorted object keys. Arrays
// keep their order. Round-tripping through unmarshal turns every nested
// object into a map, which marshals with sorted keys.
func marshalSorted(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return data
	}
	sorted, err := json.Marshal(generic)
	if err != nil {
		return data
	}
	return sorted
}

func putRounded(params map[string]any, key string, v *float64) {
	if v == nil {
		return
	}
	params[key] = math.Round(*v*100) / 100
}

func putInteger(params map[string]any, key string, v *float64) {
	if v == nil {
		return
	}
	params[key] = int64(math.Round(*v))
}
