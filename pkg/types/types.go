// Package types defines the request and response data structures shared by
// the cache core. Message shapes are compatible with OpenAI's Chat
// Completion API format.
package types

import (
	"strings"

	"github.com/goccy/go-json"
)

// Provider identifies the upstream LLM provider a response came from.
type Provider string

// Known providers.
const (
	ProviderOpenAI      Provider = "openai"
	ProviderAnthropic   Provider = "anthropic"
	ProviderClaude      Provider = "claude"
	ProviderGemini      Provider = "gemini"
	ProviderMistral     Provider = "mistral"
	ProviderGroq        Provider = "groq"
	ProviderOllama      Provider = "ollama"
	ProviderOpenAILike  Provider = "openai-like"
	ProviderHuggingFace Provider = "huggingface"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleFunction  = "function"
)

// ChatMessage represents a single message in the conversation.
// Content is either a JSON string or an array of typed content parts.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
	Name    string          `json:"name,omitempty"`
}

// ContentPart is one element of a multi-part message content.
// Only text parts carry cacheable content.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// NewTextMessage builds a message with plain string content.
func NewTextMessage(role, text string) ChatMessage {
	content, _ := json.Marshal(text)
	return ChatMessage{Role: role, Content: content}
}

// Text extracts the textual content of the message. String content is
// returned as is; part arrays contribute the text of each part joined by
// single spaces, with non-text parts contributing nothing. Malformed
// content yields the empty string.
func (m ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(m.Content, &s); err == nil {
		return s
	}

	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}

	texts := make([]string, 0, len(parts))
	for _, p := range parts {
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, " ")
}

// GenerationConfig carries the generation parameters of a request.
// Only the cache-sensitive subset influences key derivation; fields like
// User and Stream are accepted and ignored by the key generator.
type GenerationConfig struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	TopK             *float64        `json:"top_k,omitempty"`
	MaxTokens        *float64        `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	Stop             json.RawMessage `json:"stop,omitempty"`
	ResponseFormat   json.RawMessage `json:"response_format,omitempty"`

	// Passed through unchanged, never part of the cache key.
	User    string `json:"user,omitempty"`
	Stream  bool   `json:"stream,omitempty"`
	Timeout int    `json:"timeout,omitempty"`
}

// Usage holds token accounting reported by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the cacheable unit produced by a provider: an opaque
// serialized payload plus optional token accounting.
type Response struct {
	Content json.RawMessage `json:"content"`
	Usage   *Usage          `json:"usage,omitempty"`
}

// NewTextResponse builds a response whose content is a plain string.
func NewTextResponse(text string) *Response {
	content, _ := json.Marshal(text)
	return &Response{Content: content}
}
