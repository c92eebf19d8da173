// Package providers implements the capability-based LLM provider
// abstraction spec.md §4.4 describes: a single Chat interface with
// concrete implementations for OpenAI-compatible, Claude-style, and
// local-proxy backends, plus the synthetic rules provider in
// internal/rules. Every implementation exposes Name() and Chat() so
// the extraction pipeline treats all four the same way.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// LLMClient is the interface every provider kind implements.
type LLMClient interface {
	// Chat sends a chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Name returns the provider identifier used as the queue/throttle key.
	Name() string
}

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ResponseFormat requests structured JSON output, validated downstream
// against internal/extract's JSON schema (spec.md §4.5).
type ResponseFormat struct {
	Type       string          `json:"type"` // "json_schema"
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// ChatRequest is a request to an LLM provider.
type ChatRequest struct {
	Messages       []Message       `json:"messages"`
	Model          string          `json:"model,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Timeout        time.Duration   `json:"-"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	RequestID      string          `json:"-"`
}

// ChatResult is the outcome of a provider call.
type ChatResult struct {
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"`

	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`

	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"execution_time"`

	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`

	Success      bool   `json:"success"`
	ErrorType    string `json:"error_type,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryAfter   time.Duration
}

// ErrorKind classifies a provider failure for the throttle and
// auto-retry policies in spec.md §4.4/§4.7 ("transport", "parse",
// "empty", or "explicit" errors are handled differently).
type ErrorKind string

const (
	ErrorKindNone      ErrorKind = ""
	ErrorKindTransport ErrorKind = "transport"
	ErrorKindRateLimit ErrorKind = "rate_limit"
	ErrorKindParse     ErrorKind = "parse"
	ErrorKindEmpty     ErrorKind = "empty"
	ErrorKindExplicit  ErrorKind = "explicit"
)

// Classify maps a ChatResult's error fields onto an ErrorKind.
func Classify(result *ChatResult, err error) ErrorKind {
	if err != nil {
		return ErrorKindTransport
	}
	if result == nil || !result.Success {
		if result != nil && result.ErrorType == "rate_limit" {
			return ErrorKindRateLimit
		}
		return ErrorKindExplicit
	}
	if result.Content == "" {
		return ErrorKindEmpty
	}
	return ErrorKindNone
}
