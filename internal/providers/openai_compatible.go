package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAICompatibleConfig configures a provider speaking the OpenAI
// chat-completions wire format — OpenAI itself, and the many
// OpenAI-compatible gateways novels get routed through.
type OpenAICompatibleConfig struct {
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// OpenAICompatibleClient implements LLMClient over the OpenAI SDK.
type OpenAICompatibleClient struct {
	name         string
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
	client       openai.Client
}

// NewOpenAICompatibleClient creates a client bound to cfg.BaseURL. An
// empty BaseURL targets api.openai.com directly.
func NewOpenAICompatibleClient(cfg OpenAICompatibleConfig) *OpenAICompatibleClient {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithRequestTimeout(cfg.Timeout)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAICompatibleClient{
		name:         cfg.Name,
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		client:       openai.NewClient(opts...),
	}
}

// Name returns the provider's registry key.
func (c *OpenAICompatibleClient) Name() string { return c.name }

// Chat sends a chat completion request, retrying transient failures
// with avast/retry-go (spec.md §4.4: providers retry transport errors
// and 5xx/429 responses internally before surfacing a failure to the
// extraction transaction).
func (c *OpenAICompatibleClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	params := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_schema" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "extraction",
					Schema: req.ResponseFormat.JSONSchema,
					Strict: openai.Bool(true),
				},
			},
		}
	}

	var resp *openai.ChatCompletion
	err := retry.Do(
		func() error {
			var callErr error
			resp, callErr = c.client.Chat.Completions.New(ctx, params)
			return callErr
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
	)

	result := &ChatResult{
		Provider:      c.name,
		ModelUsed:     model,
		RequestID:     req.RequestID,
		ExecutionTime: time.Since(start),
	}
	if err != nil {
		result.Success = false
		result.ErrorType = string(ErrorKindTransport)
		result.ErrorMessage = err.Error()
		return result, fmt.Errorf("providers: %s chat: %w", c.name, err)
	}
	if len(resp.Choices) == 0 {
		result.Success = false
		result.ErrorType = string(ErrorKindEmpty)
		result.ErrorMessage = "no choices in response"
		return result, nil
	}

	result.Success = true
	result.Content = resp.Choices[0].Message.Content
	result.PromptTokens = int(resp.Usage.PromptTokens)
	result.CompletionTokens = int(resp.Usage.CompletionTokens)
	result.TotalTokens = int(resp.Usage.TotalTokens)
	return result, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
