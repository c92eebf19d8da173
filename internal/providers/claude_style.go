package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
)

// ClaudeStyleConfig configures a provider speaking Anthropic's
// Messages API wire format, which differs from the OpenAI shape
// enough (top-level "system", separate content blocks, no
// "response_format") that it isn't worth forcing through the OpenAI
// SDK — no Anthropic SDK is available in this project's dependency
// set, so this talks the documented HTTP+JSON protocol directly.
type ClaudeStyleConfig struct {
	Name         string
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	MaxRetries   int
	RetryDelay   time.Duration
}

// ClaudeStyleClient implements LLMClient over the Anthropic Messages API.
type ClaudeStyleClient struct {
	name         string
	apiKey       string
	baseURL      string
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
	httpClient   *http.Client
}

const defaultClaudeBaseURL = "https://api.anthropic.com/v1"

// NewClaudeStyleClient creates a Claude-style provider client.
func NewClaudeStyleClient(cfg ClaudeStyleConfig) *ClaudeStyleClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultClaudeBaseURL
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-3-5-sonnet-latest"
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
	return &ClaudeStyleClient{
		name:         cfg.Name,
		apiKey:       cfg.APIKey,
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		httpClient:   &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *ClaudeStyleClient) Name() string { return c.name }

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
}

type claudeContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	Content    []claudeContentBlock `json:"content"`
	Usage      claudeUsage          `json:"usage"`
	StopReason string               `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat sends a message request to the Anthropic Messages API.
func (c *ClaudeStyleClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	creq := claudeRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if creq.MaxTokens == 0 {
		creq.MaxTokens = 4096
	}
	for _, m := range req.Messages {
		if m.Role == "system" {
			creq.System = m.Content
			continue
		}
		creq.Messages = append(creq.Messages, claudeMessage{Role: m.Role, Content: m.Content})
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}

	var cresp claudeResponse
	err := retry.Do(
		func() error {
			return c.doRequest(ctx, creq, &cresp)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.maxRetries)),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.BackOffDelay),
	)

	result := &ChatResult{
		Provider:      c.name,
		ModelUsed:     model,
		RequestID:     requestID,
		ExecutionTime: time.Since(start),
	}
	if err != nil {
		result.Success = false
		result.ErrorType = string(ErrorKindTransport)
		result.ErrorMessage = err.Error()
		return result, fmt.Errorf("providers: %s chat: %w", c.name, err)
	}
	if cresp.Error != nil {
		result.Success = false
		result.ErrorType = string(ErrorKindExplicit)
		result.ErrorMessage = cresp.Error.Message
		return result, nil
	}
	if len(cresp.Content) == 0 {
		result.Success = false
		result.ErrorType = string(ErrorKindEmpty)
		result.ErrorMessage = "no content blocks in response"
		return result, nil
	}

	result.Success = true
	result.Content = cresp.Content[0].Text
	result.PromptTokens = cresp.Usage.InputTokens
	result.CompletionTokens = cresp.Usage.OutputTokens
	result.TotalTokens = cresp.Usage.InputTokens + cresp.Usage.OutputTokens
	return result, nil
}

func (c *ClaudeStyleClient) doRequest(ctx context.Context, creq claudeRequest, out *claudeResponse) error {
	body, err := json.Marshal(creq)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("retryable status %d: %s", resp.StatusCode, string(respBody))
	}
	if resp.StatusCode != http.StatusOK {
		return retry.Unrecoverable(fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return retry.Unrecoverable(fmt.Errorf("unmarshal response: %w", err))
	}
	return nil
}
