package providers

import "time"

// NewLocalProxyClient builds a provider for a self-hosted inference
// server speaking the OpenAI chat-completions format (vLLM, llama.cpp
// server, text-generation-inference, ...). It differs from
// OpenAICompatibleClient only in defaults: no API key is required and
// baseURL always points at a local address.
func NewLocalProxyClient(name, baseURL, defaultModel string, timeout time.Duration) *OpenAICompatibleClient {
	return NewOpenAICompatibleClient(OpenAICompatibleConfig{
		Name:         name,
		APIKey:       "local",
		BaseURL:      baseURL,
		DefaultModel: defaultModel,
		Timeout:      timeout,
	})
}
