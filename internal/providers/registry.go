package providers

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrLLMNotFound is returned when a provider name isn't registered.
var ErrLLMNotFound = errors.New("providers: llm client not found")

// Registry holds the configured LLM providers, keyed by name (always
// lowercase — spec.md's Open Questions decided provider names are
// case-normalized at registration so "OpenAI" and "openai" never
// collide in the queue/throttle key space).
type Registry struct {
	mu      sync.RWMutex
	clients map[string]LLMClient
	logger  *slog.Logger
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]LLMClient),
		logger:  slog.Default(),
	}
}

// SetLogger overrides the registry's logger.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds or replaces a provider under client.Name().
func (r *Registry) Register(client LLMClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := normalizeName(client.Name())
	r.clients[name] = client
	r.logger.Info("registered provider", "name", name)
}

// Unregister removes a provider by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, normalizeName(name))
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (LLMClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[normalizeName(name)]
	if !ok {
		return nil, ErrLLMNotFound
	}
	return c, nil
}

// Names returns every registered provider name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}

func normalizeName(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}
