package ai

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var ErrUnknownProvider = errors.New("unknown ai provider")

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[normalizeName(name)]
	return ok
}

// Names lists the registered providers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = normalizeName(name)
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return f(ctx, model)
}

// Defaults carries the settings NewDefaultRegistry needs; it mirrors the
// AI_* / OLLAMA_* / OPENROUTER_* configuration.
type Defaults struct {
	OllamaBaseURL     string
	OllamaModel       string
	OpenRouterBaseURL string
	OpenRouterAPIKey  string
	OpenRouterModel   string
	OpenRouterSiteURL string
	OpenRouterAppName string
}

// NewDefaultRegistry registers Ollama and, when an API key is configured,
// OpenRouter. An empty model falls back to the configured default.
func NewDefaultRegistry(d Defaults) *Registry {
	reg := NewRegistry()
	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		m := strings.TrimSpace(model)
		if m == "" {
			m = d.OllamaModel
		}
		return NewOllamaProvider(d.OllamaBaseURL, m), nil
	})
	if strings.TrimSpace(d.OpenRouterAPIKey) != "" {
		reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
			m := strings.TrimSpace(model)
			if m == "" {
				m = d.OpenRouterModel
			}
			return NewOpenRouterProvider(d.OpenRouterBaseURL, d.OpenRouterAPIKey, m, d.OpenRouterSiteURL, d.OpenRouterAppName), nil
		})
	}
	return reg
}
