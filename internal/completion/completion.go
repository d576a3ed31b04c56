// Package completion adapts the text-generation backends behind one
// interface. Backends are addressed by the name declared in dracanus.yml.
package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"dracanus/internal/config"
)

// Request is one completion call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// JSON asks the backend to constrain output to a JSON document.
	JSON bool
}

// Response is the normalized backend answer. TokensUsed is nil when the
// backend does not report usage.
type Response struct {
	Content    string
	Model      string
	TokensUsed *int
}

type Backend interface {
	Name() string
	// Configured reports whether credentials required by the backend are present.
	Configured() bool
	Complete(ctx context.Context, req Request) (Response, error)
	// Cost prices a call that used tokens tokens.
	Cost(tokens *int) float64
}

// ErrNotConfigured is returned by a backend whose credentials are missing.
var ErrNotConfigured = errors.New("backend not configured")

// StatusError is a non-2xx backend response.
type StatusError struct {
	Backend string
	Status  int
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Backend, e.Status, e.Body)
}

// Registry holds the configured backends and the fallback order.
type Registry struct {
	backends map[string]Backend
	order    []string
}

// NewRegistry builds a registry from explicit backends. order lists backend
// names in fallback order.
func NewRegistry(order []string, backends ...Backend) *Registry {
	r := &Registry{backends: map[string]Backend{}, order: append([]string(nil), order...)}
	for _, b := range backends {
		r.backends[b.Name()] = b
	}
	return r
}

// FromConfig builds HTTP adapters for every backend declared in cfg.
func FromConfig(cfg *config.Config, client *http.Client, logger *zap.Logger) (*Registry, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.Completion.Timeout()}
	}
	var backends []Backend
	for _, b := range cfg.Backends {
		switch b.Kind {
		case config.KindOllama:
			backends = append(backends, NewOllama(b, client))
		case config.KindPlusCoder:
			backends = append(backends, NewPlusCoder(b, client))
		case config.KindOpenAI:
			backends = append(backends, NewOpenAI(b, client))
		default:
			return nil, fmt.Errorf("backend %s: unknown kind %q", b.Name, b.Kind)
		}
		if logger != nil {
			logger.Debug("completion backend registered", zap.String("backend", b.Name), zap.String("kind", b.Kind))
		}
	}
	return NewRegistry(cfg.Completion.FallbackOrder, backends...), nil
}

func (r *Registry) Get(name string) (Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// FallbackOrder returns a copy of the configured order.
func (r *Registry) FallbackOrder() []string {
	return append([]string(nil), r.order...)
}
