// Package completiontest provides a deterministic completion backend for tests.
package completiontest

import (
	"context"
	"sync"

	"dracanus/internal/completion"
)

// Backend returns Content (or Err) on every call and records requests.
// Handler, when set, overrides both.
type Backend struct {
	BackendName  string
	Content      string
	Model        string
	Tokens       *int
	Err          error
	Price        float64
	Unconfigured bool
	Handler      func(req completion.Request) (completion.Response, error)

	mu    sync.Mutex
	calls []completion.Request
}

var _ completion.Backend = (*Backend)(nil)

// New returns a stub named name answering content.
func New(name, content string) *Backend {
	return &Backend{BackendName: name, Content: content, Model: name + "-model"}
}

// Failing returns a stub named name that always fails with err.
func Failing(name string, err error) *Backend {
	return &Backend{BackendName: name, Err: err, Model: name + "-model"}
}

func (b *Backend) Name() string { return b.BackendName }

func (b *Backend) Configured() bool { return !b.Unconfigured }

func (b *Backend) Complete(_ context.Context, req completion.Request) (completion.Response, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	b.mu.Unlock()
	if b.Handler != nil {
		return b.Handler(req)
	}
	if b.Err != nil {
		return completion.Response{}, b.Err
	}
	return completion.Response{Content: b.Content, Model: b.Model, TokensUsed: b.Tokens}, nil
}

func (b *Backend) Cost(tokens *int) float64 {
	if tokens == nil {
		return 0
	}
	return float64(*tokens) / 1000 * b.Price
}

// Calls returns a copy of the recorded requests.
func (b *Backend) Calls() []completion.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]completion.Request(nil), b.calls...)
}

// Tokens is a helper for building the Tokens field.
func Tokens(n int) *int { return &n }
