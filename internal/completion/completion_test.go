package completion_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dracanus/internal/completion"
	"dracanus/internal/config"
)

func TestOllamaComplete(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"response": "hello", "model": "llama3.2", "eval_count": 42})
	}))
	defer srv.Close()

	b := completion.NewOllama(config.Backend{Name: "ollama", Kind: config.KindOllama, URL: srv.URL, Model: "llama3.2"}, srv.Client())
	resp, err := b.Complete(context.Background(), completion.Request{System: "sys", Prompt: "do it", Temperature: 0.7, MaxTokens: 2000, JSON: true})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "llama3.2", resp.Model)
	require.NotNil(t, resp.TokensUsed)
	assert.Equal(t, 42, *resp.TokensUsed)

	assert.Equal(t, "sys\n\nUser: do it", got["prompt"])
	assert.Equal(t, false, got["stream"])
	assert.Equal(t, "json", got["format"])
	opts := got["options"].(map[string]any)
	assert.Equal(t, 0.7, opts["temperature"])
	assert.Equal(t, float64(2000), opts["num_predict"])
	assert.Zero(t, b.Cost(resp.TokensUsed))
}

func TestPlusCoderSendsBearer(t *testing.T) {
	t.Setenv("TEST_PLUS_KEY", "secret")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/complete", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "sys", body["system"])
		assert.Equal(t, float64(100), body["max_tokens"])
		_ = json.NewEncoder(w).Encode(map[string]any{"completion": "done", "model": "pc-1", "tokens_used": 7})
	}))
	defer srv.Close()

	b := completion.NewPlusCoder(config.Backend{Name: "plus-coder", URL: srv.URL, APIKeyEnv: "TEST_PLUS_KEY"}, srv.Client())
	require.True(t, b.Configured())
	resp, err := b.Complete(context.Background(), completion.Request{System: "sys", Prompt: "p", MaxTokens: 100})
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Content)
	assert.Equal(t, "pc-1", resp.Model)
}

func TestOpenAIRequiresKey(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "")
	b := completion.NewOpenAI(config.Backend{Name: "openai", URL: "http://127.0.0.1:1", APIKeyEnv: "TEST_OPENAI_KEY"}, http.DefaultClient)
	assert.False(t, b.Configured())
	_, err := b.Complete(context.Background(), completion.Request{})
	assert.ErrorIs(t, err, completion.ErrNotConfigured)
}

func TestOpenAICompleteAndCost(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body struct {
			Messages []struct{ Role, Content string } `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Messages, 2)
		assert.Equal(t, "system", body.Messages[0].Role)
		assert.Equal(t, "user", body.Messages[1].Role)
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini","choices":[{"message":{"content":"ok"}}],"usage":{"total_tokens":1500}}`))
	}))
	defer srv.Close()

	b := completion.NewOpenAI(config.Backend{
		Name: "openai", URL: srv.URL, Model: "gpt-4o-mini", APIKeyEnv: "TEST_OPENAI_KEY",
		PricePer1KTokens: 0.002, RequestsPerMinute: 600,
	}, srv.Client())
	resp, err := b.Complete(context.Background(), completion.Request{System: "s", Prompt: "u"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	require.NotNil(t, resp.TokensUsed)
	assert.InDelta(t, 0.003, b.Cost(resp.TokensUsed), 1e-12)
	assert.Zero(t, b.Cost(nil))
}

func TestStatusErrorCarriesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	b := completion.NewOllama(config.Backend{Name: "ollama", URL: srv.URL}, srv.Client())
	_, err := b.Complete(context.Background(), completion.Request{})
	var se *completion.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.Status)
	assert.Contains(t, se.Error(), "model not loaded")
}

func TestFromConfigRegistersDeclaredBackends(t *testing.T) {
	cfg := config.Default()
	reg, err := completion.FromConfig(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ollama", "plus-coder", "openai"}, reg.FallbackOrder())
	for _, name := range []string{"ollama", "plus-coder", "openai"} {
		b, ok := reg.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, name, b.Name())
	}
	_, ok := reg.Get("missing")
	assert.False(t, ok)
}
