package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"dracanus/internal/config"
)

const maxErrorBody = 512

// httpBackend carries what every HTTP adapter shares.
type httpBackend struct {
	cfg    config.Backend
	client *http.Client
}

func (h httpBackend) Name() string { return h.cfg.Name }

func (h httpBackend) Configured() bool {
	return h.cfg.APIKeyEnv == "" || h.cfg.APIKey() != ""
}

func (h httpBackend) Cost(tokens *int) float64 {
	if tokens == nil || h.cfg.PricePer1KTokens == 0 {
		return 0
	}
	return float64(*tokens) / 1000 * h.cfg.PricePer1KTokens
}

func (h httpBackend) endpoint(path string) string {
	return strings.TrimRight(h.cfg.URL, "/") + path
}

// postJSON sends body and decodes a 2xx response into out.
func (h httpBackend) postJSON(ctx context.Context, path string, headers map[string]string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", h.cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Backend: h.cfg.Name, Status: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s response: %w", h.cfg.Name, err)
	}
	return nil
}

func intPtr(v int) *int { return &v }
