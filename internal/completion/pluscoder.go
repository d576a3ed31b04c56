package completion

import (
	"context"
	"net/http"

	"dracanus/internal/config"
)

// PlusCoder is the hosted coding backend.
type PlusCoder struct {
	httpBackend
}

func NewPlusCoder(cfg config.Backend, client *http.Client) *PlusCoder {
	return &PlusCoder{httpBackend{cfg: cfg, client: client}}
}

type plusCoderRequest struct {
	System      string  `json:"system"`
	Prompt      string  `json:"prompt"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

type plusCoderResponse struct {
	Completion string `json:"completion"`
	Model      string `json:"model"`
	TokensUsed *int   `json:"tokens_used"`
}

func (p *PlusCoder) Complete(ctx context.Context, req Request) (Response, error) {
	if !p.Configured() {
		return Response{}, ErrNotConfigured
	}
	headers := map[string]string{}
	if key := p.cfg.APIKey(); key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	var out plusCoderResponse
	err := p.postJSON(ctx, "/v1/complete", headers, plusCoderRequest{
		System:      req.System,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, &out)
	if err != nil {
		return Response{}, err
	}
	model := out.Model
	if model == "" {
		model = p.cfg.Model
	}
	return Response{Content: out.Completion, Model: model, TokensUsed: out.TokensUsed}, nil
}
