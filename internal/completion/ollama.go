package completion

import (
	"context"
	"net/http"

	"dracanus/internal/config"
)

// Ollama talks to a local ollama server. It is free and needs no key.
type Ollama struct {
	httpBackend
}

func NewOllama(cfg config.Backend, client *http.Client) *Ollama {
	return &Ollama{httpBackend{cfg: cfg, client: client}}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format,omitempty"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

type ollamaResponse struct {
	Response  string `json:"response"`
	Model     string `json:"model"`
	EvalCount *int   `json:"eval_count"`
}

func (o *Ollama) Complete(ctx context.Context, req Request) (Response, error) {
	body := ollamaRequest{
		Model:  o.cfg.Model,
		Prompt: req.System + "\n\nUser: " + req.Prompt,
		Options: ollamaOptions{
			Temperature: req.Temperature,
			NumPredict:  req.MaxTokens,
		},
	}
	if req.JSON {
		body.Format = "json"
	}
	var out ollamaResponse
	if err := o.postJSON(ctx, "/api/generate", nil, body, &out); err != nil {
		return Response{}, err
	}
	model := out.Model
	if model == "" {
		model = o.cfg.Model
	}
	return Response{Content: out.Response, Model: model, TokensUsed: out.EvalCount}, nil
}
