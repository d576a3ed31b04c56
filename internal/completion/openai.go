package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"dracanus/internal/config"
)

// OpenAI is the metered chat-completions backend. Requests are throttled to
// the configured requests per minute.
type OpenAI struct {
	httpBackend
	limiter *rate.Limiter
}

func NewOpenAI(cfg config.Backend, client *http.Client) *OpenAI {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &OpenAI{httpBackend: httpBackend{cfg: cfg, client: client}, limiter: limiter}
}

type openAIRequest struct {
	Model          string          `json:"model"`
	Messages       []openAIMessage `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *openAIFormat   `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIFormat struct {
	Type string `json:"type"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (o *OpenAI) Complete(ctx context.Context, req Request) (Response, error) {
	key := o.cfg.APIKey()
	if key == "" {
		return Response{}, ErrNotConfigured
	}
	if err := o.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limiter: %w", err)
	}
	body := openAIRequest{
		Model: o.cfg.Model,
		Messages: []openAIMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.Prompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSON {
		body.ResponseFormat = &openAIFormat{Type: "json_object"}
	}
	var out openAIResponse
	if err := o.postJSON(ctx, "/v1/chat/completions", map[string]string{"Authorization": "Bearer " + key}, body, &out); err != nil {
		return Response{}, err
	}
	if len(out.Choices) == 0 {
		return Response{}, errors.New("openai response has no choices")
	}
	resp := Response{Content: out.Choices[0].Message.Content, Model: out.Model}
	if resp.Model == "" {
		resp.Model = o.cfg.Model
	}
	if out.Usage != nil {
		resp.TokensUsed = intPtr(out.Usage.TotalTokens)
	}
	return resp, nil
}

// Configured requires the API key to be present.
func (o *OpenAI) Configured() bool {
	return o.cfg.APIKey() != ""
}
