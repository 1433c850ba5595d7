package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultModel   = "gpt-4o-mini"
	defaultTimeout = 20 * time.Second
	systemPrompt   = "You are an API reliability analyst. Answer in at most three sentences of plain text."
)

// HTTPConfig configures an HTTPGenerator.
type HTTPConfig struct {
	URL           string // full chat completions URL
	APIKey        string
	Model         string
	Timeout       time.Duration
	RatePerMinute int // 0 disables limiting
}

// HTTPGenerator calls an OpenAI-compatible chat completions API.
type HTTPGenerator struct {
	cfg     HTTPConfig
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPGenerator creates a generator for cfg.
func NewHTTPGenerator(cfg HTTPConfig) *HTTPGenerator {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	g := &HTTPGenerator{cfg: cfg, client: &http.Client{}}
	if cfg.RatePerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), 1)
	}
	return g
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate sends p to the API. A call that would exceed the rate limit fails
// immediately instead of queueing behind other calls.
func (g *HTTPGenerator) Generate(ctx context.Context, p Prompt) (string, error) {
	if g.limiter != nil && !g.limiter.Allow() {
		return "", errors.New("narrative: rate limit exceeded")
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: g.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: p.Text()},
		},
		MaxTokens:   200,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("narrative: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("narrative: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("narrative: http post: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("narrative: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("narrative: unexpected status %d", resp.StatusCode)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("narrative: decode response: %w", err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("narrative: api error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", errors.New("narrative: empty response")
	}
	return cr.Choices[0].Message.Content, nil
}
