package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wayfarer-labs/wayfarer/internal/config"
)

// HTTPAgent forwards planning requests to an external planner service
// over HTTP. The request and response bodies are JSON.
type HTTPAgent struct {
	url    string
	client *http.Client
}

func NewHTTPAgent(cfg config.AgentConfig) (*HTTPAgent, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http agent: url is required")
	}

	timeout := 60 * time.Second
	if cfg.Timeout.Duration > 0 {
		timeout = cfg.Timeout.Duration
	}

	return &HTTPAgent{
		url:    cfg.URL,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (a *HTTPAgent) Name() string { return "http" }

type plannerRequest struct {
	Input     string   `json:"input"`
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	Tools     []string `json:"tools,omitempty"`
}

func (a *HTTPAgent) RunWithTools(ctx context.Context, input string, tctx Context, tools []string) (*Result, error) {
	body, err := json.Marshal(plannerRequest{
		Input:     input,
		UserID:    tctx.UserID,
		SessionID: tctx.SessionID,
		Tools:     tools,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("planner request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("planner returned %d: %s", resp.StatusCode, msg)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if result.Content == "" {
		return nil, fmt.Errorf("planner returned empty content")
	}

	return &result, nil
}
