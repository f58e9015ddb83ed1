package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/marketmind/marketmind/internal/core/domain"
)

// httpBackend talks to an OpenAI-compatible chat completion endpoint.
type httpBackend struct {
	name   string
	url    string
	apiKey string
	model  string
	client *http.Client
	log    *zap.Logger
}

// NewHTTPBackend creates a backend for an OpenAI-compatible completion API
func NewHTTPBackend(name, url, apiKey, model string, log *zap.Logger) Backend {
	return &httpBackend{
		name:   name,
		url:    url,
		apiKey: apiKey,
		model:  model,
		client: &http.Client{Timeout: 60 * time.Second},
		log:    log,
	}
}

func (b *httpBackend) Name() string { return b.name }

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (b *httpBackend) Complete(ctx context.Context, prompt string, meta map[string]any) (string, error) {
	payload := chatRequest{
		Model:    b.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	}
	if system, ok := meta["system"].(string); ok && system != "" {
		payload.Messages = append([]chatMessage{{Role: "system", Content: system}}, payload.Messages...)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", domain.Terminal("encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", domain.Terminal("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", domain.Transient("transport", err)
	}
	defer resp.Body.Close()

	// Rate limits and upstream hiccups are retryable on another backend.
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		raw, _ := io.ReadAll(resp.Body)
		return "", domain.Transient(fmt.Sprintf("backend status %d", resp.StatusCode),
			fmt.Errorf("%s", string(raw)))
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return "", domain.Terminal(fmt.Sprintf("backend status %d", resp.StatusCode),
			fmt.Errorf("%s", string(raw)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", domain.Transient("decode response", err)
	}
	if parsed.Error.Message != "" {
		return "", domain.Transient("provider error", fmt.Errorf("%s: %s", parsed.Error.Type, parsed.Error.Message))
	}
	if len(parsed.Choices) == 0 {
		return "", domain.Transient("empty completion", nil)
	}

	return parsed.Choices[0].Message.Content, nil
}
