// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultAnthropicBaseURL    = "https://api.anthropic.com"
	defaultAnthropicAPIVersion = "2023-06-01"
	defaultAnthropicModel      = "claude-3-5-sonnet-20241022"
	defaultMaxTokens           = 4096
)

// HTTPClient is the subset of *http.Client the adapter needs, injected
// so tests never make a real network call — the same seam the
// teacher's anthropic.Provider uses.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// AnthropicConfig configures an AnthropicAdapter.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	Model      string
	Timeout    time.Duration
	Client     HTTPClient
}

// AnthropicAdapter implements Provider against Anthropic's messages
// API request/response envelope. The real SDK is out of scope per §1
// of the reasoning-backend contract; this adapter reproduces only the
// wire shape the teacher's anthropic.Provider builds, behind the
// injectable HTTPClient seam.
type AnthropicAdapter struct {
	cfg    AnthropicConfig
	client HTTPClient
}

// NewAnthropicAdapter builds an adapter. An empty APIKey is accepted —
// ComplexReasoningTask then always returns the contract's (nil, nil)
// fallback outcome, letting callers degrade gracefully without a key.
func NewAnthropicAdapter(cfg AnthropicConfig) *AnthropicAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAnthropicAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &AnthropicAdapter{cfg: cfg, client: client}
}

// Name implements Provider.
func (a *AnthropicAdapter) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason"`
	Usage      anthropicUsage          `json:"usage"`
}

// ComplexReasoningTask implements Provider. If no APIKey is
// configured, it returns the (nil, nil) fallback outcome without
// making a call.
func (a *AnthropicAdapter) ComplexReasoningTask(ctx context.Context, taskName string, payload map[string]interface{}, reasoningSteps int, opts Options) (*Response, error) {
	if a.cfg.APIKey == "" {
		return nil, nil
	}

	prompt, err := encodeTaskPrompt(taskName, payload, reasoningSteps)
	if err != nil {
		return nil, fmt.Errorf("llm: encode task payload: %w", err)
	}

	model := opts.Model
	if model == "" {
		model = a.cfg.Model
	}
	maxTokens := opts.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	reqBody := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		System:      opts.SystemPrompt,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
	}
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/messages", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", a.cfg.APIVersion)

	start := time.Now()
	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("llm: read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("llm: provider returned status %d: %s", httpResp.StatusCode, string(body))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}

	content := ""
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}
	if content == "" {
		return nil, nil
	}

	return &Response{
		Content:      content,
		Model:        parsed.Model,
		TokensUsed:   parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		ResponseTime: time.Since(start),
		Metadata: map[string]interface{}{
			"provider":    "anthropic",
			"stop_reason": parsed.StopReason,
			"task_name":   taskName,
		},
	}, nil
}

func encodeTaskPrompt(taskName string, payload map[string]interface{}, reasoningSteps int) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("task: %s\nreasoning_steps: %d\npayload: %s", taskName, reasoningSteps, string(raw)), nil
}
