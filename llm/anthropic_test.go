// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHTTPClient struct {
	status int
	body   string
	err    error
	lastReq *http.Request
}

func (f *fakeHTTPClient) Do(req *http.Request) (*http.Response, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func TestAnthropicAdapterReturnsFallbackWithoutAPIKey(t *testing.T) {
	a := NewAnthropicAdapter(AnthropicConfig{})
	resp, err := a.ComplexReasoningTask(context.Background(), "risk_assessment", nil, 2, Options{})
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestAnthropicAdapterParsesTextContent(t *testing.T) {
	client := &fakeHTTPClient{status: 200, body: `{
		"content": [{"type":"text","text":"risk_level: HIGH"}],
		"model": "claude-3-5-sonnet-20241022",
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 10, "output_tokens": 5}
	}`}
	a := NewAnthropicAdapter(AnthropicConfig{APIKey: "sk-test", Client: client})

	resp, err := a.ComplexReasoningTask(context.Background(), "risk_assessment",
		map[string]interface{}{"amount": 500.0}, 2, Options{Model: "m", MaxTokens: 100})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "risk_level: HIGH", resp.Content)
	assert.Equal(t, 15, resp.TokensUsed)
	assert.Equal(t, "anthropic", resp.Metadata["provider"])

	require.NotNil(t, client.lastReq)
	assert.Equal(t, "sk-test", client.lastReq.Header.Get("x-api-key"))
}

func TestAnthropicAdapterReturnsErrorOnHTTPFailureStatus(t *testing.T) {
	client := &fakeHTTPClient{status: 500, body: `{"error":"boom"}`}
	a := NewAnthropicAdapter(AnthropicConfig{APIKey: "sk-test", Client: client})

	resp, err := a.ComplexReasoningTask(context.Background(), "risk_assessment", nil, 1, Options{})
	assert.Error(t, err)
	assert.Nil(t, resp)
}

func TestAnthropicAdapterReturnsFallbackOnEmptyContent(t *testing.T) {
	client := &fakeHTTPClient{status: 200, body: `{"content": [], "model": "m"}`}
	a := NewAnthropicAdapter(AnthropicConfig{APIKey: "sk-test", Client: client})

	resp, err := a.ComplexReasoningTask(context.Background(), "risk_assessment", nil, 1, Options{})
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestAnthropicAdapterName(t *testing.T) {
	a := NewAnthropicAdapter(AnthropicConfig{})
	assert.Equal(t, "anthropic", a.Name())
}
