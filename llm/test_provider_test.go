// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestProviderFallsBackForUnregisteredTask(t *testing.T) {
	p := NewTestProvider("")
	resp, err := p.ComplexReasoningTask(context.Background(), "unknown_task", nil, 1, Options{})
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestTestProviderReturnsRegisteredResponse(t *testing.T) {
	p := NewTestProvider("unit")
	p.SetResponse("risk_assessment", Response{Content: `{"risk_score":0.8}`, Model: "m1"})

	resp, err := p.ComplexReasoningTask(context.Background(), "risk_assessment", map[string]interface{}{"x": 1}, 3, Options{})
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, `{"risk_score":0.8}`, resp.Content)

	calls := p.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "risk_assessment", calls[0].TaskName)
	assert.Equal(t, 3, calls[0].ReasoningSteps)
}

func TestTestProviderReturnsRegisteredFailure(t *testing.T) {
	p := NewTestProvider("unit")
	p.SetFailure("regulatory_impact", errors.New("provider unavailable"))

	resp, err := p.ComplexReasoningTask(context.Background(), "regulatory_impact", nil, 1, Options{})
	assert.Error(t, err)
	assert.Nil(t, resp)
}

func TestTestProviderNameDefaultsWhenEmpty(t *testing.T) {
	p := NewTestProvider("")
	assert.Equal(t, "test-provider", p.Name())
}
