// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"sync"
)

// TestProvider is an in-process deterministic double for Provider,
// used by the agent tests. It returns a canned Response per task_name, or
// (nil, nil) for unregistered tasks — the contract's fallback outcome.
type TestProvider struct {
	name string

	mu        sync.Mutex
	responses map[string]Response
	failures  map[string]error
	calls     []TestProviderCall
}

// TestProviderCall records one invocation for test assertions.
type TestProviderCall struct {
	TaskName       string
	Payload        map[string]interface{}
	ReasoningSteps int
}

// NewTestProvider builds an empty TestProvider; every task falls back
// until a response or failure is registered for it.
func NewTestProvider(name string) *TestProvider {
	if name == "" {
		name = "test-provider"
	}
	return &TestProvider{
		name:      name,
		responses: make(map[string]Response),
		failures:  make(map[string]error),
	}
}

// Name implements Provider.
func (p *TestProvider) Name() string { return p.name }

// SetResponse registers the canned Response returned for taskName.
func (p *TestProvider) SetResponse(taskName string, resp Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.responses[taskName] = resp
}

// SetFailure registers an error returned for taskName, simulating a
// transient RPC failure (as opposed to the "null" fallback outcome).
func (p *TestProvider) SetFailure(taskName string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[taskName] = err
}

// Calls returns every recorded invocation, in call order.
func (p *TestProvider) Calls() []TestProviderCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]TestProviderCall(nil), p.calls...)
}

// ComplexReasoningTask implements Provider.
func (p *TestProvider) ComplexReasoningTask(_ context.Context, taskName string, payload map[string]interface{}, reasoningSteps int, _ Options) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, TestProviderCall{TaskName: taskName, Payload: payload, ReasoningSteps: reasoningSteps})

	if err, ok := p.failures[taskName]; ok {
		return nil, err
	}
	if resp, ok := p.responses[taskName]; ok {
		out := resp
		return &out, nil
	}
	return nil, nil
}
