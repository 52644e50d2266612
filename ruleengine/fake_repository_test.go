// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ruleengine

import (
	"context"
	"sync"

	"compliancecore/model"
)

// fakeRepository is an in-memory Repository used by engine/batch tests
// so they exercise CRUD and cache-invalidation semantics without a
// database.
type fakeRepository struct {
	mu    sync.Mutex
	rules map[string]model.Rule
	err   error
}

func newFakeRepository(initial ...model.Rule) *fakeRepository {
	r := &fakeRepository{rules: make(map[string]model.Rule)}
	for _, rule := range initial {
		r.rules[rule.RuleID] = rule
	}
	return r
}

func (r *fakeRepository) LoadAll(_ context.Context) ([]model.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	out := make([]model.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out, nil
}

func (r *fakeRepository) Upsert(_ context.Context, rule model.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.rules[rule.RuleID] = rule
	return nil
}

func (r *fakeRepository) Delete(_ context.Context, ruleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	delete(r.rules, ruleID)
	return nil
}

func (r *fakeRepository) SetEnabled(_ context.Context, ruleID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	rule := r.rules[ruleID]
	rule.Enabled = enabled
	r.rules[ruleID] = rule
	return nil
}
