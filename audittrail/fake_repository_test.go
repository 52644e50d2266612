// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audittrail

import (
	"context"
	"sync"
	"time"

	"compliancecore/errkind"
	"compliancecore/model"
)

// fakeRepository is an in-memory Repository used by manager tests so
// they exercise finalize/query semantics without a database.
type fakeRepository struct {
	mu            sync.Mutex
	trails        map[string]model.AuditTrail
	explanations  map[string]Explanation
	reviews       []model.HumanReview
	saveErr       error
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		trails:       make(map[string]model.AuditTrail),
		explanations: make(map[string]Explanation),
	}
}

func (r *fakeRepository) SaveTrail(_ context.Context, trail *model.AuditTrail, explanation Explanation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.trails[trail.DecisionID] = *trail
	r.explanations[trail.DecisionID] = explanation
	return nil
}

func (r *fakeRepository) GetTrail(_ context.Context, decisionID string) (*model.AuditTrail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	trail, ok := r.trails[decisionID]
	if !ok {
		return nil, &errkind.NotFoundError{Kind: "decision", ID: decisionID}
	}
	return &trail, nil
}

func (r *fakeRepository) ListByAgent(_ context.Context, agentType, agentName string, since time.Time) ([]model.AuditTrail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AuditTrail
	for _, trail := range r.trails {
		if trail.AgentType != agentType {
			continue
		}
		if agentName != "" && trail.AgentName != agentName {
			continue
		}
		if trail.StartedAt.Before(since) {
			continue
		}
		out = append(out, trail)
	}
	return out, nil
}

func (r *fakeRepository) ListRequiringReview(_ context.Context) ([]model.AuditTrail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AuditTrail
	for _, trail := range r.trails {
		if trail.RequiresHumanReview {
			out = append(out, trail)
		}
	}
	return out, nil
}

func (r *fakeRepository) ListInRange(_ context.Context, start, end time.Time) ([]model.AuditTrail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AuditTrail
	for _, trail := range r.trails {
		if trail.StartedAt.Before(start) || trail.StartedAt.After(end) {
			continue
		}
		out = append(out, trail)
	}
	return out, nil
}

func (r *fakeRepository) MarkHumanReviewRequested(_ context.Context, decisionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	trail, ok := r.trails[decisionID]
	if !ok {
		return &errkind.NotFoundError{Kind: "decision", ID: decisionID}
	}
	trail.RequiresHumanReview = true
	trail.HumanReviewReason = reason
	r.trails[decisionID] = trail
	return nil
}

func (r *fakeRepository) SaveHumanFeedback(_ context.Context, review model.HumanReview, step model.AuditStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviews = append(r.reviews, review)
	// Mirrors the UPDATE/INSERT ... WHERE decision_id = $1 semantics of
	// PostgresRepository: a decision with no saved trail yet is a
	// silent no-op, not an error.
	if trail, ok := r.trails[review.DecisionID]; ok {
		trail.RequiresHumanReview = false
		trail.Steps = append(trail.Steps, step)
		r.trails[review.DecisionID] = trail
	}
	return nil
}
