// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audittrail

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compliancecore/model"
)

func newTestManager() (*Manager, *fakeRepository) {
	repo := newFakeRepository()
	return New(repo, nil, 1_000_000), repo
}

func TestStartDecisionAuditRecordsDecisionStartedStep(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	decisionID := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{EventID: "e1"}, map[string]interface{}{"amount": 500.0})
	require.NotEmpty(t, decisionID)

	trail, err := m.GetDecisionAudit(ctx, decisionID)
	require.NoError(t, err)
	require.Len(t, trail.Steps, 1)
	assert.Equal(t, model.StepDecisionStarted, trail.Steps[0].EventType)
}

func TestRecordDecisionStepReturnsFalseForUnknownDecision(t *testing.T) {
	m, _ := newTestManager()
	ok := m.RecordDecisionStep(context.Background(), "no-such-decision", model.StepDataRetrieval, "x", nil, nil, nil)
	assert.False(t, ok)
}

func TestRecordDecisionStepBuffersUntilFinalize(t *testing.T) {
	m, repo := newTestManager()
	ctx := context.Background()
	decisionID := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{}, nil)

	ok := m.RecordDecisionStep(ctx, decisionID, model.StepDataRetrieval, "fetch history", nil, nil, nil)
	assert.True(t, ok)

	_, err := repo.GetTrail(ctx, decisionID)
	assert.Error(t, err, "trail must not be persisted before finalize")

	finalized := m.FinalizeDecisionAudit(ctx, decisionID, model.DecisionApprove, model.ConfidenceHigh, FinalizeOptions{})
	assert.True(t, finalized)

	persisted, err := repo.GetTrail(ctx, decisionID)
	require.NoError(t, err)
	// DECISION_STARTED + DATA_RETRIEVAL + DECISION_FINALIZED
	assert.Len(t, persisted.Steps, 3)
}

func TestFinalizeDecisionAuditPreservesStepOrder(t *testing.T) {
	m, repo := newTestManager()
	ctx := context.Background()
	decisionID := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{}, nil)

	m.RecordDecisionStep(ctx, decisionID, model.StepDataRetrieval, "step a", nil, nil, nil)
	m.RecordDecisionStep(ctx, decisionID, model.StepPatternAnalysis, "step b", nil, nil, nil)
	m.RecordDecisionStep(ctx, decisionID, model.StepRiskAssessment, "step c", nil, nil, nil)

	require.True(t, m.FinalizeDecisionAudit(ctx, decisionID, model.DecisionApprove, model.ConfidenceHigh, FinalizeOptions{}))

	trail, err := repo.GetTrail(ctx, decisionID)
	require.NoError(t, err)
	wantOrder := []model.AuditEventType{
		model.StepDecisionStarted, model.StepDataRetrieval, model.StepPatternAnalysis,
		model.StepRiskAssessment, model.StepDecisionFinalized,
	}
	require.Len(t, trail.Steps, len(wantOrder))
	for i, want := range wantOrder {
		assert.Equal(t, want, trail.Steps[i].EventType)
	}
}

func TestFinalizeDecisionAuditSetsRequiresHumanReviewFromConfidence(t *testing.T) {
	m, repo := newTestManager()
	ctx := context.Background()
	decisionID := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{}, nil)

	require.True(t, m.FinalizeDecisionAudit(ctx, decisionID, model.DecisionDeny, model.ConfidenceLow, FinalizeOptions{}))

	trail, err := repo.GetTrail(ctx, decisionID)
	require.NoError(t, err)
	assert.True(t, trail.RequiresHumanReview)
	assert.Equal(t, "Low confidence in decision requires human validation", trail.HumanReviewReason)

	var sawReviewStep bool
	for _, step := range trail.Steps {
		if step.EventType == model.StepHumanReviewRequested {
			sawReviewStep = true
		}
	}
	assert.True(t, sawReviewStep)
}

func TestFinalizeDecisionAuditSetsRequiresHumanReviewFromFinancialImpact(t *testing.T) {
	m, repo := newTestManager()
	ctx := context.Background()
	decisionID := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{}, nil)

	opts := FinalizeOptions{FinancialImpact: 5_000_000}
	require.True(t, m.FinalizeDecisionAudit(ctx, decisionID, model.DecisionApprove, model.ConfidenceHigh, opts))

	trail, err := repo.GetTrail(ctx, decisionID)
	require.NoError(t, err)
	assert.True(t, trail.RequiresHumanReview)
	assert.Equal(t, "High financial impact decision requires human approval", trail.HumanReviewReason)
}

func TestFinalizeDecisionAuditRegulatoryAssessorAlwaysReviewed(t *testing.T) {
	m, repo := newTestManager()
	ctx := context.Background()
	decisionID := m.StartDecisionAudit(ctx, "REGULATORY_ASSESSOR", "ra-1", model.Event{}, nil)

	require.True(t, m.FinalizeDecisionAudit(ctx, decisionID, model.DecisionApprove, model.ConfidenceVeryHigh, FinalizeOptions{}))

	trail, err := repo.GetTrail(ctx, decisionID)
	require.NoError(t, err)
	assert.True(t, trail.RequiresHumanReview)
}

func TestFinalizeDecisionAuditUnknownDecisionReturnsFalse(t *testing.T) {
	m, _ := newTestManager()
	ok := m.FinalizeDecisionAudit(context.Background(), "no-such-decision", model.DecisionApprove, model.ConfidenceHigh, FinalizeOptions{})
	assert.False(t, ok)
}

func TestFinalizeDecisionAuditRetainsTrailOnPersistenceFailure(t *testing.T) {
	repo := newFakeRepository()
	repo.saveErr = errors.New("connection reset")
	m := New(repo, nil, 1_000_000)
	ctx := context.Background()

	decisionID := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{}, nil)
	m.RecordDecisionStep(ctx, decisionID, model.StepDataRetrieval, "x", nil, nil, nil)

	ok := m.FinalizeDecisionAudit(ctx, decisionID, model.DecisionApprove, model.ConfidenceHigh, FinalizeOptions{})
	assert.False(t, ok)

	// Retry should be possible: GetDecisionAudit still finds the trail
	// in-flight with its buffered steps intact.
	trail, err := m.GetDecisionAudit(ctx, decisionID)
	require.NoError(t, err)
	assert.Len(t, trail.Steps, 2)

	repo.saveErr = nil
	ok = m.FinalizeDecisionAudit(ctx, decisionID, model.DecisionApprove, model.ConfidenceHigh, FinalizeOptions{})
	assert.True(t, ok)
}

func TestRecordTimeoutStepForcesNegativeImpact(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	decisionID := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{}, nil)

	ok := m.RecordTimeoutStep(ctx, decisionID, model.StepLLMInference, "llm step timed out", nil, nil, -0.3)
	assert.True(t, ok)

	trail, err := m.GetDecisionAudit(ctx, decisionID)
	require.NoError(t, err)
	last := trail.Steps[len(trail.Steps)-1]
	assert.Equal(t, model.StepLLMInference, last.EventType)
	assert.Less(t, last.ConfidenceImpact, 0.0)
}

func TestRequestHumanReviewRejectsEmptyReason(t *testing.T) {
	m, _ := newTestManager()
	err := m.RequestHumanReview(context.Background(), "d1", "")
	assert.Error(t, err)
}

func TestRequestHumanReviewUpdatesPersistedTrail(t *testing.T) {
	m, repo := newTestManager()
	ctx := context.Background()
	decisionID := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{}, nil)
	require.True(t, m.FinalizeDecisionAudit(ctx, decisionID, model.DecisionApprove, model.ConfidenceHigh, FinalizeOptions{}))

	err := m.RequestHumanReview(ctx, decisionID, "escalated by operator")
	require.NoError(t, err)

	trail, err := repo.GetTrail(ctx, decisionID)
	require.NoError(t, err)
	assert.True(t, trail.RequiresHumanReview)
	assert.Equal(t, "escalated by operator", trail.HumanReviewReason)
}

func TestRecordHumanFeedbackSavesReview(t *testing.T) {
	m, repo := newTestManager()
	ctx := context.Background()
	decisionID := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{}, nil)

	err := m.RecordHumanFeedback(ctx, decisionID, "looks fine", true, "reviewer-7")
	require.NoError(t, err)
	require.Len(t, repo.reviews, 1)
	assert.Equal(t, decisionID, repo.reviews[0].DecisionID)
	assert.True(t, repo.reviews[0].Approved)
}

func TestRecordHumanFeedbackClearsRequiresHumanReview(t *testing.T) {
	m, repo := newTestManager()
	ctx := context.Background()
	decisionID := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{}, nil)
	require.True(t, m.FinalizeDecisionAudit(ctx, decisionID, model.DecisionDeny, model.ConfidenceLow, FinalizeOptions{}))

	trail, err := repo.GetTrail(ctx, decisionID)
	require.NoError(t, err)
	require.True(t, trail.RequiresHumanReview, "low-confidence decision should start out flagged for review")

	err = m.RecordHumanFeedback(ctx, decisionID, "approved after review", true, "reviewer-7")
	require.NoError(t, err)

	trail, err = repo.GetTrail(ctx, decisionID)
	require.NoError(t, err)
	assert.False(t, trail.RequiresHumanReview, "feedback must clear the pending review flag")

	var sawFeedbackStep bool
	for _, step := range trail.Steps {
		if step.EventType == model.StepHumanFeedbackReceived {
			sawFeedbackStep = true
		}
	}
	assert.True(t, sawFeedbackStep, "feedback must append a HUMAN_FEEDBACK_RECEIVED step")
}

func TestGenerateExplanationUsesLiveTrailData(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	decisionID := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{}, nil)
	m.RecordDecisionStep(ctx, decisionID, model.StepRiskAssessment, "risk check",
		nil, map[string]interface{}{"risk_level": "CRITICAL"}, nil)
	require.True(t, m.FinalizeDecisionAudit(ctx, decisionID, model.DecisionEscalate, model.ConfidenceHigh, FinalizeOptions{}))

	exp, err := m.GenerateExplanation(ctx, decisionID, LevelDetailed)
	require.NoError(t, err)
	assert.NotEmpty(t, exp.RiskIndicators)
}

func TestGetAgentDecisionsFiltersByAgent(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	d1 := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{}, nil)
	m.FinalizeDecisionAudit(ctx, d1, model.DecisionApprove, model.ConfidenceHigh, FinalizeOptions{})
	d2 := m.StartDecisionAudit(ctx, "AUDIT_INTELLIGENCE", "ai-1", model.Event{}, nil)
	m.FinalizeDecisionAudit(ctx, d2, model.DecisionApprove, model.ConfidenceHigh, FinalizeOptions{})

	decisions, err := m.GetAgentDecisions(ctx, "TRANSACTION_GUARDIAN", "tg-1", time.Time{})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, d1, decisions[0].DecisionID)
}

func TestGetDecisionsRequiringReview(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()
	d1 := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-1", model.Event{}, nil)
	m.FinalizeDecisionAudit(ctx, d1, model.DecisionDeny, model.ConfidenceVeryLow, FinalizeOptions{})
	d2 := m.StartDecisionAudit(ctx, "TRANSACTION_GUARDIAN", "tg-2", model.Event{}, nil)
	m.FinalizeDecisionAudit(ctx, d2, model.DecisionApprove, model.ConfidenceHigh, FinalizeOptions{})

	flagged, err := m.GetDecisionsRequiringReview(ctx)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, d1, flagged[0].DecisionID)
}
