// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compliancecore/audittrail"
	"compliancecore/config"
	"compliancecore/llm"
	"compliancecore/model"
)

func newTestRegulatoryAssessor(t *testing.T, sink *fakeSink, provider llm.Provider) (*RegulatoryAssessor, *fakeRepository) {
	t.Helper()
	repo := newFakeRepository()
	cfg := config.Default()
	auditMgr := audittrail.New(repo, nil, cfg.FinancialImpactReviewThreshold)
	ra := NewRegulatoryAssessor(RegulatoryAssessorDeps{
		AgentID:      "ra-test",
		Config:       cfg,
		Audit:        auditMgr,
		LLM:          provider,
		ActivitySink: sink,
	})
	return ra, repo
}

func regulatoryEvent(changeText string, severity model.Severity) model.Event {
	return model.Event{
		EventID:  "reg-1",
		Type:     model.EventRegulatoryChange,
		Severity: severity,
		Metadata: map[string]interface{}{"change_text": changeText},
		OccurredAt: time.Now().UTC(),
	}
}

func TestRegulatoryAssessorAlwaysRequiresHumanReview(t *testing.T) {
	sink := &fakeSink{}
	ra, repo := newTestRegulatoryAssessor(t, sink, nil)

	decision, err := ra.OnEvent(context.Background(), regulatoryEvent("minor reporting deadline shift", model.SeverityLow))
	require.NoError(t, err)

	trail, ok := repo.trails[decision.DecisionID]
	require.True(t, ok)
	assert.True(t, trail.RequiresHumanReview)
	// With no provider the assessment's confidence is 0.4 (LOW), so the
	// low-confidence trigger is the first to match.
	assert.Equal(t, "Low confidence in decision requires human validation", trail.HumanReviewReason)
}

func TestRegulatoryAssessorRoutesHighImpactToMonitorList(t *testing.T) {
	sink := &fakeSink{}
	provider := llm.NewTestProvider("test")
	provider.SetResponse("regulatory_impact_assessment", llm.Response{Content: `{"risk_score": 0.95, "risk_level": "HIGH", "confidence": 0.9}`})
	ra, _ := newTestRegulatoryAssessor(t, sink, provider)

	event := regulatoryEvent("sweeping new capital reserve requirements effective immediately", model.SeverityHigh)
	decision, err := ra.OnEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionEscalate, decision.Type)

	list := ra.MonitorList()
	require.Len(t, list, 1)
	assert.Equal(t, decision.DecisionID, list[0].DecisionID)
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, "HIGH_IMPACT_REGULATORY_CHANGE", sink.events[0].Type)
}

func TestRegulatoryAssessorLowImpactDoesNotRouteToMonitorList(t *testing.T) {
	sink := &fakeSink{}
	provider := llm.NewTestProvider("test")
	provider.SetResponse("regulatory_impact_assessment", llm.Response{Content: `{"risk_score": 0.1, "risk_level": "LOW", "confidence": 0.8}`})
	ra, _ := newTestRegulatoryAssessor(t, sink, provider)

	decision, err := ra.OnEvent(context.Background(), regulatoryEvent("clarifies existing filing deadline wording", model.SeverityLow))
	require.NoError(t, err)
	assert.Equal(t, model.DecisionMonitor, decision.Type)
	assert.Empty(t, ra.MonitorList())
	assert.Equal(t, 0, sink.count())
}

func TestRegulatoryAssessorFallsBackWithoutProvider(t *testing.T) {
	sink := &fakeSink{}
	ra, _ := newTestRegulatoryAssessor(t, sink, nil)

	decision, err := ra.OnEvent(context.Background(), regulatoryEvent("text", model.SeverityMedium))
	require.NoError(t, err)
	assert.NotEmpty(t, decision.DecisionID)
}
