// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package audittrail

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"compliancecore/model"
)

func TestCalculateConfidenceImpactBaseFactorOnly(t *testing.T) {
	impact := calculateConfidenceImpact(model.StepDataRetrieval, nil, nil, nil)
	assert.InDelta(t, 0.05, impact, 1e-9)
}

func TestCalculateConfidenceImpactHumanReviewRequestedIsNegative(t *testing.T) {
	impact := calculateConfidenceImpact(model.StepHumanReviewRequested, nil, nil, nil)
	assert.InDelta(t, -0.10, impact, 1e-9)
}

func TestCalculateConfidenceImpactAddsConfidenceScore(t *testing.T) {
	output := map[string]interface{}{"confidence_score": 0.5}
	impact := calculateConfidenceImpact(model.StepKnowledgeQuery, nil, output, nil)
	assert.InDelta(t, 0.10+0.5*0.3, impact, 1e-9)
}

func TestCalculateConfidenceImpactDataSourceReliabilityScalesDown(t *testing.T) {
	metadata := map[string]interface{}{"data_source": "inferred"}
	impact := calculateConfidenceImpact(model.StepRuleEvaluation, nil, nil, metadata)
	assert.InDelta(t, 0.12*0.6, impact, 1e-9)
}

func TestCalculateConfidenceImpactRiskAssessmentHighRiskReducesImpact(t *testing.T) {
	output := map[string]interface{}{"risk_level": "HIGH"}
	impact := calculateConfidenceImpact(model.StepRiskAssessment, nil, output, nil)
	assert.InDelta(t, 0.20*0.8, impact, 1e-9)
}

func TestCalculateConfidenceImpactRiskAssessmentLowRiskIncreasesImpact(t *testing.T) {
	output := map[string]interface{}{"risk_level": "LOW"}
	impact := calculateConfidenceImpact(model.StepRiskAssessment, nil, output, nil)
	assert.InDelta(t, 0.20*1.1, impact, 1e-9)
}

func TestCalculateConfidenceImpactHumanFeedbackApprovedIsPositive(t *testing.T) {
	output := map[string]interface{}{"confidence_score": -5.0, "approved": true}
	impact := calculateConfidenceImpact(model.StepHumanFeedbackReceived, nil, output, nil)
	assert.Greater(t, impact, 0.0)
}

func TestCalculateConfidenceImpactHumanFeedbackRejectedIsNegative(t *testing.T) {
	output := map[string]interface{}{"approved": false}
	impact := calculateConfidenceImpact(model.StepHumanFeedbackReceived, nil, output, nil)
	assert.Less(t, impact, 0.0)
}

func TestCalculateConfidenceImpactClampsToRange(t *testing.T) {
	output := map[string]interface{}{
		"confidence_score":   1.0,
		"data_quality_score": 1.0,
		"consistency_score":  1.0,
	}
	metadata := map[string]interface{}{"data_source": "primary_database"}
	impact := calculateConfidenceImpact(model.StepConfidenceCalculation, nil, output, metadata)
	assert.LessOrEqual(t, impact, 0.5)
	assert.GreaterOrEqual(t, impact, -0.5)
}

func TestResolveConfidenceReturnsExplicitWhenNotMedium(t *testing.T) {
	got := resolveConfidence(model.ConfidenceHigh, nil)
	assert.Equal(t, model.ConfidenceHigh, got)
}

func TestResolveConfidenceAveragesQualifyingSteps(t *testing.T) {
	steps := []model.AuditStep{
		{EventType: model.StepConfidenceCalculation, OutputData: map[string]interface{}{"confidence_score": 0.9}},
		{EventType: model.StepRiskAssessment, OutputData: map[string]interface{}{"confidence_score": 0.95}},
		{EventType: model.StepDataRetrieval, OutputData: map[string]interface{}{"confidence_score": 0.1}},
	}
	got := resolveConfidence(model.ConfidenceMedium, steps)
	assert.Equal(t, model.ConfidenceVeryHigh, got)
}

func TestResolveConfidenceFallsBackToMediumWithNoQualifyingSteps(t *testing.T) {
	steps := []model.AuditStep{
		{EventType: model.StepDataRetrieval, OutputData: map[string]interface{}{"confidence_score": 0.1}},
	}
	got := resolveConfidence(model.ConfidenceMedium, steps)
	assert.Equal(t, model.ConfidenceMedium, got)
}

func TestResolveConfidenceLowAverageMapsToVeryLow(t *testing.T) {
	steps := []model.AuditStep{
		{EventType: model.StepConfidenceCalculation, OutputData: map[string]interface{}{"confidence_score": 0.1}},
	}
	got := resolveConfidence(model.ConfidenceMedium, steps)
	assert.Equal(t, model.ConfidenceVeryLow, got)
}
