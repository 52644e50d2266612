// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"sync"
	"time"

	"compliancecore/audittrail"
	"compliancecore/breaker"
	"compliancecore/config"
	"compliancecore/llm"
	"compliancecore/logger"
	"compliancecore/metrics"
	"compliancecore/model"
)

// RegulatoryAssessor is the agent named in spec §4.2.4: assesses a
// regulatory text/change description via the LLM, derives an impact
// score, and — unlike the other two agents — always requests human
// review, since regulatory interpretation carries irreducible policy
// judgment no automated score fully resolves.
type RegulatoryAssessor struct {
	agentID string
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Registry

	audit    *audittrail.Manager
	provider llm.Provider
	sink     ActivitySink

	llmBreaker *breaker.Breaker

	monitorMu sync.Mutex
	monitorList []MonitoredChange
}

// RegulatoryAssessorDeps bundles RegulatoryAssessor's collaborators.
type RegulatoryAssessorDeps struct {
	AgentID      string
	Config       *config.Config
	Log          *logger.Logger
	Metrics      *metrics.Registry
	Audit        *audittrail.Manager
	LLM          llm.Provider
	ActivitySink ActivitySink
}

// MonitoredChange is one regulatory change routed to the monitor list
// because its derived impact score cleared the high-impact threshold.
type MonitoredChange struct {
	DecisionID  string
	Description string
	ImpactScore float64
	AddedAt     time.Time
}

// NewRegulatoryAssessor builds a RegulatoryAssessor agent.
func NewRegulatoryAssessor(deps RegulatoryAssessorDeps) *RegulatoryAssessor {
	if deps.AgentID == "" {
		deps.AgentID = "regulatory-assessor-1"
	}
	sink := deps.ActivitySink
	if sink == nil {
		sink = NopActivitySink{}
	}
	return &RegulatoryAssessor{
		agentID:    deps.AgentID,
		cfg:        deps.Config,
		log:        deps.Log,
		metrics:    deps.Metrics,
		audit:      deps.Audit,
		provider:   deps.LLM,
		sink:       sink,
		llmBreaker: breaker.New("llm", breaker.Config{MaxConsecutiveFailures: deps.Config.MaxConsecutiveFailures, Cooldown: deps.Config.CircuitBreakerCooldown}),
	}
}

// AgentID implements Agent.
func (ra *RegulatoryAssessor) AgentID() string { return ra.agentID }

// AgentType implements Agent.
func (ra *RegulatoryAssessor) AgentType() string { return "REGULATORY_ASSESSOR" }

// EventTypes implements Agent.
func (ra *RegulatoryAssessor) EventTypes() []model.EventType {
	return []model.EventType{model.EventRegulatoryChange}
}

// Initialize implements Agent.
func (ra *RegulatoryAssessor) Initialize(context.Context) error { return nil }

// Shutdown implements Agent.
func (ra *RegulatoryAssessor) Shutdown(context.Context) error { return nil }

// OnEvent implements Agent: assesses a regulatory change's impact via
// the LLM and always requests human review (spec §4.2.4).
func (ra *RegulatoryAssessor) OnEvent(ctx context.Context, event model.Event) (model.Decision, error) {
	decisionID := ra.audit.StartDecisionAudit(ctx, ra.AgentType(), ra.agentID, event, event.Metadata)
	run := &Runner{Manager: ra.audit, DecisionID: decisionID}

	text := metadataString(event, "change_text")
	if text == "" {
		text = event.Description
	}

	assessment, err := ra.assess(ctx, run, event, text)
	if err != nil && IsFatal(err) {
		return run.Abort(ctx, event, ra.agentID, err), err
	}

	riskScore := ComposeRiskScore(ra.cfg, RiskInputs{
		Severity:          event.Severity,
		EventType:         string(event.Type),
		LLMContextualRisk: assessment.ImpactScore,
	})

	ra.audit.RecordDecisionStep(ctx, decisionID, model.StepRiskAssessment, "impact score composed", nil,
		map[string]interface{}{"risk_score": riskScore, "impact_score": assessment.ImpactScore}, nil)

	decisionType := model.DecisionMonitor
	if assessment.ImpactScore >= ra.cfg.HighRiskThreshold {
		decisionType = model.DecisionEscalate
		ra.addToMonitorList(decisionID, text, assessment.ImpactScore)
		ra.sink.Publish(ctx, ComplianceEvent{
			Type:        "HIGH_IMPACT_REGULATORY_CHANGE",
			AgentID:     ra.agentID,
			Description: "regulatory change routed to monitor list",
			Severity:    model.SeverityHigh,
			Data:        map[string]interface{}{"impact_score": assessment.ImpactScore},
		})
	}

	confidence := model.ConfidenceMedium
	ra.audit.RecordDecisionStep(ctx, decisionID, model.StepConfidenceCalculation, "confidence aggregated", nil,
		map[string]interface{}{"confidence_score": assessment.Confidence}, nil)

	ra.audit.FinalizeDecisionAudit(ctx, decisionID, decisionType, confidence, audittrail.FinalizeOptions{
		RiskAssessment: &model.RiskAssessment{
			RiskScore:      riskScore,
			RiskLevel:      model.RiskLevelFromScore(riskScore),
			AssessmentTime: time.Now().UTC(),
		},
	})

	// FinalizeDecisionAudit's human-review trigger already flags every
	// REGULATORY_ASSESSOR decision unconditionally (spec §4.2.4: "always
	// request human review" — the automated score is advisory, not
	// dispositive), so no separate RequestHumanReview call is needed here.

	if ra.metrics != nil {
		ra.metrics.RecordAgentDecision(ra.AgentType(), string(decisionType))
		ra.metrics.RecordHumanReviewRequested()
	}

	return model.Decision{
		DecisionID: decisionID,
		EventID:    event.EventID,
		AgentID:    ra.agentID,
		Type:       decisionType,
		Confidence: confidence,
		RiskAssessment: model.RiskAssessment{
			RiskScore: riskScore,
			RiskLevel: model.RiskLevelFromScore(riskScore),
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// regulatoryAssessment is the LLM-derived structured outcome for one
// regulatory change.
type regulatoryAssessment struct {
	ImpactScore float64
	Confidence  float64
}

// assess scores a regulatory change's impact via the LLM. Like
// Transaction Guardian's LLM step, a failure here is recoverable: the
// neutral 0.5/low-confidence default already reflects "the automated
// score is advisory, not dispositive" (every REGULATORY_ASSESSOR
// decision gets human review regardless), so there is no reason to
// abort the whole pipeline over it.
func (ra *RegulatoryAssessor) assess(ctx context.Context, run *Runner, event model.Event, text string) (regulatoryAssessment, error) {
	var out regulatoryAssessment
	_, err := run.Run(ctx, model.StepLLMInference, "regulatory impact assessment", map[string]interface{}{"change_text": text}, ra.cfg.LLMStepTimeout,
		func(stepCtx context.Context) (map[string]interface{}, map[string]interface{}, error) {
			if ra.provider == nil {
				out = regulatoryAssessment{ImpactScore: 0.5, Confidence: 0.4}
				return map[string]interface{}{"model_confidence": out.Confidence}, map[string]interface{}{"status": "no_provider"}, nil
			}
			result := breaker.WithBreaker(stepCtx, ra.llmBreaker, func(c context.Context) error {
				resp, err := ra.provider.ComplexReasoningTask(c, "regulatory_impact_assessment", map[string]interface{}{
					"change_text": text,
					"severity":    string(event.Severity),
				}, 3, llm.Options{})
				if err != nil {
					return err
				}
				if resp == nil {
					out = regulatoryAssessment{ImpactScore: 0.5, Confidence: 0.4}
					return nil
				}
				if opinion, ok := llm.ParseRiskOpinion(resp.Content); ok {
					out = regulatoryAssessment{ImpactScore: opinion.RiskScore, Confidence: opinion.Confidence}
				} else {
					out = regulatoryAssessment{ImpactScore: 0.5, Confidence: 0.3}
				}
				return nil
			}, func(context.Context) error {
				out = regulatoryAssessment{ImpactScore: 0.5, Confidence: 0.3}
				return nil
			})
			status := "ok"
			if result.UsedFallback {
				status = "fallback"
			}
			var stepErr error
			if result.Err != nil {
				stepErr = Recoverable(result.Err)
			}
			return map[string]interface{}{"model_confidence": out.Confidence}, map[string]interface{}{"status": status}, stepErr
		})
	return out, err
}

func (ra *RegulatoryAssessor) addToMonitorList(decisionID, description string, impactScore float64) {
	ra.monitorMu.Lock()
	defer ra.monitorMu.Unlock()
	ra.monitorList = append(ra.monitorList, MonitoredChange{
		DecisionID:  decisionID,
		Description: description,
		ImpactScore: impactScore,
		AddedAt:     time.Now().UTC(),
	})
}

// MonitorList returns a snapshot of regulatory changes routed for
// ongoing monitoring (spec §4.2.4 "route high-impact changes to a
// monitor list").
func (ra *RegulatoryAssessor) MonitorList() []MonitoredChange {
	ra.monitorMu.Lock()
	defer ra.monitorMu.Unlock()
	out := make([]MonitoredChange, len(ra.monitorList))
	copy(out, ra.monitorList)
	return out
}
