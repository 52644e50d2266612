// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"fmt"
	"time"

	"compliancecore/audittrail"
	"compliancecore/breaker"
	"compliancecore/config"
	"compliancecore/llm"
	"compliancecore/logger"
	"compliancecore/metrics"
	"compliancecore/model"
	"compliancecore/queue"
	"compliancecore/ruleengine"
)

// TransactionGuardian is the agent named in spec §4.2.2: velocity
// monitoring, AML/sanctioned-country checks, and risk-profile EMA
// updates over transaction events.
type TransactionGuardian struct {
	agentID string
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Registry

	data     DataSource
	rules    *ruleengine.Engine
	audit    *audittrail.Manager
	provider llm.Provider
	sink     ActivitySink

	dataBreaker *breaker.Breaker
	llmBreaker  *breaker.Breaker

	queue *queue.Pool[model.Event]
}

// TransactionGuardianDeps bundles the collaborators the agent needs,
// all injected rather than looked up from a global (spec §9: "no
// hidden globals").
type TransactionGuardianDeps struct {
	AgentID      string
	Config       *config.Config
	Log          *logger.Logger
	Metrics      *metrics.Registry
	Data         DataSource
	Rules        *ruleengine.Engine
	Audit        *audittrail.Manager
	LLM          llm.Provider
	ActivitySink ActivitySink
	QueueCapacity int
}

// NewTransactionGuardian builds a TransactionGuardian. Its internal
// bounded FIFO queue (spec §4.2.2) is drained by a single worker
// goroutine invoking OnEvent, independent of however the Orchestrator
// chooses to dispatch events to it.
func NewTransactionGuardian(deps TransactionGuardianDeps) *TransactionGuardian {
	if deps.AgentID == "" {
		deps.AgentID = "transaction-guardian-1"
	}
	sink := deps.ActivitySink
	if sink == nil {
		sink = NopActivitySink{}
	}
	tg := &TransactionGuardian{
		agentID:     deps.AgentID,
		cfg:         deps.Config,
		log:         deps.Log,
		metrics:     deps.Metrics,
		data:        deps.Data,
		rules:       deps.Rules,
		audit:       deps.Audit,
		provider:    deps.LLM,
		sink:        sink,
		dataBreaker: breaker.New("postgres", breaker.Config{MaxConsecutiveFailures: deps.Config.MaxConsecutiveFailures, Cooldown: deps.Config.CircuitBreakerCooldown}),
		llmBreaker:  breaker.New("llm", breaker.Config{MaxConsecutiveFailures: deps.Config.MaxConsecutiveFailures, Cooldown: deps.Config.CircuitBreakerCooldown}),
	}
	capacity := deps.QueueCapacity
	if capacity <= 0 {
		capacity = 1000
	}
	tg.queue = queue.New(capacity, 1, func(ctx context.Context, event model.Event) {
		if _, err := tg.OnEvent(ctx, event); err != nil && tg.log != nil {
			tg.log.ErrorWithErr(event.EventID, tg.agentID, "queued transaction processing failed", err, nil)
		}
	})
	return tg
}

// AgentID implements Agent.
func (tg *TransactionGuardian) AgentID() string { return tg.agentID }

// AgentType implements Agent.
func (tg *TransactionGuardian) AgentType() string { return "TRANSACTION_GUARDIAN" }

// EventTypes implements Agent.
func (tg *TransactionGuardian) EventTypes() []model.EventType {
	return []model.EventType{model.EventTransaction}
}

// Initialize implements Agent. Per-agent config overrides are out of
// scope for the in-memory test double this module ships (no config
// store is wired); static defaults from cfg always apply.
func (tg *TransactionGuardian) Initialize(context.Context) error { return nil }

// Shutdown implements Agent.
func (tg *TransactionGuardian) Shutdown(context.Context) error {
	tg.queue.Stop()
	return nil
}

// Enqueue pushes a transaction event onto the internal FIFO queue
// (spec §4.2.2) instead of processing it synchronously. Returns false
// on backpressure.
func (tg *TransactionGuardian) Enqueue(event model.Event) bool {
	return tg.queue.Push(event)
}

func txField(event model.Event, key string) (interface{}, bool) {
	if event.Metadata == nil {
		return nil, false
	}
	v, ok := event.Metadata[key]
	return v, ok
}

func txFloat(event model.Event, key string) float64 {
	if v, ok := txField(event, key); ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

func txString(event model.Event, key string) string {
	if v, ok := txField(event, key); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// OnEvent implements Agent: the standard 8-step pipeline (spec §4.2)
// specialized with Transaction Guardian's velocity/AML/sanctioned-
// country checks and decision policy (spec §4.2.2).
func (tg *TransactionGuardian) OnEvent(ctx context.Context, event model.Event) (model.Decision, error) {
	customerID := txString(event, "customer_id")
	amount := txFloat(event, "amount")
	destCountry := txString(event, "destination_country")

	decisionID := tg.audit.StartDecisionAudit(ctx, tg.AgentType(), tg.agentID, event, event.Metadata)
	run := &Runner{Manager: tg.audit, DecisionID: decisionID}

	profile, history, dataQuality, err := tg.retrieveData(ctx, run, customerID)
	if err != nil {
		return run.Abort(ctx, event, tg.agentID, err), err
	}

	ruleResult, err := tg.evaluateRules(ctx, run, event, profile)
	if err != nil {
		return run.Abort(ctx, event, tg.agentID, err), err
	}

	velocityRatio, velocityRisk, err := tg.analyzeVelocity(ctx, run, amount, history)
	if err != nil {
		return run.Abort(ctx, event, tg.agentID, err), err
	}

	llmRisk, err := tg.runLLMInference(ctx, run, event, profile, velocityRatio)
	if err != nil && IsFatal(err) {
		return run.Abort(ctx, event, tg.agentID, err), err
	}

	specific := tg.agentSpecificAdjustments(amount, profile, destCountry, event.OccurredAt) + velocityRisk
	riskScore := ComposeRiskScore(tg.cfg, RiskInputs{
		Severity:          event.Severity,
		EventType:         string(event.Type),
		HistoricalRisk:    profile.RiskScore,
		LLMContextualRisk: llmRisk,
		AgentSpecific:     specific,
	})

	complianceBlocked := tg.complianceBlocked(profile, amount)
	sanctioned := tg.cfg.IsSanctioned(destCountry)

	tg.audit.RecordDecisionStep(ctx, decisionID, model.StepRiskAssessment, "risk score composed",
		nil, map[string]interface{}{"risk_score": riskScore, "risk_level": string(model.RiskLevelFromScore(riskScore)), "data_quality_score": dataQuality}, nil)

	decisionType, actions := tg.decidePolicy(riskScore, complianceBlocked, sanctioned, ruleResult)

	confidence := model.ConfidenceMedium
	tg.audit.RecordDecisionStep(ctx, decisionID, model.StepConfidenceCalculation, "confidence aggregated", nil,
		map[string]interface{}{"confidence_score": 1 - abs64(riskScore-0.5)*0.4}, nil)

	financialImpact := amount
	tg.audit.FinalizeDecisionAudit(ctx, decisionID, decisionType, confidence, audittrail.FinalizeOptions{
		RiskAssessment: &model.RiskAssessment{
			RiskScore:      riskScore,
			RiskLevel:      model.RiskLevelFromScore(riskScore),
			RiskFactors:    ruleResult.MatchedConditions,
			AssessmentTime: time.Now().UTC(),
		},
		FinancialImpact: financialImpact,
	})

	if decisionType == model.DecisionEscalate {
		tg.sink.Publish(ctx, ComplianceEvent{
			Type:        "SUSPICIOUS_TRANSACTION",
			AgentID:     tg.agentID,
			Description: fmt.Sprintf("transaction %s escalated for customer %s", txString(event, "transaction_id"), customerID),
			Severity:    model.SeverityHigh,
			Data:        map[string]interface{}{"risk_score": riskScore, "customer_id": customerID},
		})
	}
	tg.updateRiskProfile(ctx, customerID, profile.RiskScore, riskScore)

	if tg.metrics != nil {
		tg.metrics.RecordAgentDecision(tg.AgentType(), string(decisionType))
	}

	return model.Decision{
		DecisionID: decisionID,
		EventID:    event.EventID,
		AgentID:    tg.agentID,
		Type:       decisionType,
		Confidence: confidence,
		Actions:    actions,
		RiskAssessment: model.RiskAssessment{
			RiskScore: riskScore,
			RiskLevel: model.RiskLevelFromScore(riskScore),
		},
		CreatedAt:       time.Now().UTC(),
		FinancialImpact: financialImpact,
	}, nil
}

// retrieveData fetches the customer's profile/history under breaker
// protection. A primary failure falls back to a conservative default
// profile (recoverable, per spec §4.2: "substitute cached/default
// value and continue"); if even the fallback cannot produce one, there
// is nothing safe left to decide on, so the step is fatal.
func (tg *TransactionGuardian) retrieveData(ctx context.Context, run *Runner, customerID string) (model.CustomerProfile, model.TransactionHistory, float64, error) {
	var profile model.CustomerProfile
	var history model.TransactionHistory
	quality := 1.0

	_, err := run.Run(ctx, model.StepDataRetrieval, "retrieve customer profile and history", map[string]interface{}{"customer_id": customerID}, tg.cfg.ExecutionTimeout,
		func(stepCtx context.Context) (map[string]interface{}, map[string]interface{}, error) {
			result := breaker.WithBreaker(stepCtx, tg.dataBreaker, func(c context.Context) error {
				p, err := tg.data.GetCustomerProfile(c, customerID)
				if err != nil {
					return err
				}
				h, err := tg.data.GetTransactionHistory(c, customerID, 24*time.Hour)
				if err != nil {
					return err
				}
				profile, history = p, h
				return nil
			}, func(c context.Context) error {
				profile = fallbackProfile(customerID)
				history = fallbackHistory(customerID, 24*time.Hour)
				quality = 0.5
				return nil
			})
			if result.Err != nil {
				return map[string]interface{}{"data_quality_score": 0.0}, map[string]interface{}{"data_source": "unavailable"}, FatalErr(result.Err)
			}
			return map[string]interface{}{"data_quality_score": quality}, map[string]interface{}{"data_source": "primary_database"}, nil
		})

	return profile, history, quality, err
}

func (tg *TransactionGuardian) evaluateRules(ctx context.Context, run *Runner, event model.Event, profile model.CustomerProfile) (model.RuleResult, error) {
	var result model.RuleResult
	_, err := run.Run(ctx, model.StepRuleEvaluation, "evaluate transaction against rule set", event.Metadata, tg.cfg.ExecutionTimeout,
		func(context.Context) (map[string]interface{}, map[string]interface{}, error) {
			entity := ruleengine.Entity{}
			for k, v := range event.Metadata {
				entity[k] = v
			}
			entity["customer"] = map[string]interface{}{"aml_status": profile.AMLStatus, "risk_score": profile.RiskScore}
			result = tg.rules.EvaluateEntity(ctx, txString(event, "transaction_id"), entity)
			return map[string]interface{}{"triggered": result.Triggered, "score": result.Score}, nil, nil
		})
	return result, err
}

func (tg *TransactionGuardian) analyzeVelocity(ctx context.Context, run *Runner, amount float64, history model.TransactionHistory) (float64, float64, error) {
	var ratio float64
	_, err := run.Run(ctx, model.StepPatternAnalysis, "velocity analysis", nil, tg.cfg.ExecutionTimeout,
		func(context.Context) (map[string]interface{}, map[string]interface{}, error) {
			mean := meanAmount(history)
			if mean > 0 {
				ratio = amount / mean
			}
			return map[string]interface{}{"velocity_ratio": ratio, "pattern_strength": 1.0, "sample_size": float64(len(history.Transactions))}, nil, nil
		})
	return ratio, VelocityBandRisk(tg.cfg, ratio), err
}

func meanAmount(history model.TransactionHistory) float64 {
	if len(history.Transactions) == 0 {
		return 0
	}
	var sum float64
	for _, tx := range history.Transactions {
		sum += tx.Amount
	}
	return sum / float64(len(history.Transactions))
}

// runLLMInference scores contextual risk via the LLM. Its result is
// supplementary (§4.2's risk formula already weighs rules/velocity/
// history independently), so any failure here — even a double failure
// of breaker and fallback — is recoverable: continue with zero
// contextual risk rather than abort the whole pipeline over enrichment.
func (tg *TransactionGuardian) runLLMInference(ctx context.Context, run *Runner, event model.Event, profile model.CustomerProfile, velocityRatio float64) (float64, error) {
	if tg.provider == nil {
		return 0, nil
	}
	var contextualRisk float64
	_, err := run.Run(ctx, model.StepLLMInference, "llm contextual risk assessment", nil, tg.cfg.LLMStepTimeout,
		func(stepCtx context.Context) (map[string]interface{}, map[string]interface{}, error) {
			result := breaker.WithBreaker(stepCtx, tg.llmBreaker, func(c context.Context) error {
				resp, err := tg.provider.ComplexReasoningTask(c, "transaction_risk_assessment", map[string]interface{}{
					"event":          event.Metadata,
					"customer_risk":  profile.RiskScore,
					"velocity_ratio": velocityRatio,
				}, 3, llm.Options{})
				if err != nil {
					return err
				}
				if resp == nil {
					return nil // contract's null outcome: fall back without tripping the breaker
				}
				if opinion, ok := llm.ParseRiskOpinion(resp.Content); ok {
					contextualRisk = opinion.RiskScore
				}
				return nil
			}, func(context.Context) error {
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
			return map[string]interface{}{"model_confidence": 0.8, "temperature": 0.0}, map[string]interface{}{"status": status}, stepErr
		})
	return contextualRisk, err
}

func (tg *TransactionGuardian) agentSpecificAdjustments(amount float64, profile model.CustomerProfile, destCountry string, occurredAt time.Time) float64 {
	adj := AmountBandRisk(tg.cfg, amount)
	adj += GeographicAnomalyRisk(tg.cfg, profile.UsualCountry, destCountry)
	adj += SanctionedCountryRisk(tg.cfg, destCountry)
	adj += UnusualHourRisk(tg.cfg, occurredAt.Hour())
	return adj
}

func (tg *TransactionGuardian) complianceBlocked(profile model.CustomerProfile, amount float64) bool {
	if profile.AMLStatus == "blocked" || profile.AMLStatus == "high_risk" {
		return true
	}
	if profile.DailyLimit > 0 && amount > profile.DailyLimit {
		return true
	}
	return false
}

// decidePolicy maps risk + compliance signals to a DecisionType per
// spec §4.2.2's fixed-order policy.
func (tg *TransactionGuardian) decidePolicy(riskScore float64, complianceBlocked, sanctioned bool, ruleResult model.RuleResult) (model.DecisionType, []model.RecommendedAction) {
	if sanctioned {
		return model.DecisionDeny, []model.RecommendedAction{{ActionType: "BLOCK", Description: "sanctioned destination country", Priority: model.PriorityCritical}}
	}
	if riskScore >= tg.cfg.FraudThreshold || complianceBlocked {
		return model.DecisionDeny, []model.RecommendedAction{
			{ActionType: "BLOCK", Description: "transaction denied", Priority: model.PriorityCritical},
			{ActionType: "ALERT", Description: "compliance alert raised", Priority: model.PriorityHigh},
		}
	}
	if riskScore >= tg.cfg.HighRiskThreshold || (ruleResult.Triggered && ruleResult.Action == model.ActionEscalate) {
		return model.DecisionEscalate, []model.RecommendedAction{{ActionType: "ESCALATE", Description: "manual review required", Priority: model.PriorityHigh}}
	}
	if riskScore >= tg.cfg.VelocityThreshold {
		return model.DecisionMonitor, []model.RecommendedAction{{ActionType: "MONITOR", Description: "flagged for monitoring", Priority: model.PriorityMedium}}
	}
	return model.DecisionApprove, nil
}

func (tg *TransactionGuardian) updateRiskProfile(ctx context.Context, customerID string, current, txRisk float64) {
	if customerID == "" {
		return
	}
	updated := tg.cfg.RiskProfileEMACurrent*current + tg.cfg.RiskProfileEMANew*txRisk
	if err := tg.data.UpdateCustomerRiskProfile(ctx, customerID, updated); err != nil && tg.log != nil {
		tg.log.ErrorWithErr("", tg.agentID, "failed to persist EMA risk profile", err, map[string]interface{}{"customer_id": customerID})
	}
}

func abs64(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
