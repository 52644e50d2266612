// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"math"
	"sort"
	"time"

	"compliancecore/audittrail"
	"compliancecore/config"
	"compliancecore/logger"
	"compliancecore/metrics"
	"compliancecore/model"
)

// AuditIntelligence is the agent named in spec §4.2.3: a periodic sweep
// for temporal/behavioral/correlation anomalies across recent audit
// trails, plus per-event fraud-pattern similarity scoring. Unlike
// Transaction Guardian it emits ComplianceEvent records rather than
// returning an enforcement Decision — its output informs a human or
// downstream system, it does not block anything itself.
type AuditIntelligence struct {
	agentID string
	cfg     *config.Config
	log     *logger.Logger
	metrics *metrics.Registry

	audit *audittrail.Manager
	sink  ActivitySink
}

// AuditIntelligenceDeps bundles AuditIntelligence's collaborators.
type AuditIntelligenceDeps struct {
	AgentID      string
	Config       *config.Config
	Log          *logger.Logger
	Metrics      *metrics.Registry
	Audit        *audittrail.Manager
	ActivitySink ActivitySink
}

// NewAuditIntelligence builds an AuditIntelligence agent.
func NewAuditIntelligence(deps AuditIntelligenceDeps) *AuditIntelligence {
	if deps.AgentID == "" {
		deps.AgentID = "audit-intelligence-1"
	}
	sink := deps.ActivitySink
	if sink == nil {
		sink = NopActivitySink{}
	}
	return &AuditIntelligence{
		agentID: deps.AgentID,
		cfg:     deps.Config,
		log:     deps.Log,
		metrics: deps.Metrics,
		audit:   deps.Audit,
		sink:    sink,
	}
}

// AgentID implements Agent.
func (ai *AuditIntelligence) AgentID() string { return ai.agentID }

// AgentType implements Agent.
func (ai *AuditIntelligence) AgentType() string { return "AUDIT_INTELLIGENCE" }

// EventTypes implements Agent: Audit Intelligence scores transactions
// routed to it for deeper pattern analysis (e.g. by Transaction
// Guardian's MONITOR/ESCALATE path) and standalone audit records.
func (ai *AuditIntelligence) EventTypes() []model.EventType {
	return []model.EventType{model.EventComplianceSignal, model.EventAuditRecord}
}

// Initialize implements Agent.
func (ai *AuditIntelligence) Initialize(context.Context) error { return nil }

// Shutdown implements Agent.
func (ai *AuditIntelligence) Shutdown(context.Context) error { return nil }

// OnEvent implements Agent: runs the standard pipeline specialized
// with the fraud-pattern similarity kernel (spec §4.2.3) in place of a
// velocity/AML check, producing an INVESTIGATE-or-MONITOR verdict.
func (ai *AuditIntelligence) OnEvent(ctx context.Context, event model.Event) (model.Decision, error) {
	decisionID := ai.audit.StartDecisionAudit(ctx, ai.AgentType(), ai.agentID, event, event.Metadata)
	run := &Runner{Manager: ai.audit, DecisionID: decisionID}

	window := time.Duration(ai.cfg.AnalysisIntervalMinutes) * time.Minute * 24
	since := event.OccurredAt.Add(-window)

	var history []model.AuditTrail
	_, err := run.Run(ctx, model.StepDataRetrieval, "retrieve recent trails for similarity comparison", nil, ai.cfg.ExecutionTimeout,
		func(stepCtx context.Context) (map[string]interface{}, map[string]interface{}, error) {
			trails, err := ai.audit.GetAuditTrailForCompliance(stepCtx, since, event.OccurredAt)
			if err != nil {
				// No fallback corpus exists for similarity comparison:
				// without it there is nothing to score against.
				return nil, nil, FatalErr(err)
			}
			history = trails
			return map[string]interface{}{"candidate_count": float64(len(trails))}, nil, nil
		})
	if err != nil {
		return run.Abort(ctx, event, ai.agentID, err), err
	}

	var similarity fraudSimilarity
	_, _ = run.Run(ctx, model.StepPatternAnalysis, "fraud pattern similarity", event.Metadata, ai.cfg.ExecutionTimeout,
		func(context.Context) (map[string]interface{}, map[string]interface{}, error) {
			similarity = computeFraudSimilarity(event, history)
			return map[string]interface{}{
				"mean":    similarity.Mean,
				"max":     similarity.Max,
				"weighted_by_severity": similarity.WeightedBySeverity,
				"density": similarity.Density,
				"sample_size": float64(similarity.SampleSize),
			}, nil, nil
		})

	riskScore := ComposeRiskScore(ai.cfg, RiskInputs{
		Severity:       event.Severity,
		EventType:      string(event.Type),
		HistoricalRisk: similarity.Aggregate(),
	})

	decisionType := model.DecisionMonitor
	if riskScore >= ai.cfg.AnomalyThreshold {
		decisionType = model.DecisionInvestigate
	}

	confidence := model.ConfidenceMedium
	ai.audit.RecordDecisionStep(ctx, decisionID, model.StepConfidenceCalculation, "confidence aggregated", nil,
		map[string]interface{}{"confidence_score": 1 - math.Abs(riskScore-0.5)*0.4}, nil)

	ai.audit.FinalizeDecisionAudit(ctx, decisionID, decisionType, confidence, audittrail.FinalizeOptions{
		RiskAssessment: &model.RiskAssessment{
			RiskScore:      riskScore,
			RiskLevel:      model.RiskLevelFromScore(riskScore),
			AssessmentTime: time.Now().UTC(),
		},
	})

	if decisionType == model.DecisionInvestigate {
		ai.sink.Publish(ctx, ComplianceEvent{
			Type:        "FRAUD_PATTERN_MATCH",
			AgentID:     ai.agentID,
			Description: "event matches recent fraud pattern above threshold",
			Severity:    model.SeverityHigh,
			Data:        map[string]interface{}{"risk_score": riskScore, "similarity": similarity},
		})
	}
	if ai.metrics != nil {
		ai.metrics.RecordAgentDecision(ai.AgentType(), string(decisionType))
	}

	return model.Decision{
		DecisionID: decisionID,
		EventID:    event.EventID,
		AgentID:    ai.agentID,
		Type:       decisionType,
		Confidence: confidence,
		RiskAssessment: model.RiskAssessment{
			RiskScore: riskScore,
			RiskLevel: model.RiskLevelFromScore(riskScore),
		},
		CreatedAt: time.Now().UTC(),
	}, nil
}

// fraudSimilarity is the four-statistic aggregate spec §4.2.3 requires
// over the top-N most similar historical trails.
type fraudSimilarity struct {
	Mean               float64
	Max                float64
	WeightedBySeverity float64
	Density            float64
	SampleSize         int
}

// Aggregate combines the four statistics into one [0,1] contribution.
// spec.md names the four statistics but not their combination weights;
// an unweighted mean is the simplest reading consistent with "aggregate
// via a weighted sum" when no weights are given.
func (f fraudSimilarity) Aggregate() float64 {
	if f.SampleSize == 0 {
		return 0
	}
	return clamp01((f.Mean + f.Max + f.WeightedBySeverity + f.Density) / 4)
}

const fraudSimilarityTopN = 20
const fraudSimilarityDensityThreshold = 0.7
const amountSimilaritySigma = 1.0

// computeFraudSimilarity scores event against the trails in history
// whose trigger event has the same type, keeping the fraudSimilarityTopN
// most similar (spec §4.2.3's feature kernel).
func computeFraudSimilarity(event model.Event, history []model.AuditTrail) fraudSimilarity {
	type scored struct {
		score    float64
		severity int
	}
	var pairs []scored
	for _, trail := range history {
		if trail.TriggerEvent.Type != event.Type {
			continue
		}
		s := similarityScore(event, trail.TriggerEvent)
		pairs = append(pairs, scored{score: s, severity: trail.TriggerEvent.Severity.Ordinal()})
	}
	if len(pairs) == 0 {
		return fraudSimilarity{}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].score > pairs[j].score })
	if len(pairs) > fraudSimilarityTopN {
		pairs = pairs[:fraudSimilarityTopN]
	}

	var sum, max float64
	var weightedSum, weightTotal float64
	var dense int
	for _, p := range pairs {
		sum += p.score
		if p.score > max {
			max = p.score
		}
		weight := float64(p.severity + 1)
		weightedSum += p.score * weight
		weightTotal += weight
		if p.score > fraudSimilarityDensityThreshold {
			dense++
		}
	}

	mean := sum / float64(len(pairs))
	weightedBySeverity := 0.0
	if weightTotal > 0 {
		weightedBySeverity = weightedSum / weightTotal
	}
	density := float64(dense) / float64(len(pairs))

	return fraudSimilarity{
		Mean:               mean,
		Max:                max,
		WeightedBySeverity: weightedBySeverity,
		Density:            density,
		SampleSize:         len(pairs),
	}
}

// similarityScore combines event-type equality, normalized severity
// distance, Gaussian-kernel amount similarity, and entity equality
// (spec §4.2.3) into one [0,1] pairwise score.
func similarityScore(a, b model.Event) float64 {
	typeEqual := 0.0
	if a.Type == b.Type {
		typeEqual = 1.0
	}

	severityDistance := math.Abs(float64(a.Severity.Ordinal()-b.Severity.Ordinal())) / 3
	severitySimilarity := 1 - severityDistance

	amountSimilarity := gaussianAmountSimilarity(metadataFloat(a, "amount"), metadataFloat(b, "amount"))

	entityEqual := 0.0
	if metadataString(a, "customer_id") != "" && metadataString(a, "customer_id") == metadataString(b, "customer_id") {
		entityEqual = 1.0
	}

	return (typeEqual + severitySimilarity + amountSimilarity + entityEqual) / 4
}

// gaussianAmountSimilarity applies a Gaussian kernel to the difference
// of log10(amount+1) between a and b, sigma=1 (spec §4.2.3).
func gaussianAmountSimilarity(a, b float64) float64 {
	la := math.Log10(a + 1)
	lb := math.Log10(b + 1)
	d := la - lb
	return math.Exp(-(d * d) / (2 * amountSimilaritySigma * amountSimilaritySigma))
}

func metadataFloat(event model.Event, key string) float64 {
	if event.Metadata == nil {
		return 0
	}
	if v, ok := event.Metadata[key].(float64); ok {
		return v
	}
	return 0
}

func metadataString(event model.Event, key string) string {
	if event.Metadata == nil {
		return ""
	}
	if v, ok := event.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// SweepResult summarizes one periodic-sweep pass (spec §4.2.3).
type SweepResult struct {
	TemporalAnomalies    int
	BehavioralAnomalies  int
	CorrelationAnomalies int
}

// RunPeriodicSweep scans trails in [since, now] for temporal,
// behavioral, and correlation anomalies per agent, emitting a
// ComplianceEvent for each one found (spec §4.2.3). It is invoked on a
// ticker by whatever owns this agent's lifecycle — not part of the
// Agent interface, since it is time-triggered rather than event-driven.
func (ai *AuditIntelligence) RunPeriodicSweep(ctx context.Context, since, now time.Time) (SweepResult, error) {
	trails, err := ai.audit.GetAuditTrailForCompliance(ctx, since, now)
	if err != nil {
		return SweepResult{}, err
	}

	byAgent := map[string][]model.AuditTrail{}
	for _, t := range trails {
		key := t.AgentType + "/" + t.AgentName
		byAgent[key] = append(byAgent[key], t)
	}

	var result SweepResult
	hours := math.Max(now.Sub(since).Hours(), 1)
	for agentKey, agentTrails := range byAgent {
		rate := float64(len(agentTrails)) / hours
		if rate > ai.cfg.TemporalRateThreshold {
			result.TemporalAnomalies++
			ai.sink.Publish(ctx, ComplianceEvent{
				Type: "TEMPORAL_ANOMALY", AgentID: ai.agentID, Severity: model.SeverityMedium,
				Description: "decision rate exceeds sustained threshold for " + agentKey,
				Data:        map[string]interface{}{"agent": agentKey, "rate_per_hour": rate},
			})
		}

		confidences := confidenceOrdinals(agentTrails)
		if stdDev := stdDev(confidences); stdDev > ai.cfg.ConfidenceStdDevThreshold {
			result.BehavioralAnomalies++
			ai.sink.Publish(ctx, ComplianceEvent{
				Type: "BEHAVIORAL_ANOMALY", AgentID: ai.agentID, Severity: model.SeverityMedium,
				Description: "confidence variance exceeds threshold for " + agentKey,
				Data:        map[string]interface{}{"agent": agentKey, "std_dev": stdDev},
			})
		}
		if len(confidences) >= ai.cfg.ConfidenceMeanSampleMin {
			if mean(confidences) < ai.cfg.ConfidenceMeanFloor {
				result.BehavioralAnomalies++
				ai.sink.Publish(ctx, ComplianceEvent{
					Type: "BEHAVIORAL_ANOMALY", AgentID: ai.agentID, Severity: model.SeverityMedium,
					Description: "sustained low mean confidence for " + agentKey,
					Data:        map[string]interface{}{"agent": agentKey},
				})
			}
		}

		risks := riskScores(agentTrails)
		if len(confidences) >= ai.cfg.CorrelationSampleMin && len(confidences) == len(risks) {
			rho := pearson(confidences, risks)
			if math.Abs(rho) > ai.cfg.CorrelationThreshold && rho > 0 {
				result.CorrelationAnomalies++
				ai.sink.Publish(ctx, ComplianceEvent{
					Type: "CORRELATION_ANOMALY", AgentID: ai.agentID, Severity: model.SeverityHigh,
					Description: "confidence positively correlated with risk for " + agentKey,
					Data:        map[string]interface{}{"agent": agentKey, "correlation": rho},
				})
			}
		}
	}
	return result, nil
}

func confidenceOrdinals(trails []model.AuditTrail) []float64 {
	out := make([]float64, len(trails))
	for i, t := range trails {
		out[i] = float64(t.FinalConfidence.Ordinal())
	}
	return out
}

func riskScores(trails []model.AuditTrail) []float64 {
	out := make([]float64, 0, len(trails))
	for _, t := range trails {
		for _, step := range t.Steps {
			if step.EventType == model.StepRiskAssessment {
				if v, ok := step.OutputData["risk_score"].(float64); ok {
					out = append(out, v)
					break
				}
			}
		}
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)-1))
}

// pearson computes the Pearson correlation coefficient between xs and
// ys of equal length (spec §4.2.3 correlation anomaly).
func pearson(xs, ys []float64) float64 {
	n := len(xs)
	if n == 0 || n != len(ys) {
		return 0
	}
	mx, my := mean(xs), mean(ys)
	var num, dx2, dy2 float64
	for i := 0; i < n; i++ {
		dx := xs[i] - mx
		dy := ys[i] - my
		num += dx * dy
		dx2 += dx * dx
		dy2 += dy * dy
	}
	denom := math.Sqrt(dx2 * dy2)
	if denom == 0 {
		return 0
	}
	return num / denom
}
