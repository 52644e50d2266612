// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package audittrail is the Decision Audit Trail & Explanation Engine
// (spec §4.4): the only legal path to create, mutate, finalize, query,
// and explain a decision's reasoning trail. It holds two mutexes, one
// guarding the open-trail map and one guarding each trail's pending
// step buffer (spec §5), the same split the teacher's replay Service
// draws between its `executions` cache and its Repository, adapted
// from single "steps flushed immediately" semantics to "steps buffered
// until finalize, then flushed in order".
package audittrail

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"compliancecore/errkind"
	"compliancecore/logger"
	"compliancecore/model"
)

// Manager owns the active-trail lifecycle and the finalized-trail
// query/export surface.
type Manager struct {
	repo                     Repository
	log                      *logger.Logger
	financialImpactThreshold float64

	trailsMu     sync.RWMutex
	activeTrails map[string]*model.AuditTrail

	stepsMu      sync.Mutex
	pendingSteps map[string][]model.AuditStep
	lastStepAt   map[string]time.Time
}

// New builds a Manager. financialImpactThreshold is the configurable
// figure from spec §4.4.2 ("financial_impact > 1,000,000, configurable").
func New(repo Repository, log *logger.Logger, financialImpactThreshold float64) *Manager {
	if financialImpactThreshold <= 0 {
		financialImpactThreshold = 1_000_000
	}
	return &Manager{
		repo:                     repo,
		log:                      log,
		financialImpactThreshold: financialImpactThreshold,
		activeTrails:             make(map[string]*model.AuditTrail),
		pendingSteps:             make(map[string][]model.AuditStep),
		lastStepAt:               make(map[string]time.Time),
	}
}

// StartDecisionAudit allocates a decision_id and trail_id, opens an
// in-memory active trail, and records the DECISION_STARTED step.
func (m *Manager) StartDecisionAudit(ctx context.Context, agentType, agentName string, trigger model.Event, input map[string]interface{}) string {
	now := time.Now().UTC()
	decisionID := uuid.NewString()
	trail := &model.AuditTrail{
		TrailID:       uuid.NewString(),
		DecisionID:    decisionID,
		AgentType:     agentType,
		AgentName:     agentName,
		TriggerEvent:  trigger,
		OriginalInput: input,
		StartedAt:     now,
	}

	m.trailsMu.Lock()
	m.activeTrails[decisionID] = trail
	m.trailsMu.Unlock()

	m.stepsMu.Lock()
	m.lastStepAt[decisionID] = now
	m.stepsMu.Unlock()

	m.RecordDecisionStep(ctx, decisionID, model.StepDecisionStarted,
		"Decision audit started", input, nil, nil)

	if m.log != nil {
		m.log.Info("", "", "decision audit started", map[string]interface{}{
			"decision_id": decisionID, "agent_type": agentType, "agent_name": agentName,
		})
	}
	return decisionID
}

// RecordDecisionStep computes processing_time (elapsed since the
// previous step on this trail) and confidence_impact, then appends the
// step to the trail's pending buffer. It returns false if decisionID
// names no active (not-yet-finalized) trail.
func (m *Manager) RecordDecisionStep(_ context.Context, decisionID string, eventType model.AuditEventType, description string, input, output, metadata map[string]interface{}) bool {
	return m.recordStep(decisionID, eventType, description, input, output, metadata, nil)
}

// RecordTimeoutStep records a step whose deadline was exceeded (spec
// §5: "records a timeout step with confidence_impact < 0"). The usual
// calculate_confidence_impact formula has no path that drives a base
// factor negative from quality signals alone, so the caller supplies
// the penalty directly instead of it being derived.
func (m *Manager) RecordTimeoutStep(_ context.Context, decisionID string, eventType model.AuditEventType, description string, input, metadata map[string]interface{}, penalty float64) bool {
	if penalty >= 0 {
		penalty = -0.2
	}
	return m.recordStep(decisionID, eventType, description, input, nil, metadata, &penalty)
}

func (m *Manager) recordStep(decisionID string, eventType model.AuditEventType, description string, input, output, metadata map[string]interface{}, impactOverride *float64) bool {
	m.trailsMu.RLock()
	_, active := m.activeTrails[decisionID]
	m.trailsMu.RUnlock()
	if !active {
		return false
	}

	now := time.Now().UTC()

	m.stepsMu.Lock()
	defer m.stepsMu.Unlock()

	elapsed := now.Sub(m.lastStepAt[decisionID])
	m.lastStepAt[decisionID] = now

	impact := calculateConfidenceImpact(eventType, input, output, metadata)
	if impactOverride != nil {
		impact = *impactOverride
	}

	step := model.AuditStep{
		StepID:           uuid.NewString(),
		TrailID:          decisionID,
		EventType:        eventType,
		Description:      description,
		InputData:        input,
		OutputData:       output,
		Metadata:         metadata,
		ProcessingTime:   elapsed,
		ConfidenceImpact: impact,
		Timestamp:        now,
	}
	m.pendingSteps[decisionID] = append(m.pendingSteps[decisionID], step)
	return true
}

// FinalizeOptions carries finalize_decision_audit's optional arguments.
type FinalizeOptions struct {
	DecisionTree    map[string]interface{}
	RiskAssessment  *model.RiskAssessment
	Alternatives    []Alternative
	FinancialImpact float64
}

// Alternative is one considered-and-rejected decision path, surfaced
// in the DEBUG explanation level's raw payload.
type Alternative struct {
	Decision model.DecisionType `json:"decision"`
	Score    float64            `json:"score"`
	Reason   string             `json:"reason"`
}

// FinalizeDecisionAudit closes the trail: resolves final confidence,
// decides requires_human_review, flushes the buffered steps in
// timestamp order, and persists header + steps + explanation in one
// transaction (spec §4.4, §5). On persistence failure the trail and
// its buffered steps are put back so a retry can succeed without
// re-running the decision.
func (m *Manager) FinalizeDecisionAudit(ctx context.Context, decisionID string, finalDecision model.DecisionType, confidence model.Confidence, opts FinalizeOptions) bool {
	m.trailsMu.Lock()
	trail, ok := m.activeTrails[decisionID]
	if !ok {
		m.trailsMu.Unlock()
		return false
	}
	delete(m.activeTrails, decisionID)
	m.trailsMu.Unlock()

	m.stepsMu.Lock()
	steps := m.pendingSteps[decisionID]
	delete(m.pendingSteps, decisionID)
	delete(m.lastStepAt, decisionID)
	m.stepsMu.Unlock()

	now := time.Now().UTC()
	trail.FinalDecision = finalDecision
	trail.FinalConfidence = resolveConfidence(confidence, steps)
	trail.CompletedAt = now
	trail.TotalProcessingTime = now.Sub(trail.StartedAt)

	requires, reason := humanReviewTrigger(trail, opts.FinancialImpact, m.financialImpactThreshold)
	trail.RequiresHumanReview = requires
	trail.HumanReviewReason = reason

	// bufferedSteps is what gets restored on a failed save — the steps
	// recorded before this finalize call, not the finalize-generated
	// ones, so a retry doesn't accumulate duplicate DECISION_FINALIZED/
	// HUMAN_REVIEW_REQUESTED steps from the attempt that failed.
	bufferedSteps := steps

	finalizedStep := model.AuditStep{
		StepID:           uuid.NewString(),
		TrailID:          decisionID,
		EventType:        model.StepDecisionFinalized,
		Description:      "Decision finalized: " + string(finalDecision),
		OutputData:       finalizeOutputData(finalDecision, opts),
		ProcessingTime:   now.Sub(trail.StartedAt),
		ConfidenceImpact: 0.0,
		Timestamp:        now,
	}
	steps = append(steps, finalizedStep)

	if requires {
		reviewStep := model.AuditStep{
			StepID:      uuid.NewString(),
			TrailID:     decisionID,
			EventType:   model.StepHumanReviewRequested,
			Description: reason,
			Timestamp:   now,
		}
		reviewStep.ConfidenceImpact = calculateConfidenceImpact(model.StepHumanReviewRequested, nil, nil, nil)
		steps = append(steps, reviewStep)
	}

	trail.Steps = steps
	explanation := generateExplanation(trail, LevelDetailed)

	if err := m.repo.SaveTrail(ctx, trail, explanation); err != nil {
		if m.log != nil {
			m.log.ErrorWithErr("", "", "failed to persist finalized audit trail, retaining for retry", err,
				map[string]interface{}{"decision_id": decisionID})
		}
		trail.Steps = nil
		m.trailsMu.Lock()
		m.activeTrails[decisionID] = trail
		m.trailsMu.Unlock()
		m.stepsMu.Lock()
		m.pendingSteps[decisionID] = bufferedSteps
		m.lastStepAt[decisionID] = now
		m.stepsMu.Unlock()
		return false
	}
	return true
}

func finalizeOutputData(finalDecision model.DecisionType, opts FinalizeOptions) map[string]interface{} {
	out := map[string]interface{}{"final_decision": string(finalDecision)}
	if opts.DecisionTree != nil {
		out["decision_tree"] = opts.DecisionTree
	}
	if opts.RiskAssessment != nil {
		out["risk_assessment"] = opts.RiskAssessment
	}
	if len(opts.Alternatives) > 0 {
		out["alternatives"] = opts.Alternatives
	}
	if opts.FinancialImpact != 0 {
		out["financial_impact"] = opts.FinancialImpact
	}
	return out
}

// RequestHumanReview is a post-finalization override: it marks an
// already-finalized decision for human review regardless of whether
// the automatic triggers fired at finalize time.
func (m *Manager) RequestHumanReview(ctx context.Context, decisionID, reason string) error {
	if reason == "" {
		return errkind.NewValidation("reason", "must not be empty")
	}
	return m.repo.MarkHumanReviewRequested(ctx, decisionID, reason)
}

// RecordHumanFeedback attaches a reviewer's verdict to a finalized
// decision. Recording feedback always resolves the review request —
// the repository clears requires_human_review regardless of the
// verdict — and appends a HUMAN_FEEDBACK_RECEIVED step so the trail
// shows who reviewed it and when.
func (m *Manager) RecordHumanFeedback(ctx context.Context, decisionID, feedback string, approved bool, reviewerID string) error {
	now := time.Now().UTC()
	review := model.HumanReview{
		ReviewID:   uuid.NewString(),
		DecisionID: decisionID,
		ReviewerID: reviewerID,
		Feedback:   feedback,
		Approved:   approved,
		ReviewedAt: now,
	}

	output := map[string]interface{}{"approved": approved, "reviewer_id": reviewerID}
	step := model.AuditStep{
		StepID:           uuid.NewString(),
		TrailID:          decisionID,
		EventType:        model.StepHumanFeedbackReceived,
		Description:      feedback,
		OutputData:       output,
		ConfidenceImpact: calculateConfidenceImpact(model.StepHumanFeedbackReceived, nil, output, nil),
		Timestamp:        now,
	}

	return m.repo.SaveHumanFeedback(ctx, review, step)
}

// GetDecisionAudit returns the trail for decisionID, checking the
// in-flight cache before falling back to the repository — an
// in-progress trail is visible for debugging before it is finalized.
func (m *Manager) GetDecisionAudit(ctx context.Context, decisionID string) (*model.AuditTrail, error) {
	m.trailsMu.RLock()
	active, ok := m.activeTrails[decisionID]
	m.trailsMu.RUnlock()
	if ok {
		snapshot := *active
		m.stepsMu.Lock()
		snapshot.Steps = append([]model.AuditStep(nil), m.pendingSteps[decisionID]...)
		m.stepsMu.Unlock()
		return &snapshot, nil
	}
	return m.repo.GetTrail(ctx, decisionID)
}

// GetAgentDecisions lists finalized trails for one agent since a time bound.
func (m *Manager) GetAgentDecisions(ctx context.Context, agentType, agentName string, since time.Time) ([]model.AuditTrail, error) {
	return m.repo.ListByAgent(ctx, agentType, agentName, since)
}

// GetDecisionsRequiringReview lists every finalized trail currently
// flagged for human review.
func (m *Manager) GetDecisionsRequiringReview(ctx context.Context) ([]model.AuditTrail, error) {
	return m.repo.ListRequiringReview(ctx)
}

// GenerateExplanation recomputes an Explanation at level from the
// trail's current steps — always live, never the explanation persisted
// at finalize time, so it reflects generate_explanation being callable
// at any level after the fact.
func (m *Manager) GenerateExplanation(ctx context.Context, decisionID string, level ExplanationLevel) (Explanation, error) {
	trail, err := m.GetDecisionAudit(ctx, decisionID)
	if err != nil {
		return Explanation{}, err
	}
	return generateExplanation(trail, level), nil
}

// GetAuditTrailForCompliance returns every trail started within [start, end].
func (m *Manager) GetAuditTrailForCompliance(ctx context.Context, start, end time.Time) ([]model.AuditTrail, error) {
	return m.repo.ListInRange(ctx, start, end)
}
