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

package audittrail

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"compliancecore/errkind"
	"compliancecore/model"
	"compliancecore/store"
)

// Repository is the persistence boundary for finalized trails. The
// Manager never issues SQL directly, mirroring the split ruleengine
// draws between its Engine and its Repository.
type Repository interface {
	// SaveTrail persists a finalized trail's header, its full ordered
	// step list, and its default explanation in one transaction (spec
	// §5: "header, then buffered steps, then explanation").
	SaveTrail(ctx context.Context, trail *model.AuditTrail, explanation Explanation) error
	GetTrail(ctx context.Context, decisionID string) (*model.AuditTrail, error)
	ListByAgent(ctx context.Context, agentType, agentName string, since time.Time) ([]model.AuditTrail, error)
	ListRequiringReview(ctx context.Context) ([]model.AuditTrail, error)
	ListInRange(ctx context.Context, start, end time.Time) ([]model.AuditTrail, error)
	MarkHumanReviewRequested(ctx context.Context, decisionID, reason string) error
	// SaveHumanFeedback inserts the reviewer's verdict, appends step to
	// the trail's recorded steps, and clears requires_human_review —
	// all in one transaction, so a re-query of the decision after
	// feedback never shows it still pending review.
	SaveHumanFeedback(ctx context.Context, review model.HumanReview, step model.AuditStep) error
}

// PostgresRepository is the Repository backed by the shared Store.
type PostgresRepository struct {
	s *store.Store
}

// NewPostgresRepository wraps s.
func NewPostgresRepository(s *store.Store) *PostgresRepository {
	return &PostgresRepository{s: s}
}

func (r *PostgresRepository) SaveTrail(ctx context.Context, trail *model.AuditTrail, explanation Explanation) error {
	triggerJSON, err := json.Marshal(trail.TriggerEvent)
	if err != nil {
		return &errkind.PersistenceError{Operation: "marshal_trigger_event", Cause: err}
	}
	inputJSON, err := json.Marshal(trail.OriginalInput)
	if err != nil {
		return &errkind.PersistenceError{Operation: "marshal_original_input", Cause: err}
	}
	stepsJSON, err := json.Marshal(trail.Steps)
	if err != nil {
		return &errkind.PersistenceError{Operation: "marshal_steps", Cause: err}
	}
	explanationJSON, err := json.Marshal(explanation)
	if err != nil {
		return &errkind.PersistenceError{Operation: "marshal_explanation", Cause: err}
	}

	return r.s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO audit_trails (
				trail_id, decision_id, agent_type, agent_name, trigger_event,
				original_input, final_decision, final_confidence, started_at,
				completed_at, total_processing_time_ms, requires_human_review,
				human_review_reason
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			trail.TrailID, trail.DecisionID, trail.AgentType, trail.AgentName, triggerJSON,
			inputJSON, trail.FinalDecision, trail.FinalConfidence, trail.StartedAt,
			trail.CompletedAt, trail.TotalProcessingTime.Milliseconds(), trail.RequiresHumanReview,
			trail.HumanReviewReason,
		)
		if err != nil {
			return &errkind.PersistenceError{Operation: "insert_audit_trail", Cause: err}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_trail_steps (decision_id, steps) VALUES ($1,$2)`,
			trail.DecisionID, stepsJSON)
		if err != nil {
			return &errkind.PersistenceError{Operation: "insert_audit_trail_steps", Cause: err}
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_trail_explanations (decision_id, level, explanation) VALUES ($1,$2,$3)`,
			trail.DecisionID, explanation.Level, explanationJSON)
		if err != nil {
			return &errkind.PersistenceError{Operation: "insert_audit_trail_explanation", Cause: err}
		}
		return nil
	})
}

func (r *PostgresRepository) GetTrail(ctx context.Context, decisionID string) (*model.AuditTrail, error) {
	row := r.s.DB().QueryRowContext(ctx, `
		SELECT trail_id, decision_id, agent_type, agent_name, trigger_event, original_input,
			final_decision, final_confidence, started_at, completed_at,
			total_processing_time_ms, requires_human_review, human_review_reason
		FROM audit_trails WHERE decision_id = $1`, decisionID)

	trail, err := scanTrail(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &errkind.NotFoundError{Kind: "decision", ID: decisionID}
		}
		return nil, &errkind.PersistenceError{Operation: "get_trail", Cause: err}
	}

	steps, err := r.loadSteps(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	trail.Steps = steps
	return trail, nil
}

func (r *PostgresRepository) loadSteps(ctx context.Context, decisionID string) ([]model.AuditStep, error) {
	var raw []byte
	err := r.s.DB().QueryRowContext(ctx,
		`SELECT steps FROM audit_trail_steps WHERE decision_id = $1`, decisionID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &errkind.PersistenceError{Operation: "get_steps", Cause: err}
	}
	var steps []model.AuditStep
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, &errkind.PersistenceError{Operation: "unmarshal_steps", Cause: err}
	}
	return steps, nil
}

func (r *PostgresRepository) ListByAgent(ctx context.Context, agentType, agentName string, since time.Time) ([]model.AuditTrail, error) {
	// An empty agentName means "every agent of this type" (used by the
	// performance/pattern analytics, which aggregate across a whole
	// agent_type rather than one named instance).
	rows, err := r.s.DB().QueryContext(ctx, `
		SELECT trail_id, decision_id, agent_type, agent_name, trigger_event, original_input,
			final_decision, final_confidence, started_at, completed_at,
			total_processing_time_ms, requires_human_review, human_review_reason
		FROM audit_trails
		WHERE agent_type = $1 AND ($2 = '' OR agent_name = $2) AND started_at >= $3
		ORDER BY started_at DESC`, agentType, agentName, since)
	if err != nil {
		return nil, &errkind.PersistenceError{Operation: "list_by_agent", Cause: err}
	}
	defer rows.Close()
	trails, err := scanTrails(rows)
	if err != nil {
		return nil, err
	}
	return r.withSteps(ctx, trails)
}

// withSteps fills in Steps for each trail so the analytics that walk
// step sequences (pattern analysis, performance's avg-steps figure)
// have full data; the header-only list queries stay cheap for callers
// that only need counts and confidence/decision distributions.
func (r *PostgresRepository) withSteps(ctx context.Context, trails []model.AuditTrail) ([]model.AuditTrail, error) {
	for i := range trails {
		steps, err := r.loadSteps(ctx, trails[i].DecisionID)
		if err != nil {
			return nil, err
		}
		trails[i].Steps = steps
	}
	return trails, nil
}

func (r *PostgresRepository) ListRequiringReview(ctx context.Context) ([]model.AuditTrail, error) {
	rows, err := r.s.DB().QueryContext(ctx, `
		SELECT trail_id, decision_id, agent_type, agent_name, trigger_event, original_input,
			final_decision, final_confidence, started_at, completed_at,
			total_processing_time_ms, requires_human_review, human_review_reason
		FROM audit_trails WHERE requires_human_review = true ORDER BY started_at DESC`)
	if err != nil {
		return nil, &errkind.PersistenceError{Operation: "list_requiring_review", Cause: err}
	}
	defer rows.Close()
	return scanTrails(rows)
}

func (r *PostgresRepository) ListInRange(ctx context.Context, start, end time.Time) ([]model.AuditTrail, error) {
	rows, err := r.s.DB().QueryContext(ctx, `
		SELECT trail_id, decision_id, agent_type, agent_name, trigger_event, original_input,
			final_decision, final_confidence, started_at, completed_at,
			total_processing_time_ms, requires_human_review, human_review_reason
		FROM audit_trails WHERE started_at >= $1 AND started_at <= $2
		ORDER BY started_at ASC`, start, end)
	if err != nil {
		return nil, &errkind.PersistenceError{Operation: "list_in_range", Cause: err}
	}
	defer rows.Close()
	return scanTrails(rows)
}

func (r *PostgresRepository) MarkHumanReviewRequested(ctx context.Context, decisionID, reason string) error {
	return r.s.ExecRetry(ctx,
		`UPDATE audit_trails SET requires_human_review = true, human_review_reason = $2 WHERE decision_id = $1`,
		decisionID, reason)
}

// SaveHumanFeedback records the verdict and clears requires_human_review
// unconditionally — rendering a verdict, approved or not, resolves the
// review request, matching decision_audit_trail.cpp's unconditional
// post-insert UPDATE.
func (r *PostgresRepository) SaveHumanFeedback(ctx context.Context, review model.HumanReview, step model.AuditStep) error {
	return r.s.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO human_reviews (review_id, decision_id, reviewer_id, feedback, approved, reviewed_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			review.ReviewID, review.DecisionID, review.ReviewerID, review.Feedback, review.Approved, review.ReviewedAt)
		if err != nil {
			return &errkind.PersistenceError{Operation: "insert_human_review", Cause: err}
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE audit_trails SET requires_human_review = false WHERE decision_id = $1`,
			review.DecisionID)
		if err != nil {
			return &errkind.PersistenceError{Operation: "clear_requires_human_review", Cause: err}
		}

		var existing []byte
		err = tx.QueryRowContext(ctx,
			`SELECT steps FROM audit_trail_steps WHERE decision_id = $1 FOR UPDATE`, review.DecisionID).Scan(&existing)
		hadRow := err == nil
		if err != nil && err != sql.ErrNoRows {
			return &errkind.PersistenceError{Operation: "get_steps_for_feedback", Cause: err}
		}

		var steps []model.AuditStep
		if hadRow && len(existing) > 0 {
			if err := json.Unmarshal(existing, &steps); err != nil {
				return &errkind.PersistenceError{Operation: "unmarshal_steps_for_feedback", Cause: err}
			}
		}
		steps = append(steps, step)
		stepsJSON, err := json.Marshal(steps)
		if err != nil {
			return &errkind.PersistenceError{Operation: "marshal_steps_for_feedback", Cause: err}
		}

		if hadRow {
			_, err = tx.ExecContext(ctx,
				`UPDATE audit_trail_steps SET steps = $2 WHERE decision_id = $1`,
				review.DecisionID, stepsJSON)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO audit_trail_steps (decision_id, steps) VALUES ($1,$2)`,
				review.DecisionID, stepsJSON)
		}
		if err != nil {
			return &errkind.PersistenceError{Operation: "save_steps_for_feedback", Cause: err}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrail(row rowScanner) (*model.AuditTrail, error) {
	var trail model.AuditTrail
	var triggerJSON, inputJSON []byte
	var totalMs int64

	err := row.Scan(
		&trail.TrailID, &trail.DecisionID, &trail.AgentType, &trail.AgentName, &triggerJSON,
		&inputJSON, &trail.FinalDecision, &trail.FinalConfidence, &trail.StartedAt, &trail.CompletedAt,
		&totalMs, &trail.RequiresHumanReview, &trail.HumanReviewReason,
	)
	if err != nil {
		return nil, err
	}
	trail.TotalProcessingTime = time.Duration(totalMs) * time.Millisecond

	if len(triggerJSON) > 0 {
		if err := json.Unmarshal(triggerJSON, &trail.TriggerEvent); err != nil {
			return nil, err
		}
	}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &trail.OriginalInput); err != nil {
			return nil, err
		}
	}
	return &trail, nil
}

func scanTrails(rows *sql.Rows) ([]model.AuditTrail, error) {
	var out []model.AuditTrail
	for rows.Next() {
		trail, err := scanTrail(rows)
		if err != nil {
			return nil, &errkind.PersistenceError{Operation: "scan_audit_trail", Cause: err}
		}
		out = append(out, *trail)
	}
	if err := rows.Err(); err != nil {
		return nil, &errkind.PersistenceError{Operation: "scan_audit_trails", Cause: err}
	}
	return out, nil
}
