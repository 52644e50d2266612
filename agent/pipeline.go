// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"context"
	"errors"
	"time"

	"compliancecore/audittrail"
	"compliancecore/errkind"
	"compliancecore/model"
)

// StepError classifies a pipeline step failure as recoverable (the
// pipeline substitutes a conservative default and continues) or fatal
// (the pipeline aborts and the agent emits a low-confidence MONITOR
// decision), per spec §4.2.
type StepError struct {
	Fatal bool
	Err   error
}

func (e *StepError) Error() string { return e.Err.Error() }
func (e *StepError) Unwrap() error { return e.Err }

// Recoverable wraps err as a recoverable step failure.
func Recoverable(err error) error { return &StepError{Fatal: false, Err: err} }

// FatalErr wraps err as a fatal step failure.
func FatalErr(err error) error { return &StepError{Fatal: true, Err: err} }

// IsFatal reports whether err should abort the pipeline. An
// unclassified error (not produced via Recoverable/FatalErr) is
// treated as fatal — the conservative default when a step fails in a
// way nobody anticipated a fallback for.
func IsFatal(err error) bool {
	var se *StepError
	if errors.As(err, &se) {
		return se.Fatal
	}
	return true
}

// StepFunc runs one pipeline step and returns its audit output/metadata.
type StepFunc func(ctx context.Context) (output, metadata map[string]interface{}, err error)

// Runner wraps every pipeline step so that (a) input/output/duration/
// confidence_impact are recorded into the audit trail, and (b) a
// per-step deadline is enforced, with a timeout recorded as its own
// step and treated as a recoverable failure (spec §4.2, §5).
type Runner struct {
	Manager    *audittrail.Manager
	DecisionID string
}

// Run executes fn under timeout, records the resulting step, and
// returns the step's output along with a possibly-wrapped error.
func (r *Runner) Run(ctx context.Context, eventType model.AuditEventType, description string, input map[string]interface{}, timeout time.Duration, fn StepFunc) (map[string]interface{}, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, metadata, err := fn(stepCtx)
	if err != nil {
		if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			r.Manager.RecordTimeoutStep(ctx, r.DecisionID, eventType, description+" (timed out)", input, metadata, -0.2)
			return nil, Recoverable(&errkind.TimeoutError{Stage: string(eventType), Elapsed: timeout.String()})
		}
		r.Manager.RecordDecisionStep(ctx, r.DecisionID, eventType, description+" (failed)", input,
			map[string]interface{}{"error": err.Error(), "error_rate": 1.0}, metadata)
		return nil, err
	}

	r.Manager.RecordDecisionStep(ctx, r.DecisionID, eventType, description, input, output, metadata)
	return output, nil
}

// Abort finalizes the decision audit as a low-confidence MONITOR
// verdict and returns the corresponding Decision, for a caller that
// just received a fatal step error. Per spec §4.2/§7, no partial
// decision is ever emitted: a fatal failure still produces a complete,
// finalized Decision, just a maximally conservative one.
func (r *Runner) Abort(ctx context.Context, event model.Event, agentID string, cause error) model.Decision {
	r.Manager.FinalizeDecisionAudit(ctx, r.DecisionID, model.DecisionMonitor, model.ConfidenceVeryLow, audittrail.FinalizeOptions{})
	return model.Decision{
		DecisionID: r.DecisionID,
		EventID:    event.EventID,
		AgentID:    agentID,
		Type:       model.DecisionMonitor,
		Confidence: model.ConfidenceVeryLow,
		Actions: []model.RecommendedAction{
			{ActionType: "MONITOR", Description: "pipeline aborted: " + cause.Error(), Priority: model.PriorityHigh},
		},
		CreatedAt: time.Now().UTC(),
	}
}
