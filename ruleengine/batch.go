// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ruleengine

import (
	"context"
	"sync"

	"compliancecore/model"
)

// BatchContext pairs an entity with the id it should be evaluated as,
// so EvaluateBatch can report results aligned to the input order.
type BatchContext struct {
	EntityID string
	Entity   Entity
}

// EvaluationBatch is the ordered result of EvaluateBatch: Results[i]
// corresponds to Contexts[i] in the input. RulesEvaluated and
// RulesTriggered are batch-level summary counts (spec §8's
// rules_evaluated/rules_triggered fields), derived from Results but
// surfaced directly so callers don't have to recompute them.
type EvaluationBatch struct {
	Results        []model.RuleResult
	RulesEvaluated int
	RulesTriggered int
}

// batchJob is one chunk of work handed to the engine's shared worker
// pool (spec §9 redesign note: one worker-pool type reused across the
// engine's batch fan-out, not a pool built fresh per call).
type batchJob struct {
	run func()
}

// EvaluateBatch evaluates a list of entities. Batches at or below
// SequentialBatchMax run on the caller's goroutine; larger batches are
// split into chunks of size len(contexts)/maxParallel (rounded up) and
// fanned out across the engine's shared worker pool, per spec §4.3's
// "split contexts into N chunks where N = min(max_parallel, len)" — the
// input order of Results is preserved regardless of which worker
// finishes first. If the pool is saturated, a chunk runs inline on the
// submitting goroutine instead of blocking indefinitely.
func (e *Engine) EvaluateBatch(ctx context.Context, contexts []BatchContext) EvaluationBatch {
	if len(contexts) <= e.sequentialMax {
		results := make([]model.RuleResult, len(contexts))
		for i, c := range contexts {
			results[i] = e.EvaluateEntity(ctx, c.EntityID, c.Entity)
		}
		return newEvaluationBatch(results)
	}

	n := e.maxParallel
	if n > len(contexts) {
		n = len(contexts)
	}
	if n <= 0 {
		n = 1
	}

	results := make([]model.RuleResult, len(contexts))
	chunkSize := (len(contexts) + n - 1) / n

	var wg sync.WaitGroup
	for start := 0; start < len(contexts); start += chunkSize {
		end := start + chunkSize
		if end > len(contexts) {
			end = len(contexts)
		}
		wg.Add(1)
		chunk := func(start, end int) {
			defer wg.Done()
			for i := start; i < end; i++ {
				results[i] = e.EvaluateEntity(ctx, contexts[i].EntityID, contexts[i].Entity)
			}
		}
		job := batchJob{run: func() { chunk(start, end) }}
		if !e.pool.Push(job) {
			job.run()
		}
	}
	wg.Wait()

	return newEvaluationBatch(results)
}

func newEvaluationBatch(results []model.RuleResult) EvaluationBatch {
	batch := EvaluationBatch{Results: results, RulesEvaluated: len(results)}
	for _, r := range results {
		if r.Triggered {
			batch.RulesTriggered++
		}
	}
	return batch
}
