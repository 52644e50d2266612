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

// Package ruleengine is the Advanced Rule Engine (spec §4.3): a
// weighted-condition evaluator that owns rule definitions in a
// read-mostly, RWMutex-guarded cache and re-derives the cache from a
// Repository on every mutating call, the same split the teacher's
// DynamicPolicyEngine draws between its in-memory `policies` slice and
// its Postgres-backed `loadPoliciesFromDB`.
package ruleengine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"compliancecore/errkind"
	"compliancecore/logger"
	"compliancecore/model"
	"compliancecore/queue"
)

// Engine evaluates rules against entities and owns their lifecycle.
type Engine struct {
	repo Repository
	log  *logger.Logger

	mu    sync.RWMutex
	rules map[string]model.Rule

	maxParallel   int
	sequentialMax int
	pool          *queue.Pool[batchJob]
	cache         *ResultCache

	statsMu sync.Mutex
	stats   map[string]*ruleStats
}

// Config configures batch fan-out thresholds (spec §4.3:
// "evaluate_batch ... for len > 10 (configurable), fan-out ...").
type Config struct {
	MaxParallelExecutions int
	SequentialBatchMax    int
}

// New builds an Engine backed by repo, loading its initial rule set.
func New(ctx context.Context, repo Repository, cfg Config, log *logger.Logger) (*Engine, error) {
	if cfg.MaxParallelExecutions <= 0 {
		cfg.MaxParallelExecutions = 10
	}
	if cfg.SequentialBatchMax <= 0 {
		cfg.SequentialBatchMax = 10
	}

	e := &Engine{
		repo:          repo,
		log:           log,
		rules:         make(map[string]model.Rule),
		maxParallel:   cfg.MaxParallelExecutions,
		sequentialMax: cfg.SequentialBatchMax,
		stats:         make(map[string]*ruleStats),
	}
	e.pool = queue.New(cfg.MaxParallelExecutions*4, cfg.MaxParallelExecutions, func(_ context.Context, job batchJob) {
		job.run()
	})

	rules, err := repo.LoadAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range rules {
		e.rules[r.RuleID] = r
	}
	return e, nil
}

// validate enforces spec §4.3's CRUD validation: at least one
// condition, non-empty rule_id/name, threshold_score in [0,1].
func validate(rule model.Rule) error {
	if rule.RuleID == "" {
		return errkind.NewValidation("rule_id", "must not be empty")
	}
	if rule.Name == "" {
		return errkind.NewValidation("name", "must not be empty")
	}
	if len(rule.Conditions) == 0 {
		return errkind.NewValidation("conditions", "must have at least one condition")
	}
	if rule.ThresholdScore < 0 || rule.ThresholdScore > 1 {
		return errkind.NewValidation("threshold_score", "must be within [0,1]")
	}
	return nil
}

// CreateRule validates, persists, then caches a new rule under a
// single writer lock (spec §4.3: "persisted and cache-updated under a
// single writer lock").
func (e *Engine) CreateRule(ctx context.Context, rule model.Rule) error {
	if err := validate(rule); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.repo.Upsert(ctx, rule); err != nil {
		return err
	}
	e.rules[rule.RuleID] = rule
	return nil
}

// UpdateRule replaces an existing rule's definition.
func (e *Engine) UpdateRule(ctx context.Context, ruleID string, rule model.Rule) error {
	rule.RuleID = ruleID
	if err := validate(rule); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.repo.Upsert(ctx, rule); err != nil {
		return err
	}
	e.rules[ruleID] = rule
	return nil
}

// DeleteRule removes a rule from the store and cache.
func (e *Engine) DeleteRule(ctx context.Context, ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.repo.Delete(ctx, ruleID); err != nil {
		return err
	}
	delete(e.rules, ruleID)
	return nil
}

// Enable marks a rule active, gating it back into evaluation.
func (e *Engine) Enable(ctx context.Context, ruleID string) error {
	return e.setEnabled(ctx, ruleID, true)
}

// Disable marks a rule inactive; it is skipped by evaluate_entity and
// evaluate_batch without being removed.
func (e *Engine) Disable(ctx context.Context, ruleID string) error {
	return e.setEnabled(ctx, ruleID, false)
}

func (e *Engine) setEnabled(ctx context.Context, ruleID string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	rule, ok := e.rules[ruleID]
	if !ok {
		return errkind.NewValidation("rule_id", fmt.Sprintf("no such rule %q", ruleID))
	}
	if err := e.repo.SetEnabled(ctx, ruleID, enabled); err != nil {
		return err
	}
	rule.Enabled = enabled
	e.rules[ruleID] = rule
	return nil
}

// WithCache attaches a Redis-backed ResultCache, enabling EvaluateEntity
// to skip re-evaluation for an entity_id seen within the cache TTL.
// Optional: an Engine with no cache attached simply evaluates live
// every time.
func (e *Engine) WithCache(cache *ResultCache) *Engine {
	e.cache = cache
	return e
}

// GetRule returns one rule by id.
func (e *Engine) GetRule(ruleID string) (model.Rule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[ruleID]
	return r, ok
}

// GetRulesByCategory returns every rule (enabled or not) in a category.
func (e *Engine) GetRulesByCategory(category model.RuleCategory) []model.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []model.Rule
	for _, r := range e.rules {
		if r.Category == category {
			out = append(out, r)
		}
	}
	sortRulesByID(out)
	return out
}

// AllRules returns every rule regardless of category or enabled
// state, for admin listing surfaces.
func (e *Engine) AllRules() []model.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]model.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r)
	}
	sortRulesByID(out)
	return out
}

// GetActiveRules returns every enabled rule.
func (e *Engine) GetActiveRules() []model.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []model.Rule
	for _, r := range e.rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	sortRulesByID(out)
	return out
}

func sortRulesByID(rules []model.Rule) {
	sort.Slice(rules, func(i, j int) bool { return rules[i].RuleID < rules[j].RuleID })
}

// EvaluateEntity evaluates every enabled rule against entityID/entity
// and returns the single highest-scoring triggered result, breaking
// ties by lexicographically smallest rule_id (spec §4.3). If no rule
// triggers, it returns a null-action result with Action == "" and
// Triggered == false.
func (e *Engine) EvaluateEntity(ctx context.Context, entityID string, entity Entity) model.RuleResult {
	if e.cache != nil {
		if cached, ok := e.cache.Get(ctx, entityID); ok {
			return cached
		}
	}

	start := time.Now()
	e.mu.RLock()
	rules := make([]model.Rule, 0, len(e.rules))
	for _, r := range e.rules {
		if r.Enabled {
			rules = append(rules, r)
		}
	}
	e.mu.RUnlock()
	sortRulesByID(rules)

	var best *model.RuleResult
	for _, rule := range rules {
		result := e.evaluateOne(entityID, entity, rule)
		e.recordExecution(rule.RuleID, result.ProcessingTime)
		if !result.Triggered {
			continue
		}
		if best == nil || result.Score > best.Score {
			r := result
			best = &r
		}
		// Equal-score ties keep the first-seen rule, which is already
		// the lexicographically smallest since rules are pre-sorted.
	}

	var final model.RuleResult
	if best == nil {
		final = model.RuleResult{
			EvaluationID:   newEvaluationID(),
			EntityID:       entityID,
			Triggered:      false,
			ProcessingTime: time.Since(start),
		}
	} else {
		final = *best
	}

	if e.cache != nil {
		e.cache.Set(ctx, entityID, final)
	}
	return final
}

func (e *Engine) evaluateOne(entityID string, entity Entity, rule model.Rule) model.RuleResult {
	start := time.Now()
	score, matched, scores := scoreRule(entity, rule)
	elapsed := time.Since(start)

	triggered := score >= rule.ThresholdScore
	if triggered {
		e.recordTriggered(rule.RuleID)
	}

	return model.RuleResult{
		EvaluationID:      newEvaluationID(),
		RuleID:            rule.RuleID,
		EntityID:          entityID,
		Score:             score,
		Triggered:         triggered,
		Action:            rule.Action,
		MatchedConditions: matched,
		ConditionScores:   scores,
		ProcessingTime:    elapsed,
	}
}

// Close drains and stops the batch worker pool. Safe to call once at
// shutdown.
func (e *Engine) Close() {
	e.pool.Stop()
}

var evaluationSeq uint64
var evaluationSeqMu sync.Mutex

func newEvaluationID() string {
	evaluationSeqMu.Lock()
	evaluationSeq++
	seq := evaluationSeq
	evaluationSeqMu.Unlock()
	return fmt.Sprintf("eval-%d-%d", time.Now().UnixNano(), seq)
}
