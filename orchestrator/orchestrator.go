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

// Package orchestrator is the Agent Orchestrator (spec §4.1): it owns
// the pool of running agents, routes events to every agent subscribed
// to that event's type, bounds concurrency with one queue + worker
// pool per agent kind (reusing queue.Pool, per §9's "one worker-pool
// type reused"), and exposes Submit/RegisterAgent/Start/Stop/Status.
//
// Fan-out across agents is concurrent and indexed the way the
// teacher's WorkflowEngine.executeStepsParallel fans out parallel
// workflow steps: one goroutine per branch, a sync.WaitGroup, and a
// pre-sized results slice written at a fixed index rather than
// collected off an unordered channel.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"compliancecore/agent"
	"compliancecore/config"
	"compliancecore/errkind"
	"compliancecore/logger"
	"compliancecore/metrics"
	"compliancecore/model"
	"compliancecore/queue"
	"compliancecore/retry"
)

// DecisionRepository persists finalized decisions. It is optional: a
// nil repository means the orchestrator returns decisions to the
// caller without a side persistence write (the agent's own audit
// trail is still saved independently by audittrail.Manager).
type DecisionRepository interface {
	SaveDecision(ctx context.Context, decision model.Decision) error
}

// AgentResult is one agent's outcome for a submitted event.
type AgentResult struct {
	AgentType string
	Decision  model.Decision
	Err       error
}

// submission is one event handed to a single agent's queue.
type submission struct {
	ctx    context.Context
	event  model.Event
	result chan AgentResult
}

// agentPool binds one agent to its own bounded queue and worker pool.
type agentPool struct {
	agent agent.Agent
	queue *queue.Pool[submission]
}

// Orchestrator is the single ownership root spec §9 calls for: agents
// and managers hold non-owning handles to shared services (DB pool,
// metrics, audit manager, LLM); the Orchestrator is what starts and
// stops everything.
type Orchestrator struct {
	cfg       *config.Config
	log       *logger.Logger
	metrics   *metrics.Registry
	decisions DecisionRepository
	retryCfg  *retry.Config

	mu            sync.RWMutex
	pools         map[string]*agentPool        // agent_type -> pool
	subscriptions map[model.EventType][]string // event_type -> agent_types
	started       bool

	inFlight atomic.Int64
}

// Deps bundles Orchestrator construction inputs.
type Deps struct {
	Config    *config.Config
	Log       *logger.Logger
	Metrics   *metrics.Registry
	Decisions DecisionRepository
}

// New builds an Orchestrator. RegisterAgent and Start must be called
// before Submit will route anything.
func New(deps Deps) *Orchestrator {
	// PersistenceRetryAttempts counts total attempts; MaxRetries counts
	// the retries after the first one.
	maxRetries := deps.Config.PersistenceRetryAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Orchestrator{
		cfg:           deps.Config,
		log:           deps.Log,
		metrics:       deps.Metrics,
		decisions:     deps.Decisions,
		retryCfg: &retry.Config{
			MaxRetries:      maxRetries,
			InitialInterval: deps.Config.PersistenceRetryBaseDelay,
			MaxInterval:     deps.Config.PersistenceRetryMaxDelay,
			Multiplier:      2.0,
			Jitter:          0.1,
			RetryIf:         retry.IsTransient,
		},
		pools:         map[string]*agentPool{},
		subscriptions: map[model.EventType][]string{},
	}
}

// RegisterAgent registers an agent instance, building its bounded
// queue + worker pool and indexing it against the event types it
// subscribes to (spec §4.1 "register_agent(agent_type, agent)").
// Must be called before Start.
func (o *Orchestrator) RegisterAgent(ag agent.Agent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return fmt.Errorf("orchestrator: cannot register agent %q after Start", ag.AgentType())
	}
	if _, exists := o.pools[ag.AgentType()]; exists {
		return fmt.Errorf("orchestrator: agent type %q already registered", ag.AgentType())
	}

	pool := &agentPool{agent: ag}
	capacity := o.cfg.QueueCapacity
	workers := o.cfg.WorkersPerAgentKind
	pool.queue = queue.New(capacity, workers, func(ctx context.Context, sub submission) {
		o.runAgent(ctx, pool.agent, sub)
	})
	o.pools[ag.AgentType()] = pool

	for _, et := range ag.EventTypes() {
		o.subscriptions[et] = append(o.subscriptions[et], ag.AgentType())
	}
	return nil
}

// Start initializes every registered agent. Idempotent.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return nil
	}
	for agentType, pool := range o.pools {
		if err := pool.agent.Initialize(ctx); err != nil {
			return fmt.Errorf("orchestrator: initialize agent %q: %w", agentType, err)
		}
	}
	o.started = true
	return nil
}

// Stop shuts down every agent and drains its queue, bounded by
// cfg.ShutdownGrace. Idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, o.cfg.ShutdownGrace)
	defer cancel()

	for agentType, pool := range o.pools {
		pool.queue.Stop()
		if err := pool.agent.Shutdown(shutdownCtx); err != nil && o.log != nil {
			o.log.ErrorWithErr("", pool.agent.AgentID(), fmt.Sprintf("shutdown failed for %s", agentType), err, nil)
		}
	}
	o.started = false
	return nil
}

// Submit enqueues event to every agent subscribed to its type and
// waits for all fan-out branches to complete, or for ctx to be
// cancelled, whichever comes first (spec §4.1: "the decision_future
// resolves when all fan-out branches complete or one fatal error
// occurs"). A nil error with a zero-length result means no agent
// subscribes to this event's type.
func (o *Orchestrator) Submit(ctx context.Context, event model.Event) ([]AgentResult, error) {
	o.mu.RLock()
	agentTypes := append([]string(nil), o.subscriptions[event.Type]...)
	pools := make(map[string]*agentPool, len(agentTypes))
	for _, at := range agentTypes {
		pools[at] = o.pools[at]
	}
	o.mu.RUnlock()

	if len(agentTypes) == 0 {
		return nil, nil
	}

	pipelineCtx, cancel := context.WithTimeout(ctx, o.cfg.FullPipelineTimeout)
	defer cancel()

	o.inFlight.Add(1)
	defer o.inFlight.Add(-1)

	results := make([]AgentResult, len(agentTypes))
	var wg sync.WaitGroup
	for i, agentType := range agentTypes {
		wg.Add(1)
		go func(idx int, at string) {
			defer wg.Done()
			results[idx] = o.submitToPool(pipelineCtx, pools[at], at, event)
		}(i, agentType)
	}
	wg.Wait()

	if o.metrics != nil {
		o.metrics.RecordEvent(string(event.Type), "dispatched")
	}

	var firstFatal error
	for _, r := range results {
		if r.Err != nil {
			if _, ok := r.Err.(*errkind.BackpressureError); ok && firstFatal == nil {
				firstFatal = r.Err
			}
			continue
		}
		if o.decisions != nil {
			o.persistDecision(pipelineCtx, r.Decision)
		}
	}
	return results, firstFatal
}

// submitToPool pushes one event onto one agent's queue and blocks
// until that agent's result arrives or the pipeline context ends.
func (o *Orchestrator) submitToPool(ctx context.Context, pool *agentPool, agentType string, event model.Event) AgentResult {
	resultCh := make(chan AgentResult, 1)
	sub := submission{ctx: ctx, event: event, result: resultCh}

	if !pool.queue.Push(sub) {
		if o.metrics != nil {
			o.metrics.RecordBackpressureDrop(agentType)
		}
		return AgentResult{AgentType: agentType, Err: &errkind.BackpressureError{
			AgentType:     agentType,
			QueueDepth:    pool.queue.Depth(),
			QueueCapacity: pool.queue.Capacity(),
		}}
	}

	select {
	case res := <-resultCh:
		return res
	case <-ctx.Done():
		return AgentResult{AgentType: agentType, Err: ctx.Err()}
	}
}

// runAgent executes one agent's OnEvent, recovering from panics into
// an AgentFault MONITOR decision per spec §4.1's failure semantics.
func (o *Orchestrator) runAgent(ctx context.Context, ag agent.Agent, sub submission) {
	start := time.Now()
	var result AgentResult
	result.AgentType = ag.AgentType()

	func() {
		defer func() {
			if p := recover(); p != nil {
				if o.log != nil {
					o.log.Error(sub.event.EventID, ag.AgentID(), fmt.Sprintf("agent panic: %v", p), nil)
				}
				result.Decision = model.Decision{
					EventID:    sub.event.EventID,
					AgentID:    ag.AgentID(),
					Type:       model.DecisionMonitor,
					Confidence: model.ConfidenceVeryLow,
					CreatedAt:  time.Now().UTC(),
				}
				result.Err = fmt.Errorf("agent_fault: %s panicked: %v", ag.AgentType(), p)
			}
		}()
		decision, err := ag.OnEvent(sub.ctx, sub.event)
		result.Decision = decision
		result.Err = err
	}()

	if o.metrics != nil {
		o.metrics.ObservePipelineDuration(ag.AgentType(), time.Since(start))
		outcome := "ok"
		if result.Err != nil {
			outcome = "error"
		}
		o.metrics.RecordAgentDecision(ag.AgentType(), outcome)
	}

	select {
	case sub.result <- result:
	default:
		// submitToPool always provides a buffer-1 channel and reads it
		// exactly once; this branch only guards against a future caller
		// that submits without waiting.
	}
}

// persistDecision saves a finalized decision under the persistence
// retry policy (spec §4.1: "retries transient persistence writes for
// the derived decision/trail with exponential backoff, 3 attempts,
// 50ms->400ms"). Failures are logged, not surfaced to the caller —
// the Decision itself has already been returned and the agent's own
// audit trail write is independent of this side write.
func (o *Orchestrator) persistDecision(ctx context.Context, decision model.Decision) {
	err := retry.Void(ctx, o.retryCfg, func() error {
		return o.decisions.SaveDecision(ctx, decision)
	})
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordPersistence("save_decision", "error")
		}
		if o.log != nil {
			o.log.ErrorWithErr(decision.EventID, decision.AgentID, "failed to persist decision after retries", err, nil)
		}
		return
	}
	if o.metrics != nil {
		o.metrics.RecordPersistence("save_decision", "ok")
	}
}

// Status is the read-only snapshot spec §4.1 names:
// "status() → { active_agents, in_flight_events, queue_depth }".
type Status struct {
	ActiveAgents  int
	InFlightEvents int64
	QueueDepth    map[string]int
}

// Status returns the current snapshot.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	depth := make(map[string]int, len(o.pools))
	for agentType, pool := range o.pools {
		depth[agentType] = pool.queue.Depth()
		if o.metrics != nil {
			o.metrics.SetQueueDepth(agentType, pool.queue.Depth())
		}
	}
	return Status{
		ActiveAgents:   len(o.pools),
		InFlightEvents: o.inFlight.Load(),
		QueueDepth:     depth,
	}
}
