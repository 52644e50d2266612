// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compliancecore/config"
	"compliancecore/model"
)

// fakeAgent is a scriptable agent.Agent test double.
type fakeAgent struct {
	id         string
	agentType  string
	eventTypes []model.EventType

	mu      sync.Mutex
	calls   int
	delay   time.Duration
	decide  func(model.Event) (model.Decision, error)
	panics  bool
}

func (a *fakeAgent) AgentID() string                    { return a.id }
func (a *fakeAgent) AgentType() string                  { return a.agentType }
func (a *fakeAgent) EventTypes() []model.EventType      { return a.eventTypes }
func (a *fakeAgent) Initialize(context.Context) error   { return nil }
func (a *fakeAgent) Shutdown(context.Context) error     { return nil }

func (a *fakeAgent) OnEvent(ctx context.Context, event model.Event) (model.Decision, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return model.Decision{}, ctx.Err()
		}
	}
	if a.panics {
		panic("simulated agent fault")
	}
	if a.decide != nil {
		return a.decide(event)
	}
	return model.Decision{
		DecisionID: "dec-" + event.EventID,
		EventID:    event.EventID,
		AgentID:    a.id,
		Type:       model.DecisionApprove,
		Confidence: model.ConfidenceHigh,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (a *fakeAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// fakeDecisionRepository records every saved decision.
type fakeDecisionRepository struct {
	mu       sync.Mutex
	saved    []model.Decision
	failures int32 // number of leading calls to fail with a transient error
}

func (r *fakeDecisionRepository) SaveDecision(_ context.Context, decision model.Decision) error {
	if atomic.AddInt32(&r.failures, -1) >= 0 {
		return errTransient
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, decision)
	return nil
}

func (r *fakeDecisionRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saved)
}

type transientErr struct{}

func (transientErr) Error() string { return "connection reset" }

var errTransient = transientErr{}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.QueueCapacity = 4
	cfg.WorkersPerAgentKind = 2
	cfg.FullPipelineTimeout = 2 * time.Second
	cfg.ShutdownGrace = time.Second
	cfg.PersistenceRetryAttempts = 2
	cfg.PersistenceRetryBaseDelay = time.Millisecond
	cfg.PersistenceRetryMaxDelay = 5 * time.Millisecond
	return cfg
}

func txEvent(id string) model.Event {
	return model.Event{EventID: id, Type: model.EventTransaction, Severity: model.SeverityLow, OccurredAt: time.Now().UTC()}
}

func TestOrchestratorRoutesToSubscribedAgent(t *testing.T) {
	o := New(Deps{Config: testConfig()})
	ag := &fakeAgent{id: "a1", agentType: "TRANSACTION_GUARDIAN", eventTypes: []model.EventType{model.EventTransaction}}
	require.NoError(t, o.RegisterAgent(ag))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())

	results, err := o.Submit(context.Background(), txEvent("e1"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.DecisionApprove, results[0].Decision.Type)
	assert.Equal(t, 1, ag.callCount())
}

func TestOrchestratorNoSubscribersReturnsEmpty(t *testing.T) {
	o := New(Deps{Config: testConfig()})
	results, err := o.Submit(context.Background(), txEvent("e1"))
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestOrchestratorFansOutToMultipleAgents(t *testing.T) {
	o := New(Deps{Config: testConfig()})
	a1 := &fakeAgent{id: "a1", agentType: "TRANSACTION_GUARDIAN", eventTypes: []model.EventType{model.EventTransaction}}
	a2 := &fakeAgent{id: "a2", agentType: "AUDIT_INTELLIGENCE", eventTypes: []model.EventType{model.EventTransaction}}
	require.NoError(t, o.RegisterAgent(a1))
	require.NoError(t, o.RegisterAgent(a2))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())

	results, err := o.Submit(context.Background(), txEvent("e1"))
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, 1, a1.callCount())
	assert.Equal(t, 1, a2.callCount())
}

func TestOrchestratorBackpressureWhenQueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.QueueCapacity = 1
	cfg.WorkersPerAgentKind = 1
	o := New(Deps{Config: cfg})

	block := make(chan struct{})
	ag := &fakeAgent{id: "a1", agentType: "TRANSACTION_GUARDIAN", eventTypes: []model.EventType{model.EventTransaction},
		decide: func(model.Event) (model.Decision, error) {
			<-block
			return model.Decision{Type: model.DecisionApprove}, nil
		}}
	require.NoError(t, o.RegisterAgent(ag))
	require.NoError(t, o.Start(context.Background()))
	defer func() {
		close(block)
		o.Stop(context.Background())
	}()

	// First submit occupies the single worker; don't wait for it.
	go o.Submit(context.Background(), txEvent("occupy"))
	time.Sleep(50 * time.Millisecond)

	// Second and third fill / overflow the capacity-1 queue.
	go o.Submit(context.Background(), txEvent("e2"))
	time.Sleep(20 * time.Millisecond)

	_, err := o.Submit(context.Background(), txEvent("e3"))
	assert.Error(t, err)
}

func TestOrchestratorRecoversFromAgentPanic(t *testing.T) {
	o := New(Deps{Config: testConfig()})
	ag := &fakeAgent{id: "a1", agentType: "TRANSACTION_GUARDIAN", eventTypes: []model.EventType{model.EventTransaction}, panics: true}
	require.NoError(t, o.RegisterAgent(ag))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())

	results, err := o.Submit(context.Background(), txEvent("e1"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
	assert.Equal(t, model.DecisionMonitor, results[0].Decision.Type)
}

func TestOrchestratorPersistsDecisionsWithRetry(t *testing.T) {
	repo := &fakeDecisionRepository{failures: 1}
	o := New(Deps{Config: testConfig(), Decisions: repo})
	ag := &fakeAgent{id: "a1", agentType: "TRANSACTION_GUARDIAN", eventTypes: []model.EventType{model.EventTransaction}}
	require.NoError(t, o.RegisterAgent(ag))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())

	_, err := o.Submit(context.Background(), txEvent("e1"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return repo.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestOrchestratorStatusReportsActiveAgentsAndDepth(t *testing.T) {
	o := New(Deps{Config: testConfig()})
	ag := &fakeAgent{id: "a1", agentType: "TRANSACTION_GUARDIAN", eventTypes: []model.EventType{model.EventTransaction}}
	require.NoError(t, o.RegisterAgent(ag))
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())

	status := o.Status()
	assert.Equal(t, 1, status.ActiveAgents)
	assert.Contains(t, status.QueueDepth, "TRANSACTION_GUARDIAN")
}

func TestOrchestratorRegisterAgentAfterStartFails(t *testing.T) {
	o := New(Deps{Config: testConfig()})
	require.NoError(t, o.Start(context.Background()))
	defer o.Stop(context.Background())

	ag := &fakeAgent{id: "a1", agentType: "TRANSACTION_GUARDIAN", eventTypes: []model.EventType{model.EventTransaction}}
	assert.Error(t, o.RegisterAgent(ag))
}
