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

// Package metrics is the Metrics Registry leaf component: atomic
// counters/gauges and a histogram per downstream call kind (LLM, DB,
// rule evaluation), exported over HTTP for Prometheus scraping. Unlike
// the teacher's run.go, which registers its vectors against the global
// default registry in an init() func, Registry builds a private
// *prometheus.Registry per instance so package tests never collide on
// shared global state.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the compliance core exports, grouped the
// way the teacher's Metrics/RequestTypeMetrics/ProviderMetrics split
// groups them by downstream kind rather than one flat namespace.
type Registry struct {
	reg *prometheus.Registry

	eventsProcessed   *prometheus.CounterVec
	agentDecisions    *prometheus.CounterVec
	pipelineDuration  *prometheus.HistogramVec
	ruleEvaluations   *prometheus.CounterVec
	ruleEvalDuration  prometheus.Histogram
	persistenceOps    *prometheus.CounterVec
	llmCalls          *prometheus.CounterVec
	llmCallDuration   prometheus.Histogram
	queueDepth        *prometheus.GaugeVec
	breakerOpen       *prometheus.GaugeVec
	humanReviews      prometheus.Counter
	backpressureDrops *prometheus.CounterVec
}

// New builds a Registry and registers every collector against a fresh,
// private *prometheus.Registry.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "compliancecore",
		Name:      "events_processed_total",
		Help:      "Events accepted by the orchestrator, by event_type and outcome.",
	}, []string{"event_type", "outcome"})

	r.agentDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "compliancecore",
		Name:      "agent_decisions_total",
		Help:      "Finalized agent decisions, by agent_type and decision_type.",
	}, []string{"agent_type", "decision_type"})

	r.pipelineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "compliancecore",
		Name:      "agent_pipeline_duration_ms",
		Help:      "Agent decision pipeline duration in milliseconds, by agent_type.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	}, []string{"agent_type"})

	r.ruleEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "compliancecore",
		Name:      "rule_evaluations_total",
		Help:      "Rule evaluations, by outcome (triggered/not_triggered/error).",
	}, []string{"outcome"})

	r.ruleEvalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "compliancecore",
		Name:      "rule_evaluation_duration_ms",
		Help:      "Single rule evaluation duration in milliseconds.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
	})

	r.persistenceOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "compliancecore",
		Name:      "persistence_operations_total",
		Help:      "Persistence Adapter operations, by operation and outcome.",
	}, []string{"operation", "outcome"})

	r.llmCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "compliancecore",
		Name:      "llm_calls_total",
		Help:      "LLMProvider calls, by provider and outcome.",
	}, []string{"provider", "outcome"})

	r.llmCallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "compliancecore",
		Name:      "llm_call_duration_ms",
		Help:      "LLMProvider call duration in milliseconds.",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	})

	r.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "compliancecore",
		Name:      "queue_depth",
		Help:      "Current depth of a bounded work queue, by queue_name.",
	}, []string{"queue_name"})

	r.breakerOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "compliancecore",
		Name:      "circuit_breaker_open",
		Help:      "1 if the circuit breaker for a downstream is open, 0 otherwise.",
	}, []string{"downstream"})

	r.humanReviews = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "compliancecore",
		Name:      "human_reviews_requested_total",
		Help:      "Decisions flagged for human review at finalize time.",
	})

	r.backpressureDrops = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "compliancecore",
		Name:      "backpressure_rejections_total",
		Help:      "Submissions rejected because a bounded queue was full, by queue_name.",
	}, []string{"queue_name"})

	r.reg.MustRegister(
		r.eventsProcessed, r.agentDecisions, r.pipelineDuration,
		r.ruleEvaluations, r.ruleEvalDuration, r.persistenceOps,
		r.llmCalls, r.llmCallDuration, r.queueDepth, r.breakerOpen,
		r.humanReviews, r.backpressureDrops,
	)
	return r
}

// Handler exposes the registry's collectors for Prometheus scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// RecordEvent records one orchestrator-accepted event.
func (r *Registry) RecordEvent(eventType, outcome string) {
	r.eventsProcessed.WithLabelValues(eventType, outcome).Inc()
}

// RecordAgentDecision records one finalized agent decision.
func (r *Registry) RecordAgentDecision(agentType, decisionType string) {
	r.agentDecisions.WithLabelValues(agentType, decisionType).Inc()
}

// ObservePipelineDuration records how long one agent's 8-step pipeline took.
func (r *Registry) ObservePipelineDuration(agentType string, d time.Duration) {
	r.pipelineDuration.WithLabelValues(agentType).Observe(float64(d.Milliseconds()))
}

// RecordRuleEvaluation records one rule evaluation's outcome and latency.
func (r *Registry) RecordRuleEvaluation(outcome string, d time.Duration) {
	r.ruleEvaluations.WithLabelValues(outcome).Inc()
	r.ruleEvalDuration.Observe(float64(d.Milliseconds()))
}

// RecordPersistence records one Persistence Adapter call.
func (r *Registry) RecordPersistence(operation, outcome string) {
	r.persistenceOps.WithLabelValues(operation, outcome).Inc()
}

// RecordLLMCall records one LLMProvider call's outcome and latency.
func (r *Registry) RecordLLMCall(provider, outcome string, d time.Duration) {
	r.llmCalls.WithLabelValues(provider, outcome).Inc()
	r.llmCallDuration.Observe(float64(d.Milliseconds()))
}

// SetQueueDepth reports a bounded queue's current depth.
func (r *Registry) SetQueueDepth(queueName string, depth int) {
	r.queueDepth.WithLabelValues(queueName).Set(float64(depth))
}

// SetBreakerOpen reports whether a downstream's circuit breaker is open.
func (r *Registry) SetBreakerOpen(downstream string, open bool) {
	v := 0.0
	if open {
		v = 1.0
	}
	r.breakerOpen.WithLabelValues(downstream).Set(v)
}

// RecordHumanReviewRequested records one decision flagged for human review.
func (r *Registry) RecordHumanReviewRequested() {
	r.humanReviews.Inc()
}

// RecordBackpressureDrop records one submission rejected by a full queue.
func (r *Registry) RecordBackpressureDrop(queueName string) {
	r.backpressureDrops.WithLabelValues(queueName).Inc()
}
