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

// Package main is the entry point for the compliance automation
// daemon: it wires the Advanced Rule Engine, the Decision Audit Trail
// & Explanation Engine, the three concrete Compliance Agents, and the
// Agent Orchestration & Decision Core behind one process, and exposes
// the event-ingestion and admin HTTP surfaces.
//
// Usage:
//
//	./complianced
//
// Environment Variables:
//
//	DATABASE_URL - PostgreSQL connection string
//	REDIS_ADDR - Redis address for the rule-result cache (optional)
//	ANTHROPIC_API_KEY - reasoning-backend API key (optional; agents
//	    degrade to the contract's null outcome without one)
//	JWT_SIGNING_SECRET - admin surface bearer-token signing secret
//	ADMIN_HTTP_ADDR - admin surface bind address (default :8090)
//	EVENTS_HTTP_ADDR - event-ingestion bind address (default :8091)
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"compliancecore/agent"
	"compliancecore/audittrail"
	"compliancecore/config"
	"compliancecore/llm"
	"compliancecore/logger"
	"compliancecore/metrics"
	"compliancecore/model"
	"compliancecore/orchestrator"
	"compliancecore/ruleapi"
	"compliancecore/ruleengine"
	"compliancecore/store"
)

func main() {
	cfg := config.LoadFromEnv()
	log := logger.New("complianced")

	if err := run(cfg, log); err != nil {
		log.Error("", "", "complianced exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{
		DatabaseURL:    cfg.DatabaseURL,
		MinConns:       cfg.PoolMinConns,
		MaxConns:       cfg.PoolMaxConns,
		AcquireTimeout: cfg.PoolAcquireTimeout,
	}, log)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := metrics.New()

	rulesEngine, err := ruleengine.New(ctx, ruleengine.NewPostgresRepository(st), ruleengine.Config{
		MaxParallelExecutions: cfg.MaxParallelExecutions,
		SequentialBatchMax:    cfg.SequentialBatchMax,
	}, log)
	if err != nil {
		return err
	}
	defer rulesEngine.Close()

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		rulesEngine = rulesEngine.WithCache(ruleengine.NewResultCache(client, cfg.CacheTTL, log))
	}

	auditManager := audittrail.New(audittrail.NewPostgresRepository(st), log, cfg.FinancialImpactReviewThreshold)

	var reasoner llm.Provider
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		reasoner = llm.NewAnthropicAdapter(llm.AnthropicConfig{APIKey: apiKey, Timeout: cfg.LLMStepTimeout})
	}

	dataSource := agent.NewPostgresDataSource(st)

	// No DecisionRepository side-write is wired: every agent already
	// persists its own full trail via auditManager during OnEvent, so
	// the orchestrator's optional extra write has nothing left to add.
	orch := orchestrator.New(orchestrator.Deps{
		Config:  cfg,
		Log:     log,
		Metrics: reg,
	})

	agents := []agent.Agent{
		agent.NewTransactionGuardian(agent.TransactionGuardianDeps{
			Config:        cfg,
			Log:           log,
			Metrics:       reg,
			Data:          dataSource,
			Rules:         rulesEngine,
			Audit:         auditManager,
			LLM:           reasoner,
			QueueCapacity: cfg.QueueCapacity,
		}),
		agent.NewAuditIntelligence(agent.AuditIntelligenceDeps{
			Config:  cfg,
			Log:     log,
			Metrics: reg,
			Audit:   auditManager,
		}),
		agent.NewRegulatoryAssessor(agent.RegulatoryAssessorDeps{
			Config:  cfg,
			Log:     log,
			Metrics: reg,
			Audit:   auditManager,
			LLM:     reasoner,
		}),
	}
	for _, ag := range agents {
		if err := orch.RegisterAgent(ag); err != nil {
			return err
		}
	}
	if err := orch.Start(ctx); err != nil {
		return err
	}

	adminHandler := ruleapi.NewHandler(ruleapi.Deps{
		Rules:       rulesEngine,
		Audit:       auditManager,
		Log:         log,
		JWTSecret:   cfg.JWTSigningSecret,
		CORSOrigins: cfg.AdminCORSOrigins,
	})
	adminSrv := &http.Server{Addr: cfg.AdminHTTPAddr, Handler: adminHandler}

	eventsMux := http.NewServeMux()
	eventsMux.HandleFunc("/v1/events", eventIngestHandler(orch))
	eventsMux.Handle("/metrics", reg.Handler())
	eventsAddr := os.Getenv("EVENTS_HTTP_ADDR")
	if eventsAddr == "" {
		eventsAddr = ":8091"
	}
	eventsSrv := &http.Server{Addr: eventsAddr, Handler: eventsMux}

	errCh := make(chan error, 2)
	go func() { errCh <- adminSrv.ListenAndServe() }()
	go func() { errCh <- eventsSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("", "", "http server failed", map[string]interface{}{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	_ = adminSrv.Shutdown(shutdownCtx)
	_ = eventsSrv.Shutdown(shutdownCtx)
	return orch.Stop(shutdownCtx)
}

func eventIngestHandler(orch *orchestrator.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var event model.Event
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			http.Error(w, "invalid event body: "+err.Error(), http.StatusBadRequest)
			return
		}

		results, err := orch.Submit(r.Context(), event)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(results)
	}
}

