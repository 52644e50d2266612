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

// Package config holds the process-wide configuration surface (spec §6).
// It is loaded once at startup and passed by reference into constructors;
// there is no global singleton or GetInstance accessor anywhere in this
// module.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full configuration surface consumed by the core.
type Config struct {
	// Agent thresholds (§4.2.1, §4.2.2)
	FraudThreshold      float64
	VelocityThreshold   float64
	HighRiskThreshold   float64
	SeverityRisk        map[string]float64
	AmountBandLow       float64
	AmountBandMedium    float64
	AmountBandHigh      float64
	VelocityRatioCritical float64
	VelocityRatioHigh     float64
	VelocityRatioModerate float64
	VelocityRisk5x      float64
	VelocityRisk3x      float64
	VelocityRisk2x      float64
	SanctionedCountryHit  float64
	UnusualHourRisk       float64
	HistoryWeight         float64 // w_hist
	ContextWeight         float64 // w_ctx
	EventTypeRiskFraud      float64 // event type contains FRAUD or BREACH
	EventTypeRiskViolation  float64 // event type contains VIOLATION or NON_COMPLIANCE
	EventTypeRiskSuspicious float64 // event type contains SUSPICIOUS or ANOMALY
	AmountBandLowRisk       float64
	AmountBandMediumRisk    float64
	AmountBandHighRisk      float64
	GeographicAnomalyHit    float64
	SanctionedCountries   []string
	RiskProfileEMACurrent float64 // weight for current profile in EMA update
	RiskProfileEMANew     float64 // weight for new tx risk in EMA update

	// Engine (§6)
	ExecutionTimeout    time.Duration
	LLMStepTimeout      time.Duration
	FullPipelineTimeout time.Duration
	MaxParallelExecutions int
	CacheTTL            time.Duration
	BatchProcessingEnabled bool
	MaxBatchSize        int
	SequentialBatchMax  int // batches at or below this size run on the caller goroutine

	// Circuit breaker (§4.6)
	MaxConsecutiveFailures int
	CircuitBreakerCooldown time.Duration

	// Audit analytics (§4.2.3)
	AnomalyThreshold       float64
	AnalysisIntervalMinutes int
	TemporalRateThreshold   float64 // decisions/hour
	ConfidenceStdDevThreshold float64
	ConfidenceMeanFloor       float64
	ConfidenceMeanSampleMin   int
	CorrelationSampleMin      int
	CorrelationThreshold      float64

	// Human review (§4.4.2)
	FinancialImpactReviewThreshold float64

	// Orchestrator (§4.1, §5)
	QueueCapacity      int
	WorkersPerAgentKind int
	PersistenceRetryAttempts int
	PersistenceRetryBaseDelay time.Duration
	PersistenceRetryMaxDelay  time.Duration
	ShutdownGrace      time.Duration

	// Persistence (§4.5)
	DatabaseURL       string
	PoolMinConns      int
	PoolMaxConns      int
	PoolAcquireTimeout time.Duration

	// Admin HTTP surface (§1 scope: "auth header contract" parsing only)
	JWTSigningSecret string
	AdminHTTPAddr    string
	AdminCORSOrigins []string
}

// Default returns the configuration surface with the literal defaults
// named as authoritative in spec.md §6.
func Default() *Config {
	return &Config{
		FraudThreshold:    0.8,
		VelocityThreshold: 0.5,
		HighRiskThreshold: 0.65,
		SeverityRisk: map[string]float64{
			"LOW":      0.1,
			"MEDIUM":   0.3,
			"HIGH":     0.6,
			"CRITICAL": 0.9,
		},
		AmountBandLow:    10000,
		AmountBandMedium: 50000,
		AmountBandHigh:   100000,
		VelocityRatioCritical: 20,
		VelocityRatioHigh:     10,
		VelocityRatioModerate: 5,
		VelocityRisk5x:        0.5,
		VelocityRisk3x:        0.3,
		VelocityRisk2x:        0.15,
		SanctionedCountryHit:  0.4,
		UnusualHourRisk:       0.15,
		HistoryWeight:         0.4,
		ContextWeight:         0.3,
		EventTypeRiskFraud:      0.7,
		EventTypeRiskViolation:  0.5,
		EventTypeRiskSuspicious: 0.3,
		AmountBandLowRisk:       0.1,
		AmountBandMediumRisk:    0.25,
		AmountBandHighRisk:      0.4,
		GeographicAnomalyHit:    0.2,
		SanctionedCountries:   []string{"IR", "KP", "SY", "CU"},
		RiskProfileEMACurrent: 0.7,
		RiskProfileEMANew:     0.3,

		ExecutionTimeout:       5 * time.Second,
		LLMStepTimeout:         30 * time.Second,
		FullPipelineTimeout:    60 * time.Second,
		MaxParallelExecutions:  10,
		CacheTTL:               300 * time.Second,
		BatchProcessingEnabled: true,
		MaxBatchSize:           100,
		SequentialBatchMax:     10,

		MaxConsecutiveFailures: 5,
		CircuitBreakerCooldown: 5 * time.Minute,

		AnomalyThreshold:          0.85,
		AnalysisIntervalMinutes:   15,
		TemporalRateThreshold:     10,
		ConfidenceStdDevThreshold: 2.0,
		ConfidenceMeanFloor:       1.0,
		ConfidenceMeanSampleMin:   20,
		CorrelationSampleMin:      20,
		CorrelationThreshold:      0.7,

		FinancialImpactReviewThreshold: 1_000_000,

		QueueCapacity:             1000,
		WorkersPerAgentKind:       4,
		PersistenceRetryAttempts: 3,
		PersistenceRetryBaseDelay: 50 * time.Millisecond,
		PersistenceRetryMaxDelay:  400 * time.Millisecond,
		ShutdownGrace:             10 * time.Second,

		PoolMinConns:       2,
		PoolMaxConns:       25,
		PoolAcquireTimeout: 30 * time.Second,

		AdminHTTPAddr:    ":8090",
		AdminCORSOrigins: []string{"*"},
	}
}

// LoadFromEnv overlays environment variables onto the defaults. Unset
// variables leave the default untouched; malformed values are ignored
// (the default stands), matching the teacher's tolerant env parsing in
// platform/agent/run.go.
func LoadFromEnv() *Config {
	c := Default()

	setFloat(&c.FraudThreshold, "FRAUD_THRESHOLD")
	setFloat(&c.VelocityThreshold, "VELOCITY_THRESHOLD")
	setFloat(&c.HighRiskThreshold, "HIGH_RISK_THRESHOLD")
	setFloat(&c.HistoryWeight, "RISK_WEIGHT_HISTORY")
	setFloat(&c.ContextWeight, "RISK_WEIGHT_CONTEXT")
	setFloat(&c.EventTypeRiskFraud, "RISK_EVENT_TYPE_FRAUD")
	setFloat(&c.EventTypeRiskViolation, "RISK_EVENT_TYPE_VIOLATION")
	setFloat(&c.EventTypeRiskSuspicious, "RISK_EVENT_TYPE_SUSPICIOUS")
	setFloat(&c.AmountBandLowRisk, "RISK_AMOUNT_BAND_LOW")
	setFloat(&c.AmountBandMediumRisk, "RISK_AMOUNT_BAND_MEDIUM")
	setFloat(&c.AmountBandHighRisk, "RISK_AMOUNT_BAND_HIGH")
	setFloat(&c.GeographicAnomalyHit, "RISK_GEOGRAPHIC_ANOMALY")

	setDuration(&c.ExecutionTimeout, "EXECUTION_TIMEOUT_MS", time.Millisecond)
	setInt(&c.MaxParallelExecutions, "MAX_PARALLEL_EXECUTIONS")
	setDuration(&c.CacheTTL, "CACHE_TTL_SECONDS", time.Second)
	setBool(&c.BatchProcessingEnabled, "BATCH_PROCESSING_ENABLED")
	setInt(&c.MaxBatchSize, "MAX_BATCH_SIZE")

	setInt(&c.MaxConsecutiveFailures, "MAX_CONSECUTIVE_FAILURES")
	setDuration(&c.CircuitBreakerCooldown, "CIRCUIT_BREAKER_TIMEOUT_SECONDS", time.Second)

	setFloat(&c.AnomalyThreshold, "ANOMALY_THRESHOLD")
	setInt(&c.AnalysisIntervalMinutes, "ANALYSIS_INTERVAL_MINUTES")

	setFloat(&c.FinancialImpactReviewThreshold, "FINANCIAL_IMPACT_REVIEW_THRESHOLD")

	if v := os.Getenv("SANCTIONED_COUNTRIES"); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(strings.ToUpper(parts[i]))
		}
		c.SanctionedCountries = parts
	}

	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.JWTSigningSecret = os.Getenv("JWT_SIGNING_SECRET")
	if v := os.Getenv("ADMIN_HTTP_ADDR"); v != "" {
		c.AdminHTTPAddr = v
	}
	if v := os.Getenv("ADMIN_CORS_ORIGINS"); v != "" {
		c.AdminCORSOrigins = strings.Split(v, ",")
	}

	return c
}

// IsSanctioned reports whether a country code is on the sanctioned list.
func (c *Config) IsSanctioned(countryCode string) bool {
	cc := strings.ToUpper(strings.TrimSpace(countryCode))
	for _, s := range c.SanctionedCountries {
		if s == cc {
			return true
		}
	}
	return false
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string, unit time.Duration) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(i) * unit
		}
	}
}
