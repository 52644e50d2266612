// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"strings"

	"compliancecore/config"
	"compliancecore/model"
)

// RiskInputs carries the common terms of the risk-score composition
// formula (spec §4.2.1); AgentSpecific is filled in per agent.
type RiskInputs struct {
	Severity           model.Severity
	EventType          string
	HistoricalRisk     float64 // [0,1], e.g. fraction of anomalous history
	LLMContextualRisk  float64 // [0,1], from a parsed llm.RiskOpinion, 0 if no LLM step ran
	AgentSpecific      float64 // sum of agent-specific adjustments, already weighted
}

// ComposeRiskScore implements the common risk_score formula (spec
// §4.2.1):
//
//	risk_score = clamp01(base_severity_risk + event_type_risk +
//	             w_hist*historical_risk + w_ctx*llm_contextual_risk +
//	             agent_specific_adjustments)
func ComposeRiskScore(cfg *config.Config, in RiskInputs) float64 {
	base := cfg.SeverityRisk[string(in.Severity)]

	score := base + eventTypeRisk(cfg, in.EventType) +
		cfg.HistoryWeight*in.HistoricalRisk +
		cfg.ContextWeight*in.LLMContextualRisk +
		in.AgentSpecific

	return clamp01(score)
}

// eventTypeRisk scans the event type string for risk-indicating
// tokens, per spec §4.2.1. The contribution for each tier is
// configurable, not hard-coded.
func eventTypeRisk(cfg *config.Config, eventType string) float64 {
	upper := strings.ToUpper(eventType)
	switch {
	case strings.Contains(upper, "FRAUD"), strings.Contains(upper, "BREACH"):
		return cfg.EventTypeRiskFraud
	case strings.Contains(upper, "VIOLATION"), strings.Contains(upper, "NON_COMPLIANCE"):
		return cfg.EventTypeRiskViolation
	case strings.Contains(upper, "SUSPICIOUS"), strings.Contains(upper, "ANOMALY"):
		return cfg.EventTypeRiskSuspicious
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// AmountBandRisk buckets a transaction amount into the configured
// 10K/50K/100K bands (spec §4.2.1 "amount bands").
func AmountBandRisk(cfg *config.Config, amount float64) float64 {
	switch {
	case amount > cfg.AmountBandHigh:
		return cfg.AmountBandHighRisk
	case amount > cfg.AmountBandMedium:
		return cfg.AmountBandMediumRisk
	case amount > cfg.AmountBandLow:
		return cfg.AmountBandLowRisk
	default:
		return 0
	}
}

// GeographicAnomalyRisk flags a destination country differing from
// the customer's usual country (spec §4.2.1 "geographic anomaly").
func GeographicAnomalyRisk(cfg *config.Config, usualCountry, destinationCountry string) float64 {
	if usualCountry == "" || destinationCountry == "" {
		return 0
	}
	if !strings.EqualFold(usualCountry, destinationCountry) {
		return cfg.GeographicAnomalyHit
	}
	return 0
}

// SanctionedCountryRisk applies the configured SanctionedCountryHit
// (default +0.4) when destination is on the sanctioned list (spec §4.2.1).
func SanctionedCountryRisk(cfg *config.Config, destinationCountry string) float64 {
	if cfg.IsSanctioned(destinationCountry) {
		return cfg.SanctionedCountryHit
	}
	return 0
}

// VelocityBandRisk maps a velocity ratio (current/mean recent amount)
// to a risk contribution via the configured critical/high/moderate
// thresholds (spec §4.2.1, §4.2.2).
func VelocityBandRisk(cfg *config.Config, velocityRatio float64) float64 {
	switch {
	case velocityRatio >= cfg.VelocityRatioCritical:
		return cfg.VelocityRisk5x
	case velocityRatio >= cfg.VelocityRatioHigh:
		return cfg.VelocityRisk3x
	case velocityRatio >= cfg.VelocityRatioModerate:
		return cfg.VelocityRisk2x
	default:
		return 0
	}
}

// UnusualHourRisk flags activity outside typical business hours
// (spec §4.2.1 "time-of-day unusual hours +0.15").
func UnusualHourRisk(cfg *config.Config, hour int) float64 {
	if hour < 6 || hour >= 22 {
		return cfg.UnusualHourRisk
	}
	return 0
}
