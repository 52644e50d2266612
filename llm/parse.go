// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"encoding/json"
	"strconv"
	"strings"
)

// RiskOpinion is the structured shape a reasoning response is expected
// to carry, per spec §6: `{"risk_score":…,"risk_level":…,"confidence":…}`.
type RiskOpinion struct {
	RiskScore  float64
	RiskLevel  string
	Confidence float64
	Structured bool // true if parsed as JSON, false if keyword-extracted
}

var keywordRiskLevels = []string{"CRITICAL", "HIGH", "MEDIUM", "LOW"}

// ParseRiskOpinion interprets a Response's Content per spec §6: try a
// structured JSON object first, fall back to keyword extraction over
// the free text. Returns ok=false if neither yields a usable opinion.
func ParseRiskOpinion(content string) (RiskOpinion, bool) {
	if structured, ok := parseStructuredRiskOpinion(content); ok {
		return structured, true
	}
	return parseKeywordRiskOpinion(content)
}

func parseStructuredRiskOpinion(content string) (RiskOpinion, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return RiskOpinion{}, false
	}

	var raw struct {
		RiskScore  *float64 `json:"risk_score"`
		RiskLevel  *string  `json:"risk_level"`
		Confidence *float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return RiskOpinion{}, false
	}
	if raw.RiskScore == nil && raw.RiskLevel == nil && raw.Confidence == nil {
		return RiskOpinion{}, false
	}

	opinion := RiskOpinion{Structured: true}
	if raw.RiskScore != nil {
		opinion.RiskScore = *raw.RiskScore
	}
	if raw.RiskLevel != nil {
		opinion.RiskLevel = strings.ToUpper(*raw.RiskLevel)
	}
	if raw.Confidence != nil {
		opinion.Confidence = *raw.Confidence
	}
	return opinion, true
}

// parseKeywordRiskOpinion scans free text for a risk-level keyword and
// an adjacent numeric figure, the fallback path spec §6 names for when
// the provider doesn't return structured JSON.
func parseKeywordRiskOpinion(content string) (RiskOpinion, bool) {
	upper := strings.ToUpper(content)
	var level string
	for _, candidate := range keywordRiskLevels {
		if strings.Contains(upper, candidate) {
			level = candidate
			break
		}
	}
	if level == "" {
		return RiskOpinion{}, false
	}

	score := keywordRiskScore(level)
	if n, ok := firstFloat(content); ok && n >= 0 && n <= 1 {
		score = n
	}
	return RiskOpinion{RiskLevel: level, RiskScore: score, Confidence: 0.5, Structured: false}, true
}

func keywordRiskScore(level string) float64 {
	switch level {
	case "CRITICAL":
		return 0.9
	case "HIGH":
		return 0.7
	case "MEDIUM":
		return 0.4
	default:
		return 0.15
	}
}

func firstFloat(s string) (float64, bool) {
	var token strings.Builder
	for _, r := range s + " " {
		if (r >= '0' && r <= '9') || r == '.' {
			token.WriteRune(r)
			continue
		}
		if token.Len() > 0 {
			if v, err := strconv.ParseFloat(token.String(), 64); err == nil {
				return v, true
			}
			token.Reset()
		}
	}
	return 0, false
}
