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

package audittrail

import (
	"fmt"
	"time"

	"compliancecore/model"
)

// ExplanationLevel selects how much of a trail generate_explanation
// surfaces (spec §4.4.3).
type ExplanationLevel string

const (
	LevelHighLevel ExplanationLevel = "HIGH_LEVEL"
	LevelDetailed  ExplanationLevel = "DETAILED"
	LevelTechnical ExplanationLevel = "TECHNICAL"
	LevelDebug     ExplanationLevel = "DEBUG"
)

// ConfidenceFactor is one step whose confidence_impact was large enough
// to call out explicitly (|impact| > 0.1).
type ConfidenceFactor struct {
	StepID      string                 `json:"step_id"`
	EventType   model.AuditEventType   `json:"event_type"`
	Impact      float64                `json:"impact"`
	Description string                 `json:"description"`
}

// FlowchartNode is one step rendered as a node in the decision flowchart.
type FlowchartNode struct {
	StepID      string               `json:"step_id"`
	EventType   model.AuditEventType `json:"event_type"`
	Description string               `json:"description"`
}

// FlowchartEdge connects two sequential steps.
type FlowchartEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// DecisionFlowchart is the DETAILED+ rendering of step sequencing.
type DecisionFlowchart struct {
	Nodes []FlowchartNode `json:"nodes"`
	Edges []FlowchartEdge `json:"edges"`
}

// StepTiming is one TECHNICAL+ row: how long a step took and what it
// did to confidence.
type StepTiming struct {
	StepID           string               `json:"step_id"`
	EventType        model.AuditEventType `json:"event_type"`
	ProcessingTime   time.Duration        `json:"processing_time"`
	ConfidenceImpact float64              `json:"confidence_impact"`
}

// Explanation is the rendered output of generate_explanation.
type Explanation struct {
	DecisionID        string               `json:"decision_id"`
	Level             ExplanationLevel     `json:"level"`
	Summary           string               `json:"summary"`
	KeyFindings       []string             `json:"key_findings,omitempty"`
	RiskIndicators    []string             `json:"risk_indicators,omitempty"`
	ConfidenceFactors []ConfidenceFactor   `json:"confidence_factors,omitempty"`
	Flowchart         *DecisionFlowchart   `json:"flowchart,omitempty"`
	StepTimings       []StepTiming         `json:"step_timings,omitempty"`
	RawSteps          []model.AuditStep    `json:"raw_steps,omitempty"`
	GeneratedAt       time.Time            `json:"generated_at"`
}

// generateExplanation renders trail at level. Each level is a strict
// superset of the one before it (spec §4.4.3).
func generateExplanation(trail *model.AuditTrail, level ExplanationLevel) Explanation {
	exp := Explanation{
		DecisionID:  trail.DecisionID,
		Level:       level,
		Summary:     summarize(trail),
		GeneratedAt: time.Now().UTC(),
	}

	if level == LevelHighLevel {
		return exp
	}

	exp.KeyFindings = keyFindings(trail.Steps)
	exp.RiskIndicators = riskIndicators(trail)
	exp.ConfidenceFactors = confidenceFactors(trail.Steps)
	exp.Flowchart = flowchart(trail.Steps)

	if level == LevelDetailed {
		return exp
	}

	exp.StepTimings = stepTimings(trail.Steps)

	if level == LevelTechnical {
		return exp
	}

	exp.RawSteps = trail.Steps
	return exp
}

func summarize(trail *model.AuditTrail) string {
	s := fmt.Sprintf("Agent %s (%s) made a decision with %s confidence based on analysis of %d decision factors.",
		trail.AgentName, trail.AgentType, confidenceLabel(trail.FinalConfidence), len(trail.Steps))
	if trail.RequiresHumanReview {
		s += " Human review has been requested."
	}
	return s
}

func confidenceLabel(c model.Confidence) string {
	switch c {
	case model.ConfidenceVeryLow:
		return "Very Low"
	case model.ConfidenceLow:
		return "Low"
	case model.ConfidenceMedium:
		return "Medium"
	case model.ConfidenceHigh:
		return "High"
	case model.ConfidenceVeryHigh:
		return "Very High"
	default:
		return "Unknown"
	}
}

func keyFindings(steps []model.AuditStep) []string {
	var findings []string
	for _, step := range steps {
		raw, ok := step.OutputData["key_findings"]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case string:
			findings = append(findings, v)
		case []string:
			findings = append(findings, v...)
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					findings = append(findings, s)
				}
			}
		}
	}
	return findings
}

func riskIndicators(trail *model.AuditTrail) []string {
	var indicators []string
	for _, step := range trail.Steps {
		if step.EventType != model.StepRiskAssessment {
			continue
		}
		level, ok := getString(step.OutputData, "risk_level")
		if !ok {
			continue
		}
		if level == "HIGH" || level == "CRITICAL" {
			indicators = append(indicators, fmt.Sprintf("%s: %s", step.Description, level))
		}
	}
	return indicators
}

func confidenceFactors(steps []model.AuditStep) []ConfidenceFactor {
	var factors []ConfidenceFactor
	for _, step := range steps {
		if abs(step.ConfidenceImpact) <= 0.1 {
			continue
		}
		factors = append(factors, ConfidenceFactor{
			StepID:      step.StepID,
			EventType:   step.EventType,
			Impact:      step.ConfidenceImpact,
			Description: step.Description,
		})
	}
	return factors
}

func flowchart(steps []model.AuditStep) *DecisionFlowchart {
	fc := &DecisionFlowchart{Nodes: make([]FlowchartNode, 0, len(steps))}
	for i, step := range steps {
		fc.Nodes = append(fc.Nodes, FlowchartNode{
			StepID:      step.StepID,
			EventType:   step.EventType,
			Description: step.Description,
		})
		if i > 0 {
			fc.Edges = append(fc.Edges, FlowchartEdge{From: steps[i-1].StepID, To: step.StepID})
		}
	}
	return fc
}

func stepTimings(steps []model.AuditStep) []StepTiming {
	timings := make([]StepTiming, 0, len(steps))
	for _, step := range steps {
		timings = append(timings, StepTiming{
			StepID:           step.StepID,
			EventType:        step.EventType,
			ProcessingTime:   step.ProcessingTime,
			ConfidenceImpact: step.ConfidenceImpact,
		})
	}
	return timings
}
