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

import "compliancecore/model"

// baseImpactFactors gives every recorded event type its starting
// confidence_impact before the per-step adjustments below are applied
// (spec §4.4.1). Event types absent from this table start at 0.0.
var baseImpactFactors = map[model.AuditEventType]float64{
	model.StepDataRetrieval:         0.05,
	model.StepPatternAnalysis:       0.15,
	model.StepRiskAssessment:        0.20,
	model.StepKnowledgeQuery:        0.10,
	model.StepLLMInference:          0.08,
	model.StepRuleEvaluation:        0.12,
	model.StepConfidenceCalculation: 0.25,
	model.StepHumanFeedbackReceived: 0.30,
	model.StepDecisionStarted:       0.0,
	model.StepDecisionFinalized:     0.0,
	model.StepHumanReviewRequested:  -0.10,
}

var dataSourceReliability = map[string]float64{
	"primary_database": 1.0,
	"cache":             0.9,
	"external_api":      0.8,
	"user_input":        0.95,
	"llm_generated":     0.7,
	"inferred":          0.6,
}

// calculateConfidenceImpact reproduces the weighted adjustment chain
// verbatim: a base factor by event type, scaled by output quality
// signals, source reliability, processing-time sanity, and a handful
// of event-type-specific corrections, clamped to [-0.5, 0.5].
func calculateConfidenceImpact(eventType model.AuditEventType, _ map[string]interface{}, output, metadata map[string]interface{}) float64 {
	impact := baseImpactFactors[eventType]

	if v, ok := getFloat(output, "confidence_score"); ok {
		impact += v * 0.3
	}
	if v, ok := getFloat(output, "data_quality_score"); ok {
		impact *= 0.8 + 0.4*v
	}
	if v, ok := getFloat(output, "consistency_score"); ok {
		impact *= 0.9 + 0.2*v
	}

	if source, ok := getString(metadata, "data_source"); ok {
		if reliability, known := dataSourceReliability[source]; known {
			impact *= reliability
		}
	}

	if ms, ok := getFloat(metadata, "processing_time_ms"); ok {
		switch {
		case ms > 5000:
			impact *= 0.9
		case ms < 100:
			impact *= 0.95
		}
	}

	if v, ok := getFloat(output, "error_rate"); ok {
		impact *= 1.0 - v*0.5
	}
	if v, ok := getFloat(output, "warning_count"); ok {
		impact *= max(0.7, 1.0-v*0.05)
	}

	switch eventType {
	case model.StepRiskAssessment:
		if level, ok := getString(output, "risk_level"); ok {
			switch level {
			case "CRITICAL", "HIGH":
				impact *= 0.8
			case "LOW":
				impact *= 1.1
			}
		}
	case model.StepPatternAnalysis:
		if v, ok := getFloat(output, "pattern_strength"); ok {
			impact *= 0.7 + 0.6*v
		}
		if v, ok := getFloat(output, "sample_size"); ok {
			impact *= min(1.2, 0.8+v/1000.0)
		}
	case model.StepLLMInference:
		if v, ok := getFloat(output, "model_confidence"); ok {
			impact *= v
		}
		if v, ok := getFloat(output, "temperature"); ok {
			impact *= 1.0 - v*0.1
		}
	case model.StepHumanFeedbackReceived:
		if approved, ok := getBool(output, "approved"); ok && approved {
			impact = abs(impact)
		} else {
			impact *= -0.5
		}
	}

	return clamp(impact, -0.5, 0.5)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func getFloat(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func getString(m map[string]interface{}, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m[key].(string)
	return v, ok
}

func getBool(m map[string]interface{}, key string) (bool, bool) {
	if m == nil {
		return false, false
	}
	v, ok := m[key].(bool)
	return v, ok
}

// confidenceThresholds maps an averaged confidence_score to one of the
// five buckets (spec §4.4.4).
var confidenceThresholds = []struct {
	ceiling float64
	bucket  model.Confidence
}{
	{0.3, model.ConfidenceVeryLow},
	{0.5, model.ConfidenceLow},
	{0.7, model.ConfidenceMedium},
	{0.9, model.ConfidenceHigh},
}

// resolveConfidence returns explicit unchanged unless it is MEDIUM (the
// default an agent supplies when it wants the manager to derive
// confidence from the trail itself), in which case it averages
// output.confidence_score across CONFIDENCE_CALCULATION and
// RISK_ASSESSMENT steps and maps the average through the thresholds
// above. With no qualifying steps, MEDIUM is returned unchanged.
func resolveConfidence(explicit model.Confidence, steps []model.AuditStep) model.Confidence {
	if explicit != model.ConfidenceMedium {
		return explicit
	}

	var sum float64
	var n int
	for _, step := range steps {
		if step.EventType != model.StepConfidenceCalculation && step.EventType != model.StepRiskAssessment {
			continue
		}
		if v, ok := getFloat(step.OutputData, "confidence_score"); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return model.ConfidenceMedium
	}

	avg := sum / float64(n)
	for _, t := range confidenceThresholds {
		if avg < t.ceiling {
			return t.bucket
		}
	}
	return model.ConfidenceVeryHigh
}
