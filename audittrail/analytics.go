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
	"context"
	"encoding/json"
	"os"
	"time"

	"compliancecore/errkind"
	"compliancecore/model"
)

// PerformanceAnalytics summarizes one agent's decision history.
type PerformanceAnalytics struct {
	AgentType                 string                       `json:"agent_type"`
	TotalDecisions            int                           `json:"total_decisions"`
	AvgProcessingTime         time.Duration                 `json:"avg_processing_time"`
	AvgStepsPerDecision       float64                       `json:"avg_steps_per_decision"`
	HumanReviewRate           float64                       `json:"human_review_rate"`
	ConfidenceDistribution    map[model.Confidence]int      `json:"confidence_distribution"`
	DecisionTypeDistribution  map[model.DecisionType]int    `json:"decision_type_distribution"`
}

// GetAgentPerformanceAnalytics aggregates every finalized trail for
// agentType started since the given time bound.
func (m *Manager) GetAgentPerformanceAnalytics(ctx context.Context, agentType string, since time.Time) (PerformanceAnalytics, error) {
	trails, err := m.repo.ListByAgent(ctx, agentType, "", since)
	if err != nil {
		return PerformanceAnalytics{}, err
	}

	out := PerformanceAnalytics{
		AgentType:                agentType,
		ConfidenceDistribution:   make(map[model.Confidence]int),
		DecisionTypeDistribution: make(map[model.DecisionType]int),
	}
	if len(trails) == 0 {
		return out, nil
	}

	var totalProcessing time.Duration
	var totalSteps int
	var reviewCount int
	for _, trail := range trails {
		totalProcessing += trail.TotalProcessingTime
		totalSteps += len(trail.Steps)
		if trail.RequiresHumanReview {
			reviewCount++
		}
		out.ConfidenceDistribution[trail.FinalConfidence]++
		out.DecisionTypeDistribution[trail.FinalDecision]++
	}

	out.TotalDecisions = len(trails)
	out.AvgProcessingTime = totalProcessing / time.Duration(len(trails))
	out.AvgStepsPerDecision = float64(totalSteps) / float64(len(trails))
	out.HumanReviewRate = float64(reviewCount) / float64(len(trails))
	return out, nil
}

// PatternAnalysis surfaces the shapes a given agent's decisions tend
// to take, used to spot drift or recurring escalation paths.
type PatternAnalysis struct {
	AgentType              string                      `json:"agent_type"`
	TotalDecisions         int                          `json:"total_decisions"`
	MostCommonDecision     model.DecisionType           `json:"most_common_decision"`
	MostCommonStepSequence []model.AuditEventType       `json:"most_common_step_sequence,omitempty"`
	RepeatSequenceCount    int                           `json:"repeat_sequence_count"`
}

// GetDecisionPatternAnalysis finds the most frequent final decision and
// the most frequent step-type sequence across an agent's recent trails.
func (m *Manager) GetDecisionPatternAnalysis(ctx context.Context, agentType string, since time.Time) (PatternAnalysis, error) {
	trails, err := m.repo.ListByAgent(ctx, agentType, "", since)
	if err != nil {
		return PatternAnalysis{}, err
	}

	out := PatternAnalysis{AgentType: agentType, TotalDecisions: len(trails)}
	if len(trails) == 0 {
		return out, nil
	}

	decisionCounts := make(map[model.DecisionType]int)
	sequenceCounts := make(map[string]int)
	sequences := make(map[string][]model.AuditEventType)

	for _, trail := range trails {
		decisionCounts[trail.FinalDecision]++

		seq := make([]model.AuditEventType, len(trail.Steps))
		var key string
		for i, step := range trail.Steps {
			seq[i] = step.EventType
			key += string(step.EventType) + "|"
		}
		sequenceCounts[key]++
		sequences[key] = seq
	}

	for decision, count := range decisionCounts {
		if count > decisionCounts[out.MostCommonDecision] {
			out.MostCommonDecision = decision
		}
	}

	var bestKey string
	for key, count := range sequenceCounts {
		if count > out.RepeatSequenceCount {
			out.RepeatSequenceCount = count
			bestKey = key
		}
	}
	out.MostCommonStepSequence = sequences[bestKey]
	return out, nil
}

// exportArtifact is the on-disk shape written by ExportAuditData —
// a self-describing JSON document rather than a bare array, so a
// downstream compliance tool can validate the range it covers.
type exportArtifact struct {
	ExportedAt time.Time          `json:"exported_at"`
	Start      time.Time          `json:"range_start"`
	End        time.Time          `json:"range_end"`
	Trails     []model.AuditTrail `json:"trails"`
}

// ExportAuditData writes every trail in [start, end] to path as a JSON artifact.
func (m *Manager) ExportAuditData(ctx context.Context, path string, start, end time.Time) error {
	trails, err := m.repo.ListInRange(ctx, start, end)
	if err != nil {
		return err
	}

	artifact := exportArtifact{
		ExportedAt: time.Now().UTC(),
		Start:      start,
		End:        end,
		Trails:     trails,
	}
	raw, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return &errkind.PersistenceError{Operation: "marshal_export", Cause: err}
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return &errkind.PersistenceError{Operation: "write_export", Cause: err}
	}
	return nil
}
