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

// Package agent is the Compliance Agent contract (spec §4.2) plus the
// three concrete agents. Every agent implements the same named
// 8-step pipeline; only the data, rules, and risk formula differ
// between Transaction Guardian, Audit Intelligence, and Regulatory
// Assessor, per spec §4.2's "same for all three agents" note.
package agent

import (
	"context"

	"compliancecore/model"
)

// Agent is the contract the Orchestrator calls into (spec §4.2).
type Agent interface {
	// OnEvent is the single entry point the orchestrator calls.
	OnEvent(ctx context.Context, event model.Event) (model.Decision, error)

	AgentID() string
	AgentType() string
	EventTypes() []model.EventType

	// Initialize runs before the agent receives events. The agents in
	// this package keep the static config.Config they were built with:
	// none reads per-agent configuration from the store, and each
	// returns nil.
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ComplianceEvent is an out-of-band signal an agent emits as a side
// effect of a decision (e.g. Transaction Guardian's escalation event,
// Audit Intelligence's anomaly notice) rather than as its own
// Decision return value.
type ComplianceEvent struct {
	Type        string                 `json:"type"`
	AgentID     string                 `json:"agent_id"`
	Description string                 `json:"description"`
	Severity    model.Severity         `json:"severity"`
	Data        map[string]interface{} `json:"data"`
}

// ActivitySink is the out-of-scope external collaborator spec §5 names
// ("Activity feed (if present as an out-of-scope collaborator)"). It
// is called fire-and-forget; a nil ActivitySink is valid and simply
// drops events, so this module compiles and runs standalone with a
// real feed wired in later.
type ActivitySink interface {
	Publish(ctx context.Context, event ComplianceEvent)
}

// NopActivitySink discards every event. Used when no real sink is configured.
type NopActivitySink struct{}

// Publish implements ActivitySink.
func (NopActivitySink) Publish(context.Context, ComplianceEvent) {}
