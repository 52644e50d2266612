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

// Package llm defines the opaque LLMProvider boundary (spec §6): a
// fixed RPC shape agents call into for reasoning support, grounded on
// the teacher's anthropic adapter boundary. Besides the interface and
// its request/response envelope, the package holds AnthropicAdapter (a
// plain HTTP client for the Anthropic messages API, no vendor SDK),
// ParseRiskOpinion, and the TestProvider double; there is no Azure or
// Gemini adapter.
package llm

import (
	"context"
	"time"
)

// Options configures one reasoning call. Field names and defaults
// mirror the teacher's anthropic.LLMProviderAdapter QueryOptions.
type Options struct {
	MaxTokens    int
	Temperature  float64
	Model        string
	SystemPrompt string
}

// Response is the result of one reasoning call. A nil *Response with a
// nil error is the contract's "null" outcome (spec §6: "null ⇒
// failure, triggers fallback") — distinct from a non-nil error, which
// signals a transient RPC failure the caller's circuit breaker should
// count against the downstream.
type Response struct {
	Content      string
	Model        string
	TokensUsed   int
	Metadata     map[string]interface{}
	ResponseTime time.Duration
}

// Provider is the opaque reasoning backend agents call through. All
// implementations must be safe for concurrent use.
type Provider interface {
	// Name identifies this provider instance for logging and metrics.
	Name() string

	// ComplexReasoningTask is the fixed RPC named in spec §6:
	// complex_reasoning_task(task_name, payload, reasoning_steps).
	// taskName identifies the caller's intent (e.g.
	// "risk_assessment", "regulatory_impact"); payload is the
	// structured context handed to the model; reasoningSteps bounds
	// how many intermediate reasoning turns the provider may take.
	// Returns (nil, nil) on a recognized "no answer" outcome, which
	// callers treat as a fallback signal rather than an error.
	ComplexReasoningTask(ctx context.Context, taskName string, payload map[string]interface{}, reasoningSteps int, opts Options) (*Response, error)
}
