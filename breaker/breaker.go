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

// Package breaker implements the single Circuit Breaker type reused for
// the agents' downstream calls (customer-data reads and LLM calls) per
// spec §4.6 and the §9
// redesign note that breaker bookkeeping should not be scattered across
// agents.
package breaker

import (
	"context"
	"sync"
	"time"
)

// Config configures a Breaker instance.
type Config struct {
	// MaxConsecutiveFailures is N in "consecutive_failures >= N" (§4.6).
	MaxConsecutiveFailures int
	// Cooldown is the window after which a half-open probe is allowed.
	Cooldown time.Duration
}

// Breaker tracks consecutive failures for one downstream and routes
// callers to a fallback path while open.
type Breaker struct {
	name string
	cfg  Config

	mu                 sync.Mutex
	consecutiveFailures int
	lastFailureTime    time.Time
}

// New creates a Breaker for the named downstream (e.g. "llm", "postgres").
func New(name string, cfg Config) *Breaker {
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	return &Breaker{name: name, cfg: cfg}
}

// Name returns the downstream name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// IsOpen reports whether the breaker is currently tripped: consecutive
// failures at or above the threshold AND still within the cooldown
// window of the last failure (§4.6).
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.isOpenLocked()
}

func (b *Breaker) isOpenLocked() bool {
	if b.consecutiveFailures < b.cfg.MaxConsecutiveFailures {
		return false
	}
	return time.Since(b.lastFailureTime) < b.cfg.Cooldown
}

// RecordFailure increments the consecutive-failure counter and stamps
// the failure time.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	b.lastFailureTime = time.Now()
}

// RecordSuccess resets the consecutive-failure counter, closing the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
}

// ConsecutiveFailures returns the current failure streak, for metrics/tests.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// Result carries the outcome of a breaker-guarded call: whether the
// primary path ran at all, or the fallback was used instead because the
// breaker was open or the primary failed.
type Result struct {
	UsedFallback bool
	Err          error
}

// WithBreaker runs op under breaker protection. If the breaker is open,
// fallback runs instead without ever invoking op. If op fails, the
// failure is recorded, fallback runs, and the fallback's error (if any)
// is returned. On success, the breaker is closed via RecordSuccess.
//
// This is the one helper the agents' breaker-guarded call sites use
// (the store and the repositories do not go through a breaker), per the
// §9 redesign note ("a single Breaker type... composed into a
// with_breaker(op, fallback) helper").
func WithBreaker(ctx context.Context, b *Breaker, op func(context.Context) error, fallback func(context.Context) error) Result {
	if b.IsOpen() {
		return Result{UsedFallback: true, Err: fallback(ctx)}
	}

	if err := op(ctx); err != nil {
		b.RecordFailure()
		return Result{UsedFallback: true, Err: fallback(ctx)}
	}

	b.RecordSuccess()
	return Result{UsedFallback: false}
}
