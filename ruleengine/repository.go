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

package ruleengine

import (
	"context"
	"encoding/json"

	"compliancecore/errkind"
	"compliancecore/model"
	"compliancecore/store"
)

// Repository is the persistence boundary for rule definitions. The
// in-process Engine cache is always authoritative for reads during a
// request; Repository is consulted only at startup (LoadAll) and on
// every mutating CRUD call, mirroring the teacher's
// dynamic_policy_engine.go split between an in-memory policy slice and
// a Postgres-backed refresh.
type Repository interface {
	LoadAll(ctx context.Context) ([]model.Rule, error)
	Upsert(ctx context.Context, rule model.Rule) error
	Delete(ctx context.Context, ruleID string) error
	SetEnabled(ctx context.Context, ruleID string, enabled bool) error
}

// PostgresRepository persists rules into a single `advanced_rules`
// table with conditions stored as a JSON column, grounded on the
// Persistence Adapter (store.Store) and the teacher's pattern of
// storing structured policy fields as jsonb.
type PostgresRepository struct {
	s *store.Store
}

// NewPostgresRepository wraps a Store for rule persistence.
func NewPostgresRepository(s *store.Store) *PostgresRepository {
	return &PostgresRepository{s: s}
}

func (r *PostgresRepository) LoadAll(ctx context.Context) ([]model.Rule, error) {
	rows, err := r.s.DB().QueryContext(ctx, `
		SELECT rule_id, name, category, severity, conditions, action,
		       threshold_score, tags, enabled
		FROM advanced_rules
	`)
	if err != nil {
		return nil, &errkind.PersistenceError{Operation: "load_rules", Cause: err}
	}
	defer rows.Close()

	var rules []model.Rule
	for rows.Next() {
		var rule model.Rule
		var conditionsJSON, tagsJSON []byte
		if err := rows.Scan(
			&rule.RuleID, &rule.Name, &rule.Category, &rule.Severity,
			&conditionsJSON, &rule.Action, &rule.ThresholdScore,
			&tagsJSON, &rule.Enabled,
		); err != nil {
			return nil, &errkind.PersistenceError{Operation: "scan_rule", Cause: err}
		}
		if err := json.Unmarshal(conditionsJSON, &rule.Conditions); err != nil {
			return nil, &errkind.PersistenceError{Operation: "decode_conditions", Cause: err}
		}
		if len(tagsJSON) > 0 {
			_ = json.Unmarshal(tagsJSON, &rule.Tags)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, &errkind.PersistenceError{Operation: "load_rules", Cause: err}
	}
	return rules, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, rule model.Rule) error {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(rule.Tags)
	if err != nil {
		return err
	}

	return r.s.ExecRetry(ctx, `
		INSERT INTO advanced_rules
			(rule_id, name, category, severity, conditions, action, threshold_score, tags, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (rule_id) DO UPDATE SET
			name = EXCLUDED.name,
			category = EXCLUDED.category,
			severity = EXCLUDED.severity,
			conditions = EXCLUDED.conditions,
			action = EXCLUDED.action,
			threshold_score = EXCLUDED.threshold_score,
			tags = EXCLUDED.tags,
			enabled = EXCLUDED.enabled
	`, rule.RuleID, rule.Name, rule.Category, rule.Severity, conditionsJSON,
		rule.Action, rule.ThresholdScore, tagsJSON, rule.Enabled)
}

func (r *PostgresRepository) Delete(ctx context.Context, ruleID string) error {
	return r.s.ExecRetry(ctx, `DELETE FROM advanced_rules WHERE rule_id = $1`, ruleID)
}

func (r *PostgresRepository) SetEnabled(ctx context.Context, ruleID string, enabled bool) error {
	return r.s.ExecRetry(ctx, `UPDATE advanced_rules SET enabled = $2 WHERE rule_id = $1`, ruleID, enabled)
}
