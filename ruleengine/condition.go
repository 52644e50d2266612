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
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"compliancecore/model"
)

// Entity is the dot-path-addressable data an entity is evaluated
// against. It is a plain map so agents can build it from an Event's
// metadata, a CustomerProfile, or any combination without a schema.
type Entity map[string]interface{}

// fieldValue resolves a dot-path ("transaction.amount") against an
// Entity. Missing fields return (nil, false) rather than an error —
// per spec.md §4.3, a missing field makes the condition false, it
// never aborts evaluation.
func fieldValue(e Entity, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = map[string]interface{}(e)

	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// evaluateCondition reports whether one RuleCondition is met against
// an Entity. It never panics: an unknown operator or a comparison
// across incompatible types simply evaluates to false, matching
// spec.md's "never throws" guarantee for condition evaluation.
func evaluateCondition(e Entity, cond model.RuleCondition) (met bool) {
	defer func() {
		if recover() != nil {
			met = false
		}
	}()

	val, ok := fieldValue(e, cond.FieldPath)
	if !ok {
		return false
	}

	switch cond.Operator {
	case model.OpEquals:
		return fmt.Sprint(val) == fmt.Sprint(cond.Value)
	case model.OpNotEquals:
		return fmt.Sprint(val) != fmt.Sprint(cond.Value)
	case model.OpContains:
		return strings.Contains(fmt.Sprint(val), fmt.Sprint(cond.Value))
	case model.OpGreaterThan:
		lhs, lok := toFloat(val)
		rhs, rok := toFloat(cond.Value)
		return lok && rok && lhs > rhs
	case model.OpLessThan:
		lhs, lok := toFloat(val)
		rhs, rok := toFloat(cond.Value)
		return lok && rok && lhs < rhs
	case model.OpRegex:
		re, err := regexp.Compile(fmt.Sprint(cond.Value))
		if err != nil {
			return false
		}
		return re.MatchString(fmt.Sprint(val))
	case model.OpInArray:
		return inArray(val, cond.Value)
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func inArray(val, set interface{}) bool {
	items, ok := set.([]interface{})
	if !ok {
		if strs, ok := set.([]string); ok {
			for _, s := range strs {
				if s == fmt.Sprint(val) {
					return true
				}
			}
		}
		return false
	}
	for _, item := range items {
		if fmt.Sprint(item) == fmt.Sprint(val) {
			return true
		}
	}
	return false
}

// scoreRule computes the weighted condition score for one Rule against
// one Entity: Σ(weight·met)/Σ(weight), plus the matched-condition
// labels and per-condition scores spec.md's RuleResult records.
func scoreRule(e Entity, rule model.Rule) (score float64, matched []string, scores []model.ConditionScore) {
	var weightSum, metSum float64
	scores = make([]model.ConditionScore, 0, len(rule.Conditions))
	matched = make([]string, 0, len(rule.Conditions))

	for _, cond := range rule.Conditions {
		met := evaluateCondition(e, cond)
		weightSum += cond.Weight
		if met {
			metSum += cond.Weight
			matched = append(matched, cond.FieldPath)
		}
		scores = append(scores, model.ConditionScore{
			FieldPath: cond.FieldPath,
			Met:       met,
			Weight:    cond.Weight,
		})
	}

	if weightSum == 0 {
		return 0, matched, scores
	}
	return metSum / weightSum, matched, scores
}
