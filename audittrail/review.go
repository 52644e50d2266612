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

// humanReviewTrigger evaluates the three independent triggers (spec
// §4.4.2) in a fixed order, so the reason string is deterministic
// whenever more than one trigger fires at once.
func humanReviewTrigger(trail *model.AuditTrail, financialImpact, financialImpactThreshold float64) (bool, string) {
	if trail.FinalConfidence == model.ConfidenceVeryLow || trail.FinalConfidence == model.ConfidenceLow {
		return true, "Low confidence in decision requires human validation"
	}

	if financialImpact > financialImpactThreshold {
		return true, "High financial impact decision requires human approval"
	}

	if trail.AgentType == "REGULATORY_ASSESSOR" {
		return true, "Regulatory compliance decision requires human oversight"
	}

	return false, ""
}
