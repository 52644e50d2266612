// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ruleapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"compliancecore/audittrail"
	"compliancecore/model"
	"compliancecore/ruleengine"
)

const testSecret = "test-signing-secret"

type fakeRuleRepository struct {
	mu    sync.Mutex
	rules map[string]model.Rule
}

func newFakeRuleRepository() *fakeRuleRepository {
	return &fakeRuleRepository{rules: make(map[string]model.Rule)}
}

func (r *fakeRuleRepository) LoadAll(_ context.Context) ([]model.Rule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out, nil
}

func (r *fakeRuleRepository) Upsert(_ context.Context, rule model.Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules[rule.RuleID] = rule
	return nil
}

func (r *fakeRuleRepository) Delete(_ context.Context, ruleID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rules, ruleID)
	return nil
}

func (r *fakeRuleRepository) SetEnabled(_ context.Context, ruleID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rule := r.rules[ruleID]
	rule.Enabled = enabled
	r.rules[ruleID] = rule
	return nil
}

type fakeAuditRepository struct {
	mu       sync.Mutex
	trails   map[string]model.AuditTrail
	feedback []model.HumanReview
}

func newFakeAuditRepository() *fakeAuditRepository {
	return &fakeAuditRepository{trails: make(map[string]model.AuditTrail)}
}

func (r *fakeAuditRepository) SaveTrail(_ context.Context, trail *model.AuditTrail, _ audittrail.Explanation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trails[trail.DecisionID] = *trail
	return nil
}

func (r *fakeAuditRepository) GetTrail(_ context.Context, decisionID string) (*model.AuditTrail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.trails[decisionID]
	return &t, nil
}

func (r *fakeAuditRepository) ListByAgent(_ context.Context, _, _ string, _ time.Time) ([]model.AuditTrail, error) {
	return nil, nil
}

func (r *fakeAuditRepository) ListRequiringReview(_ context.Context) ([]model.AuditTrail, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AuditTrail
	for _, t := range r.trails {
		if t.RequiresHumanReview {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *fakeAuditRepository) ListInRange(_ context.Context, _, _ time.Time) ([]model.AuditTrail, error) {
	return nil, nil
}

func (r *fakeAuditRepository) MarkHumanReviewRequested(_ context.Context, _, _ string) error {
	return nil
}

func (r *fakeAuditRepository) SaveHumanFeedback(_ context.Context, review model.HumanReview, _ model.AuditStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedback = append(r.feedback, review)
	return nil
}

func testServer(t *testing.T) (http.Handler, *fakeRuleRepository, *fakeAuditRepository) {
	t.Helper()
	ruleRepo := newFakeRuleRepository()
	engine, err := ruleengine.New(context.Background(), ruleRepo, ruleengine.Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	auditRepo := newFakeAuditRepository()
	manager := audittrail.New(auditRepo, nil, 1_000_000)

	handler := NewHandler(Deps{
		Rules:     engine,
		Audit:     manager,
		JWTSecret: testSecret,
	})
	return handler, ruleRepo, auditRepo
}

func bearerToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func doRequest(h http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRejectsMissingBearerToken(t *testing.T) {
	h, _, _ := testServer(t)
	rec := doRequest(h, http.MethodGet, "/rules", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRejectsInvalidBearerToken(t *testing.T) {
	h, _, _ := testServer(t)
	rec := doRequest(h, http.MethodGet, "/rules", nil, "garbage.not.a.jwt")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndListRules(t *testing.T) {
	h, _, _ := testServer(t)
	token := bearerToken(t, "operator-1")

	rule := model.Rule{
		RuleID:   "r1",
		Name:     "high amount",
		Category: model.CategoryFraudDetection,
		Conditions: []model.RuleCondition{
			{FieldPath: "amount", Operator: model.OpGreaterThan, Value: 1000.0, Weight: 1.0},
		},
		Action:         model.ActionDeny,
		ThresholdScore: 0.5,
		Enabled:        true,
	}
	rec := doRequest(h, http.MethodPost, "/rules", rule, token)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(h, http.MethodGet, "/rules", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var rules []model.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	assert.Len(t, rules, 1)
	assert.Equal(t, "r1", rules[0].RuleID)
}

func TestDisableRuleViaEndpoint(t *testing.T) {
	h, _, _ := testServer(t)
	token := bearerToken(t, "operator-1")

	rule := model.Rule{
		RuleID: "r1", Name: "x", Enabled: true,
		Conditions:     []model.RuleCondition{{FieldPath: "amount", Operator: model.OpGreaterThan, Value: 1.0, Weight: 1.0}},
		ThresholdScore: 0.5,
	}
	require.Equal(t, http.StatusCreated, doRequest(h, http.MethodPost, "/rules", rule, token).Code)

	rec := doRequest(h, http.MethodPost, "/rules/r1/disable", nil, token)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestDeleteRule(t *testing.T) {
	h, _, _ := testServer(t)
	token := bearerToken(t, "operator-1")

	rule := model.Rule{
		RuleID: "r1", Name: "x",
		Conditions:     []model.RuleCondition{{FieldPath: "amount", Operator: model.OpGreaterThan, Value: 1.0, Weight: 1.0}},
		ThresholdScore: 0.5,
	}
	require.Equal(t, http.StatusCreated, doRequest(h, http.MethodPost, "/rules", rule, token).Code)

	rec := doRequest(h, http.MethodDelete, "/rules/r1", nil, token)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(h, http.MethodGet, "/rules", nil, token)
	var rules []model.Rule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rules))
	assert.Empty(t, rules)
}

func TestListReviewsPaginates(t *testing.T) {
	h, _, auditRepo := testServer(t)
	token := bearerToken(t, "operator-1")

	base := time.Now().Add(-time.Hour)
	auditRepo.mu.Lock()
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		auditRepo.trails[id] = model.AuditTrail{
			DecisionID:          id,
			RequiresHumanReview: true,
			StartedAt:           base.Add(time.Duration(i) * time.Minute),
		}
	}
	auditRepo.mu.Unlock()

	rec := doRequest(h, http.MethodGet, "/reviews?limit=2", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Reviews []model.AuditTrail `json:"reviews"`
		Total   int                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Total)
	assert.Len(t, body.Reviews, 2)
}

func TestSubmitFeedbackUsesTokenSubjectAsReviewer(t *testing.T) {
	h, _, auditRepo := testServer(t)
	token := bearerToken(t, "reviewer-42")

	auditRepo.mu.Lock()
	auditRepo.trails["d1"] = model.AuditTrail{DecisionID: "d1", RequiresHumanReview: true}
	auditRepo.mu.Unlock()

	rec := doRequest(h, http.MethodPost, "/reviews/d1/feedback", feedbackRequest{Feedback: "looks fine", Approved: true}, token)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	auditRepo.mu.Lock()
	defer auditRepo.mu.Unlock()
	require.Len(t, auditRepo.feedback, 1)
	assert.Equal(t, "reviewer-42", auditRepo.feedback[0].ReviewerID)
}
