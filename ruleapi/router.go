// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package ruleapi

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"compliancecore/audittrail"
	"compliancecore/logger"
	"compliancecore/model"
	"compliancecore/ruleengine"
)

// Server is the admin HTTP surface for rule CRUD and the human-review
// queue (SUPPLEMENT: "human review queue listing with pagination").
// It is intentionally narrow — no dashboard, no bulk UI — a management
// API a deployment's own tooling calls into.
type Server struct {
	rules *ruleengine.Engine
	audit *audittrail.Manager
	log   *logger.Logger
}

// Deps bundles Server construction inputs.
type Deps struct {
	Rules        *ruleengine.Engine
	Audit        *audittrail.Manager
	Log          *logger.Logger
	JWTSecret    string
	CORSOrigins  []string
}

// NewHandler builds the complete http.Handler: JWT auth at the
// boundary, CORS, and the mux-routed rule/review endpoints.
func NewHandler(deps Deps) http.Handler {
	s := &Server{rules: deps.Rules, audit: deps.Audit, log: deps.Log}

	r := mux.NewRouter()
	r.HandleFunc("/rules", s.listRules).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.createRule).Methods(http.MethodPost)
	r.HandleFunc("/rules/{id}", s.updateRule).Methods(http.MethodPut)
	r.HandleFunc("/rules/{id}", s.deleteRule).Methods(http.MethodDelete)
	r.HandleFunc("/rules/{id}/enable", s.setEnabled(true)).Methods(http.MethodPost)
	r.HandleFunc("/rules/{id}/disable", s.setEnabled(false)).Methods(http.MethodPost)
	r.HandleFunc("/reviews", s.listReviews).Methods(http.MethodGet)
	r.HandleFunc("/reviews/{decisionID}/feedback", s.submitFeedback).Methods(http.MethodPost)

	authed := jwtAuth(deps.JWTSecret, deps.Log)(r)

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler(authed)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.AllRules())
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule model.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule body: "+err.Error())
		return
	}
	if err := s.rules.CreateRule(r.Context(), rule); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["id"]
	var rule model.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid rule body: "+err.Error())
		return
	}
	if err := s.rules.UpdateRule(r.Context(), ruleID, rule); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := mux.Vars(r)["id"]
	if err := s.rules.DeleteRule(r.Context(), ruleID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ruleID := mux.Vars(r)["id"]
		var err error
		if enabled {
			err = s.rules.Enable(r.Context(), ruleID)
		} else {
			err = s.rules.Disable(r.Context(), ruleID)
		}
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// listReviews implements the SUPPLEMENT's paginated
// get_decisions_requiring_review: since/limit/offset over the
// underlying unpaginated repository listing. Pagination lives at this
// HTTP boundary rather than in audittrail.Manager, since it is a
// presentation concern over the same "requires review" query the
// Manager already exposes.
func (s *Server) listReviews(w http.ResponseWriter, r *http.Request) {
	trails, err := s.audit.GetDecisionsRequiringReview(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	since := parseTimeParam(r.URL.Query().Get("since"))
	if !since.IsZero() {
		filtered := trails[:0]
		for _, t := range trails {
			if !t.StartedAt.Before(since) {
				filtered = append(filtered, t)
			}
		}
		trails = filtered
	}

	sort.Slice(trails, func(i, j int) bool { return trails[i].StartedAt.After(trails[j].StartedAt) })

	offset := parseIntParam(r.URL.Query().Get("offset"), 0)
	limit := parseIntParam(r.URL.Query().Get("limit"), 50)
	if offset > len(trails) {
		offset = len(trails)
	}
	end := offset + limit
	if end > len(trails) || limit <= 0 {
		end = len(trails)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reviews": trails[offset:end],
		"total":   len(trails),
	})
}

type feedbackRequest struct {
	Feedback string `json:"feedback"`
	Approved bool   `json:"approved"`
}

func (s *Server) submitFeedback(w http.ResponseWriter, r *http.Request) {
	decisionID := mux.Vars(r)["decisionID"]
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid feedback body: "+err.Error())
		return
	}

	reviewerID := subjectFromContext(r.Context())
	if err := s.audit.RecordHumanFeedback(r.Context(), decisionID, req.Feedback, req.Approved, reviewerID); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseTimeParam(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseIntParam(v string, fallback int) int {
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
