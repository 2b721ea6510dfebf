package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studiopulse/autopilot/internal/log"
	"github.com/studiopulse/autopilot/internal/rest/middleware"
	"github.com/studiopulse/autopilot/pkg/automation"
	"github.com/studiopulse/autopilot/pkg/automation/runtime"
	"github.com/studiopulse/autopilot/pkg/governance"
	"github.com/studiopulse/autopilot/pkg/outcome"
	"github.com/studiopulse/autopilot/pkg/rules"
	"github.com/studiopulse/autopilot/pkg/storage"
)

type ApiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type Server struct {
	engine    *automation.Engine
	rules     *rules.Engine
	gate      *governance.Gate
	evaluator *outcome.Evaluator
	addr      string
	server    *http.Server
}

func NewServer(engine *automation.Engine, ruleEngine *rules.Engine, gate *governance.Gate, evaluator *outcome.Evaluator, addr string) *Server {
	r := chi.NewRouter()
	s := Server{
		engine:    engine,
		rules:     ruleEngine,
		gate:      gate,
		evaluator: evaluator,
		addr:      addr,
		server: &http.Server{
			ReadHeaderTimeout: 3 * time.Second,
			Handler:           r,
			Addr:              addr,
		},
	}
	r.Use(middleware.Cors())
	r.Use(middleware.Opentelemetry())
	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", s.handleEvent)
		r.Post("/processes/{name}/trigger", s.handleTrigger)
		r.Get("/instances/{key}", s.handleGetInstance)
		r.Post("/instances/{key}/complete", s.handleCompleteInstance)
		r.Post("/outcomes", s.handleOutcome)
		r.Get("/rules", s.handleGetRules)
		r.Get("/rules/stats", s.handleGetRuleStats)
		r.Put("/rules/{id}/mode", s.handleSetRuleMode)
		r.Put("/rules/{id}/enabled", s.handleSetRuleEnabled)
		r.Put("/rules/{id}/thresholds/{key}", s.handleAdjustThreshold)
		r.Get("/governance/pending", s.handleGetPendingChanges)
		r.Get("/governance/verdicts", s.handleGetVerdicts)
	})
	// register system endpoints
	r.Route("/system", func(r chi.Router) {
		r.Get("/metrics", promhttp.Handler().ServeHTTP)
		r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"engine": engine.Name(), "status": "ok"})
		})
		r.Post("/scan", s.handleScan)
	})
	return &s
}

func (s *Server) Start() net.Listener {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		log.Error("failed to listen: %v", err)
	}
	log.Info("Autopilot REST server listening on %s", s.addr)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("Error starting server: %s", err)
		}
	}()
	return listener
}

func (s *Server) Stop(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		log.Error("failed to shut down REST server: %s", err)
	}
}

type eventRequest struct {
	EntityId string               `json:"entityId"`
	Event    runtime.TriggerEvent `json:"event"`
	Context  map[string]any       `json:"context"`
}

type eventResponse struct {
	Matches          []rules.Match `json:"matches"`
	StartedInstances []int64       `json:"startedInstances"`
}

// handleEvent evaluates an inbound domain event against the rule set.
// Auto-mode matches start their processes immediately; observe and gated
// matches are only reported.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	matches := s.rules.Evaluate(req.Context)
	resp := eventResponse{Matches: matches, StartedInstances: []int64{}}
	for _, match := range matches {
		if !match.ShouldExecute {
			continue
		}
		for _, action := range match.Actions {
			if _, err := s.engine.Definition(action); err != nil {
				// plain action codes are carried out by process steps only
				continue
			}
			instance, err := s.engine.StartProcess(r.Context(), action, req.EntityId, req.Event)
			if err != nil {
				log.Error("failed to start process %s from rule %s: %s", action, match.RuleId, err)
				continue
			}
			resp.StartedInstances = append(resp.StartedInstances, instance.Key)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type triggerRequest struct {
	EntityId     string               `json:"entityId"`
	TriggerEvent runtime.TriggerEvent `json:"triggerEvent"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	processName := chi.URLParam(r, "name")
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	if req.EntityId == "" {
		writeError(w, http.StatusBadRequest, ApiError{Message: "entityId is required", Type: "BAD_REQUEST"})
		return
	}
	instance, err := s.engine.StartProcess(r.Context(), processName, req.EntityId, req.TriggerEvent)
	if err != nil {
		if errors.Is(err, automation.ErrUnknownProcess) {
			writeError(w, http.StatusNotFound, ApiError{Message: err.Error(), Type: "NOT_FOUND"})
			return
		}
		writeError(w, http.StatusInternalServerError, ApiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	writeJSON(w, http.StatusCreated, instance)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.ParseInt(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Message: "invalid instance key", Type: "BAD_REQUEST"})
		return
	}
	instance, err := s.engine.FindProcessInstance(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ApiError{Message: "instance not found", Type: "NOT_FOUND"})
			return
		}
		writeError(w, http.StatusInternalServerError, ApiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	writeJSON(w, http.StatusOK, instance)
}

type completeRequest struct {
	Success bool `json:"success"`
}

func (s *Server) handleCompleteInstance(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.ParseInt(chi.URLParam(r, "key"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Message: "invalid instance key", Type: "BAD_REQUEST"})
		return
	}
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	if err := s.engine.CompleteProcess(r.Context(), key, req.Success); err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, ApiError{Message: "instance not found", Type: "NOT_FOUND"})
		case errors.Is(err, automation.ErrInvalidState):
			writeError(w, http.StatusConflict, ApiError{Message: err.Error(), Type: "INVALID_STATE"})
		default:
			writeError(w, http.StatusInternalServerError, ApiError{Message: err.Error(), Type: "ERROR"})
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type outcomeRequest struct {
	InterventionKey int64            `json:"interventionKey"`
	ActionCode      string           `json:"actionCode"`
	Before          outcome.Snapshot `json:"before"`
	After           outcome.Snapshot `json:"after"`
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	var req outcomeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	evaluation, err := s.evaluator.Evaluate(r.Context(), req.InterventionKey, req.ActionCode, req.Before, req.After)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ApiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	adjustment, err := s.evaluator.AutoAdjust(r.Context(), req.ActionCode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ApiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"evaluation": evaluation,
		"adjustment": adjustment,
	})
}

func (s *Server) handleGetRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.Rules())
}

func (s *Server) handleGetRuleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rules.Stats())
}

type setModeRequest struct {
	TargetMode rules.Mode                         `json:"targetMode"`
	Metrics    governance.PromotionMetrics        `json:"metrics"`
	Evidence   map[governance.EvidenceKind]string `json:"evidence"`
	Emergency  string                             `json:"emergency,omitempty"`
}

// handleSetRuleMode routes the mode change through the governance gate; the
// rule set only mutates on an approved verdict.
func (s *Server) handleSetRuleMode(w http.ResponseWriter, r *http.Request) {
	ruleId := chi.URLParam(r, "id")
	var req setModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	rule, err := s.rules.Rule(ruleId)
	if err != nil {
		writeError(w, http.StatusNotFound, ApiError{Message: err.Error(), Type: "NOT_FOUND"})
		return
	}
	verdict, err := s.gate.ApplyModeChange(r.Context(), s.rules, governance.PromotionRequest{
		RuleId:      ruleId,
		CurrentMode: rule.Mode,
		TargetMode:  req.TargetMode,
		Metrics:     req.Metrics,
		Evidence:    req.Evidence,
		Emergency:   req.Emergency,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, ApiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	if !verdict.Approved {
		writeJSON(w, http.StatusConflict, verdict)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	ruleId := chi.URLParam(r, "id")
	var req setEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	if err := s.rules.SetEnabled(ruleId, req.Enabled); err != nil {
		writeError(w, http.StatusNotFound, ApiError{Message: err.Error(), Type: "NOT_FOUND"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adjustThresholdRequest struct {
	Value     float64 `json:"value"`
	Emergency string  `json:"emergency,omitempty"`
}

func (s *Server) handleAdjustThreshold(w http.ResponseWriter, r *http.Request) {
	ruleId := chi.URLParam(r, "id")
	thresholdKey := chi.URLParam(r, "key")
	var req adjustThresholdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ApiError{Message: err.Error(), Type: "BAD_REQUEST"})
		return
	}
	rule, err := s.rules.Rule(ruleId)
	if err != nil {
		writeError(w, http.StatusNotFound, ApiError{Message: err.Error(), Type: "NOT_FOUND"})
		return
	}
	oldValue, ok := rule.Thresholds[thresholdKey]
	if !ok {
		writeError(w, http.StatusNotFound, ApiError{Message: "unknown threshold " + thresholdKey, Type: "NOT_FOUND"})
		return
	}
	verdict, err := s.gate.ApplyThresholdChange(r.Context(), s.rules, governance.ThresholdAdjustmentRequest{
		RuleId:       ruleId,
		ThresholdKey: thresholdKey,
		OldValue:     oldValue,
		NewValue:     req.Value,
		Emergency:    req.Emergency,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, ApiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	if !verdict.Approved {
		writeJSON(w, http.StatusConflict, verdict)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

func (s *Server) handleGetPendingChanges(w http.ResponseWriter, r *http.Request) {
	pending, err := s.gate.PendingChanges(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ApiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleGetVerdicts(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		var err error
		limit, err = strconv.Atoi(q)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, ApiError{Message: "invalid limit", Type: "BAD_REQUEST"})
			return
		}
	}
	verdicts, err := s.gate.Verdicts(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ApiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	writeJSON(w, http.StatusOK, verdicts)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	results, err := s.engine.CheckDueSteps(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ApiError{Message: err.Error(), Type: "ERROR"})
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Add("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("failed to write response: %s", err)
	}
}

func writeError(w http.ResponseWriter, status int, apiErr ApiError) {
	writeJSON(w, status, apiErr)
}
