package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/stackpilot/core/pkg/approval"
	"github.com/stackpilot/core/pkg/audit"
	"github.com/stackpilot/core/pkg/boundary"
	"github.com/stackpilot/core/pkg/cloud"
	"github.com/stackpilot/core/pkg/execution"
	"github.com/stackpilot/core/pkg/intent"
	"github.com/stackpilot/core/pkg/killswitch"
	"github.com/stackpilot/core/pkg/plan"
	"github.com/stackpilot/core/pkg/registry"
)

const maxBodyBytes = 1 << 20 // 1MB

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"chain_position": s.auditLog.Position(),
	})
}

type intentRequest struct {
	Request      string `json:"request"`
	ConnectionID string `json:"connection_id,omitempty"`
}

func (s *Server) handleIntent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.Request == "" {
		WriteBadRequest(w, "Missing required field: request")
		return
	}

	var conn *cloud.Connection
	if req.ConnectionID != "" {
		var ok bool
		conn, ok = s.getConnection(w, r, req.ConnectionID)
		if !ok {
			return
		}
	}
	pi, err := s.parser.Parse(r.Context(), conn, actor(r), req.Request)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"intent": pi})
}

type planRequest struct {
	Intent       json.RawMessage `json:"intent"`
	ConnectionID string          `json:"connection_id"`
	Resources    []string        `json:"resources,omitempty"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req planRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if len(req.Intent) == 0 || req.ConnectionID == "" {
		WriteBadRequest(w, "Missing required fields: intent, connection_id")
		return
	}
	conn, ok := s.getConnection(w, r, req.ConnectionID)
	if !ok {
		return
	}
	var pi intent.ParsedIntent
	if err := json.Unmarshal(req.Intent, &pi); err != nil {
		WriteBadRequest(w, "Invalid intent payload")
		return
	}

	p, err := s.generator.Generate(r.Context(), conn, &pi, req.Resources)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.SavePlan(r.Context(), p); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plan": p})
}

type simulateRequest struct {
	PlanID       string `json:"plan_id"`
	ConnectionID string `json:"connection_id"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.PlanID == "" || req.ConnectionID == "" {
		WriteBadRequest(w, "Missing required fields: plan_id, connection_id")
		return
	}
	conn, ok := s.getConnection(w, r, req.ConnectionID)
	if !ok {
		return
	}
	p, ok := s.getPlan(w, r, req.PlanID)
	if !ok {
		return
	}

	result, err := s.simulator.Simulate(r.Context(), conn, p)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if err := s.store.SaveSimulation(r.Context(), result); err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"simulation": result})
}

type approveRequest struct {
	PlanID       string `json:"plan_id"`
	ConnectionID string `json:"connection_id"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.PlanID == "" || req.ConnectionID == "" {
		WriteBadRequest(w, "Missing required fields: plan_id, connection_id")
		return
	}
	conn, ok := s.getConnection(w, r, req.ConnectionID)
	if !ok {
		return
	}

	rec, err := s.approvals.Approve(r.Context(), conn, req.PlanID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"approval_token": rec.Token,
		"token_id":       rec.TokenID,
		"plan_id":        rec.PlanID,
		"expires_at":     rec.ExpiresAt,
	})
}

type executeRequest struct {
	PlanID        string `json:"plan_id"`
	ConnectionID  string `json:"connection_id"`
	ApprovalToken string `json:"approval_token"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	if req.PlanID == "" || req.ConnectionID == "" || req.ApprovalToken == "" {
		WriteBadRequest(w, "Missing required fields: plan_id, connection_id, approval_token")
		return
	}
	conn, ok := s.getConnection(w, r, req.ConnectionID)
	if !ok {
		return
	}
	p, ok := s.getPlan(w, r, req.PlanID)
	if !ok {
		return
	}

	result, err := s.executor.Execute(r.Context(), conn, p, req.ApprovalToken)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": result})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		ConnectionID: q.Get("connection_id"),
		EventType:    audit.EventType(q.Get("event_type")),
		Limit:        50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			WriteBadRequest(w, "limit must be an integer between 1 and 500")
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "offset must be a non-negative integer")
			return
		}
		f.Offset = n
	}
	for param, dst := range map[string]**time.Time{"start_date": &f.StartDate, "end_date": &f.EndDate} {
		if v := q.Get(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				WriteBadRequest(w, param+" must be RFC 3339")
				return
			}
			*dst = &t
		}
	}

	entries, total, err := s.auditLog.Query(r.Context(), f)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":  entries,
		"total":    total,
		"has_more": f.Offset+len(entries) < total,
	})
}

func (s *Server) handleAuditAnchors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	status, err := s.auditLog.AnchorStatus(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	var start, end uint64
	q := r.URL.Query()
	for param, dst := range map[string]*uint64{"start_position": &start, "end_position": &end} {
		if v := q.Get(param); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				WriteBadRequest(w, param+" must be a positive integer")
				return
			}
			*dst = n
		}
	}

	result, err := s.auditLog.Verify(r.Context(), start, end)
	if err != nil {
		if errors.Is(err, audit.ErrBadRange) {
			WriteBadRequest(w, err.Error())
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"catalog_version": s.boundary.Version(),
		"actions":         s.boundary.Actions(),
	})
}

func (s *Server) handleBoundaries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hard_limits":      s.boundary.HardLimits(),
		"banned_actions":   s.boundary.Banned(),
		"allowed_services": s.boundary.AllowedServices(),
	})
}

type killSwitchRequest struct {
	Scope  string `json:"scope"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason,omitempty"`
	Clear  bool   `json:"clear,omitempty"`
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		activations, readOnly, err := s.kill.State(r.Context())
		if err != nil {
			WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"activations": activations,
			"read_only":   readOnly,
		})
	case http.MethodPost:
		if !s.adminAuthorized(r) {
			WriteUnauthorized(w, "Kill switch mutation requires the admin token")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req killSwitchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteBadRequest(w, "Invalid request body")
			return
		}

		var err error
		switch {
		case req.Scope == "read_only":
			err = s.kill.SetReadOnly(r.Context(), !req.Clear, req.Reason, actor(r))
		case req.Clear:
			err = s.kill.Clear(r.Context(), killswitch.Scope(req.Scope), req.ID)
		default:
			err = s.kill.Activate(r.Context(), killswitch.Scope(req.Scope), req.ID, req.Reason, actor(r))
		}
		if err != nil {
			if errors.Is(err, killswitch.ErrInvalidScope) {
				WriteBadRequest(w, err.Error())
				return
			}
			WriteInternal(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
	default:
		WriteMethodNotAllowed(w)
	}
}

func (s *Server) adminAuthorized(r *http.Request) bool {
	if s.adminToken == "" {
		return false
	}
	return r.Header.Get("Authorization") == "Bearer "+s.adminToken
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "api"
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request, id string) (*cloud.Connection, bool) {
	conn, err := s.connections.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, cloud.ErrConnectionNotFound) {
			WriteNotFound(w, "Unknown connection: "+id)
			return nil, false
		}
		WriteInternal(w, err)
		return nil, false
	}
	return conn, true
}

func (s *Server) getPlan(w http.ResponseWriter, r *http.Request, id string) (*plan.Plan, bool) {
	p, err := s.store.Plan(r.Context(), id)
	if err != nil {
		if errors.Is(err, registry.ErrPlanNotFound) {
			WriteNotFound(w, "Unknown or expired plan: "+id)
			return nil, false
		}
		WriteInternal(w, err)
		return nil, false
	}
	return p, true
}

// writeDomainError maps service errors onto problem responses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrPlanNotFound):
		WriteNotFound(w, err.Error())
	case errors.Is(err, approval.ErrPlanExpired):
		WriteGone(w, err.Error())
	case errors.Is(err, execution.ErrExecutionBusy):
		WriteConflict(w, err.Error())
	case errors.Is(err, approval.ErrSimulationRequired),
		errors.Is(err, approval.ErrSimulationStale),
		errors.Is(err, approval.ErrSimulationFailed):
		WriteConflict(w, err.Error())
	case errors.Is(err, approval.ErrTokenInvalid),
		errors.Is(err, approval.ErrTokenMismatch),
		errors.Is(err, approval.ErrTokenConsumed),
		errors.Is(err, approval.ErrWrongConnection):
		WriteForbidden(w, err.Error())
	case errors.Is(err, killswitch.ErrActive),
		errors.Is(err, killswitch.ErrReadOnlyMode):
		WriteForbidden(w, err.Error())
	case errors.Is(err, boundary.ErrHardLimitExceeded),
		errors.Is(err, boundary.ErrActionBanned):
		WriteForbidden(w, err.Error())
	case errors.Is(err, boundary.ErrInvalidParams),
		errors.Is(err, plan.ErrIntentBlocked),
		errors.Is(err, plan.ErrNoResources):
		WriteBadRequest(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}
