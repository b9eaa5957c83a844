// ABOUTME: HTTP JSON API over the coordination service
// ABOUTME: Runs, coordinations, locks, writes, conflicts, shared context and agents

package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/coven-coordinator/internal/auth"
	"github.com/2389/coven-coordinator/internal/conflict"
	"github.com/2389/coven-coordinator/internal/coordinator"
	"github.com/2389/coven-coordinator/internal/registry"
	"github.com/2389/coven-coordinator/internal/sharedctx"
	"github.com/2389/coven-coordinator/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxBodyBytes     = 4 << 20

	idempotencyHeader = "Idempotency-Key"
)

// FanOutRequest is the JSON body for POST /api/coordinations.
type FanOutRequest struct {
	ParentSessionID string           `json:"parent_session_id"`
	SourceAgentID   string           `json:"source_agent_id,omitempty"`
	Tasks           []store.TaskSpec `json:"tasks"`
	TimeoutMs       int64            `json:"timeout_ms,omitempty"`
	// Wait blocks the request until fan-in completes.
	Wait bool `json:"wait,omitempty"`
}

// LockRequest is the JSON body for POST /api/locks.
type LockRequest struct {
	FilePath string `json:"file_path"`
	LockedBy string `json:"locked_by"`
	TTLMs    int64  `json:"ttl_ms,omitempty"`
	Purpose  string `json:"purpose,omitempty"`
}

// RecordWriteResponse is the JSON response for POST /api/writes.
type RecordWriteResponse struct {
	Write    *conflict.FileWrite `json:"write"`
	Conflict *conflict.Conflict  `json:"conflict,omitempty"`
}

// ResolveRequest is the JSON body for POST /api/conflicts/{id}/resolve.
type ResolveRequest struct {
	Strategy      conflict.Strategy `json:"strategy"`
	ManualContent string            `json:"manual_content,omitempty"`
}

// ContextWriteRequest is the JSON body for PUT /api/context/{ns}/{key}.
type ContextWriteRequest struct {
	Value     any            `json:"value"`
	WrittenBy string         `json:"written_by"`
	TTLMs     int64          `json:"ttl_ms,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// AgentResponse is one entry of GET /api/agents.
type AgentResponse struct {
	ID           string   `json:"id"`
	Enabled      bool     `json:"enabled"`
	Model        string   `json:"model,omitempty"`
	Capabilities []string `json:"capabilities"`
}

// registerAPIRoutes registers API routes on the mux with or without auth middleware.
func (s *Server) registerAPIRoutes(mux *http.ServeMux, verifier auth.TokenVerifier) {
	handle := func(pattern string, h http.HandlerFunc) {
		if verifier != nil {
			mux.Handle(pattern, auth.HTTPAuthMiddleware(verifier)(h))
			return
		}
		mux.Handle(pattern, h)
	}

	handle("GET /api/agents", s.handleListAgents)

	handle("GET /api/runs", s.handleListRuns)
	handle("GET /api/runs/active", s.handleActiveRuns)
	handle("GET /api/runs/{id}", s.handleGetRun)
	handle("POST /api/runs/{id}/stop", s.handleRunAction)
	handle("POST /api/runs/{id}/pause", s.handleRunAction)
	handle("POST /api/runs/{id}/resume", s.handleRunAction)

	handle("POST /api/coordinations", s.handleFanOut)
	handle("GET /api/coordinations", s.handleListCoordinations)
	handle("GET /api/coordinations/{id}", s.handleGetCoordination)
	handle("POST /api/coordinations/{id}/wait", s.handleFanIn)
	handle("POST /api/coordinations/{id}/stop", s.handleStopCoordination)
	handle("GET /api/coordinations/{id}/report", s.handleReport)

	handle("GET /api/locks", s.handleListLocks)
	handle("POST /api/locks", s.handleAcquireLock)
	handle("DELETE /api/locks", s.handleReleaseLock)

	handle("GET /api/writes", s.handleWriteHistory)
	handle("POST /api/writes", s.handleRecordWrite)

	handle("GET /api/conflicts", s.handleListConflicts)
	handle("GET /api/conflicts/{id}", s.handleGetConflict)
	handle("POST /api/conflicts/{id}/resolve", s.handleResolveConflict)
	handle("POST /api/conflicts/{id}/flag", s.handleFlagConflict)

	handle("GET /api/context", s.handleListNamespaces)
	handle("GET /api/context/{ns}", s.handleReadNamespace)
	handle("DELETE /api/context/{ns}", s.handleClearNamespace)
	handle("GET /api/context/{ns}/{key}", s.handleReadContext)
	handle("PUT /api/context/{ns}/{key}", s.handleWriteContext)
	handle("DELETE /api/context/{ns}/{key}", s.handleDeleteContext)

	handle("GET /api/events", s.handleEventsSSE)
	handle("GET /api/events/ws", s.handleEventsWebSocket)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.svc.Policy.Agents()
	resp := make([]AgentResponse, len(agents))
	for i, a := range agents {
		caps := a.Capabilities
		if caps == nil {
			caps = []string{}
		}
		resp[i] = AgentResponse{ID: a.ID, Enabled: a.Enabled, Model: a.Model, Capabilities: caps}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": resp})
}

// handleListRuns handles GET /api/runs?status=a,b&parent=X&limit=N from storage.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}
	filter := store.RunFilter{
		Limit:           limit,
		ParentSessionID: r.URL.Query().Get("parent"),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := store.RunStatus(strings.TrimSpace(part))
			if !status.Valid() {
				s.sendJSONError(w, http.StatusBadRequest, "unknown status: "+string(status))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	runs, err := s.svc.Registry.GetAllRuns(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list runs", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if runs == nil {
		runs = []*store.SubagentRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleActiveRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.svc.Registry.GetActiveRuns(r.URL.Query().Get("parent"))
	if runs == nil {
		runs = []*store.SubagentRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.Registry.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleRunAction handles POST /api/runs/{id}/{stop|pause|resume}. A refused
// transition answers 409 with the run's current state.
func (s *Server) handleRunAction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := r.PathValue("id")

	var ok bool
	switch action := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]; action {
	case "stop":
		ok = s.svc.Registry.StopRun(ctx, runID)
	case "pause":
		ok = s.svc.Registry.PauseRun(ctx, runID)
	case "resume":
		ok = s.svc.Registry.ResumeRun(ctx, runID)
	default:
		s.sendJSONError(w, http.StatusNotFound, "unknown action")
		return
	}

	run, err := s.svc.Registry.GetRun(ctx, runID)
	if err != nil {
		s.sendError(w, err)
		return
	}
	status := http.StatusOK
	if !ok {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"changed": ok, "run": run})
}

func (s *Server) handleFanOut(w http.ResponseWriter, r *http.Request) {
	var req FanOutRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.SourceAgentID == "" {
		if claims := auth.FromContext(r.Context()); claims != nil {
			req.SourceAgentID = claims.AgentID
		}
	}
	if req.SourceAgentID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "source_agent_id is required")
		return
	}
	for i, t := range req.Tasks {
		if t.AgentID == "" || strings.TrimSpace(t.Task) == "" {
			s.sendJSONError(w, http.StatusBadRequest, "tasks["+strconv.Itoa(i)+"] needs agent_id and task")
			return
		}
	}

	ctx := r.Context()
	var batch *store.CoordinatedTask

	// A retried request with the same Idempotency-Key gets the batch the
	// first attempt created instead of spawning the tasks again.
	key := r.Header.Get(idempotencyHeader)
	if key != "" {
		key = req.SourceAgentID + "\x00" + key
		if claims := auth.FromContext(ctx); claims != nil {
			key = claims.Subject + "\x00" + key
		}
		coordinationID, reserved := s.svc.FanOutKeys.Reserve(key)
		if !reserved {
			if coordinationID == "" {
				s.sendJSONError(w, http.StatusConflict, "a request with this "+idempotencyHeader+" is still in progress")
				return
			}
			existing, err := s.svc.Coordinator.GetCoordinatedTask(ctx, coordinationID)
			if err != nil {
				s.sendError(w, err)
				return
			}
			w.Header().Set("Idempotent-Replayed", "true")
			batch = existing
		}
	}

	if batch == nil {
		timeout := time.Duration(req.TimeoutMs) * time.Millisecond
		created, err := s.svc.Coordinator.FanOut(ctx, req.ParentSessionID, req.SourceAgentID, req.Tasks, timeout)
		if err != nil {
			if key != "" {
				s.svc.FanOutKeys.Release(key)
			}
			s.sendError(w, err)
			return
		}
		if key != "" {
			s.svc.FanOutKeys.Complete(key, created.CoordinationID)
		}
		batch = created
	}

	if req.Wait {
		var err error
		batch, err = s.svc.Coordinator.FanIn(ctx, batch.CoordinationID)
		if err != nil {
			s.sendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, batch)
		return
	}
	writeJSON(w, http.StatusAccepted, batch)
}

func (s *Server) handleListCoordinations(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}
	list := s.svc.Coordinator.ListCoordinatedTasks(r.Context(), limit)
	writeJSON(w, http.StatusOK, map[string]any{"coordinations": list})
}

func (s *Server) handleGetCoordination(w http.ResponseWriter, r *http.Request) {
	batch, err := s.svc.Coordinator.GetCoordinatedTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleFanIn(w http.ResponseWriter, r *http.Request) {
	batch, err := s.svc.Coordinator.FanIn(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleStopCoordination(w http.ResponseWriter, r *http.Request) {
	batch, err := s.svc.Coordinator.StopCoordinatedTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// handleReport serves the aggregated report as HTML, or markdown with ?format=md.
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	batch, err := s.svc.Coordinator.GetCoordinatedTask(r.Context(), r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	if batch.CompletedAt == nil {
		s.sendJSONError(w, http.StatusConflict, "coordination has not been fanned in")
		return
	}

	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		_, _ = io.WriteString(w, batch.AggregatedResult)
		return
	}

	html, err := coordinator.RenderReportHTML(batch.AggregatedResult)
	if err != nil {
		s.logger.Error("failed to render report", "coordination_id", batch.CoordinationID, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = io.WriteString(w, html)
}

func (s *Server) handleListLocks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"locks": s.svc.Conflicts.ListLocks()})
}

// handleAcquireLock answers 200 when acquired and 409 with the holder otherwise.
func (s *Server) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req LockRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.FilePath == "" || req.LockedBy == "" {
		s.sendJSONError(w, http.StatusBadRequest, "file_path and locked_by are required")
		return
	}

	res := s.svc.Conflicts.AcquireLock(req.FilePath, req.LockedBy, time.Duration(req.TTLMs)*time.Millisecond, req.Purpose)
	status := http.StatusOK
	if !res.Acquired {
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

// handleReleaseLock handles DELETE /api/locks?path=P&by=A.
func (s *Server) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	path, by := r.URL.Query().Get("path"), r.URL.Query().Get("by")
	if path == "" || by == "" {
		s.sendJSONError(w, http.StatusBadRequest, "path and by are required")
		return
	}
	released := s.svc.Conflicts.ReleaseLock(path, by)
	writeJSON(w, http.StatusOK, map[string]bool{"released": released})
}

func (s *Server) handleWriteHistory(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		s.sendJSONError(w, http.StatusBadRequest, "path is required")
		return
	}
	writes := s.svc.Conflicts.WriteHistory(path)
	if writes == nil {
		writes = []conflict.FileWrite{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"writes": writes})
}

func (s *Server) handleRecordWrite(w http.ResponseWriter, r *http.Request) {
	var req conflict.WriteRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.FilePath == "" || req.AgentID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "file_path and agent_id are required")
		return
	}
	write, c := s.svc.Conflicts.RecordWrite(req)
	writeJSON(w, http.StatusOK, RecordWriteResponse{Write: write, Conflict: c})
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	list := s.svc.Conflicts.ListConflicts(conflict.Status(r.URL.Query().Get("status")))
	if list == nil {
		list = []*conflict.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": list})
}

func (s *Server) handleGetConflict(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.Conflicts.GetConflict(r.PathValue("id"))
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	c, err := s.svc.Conflicts.ResolveConflict(r.PathValue("id"), req.Strategy, req.ManualContent)
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleFlagConflict(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	c, err := s.svc.Conflicts.FlagConflictForReview(r.PathValue("id"), req.Reason)
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListNamespaces(w http.ResponseWriter, r *http.Request) {
	namespaces := s.svc.Context.ListNamespaces()
	if namespaces == nil {
		namespaces = []sharedctx.Namespace{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"namespaces": namespaces})
}

func (s *Server) handleReadNamespace(w http.ResponseWriter, r *http.Request) {
	entries := s.svc.Context.ReadNamespace(r.Context(), r.PathValue("ns"))
	if entries == nil {
		entries = []*store.ContextEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleClearNamespace(w http.ResponseWriter, r *http.Request) {
	n := s.svc.Context.ClearNamespace(r.Context(), r.PathValue("ns"))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleReadContext(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.svc.Context.Read(r.Context(), r.PathValue("ns"), r.PathValue("key"))
	if !ok {
		s.sendJSONError(w, http.StatusNotFound, "context entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleWriteContext(w http.ResponseWriter, r *http.Request) {
	var req ContextWriteRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.WrittenBy == "" {
		if claims := auth.FromContext(r.Context()); claims != nil {
			req.WrittenBy = claims.Subject
		}
	}

	entry, err := s.svc.Context.Write(r.Context(), sharedctx.WriteRequest{
		Namespace: r.PathValue("ns"),
		Key:       r.PathValue("key"),
		Value:     req.Value,
		WrittenBy: req.WrittenBy,
		TTL:       time.Duration(req.TTLMs) * time.Millisecond,
		Metadata:  req.Metadata,
	})
	if err != nil {
		s.sendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleDeleteContext(w http.ResponseWriter, r *http.Request) {
	deleted := s.svc.Context.DeleteKey(r.Context(), r.PathValue("ns"), r.PathValue("key"))
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// parseLimit reads ?limit=N (default 50, max 1000). It writes the error
// response itself and reports false on bad input.
func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit := defaultListLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			s.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return 0, false
		}
		limit = min(parsed, maxListLimit)
	}
	return limit, true
}

func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// sendError maps a core error to its HTTP status.
func (s *Server) sendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, registry.ErrRunNotFound),
		errors.Is(err, coordinator.ErrCoordinationNotFound),
		errors.Is(err, conflict.ErrConflictNotFound):
		status = http.StatusNotFound
	case errors.Is(err, coordinator.ErrSpawnNotAllowed):
		status = http.StatusForbidden
	case errors.Is(err, coordinator.ErrAgentUnavailable),
		errors.Is(err, conflict.ErrConflictAlreadyResolved):
		status = http.StatusConflict
	case errors.Is(err, coordinator.ErrNoTasks),
		errors.Is(err, conflict.ErrManualContentRequired),
		errors.Is(err, conflict.ErrUnknownStrategy),
		errors.Is(err, sharedctx.ErrInvalidKey):
		status = http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusRequestTimeout
	}

	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, status, "internal server error")
		return
	}
	s.sendJSONError(w, status, err.Error())
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
