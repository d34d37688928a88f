// Package server exposes the engine over a JSON HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"autosmith/internal/apply"
	"autosmith/internal/combine"
	"autosmith/internal/diff"
	"autosmith/internal/fault"
	"autosmith/internal/hass"
	"autosmith/internal/kb"
	"autosmith/internal/logging"
	"autosmith/internal/session"
	"autosmith/internal/snapshot"
	"autosmith/internal/ux"
)

// Config wires the server's collaborators.
type Config struct {
	Store     *hass.Client
	Snapshots *snapshot.Store
	KB        *kb.Manager
	Syncer    *kb.Syncer
	Sessions  *session.Orchestrator
	Applier   *apply.Applier
	Combiner  *combine.Coordinator
}

// Server serves the HTTP API.
type Server struct {
	store    *hass.Client
	snaps    *snapshot.Store
	kb       *kb.Manager
	syncer   *kb.Syncer
	sessions *session.Orchestrator
	applier  *apply.Applier
	combiner *combine.Coordinator
	guard    *ux.QueryGuard
	mux      *http.ServeMux
}

func New(cfg Config) *Server {
	s := &Server{
		store:    cfg.Store,
		snaps:    cfg.Snapshots,
		kb:       cfg.KB,
		syncer:   cfg.Syncer,
		sessions: cfg.Sessions,
		applier:  cfg.Applier,
		combiner: cfg.Combiner,
		guard:    &ux.QueryGuard{},
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/entities", s.handleListEntities)
	s.mux.HandleFunc("GET /api/entities/{entity}", s.handleGetEntity)
	s.mux.HandleFunc("POST /api/entities/{entity}/state", s.handleSetState)

	s.mux.HandleFunc("GET /api/entities/{entity}/versions", s.handleListVersions)
	s.mux.HandleFunc("POST /api/entities/{entity}/versions", s.handleCreateVersion)
	s.mux.HandleFunc("GET /api/entities/{entity}/versions/{version}", s.handleFetchVersion)
	s.mux.HandleFunc("PATCH /api/entities/{entity}/versions/{version}/description", s.handleDescribeVersion)
	s.mux.HandleFunc("POST /api/entities/{entity}/versions/{version}/restore", s.handleRestoreVersion)

	s.mux.HandleFunc("POST /api/diff", s.handleDiff)

	s.mux.HandleFunc("GET /api/entities/{entity}/session", s.handleSessionInfo)
	s.mux.HandleFunc("GET /api/entities/{entity}/usage", s.handleUsage)
	s.mux.HandleFunc("GET /api/entities/{entity}/history", s.handleHistory)
	s.mux.HandleFunc("POST /api/entities/{entity}/plan", s.handlePlan)
	s.mux.HandleFunc("POST /api/entities/{entity}/finalize", s.handleFinalize)
	s.mux.HandleFunc("POST /api/entities/{entity}/reset", s.handleReset)
	s.mux.HandleFunc("POST /api/entities/{entity}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /api/abort", s.handleAbortAll)

	s.mux.HandleFunc("POST /api/entities/{entity}/apply", s.handleApply)
	s.mux.HandleFunc("POST /api/entities/{entity}/revert", s.handleRevert)
	s.mux.HandleFunc("POST /api/combine", s.handleCombine)

	s.mux.HandleFunc("GET /api/kb", s.handleKB)
	s.mux.HandleFunc("POST /api/kb/refresh", s.handleKBRefresh)
	s.mux.HandleFunc("POST /api/kb/check", s.handleKBCheck)
	s.mux.HandleFunc("POST /api/kb/learn/preview", s.handleLearnPreview)
	s.mux.HandleFunc("POST /api/kb/learn", s.handleLearnCommit)
}

// Handler returns the route table for serving or testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe blocks until ctx is done, then shuts the server down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.mux}
	errCh := make(chan error, 1)
	go func() {
		logging.Boot("API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.sessions.AbortAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.APIDebug("response encode failed: %v", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var agentErr *fault.AgentError
	switch {
	case errors.Is(err, fault.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, fault.ErrParse):
		status = http.StatusBadRequest
	case errors.Is(err, fault.ErrStoreUnavailable):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	case errors.As(err, &agentErr):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Parsef("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":        true,
		"store_set": s.store.Configured(),
	})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	seq := s.guard.Begin()
	entities, err := s.store.List(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	// A newer list query was issued while this one was in flight; the
	// caller must not overwrite fresher results with these.
	if !s.guard.Accept(seq) {
		writeJSON(w, http.StatusConflict, errorBody{Error: "stale query result discarded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entities": entities, "seq": seq})
}

func (s *Server) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity")
	doc, state, err := s.store.Get(r.Context(), entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := s.snaps.EnsureSeed(entityID, doc); err != nil {
		writeError(w, err)
		return
	}
	draft, hasDraft := s.sessions.Draft(entityID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entity_id": entityID,
		"document":  doc,
		"state":     state,
		"draft":     draft,
		"has_draft": hasDraft,
	})
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.State != "on" && req.State != "off" {
		writeError(w, fault.Parsef("state must be on or off, got %q", req.State))
		return
	}
	if err := s.store.SetState(r.Context(), r.PathValue("entity"), req.State); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity")
	if _, err := s.applier.Bootstrap(r.Context(), entityID); err != nil && !errors.Is(err, fault.ErrNotFound) {
		writeError(w, err)
		return
	}
	versions, err := s.snaps.ListVersions(entityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}

func (s *Server) handleCreateVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Document string `json:"document"`
		Note     string `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Document) == "" {
		writeError(w, fault.Parsef("missing document"))
		return
	}
	v, err := s.snaps.CreateVersion(r.PathValue("entity"), req.Document, snapshot.ReasonManual, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) handleFetchVersion(w http.ResponseWriter, r *http.Request) {
	doc, err := s.snaps.FetchDocument(r.PathValue("entity"), r.PathValue("version"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"document": doc})
}

func (s *Server) handleDescribeVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	desc, err := s.snaps.UpdateDescription(r.PathValue("entity"), r.PathValue("version"), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"description": desc})
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Base string `json:"base"`
		Next string `json:"next"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	stats := diff.ComputeLineStats(req.Base, req.Next)
	semantic, ok := diff.Semantic(req.Base, req.Next)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":        stats,
		"line_summary": diff.FormatLineSummary(stats),
		"semantic":     semantic,
		"semantic_ok":  ok,
		"summary":      diff.ChangeSummary(req.Base, req.Next),
		"major":        diff.IsMajor(stats),
	})
}

func (s *Server) handleSessionInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Info(r.PathValue("entity")))
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sessions.Usage(r.PathValue("entity")))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	turns, err := s.snaps.History(r.PathValue("entity"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": turns})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.sessions.Plan(r.Context(), r.PathValue("entity"), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	res, err := s.sessions.Finalize(r.Context(), r.PathValue("entity"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Reset(r.PathValue("entity")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	n := s.sessions.Cancel(r.PathValue("entity"))
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handleAbortAll(w http.ResponseWriter, r *http.Request) {
	n := s.sessions.AbortAll()
	writeJSON(w, http.StatusOK, map[string]int{"aborted": n})
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	entityID := r.PathValue("entity")
	var req struct {
		Document string `json:"document"`
		Note     string `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	doc := req.Document
	if strings.TrimSpace(doc) == "" {
		draft, ok := s.sessions.Draft(entityID)
		if !ok {
			writeError(w, fault.Parsef("no document given and no draft for %s", entityID))
			return
		}
		doc = draft
	}
	res, err := s.applier.Apply(r.Context(), entityID, doc, req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	s.sessions.MarkApplied(entityID)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	res, err := s.applier.Restore(r.Context(), r.PathValue("entity"), r.PathValue("version"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRevert(w http.ResponseWriter, r *http.Request) {
	res, err := s.applier.Revert(r.Context(), r.PathValue("entity"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCombine(w http.ResponseWriter, r *http.Request) {
	var req combine.Request
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.combiner.Combine(r.Context(), req)
	if err != nil {
		if strings.Contains(err.Error(), "at least two") {
			writeJSON(w, http.StatusPreconditionFailed, errorBody{Error: err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleKB(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.kb.Snapshot())
}

func (s *Server) handleKBRefresh(w http.ResponseWriter, r *http.Request) {
	inventory, err := s.kb.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inventory)
}

func (s *Server) handleKBCheck(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Document string `json:"document"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	report, checked := s.kb.CheckDocument(req.Document)
	writeJSON(w, http.StatusOK, map[string]interface{}{"report": report, "checked": checked})
}

func (s *Server) handleLearnPreview(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note     string `json:"note"`
		Document string `json:"document"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"preview":        s.kb.LearnPreview(req.Note),
		"intent_summary": "",
		"questions":      []string{},
	}
	if s.syncer != nil {
		ann := s.syncer.Review(r.Context(), req.Note, req.Document, s.kb.Slim())
		resp["intent_summary"] = ann.IntentSummary
		if ann.Questions != nil {
			resp["questions"] = ann.Questions
		}
		if ann.Confidence > 0 {
			resp["confidence"] = ann.Confidence
		}
		resp["agent_status"] = ann.AgentStatus
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLearnCommit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Note string `json:"note"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	committed, err := s.kb.LearnCommit(req.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, committed)
}
