// Package handlers implements the dispatcher's HTTP endpoints on top of the
// request pipeline.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/agentoven/dispatcher/internal/pipeline"
	"github.com/agentoven/dispatcher/internal/store"
	"github.com/agentoven/dispatcher/internal/summarylock"
	"github.com/agentoven/dispatcher/pkg/middleware"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const maxBodyBytes = 1 << 20

// Handlers holds all handler dependencies.
type Handlers struct {
	Pipeline *pipeline.Pipeline
	Store    store.Store
}

// New creates a new Handlers instance.
func New(p *pipeline.Pipeline, s store.Store) *Handlers {
	return &Handlers{Pipeline: p, Store: s}
}

// ══════════════════════════════════════════════════════════════
// ── Project Handlers ─────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.ListProjects(r.Context())
	if err != nil {
		respondErr(w, err)
		return
	}
	if projects == nil {
		projects = []models.Project{}
	}
	respondJSON(w, http.StatusOK, projects)
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.Store.GetProject(r.Context(), middleware.GetProject(r.Context()))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, project)
}

func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProject(r.Context())
	if _, err := h.Store.GetProject(r.Context(), projectID); err != nil {
		respondErr(w, err)
		return
	}
	agents, err := h.Store.ListAgents(r.Context(), projectID)
	if err != nil {
		respondErr(w, err)
		return
	}
	if agents == nil {
		agents = []models.Agent{}
	}
	respondJSON(w, http.StatusOK, agents)
}

func (h *Handlers) ListClassifications(w http.ResponseWriter, r *http.Request) {
	logs, err := h.Store.ListClassificationLogs(r.Context(), middleware.GetProject(r.Context()), queryLimit(r, 50))
	if err != nil {
		respondErr(w, err)
		return
	}
	if logs == nil {
		logs = []models.ClassificationLog{}
	}
	respondJSON(w, http.StatusOK, logs)
}

// ══════════════════════════════════════════════════════════════
// ── Dispatch Handlers ────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

// Classify routes free text to one of the project's agents.
func (h *Handlers) Classify(w http.ResponseWriter, r *http.Request) {
	var req pipeline.ClassifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "text is required")
		return
	}

	res, err := h.Pipeline.Classify(r.Context(), middleware.GetProject(r.Context()), req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// Chat dispatches one request. Execution failures are reported in the body
// with status 200; only admission and lookup errors change the HTTP status.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req models.ExecutionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserMessage) == "" {
		respondError(w, http.StatusBadRequest, "user_message is required")
		return
	}
	if req.Timeout < 0 {
		respondError(w, http.StatusBadRequest, "timeout must not be negative")
		return
	}

	res, err := h.Pipeline.Chat(r.Context(), middleware.GetProject(r.Context()), &req)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// SyncProject pushes the project's agent examples into the semantic index.
func (h *Handlers) SyncProject(w http.ResponseWriter, r *http.Request) {
	projectID := middleware.GetProject(r.Context())
	n, err := h.Pipeline.SyncProject(r.Context(), projectID)
	if err != nil {
		respondErr(w, err)
		return
	}
	log.Info().Str("project", projectID).Int("examples", n).Msg("Semantic index synced")
	respondJSON(w, http.StatusOK, map[string]any{"project": projectID, "indexed": n})
}

func (h *Handlers) GetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.Pipeline.GetExecution(r.Context(), chi.URLParam(r, "executionID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// ══════════════════════════════════════════════════════════════
// ── User Context Handlers ────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func (h *Handlers) GetUserContext(w http.ResponseWriter, r *http.Request) {
	uc, err := h.Pipeline.UserContext(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, uc)
}

func (h *Handlers) ListUserRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Store.ListUserRules(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	if rules == nil {
		rules = []models.UserRule{}
	}
	respondJSON(w, http.StatusOK, rules)
}

func (h *Handlers) AddUserRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rule string `json:"rule"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	rule := strings.TrimSpace(req.Rule)
	if rule == "" {
		respondError(w, http.StatusBadRequest, "rule is required")
		return
	}

	added, err := h.Store.AddUserRule(r.Context(), chi.URLParam(r, "userID"), rule)
	if err != nil {
		respondErr(w, err)
		return
	}
	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	respondJSON(w, status, map[string]bool{"added": added})
}

func (h *Handlers) DeleteUserRule(w http.ResponseWriter, r *http.Request) {
	rule := r.URL.Query().Get("rule")
	if rule == "" {
		respondError(w, http.StatusBadRequest, "rule query parameter is required")
		return
	}
	deleted, err := h.Store.DeleteUserRule(r.Context(), chi.URLParam(r, "userID"), rule)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// Summarize runs a summarization job synchronously.
func (h *Handlers) Summarize(w http.ResponseWriter, r *http.Request) {
	sum, err := h.Pipeline.Summarize(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (h *Handlers) AcquireSummaryLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HolderID string `json:"holder_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	ok, err := h.Pipeline.AcquireSummaryLock(r.Context(), chi.URLParam(r, "userID"), req.HolderID)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"acquired": ok})
}

func (h *Handlers) ReleaseSummaryLock(w http.ResponseWriter, r *http.Request) {
	ok, err := h.Pipeline.ReleaseSummaryLock(r.Context(), chi.URLParam(r, "userID"), r.URL.Query().Get("holder_id"))
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"released": ok})
}

// ══════════════════════════════════════════════════════════════
// ── Helpers ──────────────────────────────────────────────────
// ══════════════════════════════════════════════════════════════

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

func queryLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// respondErr maps pipeline and storage errors to HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrRateLimited):
		respondError(w, http.StatusTooManyRequests, err.Error())
	case store.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrLockContention):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, pipeline.ErrEmptyText),
		errors.Is(err, pipeline.ErrSemanticDisabled),
		errors.Is(err, summarylock.ErrInvalidArgument):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("Request failed")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
