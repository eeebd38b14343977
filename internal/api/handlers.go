package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/devpeace/devpeace/internal/branch"
	"github.com/devpeace/devpeace/internal/jira"
	"github.com/devpeace/devpeace/internal/models"
)

// version is set via -ldflags at build time
var version = "dev"

// SetVersion sets the version string (called from main).
func SetVersion(v string) {
	version = v
}

// Response types

// HealthResponse is the response for /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// VersionResponse is the response for /version.
type VersionResponse struct {
	Version string `json:"version"`
	Service string `json:"service"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// RepoResponse represents a repository in API responses.
type RepoResponse struct {
	ID           int64            `json:"id"`
	Path         string           `json:"path"`
	Name         string           `json:"name"`
	Enabled      bool             `json:"enabled"`
	Watching     bool             `json:"watching"`
	LastActivity string           `json:"last_activity,omitempty"`
	Session      *SessionResponse `json:"session,omitempty"`
}

// SessionResponse represents an open session.
type SessionResponse struct {
	Branch       string `json:"branch"`
	IssueKey     string `json:"issue_key,omitempty"`
	StartedAt    string `json:"started_at"`
	LastActivity string `json:"last_activity"`
	Duration     string `json:"duration"`
	Commits      int    `json:"commits"`
}

// StatusResponse is the response for /status.
type StatusResponse struct {
	Watching       bool              `json:"watching"`
	Repos          int               `json:"repos"`
	OpenSessions   []SessionResponse `json:"open_sessions"`
	Pending        int               `json:"pending"`
	Submitted      int               `json:"submitted"`
	Failed         int               `json:"failed"`
	NeedsReview    int               `json:"needs_review"`
	Orphans        int               `json:"orphans"`
	Inflight       int               `json:"inflight"`
	AuthBlocked    bool              `json:"auth_blocked"`
	JiraConfigured bool              `json:"jira_configured"`
}

// WorklogResponse represents a worklog entry.
type WorklogResponse struct {
	ID          string `json:"id"`
	IssueKey    string `json:"issue_key"`
	Repo        string `json:"repo"`
	TimeSpent   string `json:"time_spent"`
	Comment     string `json:"comment"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	NextAttempt string `json:"next_attempt,omitempty"`
	RemoteID    string `json:"remote_id,omitempty"`
	StartedAt   string `json:"started_at"`
	ClosedAt    string `json:"closed_at"`
}

// OrphanResponse represents an unresolved orphan record.
type OrphanResponse struct {
	ID        string `json:"id"`
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	TimeSpent string `json:"time_spent"`
	Comment   string `json:"comment"`
	StartedAt string `json:"started_at"`
	ClosedAt  string `json:"closed_at"`
}

// AddRepoRequest is the request body for registering a repository.
type AddRepoRequest struct {
	Path string `json:"path"`
}

// AssociateRequest is the request body for associating an orphan.
type AssociateRequest struct {
	IssueKey string `json:"issue_key"`
}

// JiraConfigRequest is the request body for updating tracker credentials.
type JiraConfigRequest struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	APIToken string `json:"api_token"`
}

// SuggestResponse is the response for /branches/suggest.
type SuggestResponse struct {
	Branch string `json:"branch"`
}

// Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version: version,
		Service: "devpeace",
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.GetStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := StatusResponse{
		Watching:       st.Watching,
		Repos:          st.Repos,
		OpenSessions:   make([]SessionResponse, 0, len(st.OpenSessions)),
		Pending:        st.Counts.Pending,
		Submitted:      st.Counts.Submitted,
		Failed:         st.Counts.Failed,
		NeedsReview:    st.Counts.NeedsReview,
		Orphans:        st.Counts.Orphans,
		Inflight:       st.Inflight,
		AuthBlocked:    st.AuthBlocked,
		JiraConfigured: st.JiraConfigured,
	}
	for _, sess := range st.OpenSessions {
		resp.OpenSessions = append(resp.OpenSessions, sessionResponse(sess))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.orch.ListRepos()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]RepoResponse, 0, len(repos))
	for _, rv := range repos {
		rr := RepoResponse{
			ID:       rv.ID,
			Path:     rv.Path,
			Name:     rv.Name,
			Enabled:  rv.Enabled,
			Watching: rv.Watching,
		}
		if rv.LastActivity != nil {
			rr.LastActivity = rv.LastActivity.Format(time.RFC3339)
		}
		if rv.Session != nil {
			sr := sessionResponse(rv.Session)
			rr.Session = &sr
		}
		resp = append(resp, rr)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddRepo(w http.ResponseWriter, r *http.Request) {
	var req AddRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "Path is required")
		return
	}

	repo, err := s.orch.AddRepo(req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, RepoResponse{
		ID:      repo.ID,
		Path:    repo.Path,
		Name:    repo.Name,
		Enabled: repo.Enabled,
	})
}

func (s *Server) handleRemoveRepo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid repository id")
		return
	}

	if err := s.orch.RemoveRepo(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListOrphans(w http.ResponseWriter, r *http.Request) {
	orphans, err := s.orch.Orphans()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]OrphanResponse, 0, len(orphans))
	for _, o := range orphans {
		resp = append(resp, OrphanResponse{
			ID:        o.ID,
			Repo:      o.RepoName,
			Branch:    o.Branch,
			TimeSpent: jira.FormatTimeSpent(o.Duration),
			Comment:   o.Comment,
			StartedAt: o.StartedAt.Format(time.RFC3339),
			ClosedAt:  o.ClosedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssociateOrphan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req AssociateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.IssueKey == "" {
		writeError(w, http.StatusBadRequest, "Issue key is required")
		return
	}

	entry, err := s.orch.AssociateOrphan(id, req.IssueKey)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, worklogResponse(entry))
}

func (s *Server) handleListWorklogs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status == "" {
		status = models.StatusPending
	}

	entries, err := s.orch.Worklogs(status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := make([]WorklogResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, worklogResponse(e))
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetryWorklog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.orch.RetryWorklog(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStartWatch(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.StartWatch(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"watching": true})
}

func (s *Server) handleStopWatch(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.StopWatch(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"watching": false})
}

func (s *Server) handleConfigureJira(w http.ResponseWriter, r *http.Request) {
	var req JiraConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.URL == "" || req.Username == "" || req.APIToken == "" {
		writeError(w, http.StatusBadRequest, "URL, username and API token are required")
		return
	}

	if err := s.orch.ConfigureJira(req.URL, req.Username, req.APIToken); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "configured"})
}

func (s *Server) handleSuggestBranch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key, ok := branch.Normalize(q.Get("issue_key"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid issue key")
		return
	}

	suggested := branch.Suggest(key, q.Get("type"), q.Get("description"))
	writeJSON(w, http.StatusOK, SuggestResponse{Branch: suggested})
}

func sessionResponse(s *models.Session) SessionResponse {
	return SessionResponse{
		Branch:       s.Branch,
		IssueKey:     s.IssueKey,
		StartedAt:    s.StartedAt.Format(time.RFC3339),
		LastActivity: s.LastActivity.Format(time.RFC3339),
		Duration:     jira.FormatTimeSpent(s.Duration()),
		Commits:      len(s.Commits),
	}
}

func worklogResponse(e *models.WorklogEntry) WorklogResponse {
	wr := WorklogResponse{
		ID:        e.ID,
		IssueKey:  e.IssueKey,
		Repo:      e.RepoName,
		TimeSpent: jira.FormatTimeSpent(e.Duration),
		Comment:   e.Comment,
		Status:    e.Status,
		Attempts:  e.Attempts,
		RemoteID:  e.RemoteID,
		StartedAt: e.StartedAt.Format(time.RFC3339),
		ClosedAt:  e.ClosedAt.Format(time.RFC3339),
	}
	if !e.NextAttempt.IsZero() {
		wr.NextAttempt = e.NextAttempt.Format(time.RFC3339)
	}
	return wr
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
