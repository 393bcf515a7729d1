package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/brainops/engbrain/materialize"
	"github.com/brainops/engbrain/oracle"
	"github.com/brainops/engbrain/store"
)

type analyzeRequest struct {
	SessionID   string `json:"sessionId" validate:"required"`
	Owner       string `json:"owner" validate:"required"`
	Repo        string `json:"repo" validate:"required"`
	Branch      string `json:"branch"`
	CraftMcpURL string `json:"craftMcpUrl" validate:"required,url"`
}

type craftDocument struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type analysisSummary struct {
	RepoName   string   `json:"repoName"`
	Confidence int      `json:"confidence"`
	TechStack  []string `json:"techStack"`
}

type analyzeResponse struct {
	Success        bool                   `json:"success"`
	AlreadyExists  bool                   `json:"alreadyExists,omitempty"`
	CraftDocument  craftDocument          `json:"craftDocument"`
	Analysis       *analysisSummary       `json:"analysis,omitempty"`
	ConnectionInfo store.ConnectionRecord `json:"connectionInfo"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", validationMessage(err))
		return
	}
	user, credential, ok := s.authenticate(w, r, req.SessionID)
	if !ok {
		return
	}

	res, err := s.args.Materializer.Analyze(r.Context(), materialize.Request{
		Owner:             req.Owner,
		Name:              req.Repo,
		Branch:            req.Branch,
		Credential:        credential,
		WorkspaceEndpoint: req.CraftMcpURL,
		OwnerUser: store.OwnerUser{
			ID:          user.ID,
			Login:       user.Login,
			DisplayName: user.DisplayName,
			Email:       user.Email,
		},
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "analysis_failed", err.Error())
		return
	}

	var body = analyzeResponse{
		Success:        true,
		AlreadyExists:  res.AlreadyExists,
		CraftDocument:  craftDocument{ID: res.DocumentID, Title: res.DocumentTitle},
		ConnectionInfo: res.Record.Redacted(),
	}
	if res.Analysis != nil {
		body.Analysis = &analysisSummary{
			RepoName:   res.Record.RepoKey,
			Confidence: int(math.Round(res.Analysis.Confidence * 100)),
			TechStack:  flattenStack(res.Analysis.TechnicalStack),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func flattenStack(ts oracle.TechnicalStack) []string {
	var out = make([]string, 0, len(ts.Backend)+len(ts.Frontend)+len(ts.Database)+len(ts.Infrastructure)+len(ts.Tooling))
	for _, group := range [][]string{ts.Backend, ts.Frontend, ts.Database, ts.Infrastructure, ts.Tooling} {
		out = append(out, group...)
	}
	return out
}

type manualSyncRequest struct {
	SessionID   string `json:"sessionId" validate:"required"`
	Owner       string `json:"owner" validate:"required"`
	Repo        string `json:"repo" validate:"required"`
	CraftMcpURL string `json:"craftMcpUrl" validate:"required,url"`
	Branch      string `json:"branch"`
}

type manualSyncResponse struct {
	PRCount     int      `json:"prCount"`
	CommitCount int      `json:"commitCount"`
	PRs         []int    `json:"prs"`
	Commits     []string `json:"commits"`
}

func (s *Server) handleManualSync(w http.ResponseWriter, r *http.Request) {
	var req manualSyncRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", validationMessage(err))
		return
	}
	user, _, ok := s.authenticate(w, r, req.SessionID)
	if !ok {
		return
	}

	var repoKey = store.Key(req.Owner, req.Repo)
	rec, found := s.args.Store.Get(repoKey)
	if !found {
		writeError(w, http.StatusNotFound, "not_connected", "repository is not connected")
		return
	}
	if rec.OwnerUser.ID != user.ID {
		writeError(w, http.StatusForbidden, "forbidden", "connection belongs to another user")
		return
	}

	res, err := s.args.Engine.TriggerOne(r.Context(), repoKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_connected", "repository is not connected")
			return
		}
		writeError(w, http.StatusInternalServerError, "sync_failed", err.Error())
		return
	}

	var body = manualSyncResponse{
		PRCount:     len(res.PRs),
		CommitCount: len(res.Commits),
		PRs:         res.PRs,
		Commits:     res.Commits,
	}
	if body.PRs == nil {
		body.PRs = []int{}
	}
	if body.Commits == nil {
		body.Commits = []string{}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRepositories(w http.ResponseWriter, r *http.Request) {
	var _, credential, ok = s.authenticate(w, r, r.URL.Query().Get("sessionId"))
	if !ok {
		return
	}

	lister, err := s.args.Repos(r.Context(), credential)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "provider_unavailable", err.Error())
		return
	}
	repos, err := lister.ListRepositories(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repositories": repos})
}

// handleConnected lists the caller's connections, reconciling each against
// the workspace: records whose remote document is gone are removed and
// omitted from the response.
func (s *Server) handleConnected(w http.ResponseWriter, r *http.Request) {
	var user, _, ok = s.authenticate(w, r, r.URL.Query().Get("sessionId"))
	if !ok {
		return
	}

	var conns = s.args.Store.ForOwner(user.ID)
	var live = make([]store.ConnectionRecord, 0, len(conns))
	for _, rec := range conns {
		var ws = s.args.Workspaces(rec.WorkspaceEndpoint)
		_, found, err := ws.DocumentExists(r.Context(), rec.DocumentTitle)
		if err != nil {
			// Inconclusive probe: keep the record rather than dropping a
			// live connection over a transient fault.
			log.WithFields(log.Fields{"repo": rec.RepoKey, "err": err}).Warn("reconciliation probe failed")
			live = append(live, rec.Redacted())
			continue
		}
		if !found {
			log.WithFields(rec.LogFields()).Info("remote document gone; removing connection")
			if err := s.args.Store.Delete(r.Context(), rec.RepoKey); err != nil {
				log.WithFields(log.Fields{"repo": rec.RepoKey, "err": err}).Warn("removing connection failed")
			}
			continue
		}
		live = append(live, rec.Redacted())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connections": live})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var user, _, ok = s.authenticate(w, r, r.URL.Query().Get("sessionId"))
	if !ok {
		return
	}

	var repoKey = store.Key(chi.URLParam(r, "owner"), chi.URLParam(r, "repo"))
	rec, found := s.args.Store.Get(repoKey)
	if !found {
		writeError(w, http.StatusNotFound, "not_connected", "repository is not connected")
		return
	}
	if rec.OwnerUser.ID != user.ID {
		writeError(w, http.StatusForbidden, "forbidden", "connection belongs to another user")
		return
	}

	if r.URL.Query().Get("deleteCraftDoc") == "true" && rec.DocumentID != "" {
		var ws = s.args.Workspaces(rec.WorkspaceEndpoint)
		if err := ws.DeleteDocument(r.Context(), rec.DocumentID); err != nil {
			log.WithFields(log.Fields{"repo": rec.RepoKey, "doc": rec.DocumentID, "err": err}).
				Warn("deleting remote document failed")
		}
	}

	if err := s.args.Store.Delete(r.Context(), repoKey); err != nil {
		writeError(w, http.StatusInternalServerError, "disconnect_failed", err.Error())
		return
	}
	log.WithFields(log.Fields{"repo": rec.RepoKey, "user": user.Login}).Info("repository disconnected")
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type syncStatusResponse struct {
	IsRunning      bool             `json:"isRunning"`
	ConnectedRepos int              `json:"connectedRepos"`
	SyncInterval   int64            `json:"syncInterval"`
	LastSyncTimes  map[string]int64 `json:"lastSyncTimes"`
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	var st = s.args.Engine.Status()
	var times = make(map[string]int64, len(st.LastSyncTimes))
	for repo, at := range st.LastSyncTimes {
		times[repo] = at.UnixMilli()
	}
	writeJSON(w, http.StatusOK, syncStatusResponse{
		IsRunning:      st.Running,
		ConnectedRepos: st.ConnectedRepos,
		SyncInterval:   st.Period.Milliseconds(),
		LastSyncTimes:  times,
	})
}

type autoSyncRequest struct {
	SessionID    string `json:"sessionId" validate:"required"`
	RepoFullName string `json:"repoFullName" validate:"required"`
	Enabled      *bool  `json:"enabled" validate:"required"`
}

func (s *Server) handleAutoSync(w http.ResponseWriter, r *http.Request) {
	var req autoSyncRequest
	if err := s.decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", validationMessage(err))
		return
	}
	user, _, ok := s.authenticate(w, r, req.SessionID)
	if !ok {
		return
	}

	rec, found := s.args.Store.Get(req.RepoFullName)
	if !found {
		writeError(w, http.StatusNotFound, "not_connected", "repository is not connected")
		return
	}
	if rec.OwnerUser.ID != user.ID {
		writeError(w, http.StatusForbidden, "forbidden", "connection belongs to another user")
		return
	}

	if err := s.args.Store.SetAutoSync(r.Context(), req.RepoFullName, *req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, "update_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "autoSyncEnabled": *req.Enabled})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var user, _, ok = s.authenticate(w, r, r.URL.Query().Get("sessionId"))
	if !ok {
		return
	}

	var repoKey = store.Key(chi.URLParam(r, "owner"), chi.URLParam(r, "repo"))
	rec, found := s.args.Store.Get(repoKey)
	if !found {
		writeError(w, http.StatusNotFound, "not_connected", "repository is not connected")
		return
	}
	if rec.OwnerUser.ID != user.ID {
		writeError(w, http.StatusForbidden, "forbidden", "connection belongs to another user")
		return
	}

	var limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.args.Store.History(r.Context(), repoKey, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": rows})
}
