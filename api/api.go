// Package api is the HTTP surface of the service: the connection
// endpoints the UI drives, the provider webhook, and the ambient health
// and metrics handlers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/brainops/engbrain/materialize"
	"github.com/brainops/engbrain/session"
	"github.com/brainops/engbrain/store"
	"github.com/brainops/engbrain/syncer"
	"github.com/brainops/engbrain/vcs"
	"github.com/brainops/engbrain/workspace"
)

// Engine is the slice of the scheduler the API drives.
type Engine interface {
	TriggerOne(ctx context.Context, repoKey string) (*syncer.CycleResult, error)
	Status() syncer.Status
}

// Materializer connects a repository to a fresh brain.
type Materializer interface {
	Analyze(ctx context.Context, req materialize.Request) (*materialize.Result, error)
}

// RepoLister lists the repositories visible to a credential.
type RepoLister interface {
	ListRepositories(ctx context.Context) ([]vcs.Repository, error)
}

// RepoListerFactory builds a credential-bound repository lister.
type RepoListerFactory func(ctx context.Context, credential string) (RepoLister, error)

// WorkspaceClient is the slice of the workspace client the API uses for
// reconciliation and disconnect.
type WorkspaceClient interface {
	DocumentExists(ctx context.Context, title string) (workspace.Document, bool, error)
	DeleteDocument(ctx context.Context, id string) error
}

// WorkspaceFactory builds a client bound to one workspace endpoint.
type WorkspaceFactory func(endpoint string) WorkspaceClient

// Args gathers the server's collaborators.
type Args struct {
	Store         *store.Store
	Sessions      session.Store
	Engine        Engine
	Materializer  Materializer
	Repos         RepoListerFactory
	Workspaces    WorkspaceFactory
	WebhookSecret string
}

// Server serves the connection API.
type Server struct {
	args     Args
	validate *validator.Validate
}

func NewServer(args Args) *Server {
	var v = validator.New()
	// Report JSON field names in validation errors, not Go field names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		var name = strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Server{args: args, validate: v}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	var r = chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Hub-Signature-256", "X-GitHub-Event"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/sync", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Post("/manual", s.handleManualSync)
		r.Get("/repositories", s.handleRepositories)
		r.Get("/connected", s.handleConnected)
		r.Delete("/disconnect/{owner}/{repo}", s.handleDisconnect)
		r.Get("/sync-status", s.handleSyncStatus)
		r.Post("/auto-sync", s.handleAutoSync)
		r.Get("/history/{owner}/{repo}", s.handleHistory)
	})
	r.Post("/webhook/github", s.handleWebhook)
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		var started = time.Now()
		var ww = middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":  r.Method,
			"path":    r.URL.Path,
			"status":  ww.Status(),
			"elapsed": time.Since(started),
			"client":  r.RemoteAddr,
		}).Info("request served")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decode unmarshals and validates a request body.
func (s *Server) decode(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return s.validate.Struct(dst)
}

// authenticate resolves the session or writes a 400/401 and reports false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request, sessionID string) (session.User, string, bool) {
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "sessionId is required")
		return session.User{}, "", false
	}
	user, credential, err := s.args.Sessions.Lookup(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid session")
		return session.User{}, "", false
	}
	return user, credential, true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		var fe = verrs[0]
		if fe.Tag() == "required" {
			return fmt.Sprintf("%s is required", fe.Field())
		}
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithField("err", err).Warn("encoding response failed")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
