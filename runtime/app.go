package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brainops/engbrain/api"
	"github.com/brainops/engbrain/changes"
	"github.com/brainops/engbrain/materialize"
	"github.com/brainops/engbrain/oracle"
	"github.com/brainops/engbrain/session"
	"github.com/brainops/engbrain/store"
	"github.com/brainops/engbrain/syncer"
	"github.com/brainops/engbrain/vcs"
	"github.com/brainops/engbrain/workspace"
)

// shutdownGrace bounds how long in-flight API requests may run after a
// termination signal.
const shutdownGrace = 10 * time.Second

// Serve assembles the service from the configuration and runs it until
// signaled to exit (via SIGTERM or SIGINT).
func Serve(cfg *ServeConfig) error {
	cfg.Log.Configure()

	log.WithFields(log.Fields{
		"address":    cfg.API.Address,
		"port":       cfg.API.Port,
		"syncPeriod": cfg.Sync.Period,
		"workers":    cfg.Sync.Workers,
		"sqlitePath": cfg.Store.SQLitePath,
	}).Info("engbrain configuration")

	// Install a signal handler which will cancel our context.
	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	var st = store.NewStore(store.Config{
		SQLitePath:   cfg.Store.SQLitePath,
		FallbackPath: cfg.Store.FallbackPath,
	})
	if err := st.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing connection store: %w", err)
	}
	defer st.Close()

	analyzer, err := oracle.NewClient(oracle.Config{
		APIKey:  cfg.Oracle.APIKey,
		Model:   cfg.Oracle.Model,
		Timeout: cfg.Oracle.Timeout,
	})
	if err != nil {
		return fmt.Errorf("building oracle client: %w", err)
	}

	// Provider clients are bound to one credential and workspace clients to
	// one endpoint, so both are built on demand rather than shared.
	var signals = func(ctx context.Context, credential string) (materialize.Signals, error) {
		return vcs.NewClient(ctx, vcs.Config{Credential: credential})
	}
	var providers = func(ctx context.Context, credential string) (syncer.Provider, error) {
		return vcs.NewClient(ctx, vcs.Config{Credential: credential})
	}
	var listers = func(ctx context.Context, credential string) (api.RepoLister, error) {
		return vcs.NewClient(ctx, vcs.Config{Credential: credential})
	}

	var materializer = materialize.NewMaterializer(st, analyzer, signals,
		func(endpoint string) materialize.Workspace { return workspace.NewClient(endpoint) })
	var processor = changes.NewProcessor(st, analyzer)
	var engine = syncer.NewEngine(syncer.Config{
		Period:      cfg.Sync.Period,
		MinInterval: cfg.Sync.MinInterval,
		Workers:     cfg.Sync.Workers,
		Branch:      cfg.Sync.Branch,
	}, st, processor, providers,
		func(endpoint string) syncer.Workspace { return workspace.NewClient(endpoint) })

	var server = api.NewServer(api.Args{
		Store:         st,
		Sessions:      session.NewMemoryStore(cfg.Session.TTL),
		Engine:        engine,
		Materializer:  materializer,
		Repos:         listers,
		Workspaces:    func(endpoint string) api.WorkspaceClient { return workspace.NewClient(endpoint) },
		WebhookSecret: cfg.API.WebhookSecret,
	})

	var httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.API.Address, cfg.API.Port),
		Handler: server.Routes(),
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return engine.Run(gctx) })
	grp.Go(func() error {
		log.WithField("addr", httpServer.Addr).Info("serving connection API")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving API: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := grp.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}
