// Package syncer is the long-running scheduler. It sweeps every connected
// repository on a fixed cadence: reconcile the remote document, process
// newly merged pull requests in ascending order, process recent direct
// commits, then advance the connection's cursor. Per-repository cycles
// never overlap; distinct repositories sweep in parallel.
package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brainops/engbrain/changes"
	"github.com/brainops/engbrain/store"
	"github.com/brainops/engbrain/vcs"
	"github.com/brainops/engbrain/workspace"
)

// maxCommitBatch bounds how many direct commits one sweep hands to the
// change processor. Older commits beyond the bound are abandoned.
const maxCommitBatch = 10

// Provider is the slice of the version-control client a cycle uses.
type Provider interface {
	changes.Provider
	ListMergedPRsSince(ctx context.Context, owner, name string, since int) ([]vcs.PRSummary, error)
	ListCommits(ctx context.Context, owner, name, ref string, since time.Time) ([]vcs.Commit, error)
	GetCommit(ctx context.Context, owner, name, sha string) (*vcs.CommitDetail, error)
}

// Workspace is the slice of the workspace client a cycle uses.
type Workspace interface {
	changes.Workspace
	DocumentExists(ctx context.Context, title string) (workspace.Document, bool, error)
}

// Processor applies classified changes for one connection.
type Processor interface {
	OnPullRequest(ctx context.Context, rec store.ConnectionRecord, provider changes.Provider, ws changes.Workspace, prNumber int) error
	OnCommits(ctx context.Context, rec store.ConnectionRecord, ws changes.Workspace, commits []vcs.Commit, files []vcs.PRFile) (bool, error)
}

// ProviderFactory builds a credential-bound provider client. Clients are
// built per connection per cycle so rotated credentials are picked up.
type ProviderFactory func(ctx context.Context, credential string) (Provider, error)

// WorkspaceFactory builds a client bound to one workspace endpoint.
type WorkspaceFactory func(endpoint string) Workspace

// Config configures the scheduler.
type Config struct {
	Period      time.Duration // cadence of full sweeps over all connections
	MinInterval time.Duration // per-connection floor between cycle starts
	Workers     int           // parallel per-connection cycles
	Branch      string        // branch swept for direct commits
}

func (cfg Config) withDefaults() Config {
	if cfg.Period <= 0 {
		cfg.Period = 5 * time.Minute
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 2 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	return cfg
}

// CycleResult reports what one per-connection cycle did.
type CycleResult struct {
	RepoKey string
	PRs     []int    // pull requests processed, ascending
	Commits []string // short SHAs of direct commits swept
	Deleted bool     // connection removed because the remote document is gone
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Running        bool
	ConnectedRepos int
	Period         time.Duration
	LastSyncTimes  map[string]time.Time
}

// Engine drives sync cycles over every connection in the store.
type Engine struct {
	cfg        Config
	store      *store.Store
	processor  Processor
	providers  ProviderFactory
	workspaces WorkspaceFactory
	now        func() time.Time

	mu        sync.Mutex
	running   bool
	lastStart map[string]time.Time   // folded repo key -> last cycle start
	locks     map[string]*sync.Mutex // folded repo key -> cycle lock
}

func NewEngine(cfg Config, s *store.Store, p Processor, providers ProviderFactory, workspaces WorkspaceFactory) *Engine {
	return &Engine{
		cfg:        cfg.withDefaults(),
		store:      s,
		processor:  p,
		providers:  providers,
		workspaces: workspaces,
		now:        time.Now,
		lastStart:  make(map[string]time.Time),
		locks:      make(map[string]*sync.Mutex),
	}
}

// Run sweeps immediately, then on every tick of the configured period,
// until ctx is cancelled. In-flight per-connection cycles finish to a safe
// point before Run returns.
func (e *Engine) Run(ctx context.Context) error {
	e.setRunning(true)
	defer e.setRunning(false)

	log.WithFields(log.Fields{
		"period":      e.cfg.Period,
		"minInterval": e.cfg.MinInterval,
		"workers":     e.cfg.Workers,
	}).Info("sync engine started")

	e.runCycle(ctx)

	var ticker = time.NewTicker(e.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("sync engine stopped")
			return nil
		case <-ticker.C:
			e.runCycle(ctx)
		}
	}
}

// runCycle sweeps every eligible connection with a bounded worker pool.
// One connection's failure never fails another's sweep.
func (e *Engine) runCycle(ctx context.Context) {
	var started = e.now()
	var conns = e.store.All()
	connectedRepositories.Set(float64(len(conns)))

	var failures atomic.Int64
	var g, gctx = errgroup.WithContext(ctx)
	var sem = make(chan struct{}, e.cfg.Workers)

	for _, rec := range conns {
		if !rec.AutoSyncEnabled {
			continue
		}
		if e.tooSoon(rec.RepoKey, started) {
			log.WithFields(rec.LogFields()).Debug("within min interval; skipping")
			continue
		}
		var rec = rec
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return nil
			}
			if err := e.syncScheduled(gctx, rec); err != nil {
				failures.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	var result = "ok"
	if failures.Load() > 0 {
		result = "error"
	}
	cyclesTotal.WithLabelValues(result).Inc()
	cycleSeconds.Observe(time.Since(started).Seconds())
}

// syncScheduled runs one scheduled per-connection cycle. If a cycle for
// the same repository is already in flight the scheduled one is dropped;
// the next tick will catch up.
func (e *Engine) syncScheduled(ctx context.Context, rec store.ConnectionRecord) error {
	var lock = e.lockFor(rec.RepoKey)
	if !lock.TryLock() {
		log.WithFields(rec.LogFields()).Debug("cycle already in flight; skipping")
		return nil
	}
	defer lock.Unlock()

	e.markStart(rec.RepoKey)
	var _, err = e.syncOne(ctx, rec)
	if err != nil {
		log.WithFields(log.Fields{"repo": rec.RepoKey, "err": err}).Warn("sync cycle failed")
	}
	return err
}

// TriggerOne forces a cycle for one connection out of schedule. Unlike a
// scheduled sweep it queues behind an in-flight cycle rather than being
// dropped, and it ignores the auto-sync flag and the min interval.
func (e *Engine) TriggerOne(ctx context.Context, repoKey string) (*CycleResult, error) {
	var lock = e.lockFor(repoKey)
	lock.Lock()
	defer lock.Unlock()

	// Re-read after acquiring the lock: a cycle that just finished may
	// have advanced the cursor or removed the connection.
	rec, ok := e.store.Get(repoKey)
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", repoKey, store.ErrNotFound)
	}

	e.markStart(rec.RepoKey)
	return e.syncOne(ctx, rec)
}

// syncOne is one full per-connection cycle: reconcile, PR sweep, commit
// sweep, cursor advance. Callers hold the repository's cycle lock.
func (e *Engine) syncOne(ctx context.Context, rec store.ConnectionRecord) (*CycleResult, error) {
	var result = &CycleResult{RepoKey: rec.RepoKey}

	owner, name, err := store.SplitKey(rec.RepoKey)
	if err != nil {
		return nil, err
	}

	var ws = e.workspaces(rec.WorkspaceEndpoint)

	// Reconcile before touching the provider. A connection whose brain was
	// deleted remotely is removed here and swept no further.
	_, found, err := ws.DocumentExists(ctx, rec.DocumentTitle)
	if err != nil {
		return nil, fmt.Errorf("probing document %q: %w", rec.DocumentTitle, err)
	}
	if !found {
		log.WithFields(rec.LogFields()).Info("remote document gone; removing connection")
		if err := e.store.Delete(ctx, rec.RepoKey); err != nil {
			return nil, err
		}
		result.Deleted = true
		return result, nil
	}

	provider, err := e.providers(ctx, rec.Credential)
	if err != nil {
		return nil, fmt.Errorf("building provider client: %w", err)
	}

	var highest = 0
	if rec.LastProcessedPR != nil {
		highest = *rec.LastProcessedPR
	}
	var prClean, commitClean = true, true

	prs, err := provider.ListMergedPRsSince(ctx, owner, name, highest)
	if err != nil {
		log.WithFields(log.Fields{"repo": rec.RepoKey, "err": err}).Warn("listing merged pull requests failed")
		prClean = false
	} else if rec.LastProcessedPR == nil {
		// First sweep: advance the cursor to the newest merged PR without
		// replaying history.
		if len(prs) > 0 {
			highest = prs[len(prs)-1].Number
			log.WithFields(log.Fields{"repo": rec.RepoKey, "baseline": highest}).
				Info("established pull request baseline")
		}
	} else {
		for _, pr := range prs {
			if ctx.Err() != nil {
				prClean = false
				break
			}
			// The cursor never advances past a failed PR, so the sweep
			// stops here and retries it next cycle.
			if err := e.processor.OnPullRequest(ctx, rec, provider, ws, pr.Number); err != nil {
				log.WithFields(log.Fields{"repo": rec.RepoKey, "pr": pr.Number, "err": err}).
					Warn("pull request processing failed; cursor holds")
				prClean = false
				break
			}
			highest = pr.Number
			result.PRs = append(result.PRs, pr.Number)
		}
	}

	if rec.LastSyncedAt == nil {
		log.WithFields(rec.LogFields()).Debug("first commit sweep; baseline only")
	} else if ctx.Err() != nil {
		commitClean = false
	} else if commits, err := provider.ListCommits(ctx, owner, name, e.cfg.Branch, *rec.LastSyncedAt); err != nil {
		log.WithFields(log.Fields{"repo": rec.RepoKey, "err": err}).Warn("listing commits failed")
		commitClean = false
	} else if direct := directCommits(commits); len(direct) > 0 {
		// File detail of the newest commit sharpens significance judgement
		// but is not worth failing the sweep over.
		var files []vcs.PRFile
		if detail, err := provider.GetCommit(ctx, owner, name, direct[0].SHA); err != nil {
			log.WithFields(log.Fields{"repo": rec.RepoKey, "sha": direct[0].SHA, "err": err}).
				Warn("fetching commit detail failed")
		} else {
			files = detail.Files
		}

		if _, err := e.processor.OnCommits(ctx, rec, ws, direct, files); err != nil {
			log.WithFields(log.Fields{"repo": rec.RepoKey, "err": err}).Warn("commit processing failed")
			commitClean = false
		} else {
			for _, c := range direct {
				result.Commits = append(result.Commits, short(c.SHA))
			}
		}
	}

	// The advance is attempted even when a sweep failed: lastProcessedPR
	// moves to the last fully processed PR, and lastSyncedAt is stamped
	// only when the commit sweep fully accounted for the window.
	var upd = store.CursorUpdate{}
	if highest > 0 {
		upd.LastProcessedPR = &highest
	}
	if commitClean {
		var now = e.now().UTC()
		upd.LastSyncedAt = &now
	}
	// Cursor writes survive shutdown so a cancelled cycle resumes where
	// it stopped.
	if err := e.store.UpdateCursor(context.WithoutCancel(ctx), rec.RepoKey, upd); err != nil {
		return result, fmt.Errorf("advancing cursor: %w", err)
	}

	if !prClean {
		return result, fmt.Errorf("pull request sweep incomplete for %s", rec.RepoKey)
	}
	if !commitClean {
		return result, fmt.Errorf("commit sweep incomplete for %s", rec.RepoKey)
	}

	lastSyncTimestamp.WithLabelValues(rec.RepoKey).SetToCurrentTime()
	log.WithFields(log.Fields{
		"repo":    rec.RepoKey,
		"prs":     len(result.PRs),
		"commits": len(result.Commits),
	}).Info("sync cycle complete")
	return result, nil
}

// Status reports the scheduler's view of the world.
func (e *Engine) Status() Status {
	var conns = e.store.All()

	e.mu.Lock()
	defer e.mu.Unlock()
	var times = make(map[string]time.Time, len(conns))
	for _, rec := range conns {
		if t, ok := e.lastStart[strings.ToLower(rec.RepoKey)]; ok {
			times[rec.RepoKey] = t
		}
	}
	return Status{
		Running:        e.running,
		ConnectedRepos: len(conns),
		Period:         e.cfg.Period,
		LastSyncTimes:  times,
	}
}

func (e *Engine) setRunning(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = v
}

func (e *Engine) tooSoon(repoKey string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.lastStart[strings.ToLower(repoKey)]
	return ok && now.Sub(last) < e.cfg.MinInterval
}

func (e *Engine) markStart(repoKey string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastStart[strings.ToLower(repoKey)] = e.now()
}

func (e *Engine) lockFor(repoKey string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	var key = strings.ToLower(repoKey)
	lock, ok := e.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[key] = lock
	}
	return lock
}

// directCommits filters out merge commits and keeps at most the
// maxCommitBatch newest. Input arrives newest first.
func directCommits(commits []vcs.Commit) []vcs.Commit {
	var direct []vcs.Commit
	for _, c := range commits {
		if strings.HasPrefix(c.Message, "Merge ") {
			continue
		}
		direct = append(direct, c)
		if len(direct) == maxCommitBatch {
			break
		}
	}
	return direct
}

func short(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
