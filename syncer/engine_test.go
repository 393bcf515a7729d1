package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brainops/engbrain/changes"
	"github.com/brainops/engbrain/store"
	"github.com/brainops/engbrain/vcs"
	"github.com/brainops/engbrain/workspace"
)

type fakeProvider struct {
	mu        sync.Mutex
	prs       []vcs.PRSummary
	prErr     error
	commits   []vcs.Commit
	commitErr error
	detailErr error
}

func (f *fakeProvider) ListMergedPRsSince(ctx context.Context, owner, name string, since int) ([]vcs.PRSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prErr != nil {
		return nil, f.prErr
	}
	var out []vcs.PRSummary
	for _, pr := range f.prs {
		if pr.Number > since {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (f *fakeProvider) ListCommits(ctx context.Context, owner, name, ref string, since time.Time) ([]vcs.Commit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits, f.commitErr
}

func (f *fakeProvider) GetCommit(ctx context.Context, owner, name, sha string) (*vcs.CommitDetail, error) {
	if f.detailErr != nil {
		return nil, f.detailErr
	}
	return &vcs.CommitDetail{
		Commit: vcs.Commit{SHA: sha},
		Files:  []vcs.PRFile{{Filename: "main.go"}},
	}, nil
}

func (f *fakeProvider) GetPR(ctx context.Context, owner, name string, number int) (*vcs.PRData, error) {
	return &vcs.PRData{Number: number, Title: fmt.Sprintf("change %d", number)}, nil
}

type fakeProcessor struct {
	mu        sync.Mutex
	prs       []int
	batches   [][]vcs.Commit
	failPR    int
	commitErr error
}

func (f *fakeProcessor) OnPullRequest(ctx context.Context, rec store.ConnectionRecord, provider changes.Provider, ws changes.Workspace, prNumber int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPR != 0 && prNumber == f.failPR {
		return errors.New("processing refused")
	}
	f.prs = append(f.prs, prNumber)
	return nil
}

func (f *fakeProcessor) OnCommits(ctx context.Context, rec store.ConnectionRecord, ws changes.Workspace, commits []vcs.Commit, files []vcs.PRFile) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return false, f.commitErr
	}
	f.batches = append(f.batches, commits)
	return true, nil
}

type fakeWorkspace struct {
	mu      sync.Mutex
	missing bool
	probes  int
}

func (f *fakeWorkspace) DocumentExists(ctx context.Context, title string) (workspace.Document, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.missing {
		return workspace.Document{}, false, nil
	}
	return workspace.Document{ID: "doc-1", Title: title}, true, nil
}

func (f *fakeWorkspace) AddCollectionItems(ctx context.Context, collectionID string, items []map[string]interface{}) error {
	return nil
}

func (f *fakeWorkspace) UpdateMainDocument(ctx context.Context, u workspace.MainDocumentUpdate) error {
	return nil
}

func (f *fakeWorkspace) RegenerateSection(ctx context.Context, pageID, sectionName, newMarkdown string) error {
	return nil
}

func (f *fakeWorkspace) AddMarkdown(ctx context.Context, pageID, markdown, pos string) error {
	return nil
}

type engineHarness struct {
	store    *store.Store
	provider *fakeProvider
	ws       *fakeWorkspace
	proc     *fakeProcessor
	engine   *Engine
	builds   atomic.Int32
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()
	var dir = t.TempDir()
	var s = store.NewStore(store.Config{
		SQLitePath:   filepath.Join(dir, "store.db"),
		FallbackPath: filepath.Join(dir, "state.json"),
	})
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })

	var h = &engineHarness{
		store:    s,
		provider: &fakeProvider{},
		ws:       &fakeWorkspace{},
		proc:     &fakeProcessor{},
	}
	h.engine = NewEngine(Config{}, s, h.proc,
		func(ctx context.Context, credential string) (Provider, error) {
			h.builds.Add(1)
			return h.provider, nil
		},
		func(endpoint string) Workspace { return h.ws })
	return h
}

func (h *engineHarness) connect(t *testing.T, repoKey string, lastPR int, lastSync time.Time) store.ConnectionRecord {
	t.Helper()
	var rec = store.ConnectionRecord{
		RepoKey:           repoKey,
		Credential:        "token",
		WorkspaceEndpoint: "https://workspace.example/mcp",
		DocumentID:        "doc-1",
		DocumentTitle:     strings.ReplaceAll(repoKey, "/", "-") + "-docs",
		AutoSyncEnabled:   true,
	}
	if lastPR > 0 {
		rec.LastProcessedPR = &lastPR
	}
	if !lastSync.IsZero() {
		rec.LastSyncedAt = &lastSync
	}
	require.NoError(t, h.store.Put(context.Background(), rec))
	return rec
}

func TestTriggerOneProcessesNewPRsAscending(t *testing.T) {
	var h = newEngineHarness(t)
	var since = time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	var rec = h.connect(t, "octocat/Hello-World", 41, since)
	h.provider.prs = []vcs.PRSummary{{Number: 42}, {Number: 43}, {Number: 44}}

	res, err := h.engine.TriggerOne(context.Background(), rec.RepoKey)
	require.NoError(t, err)
	require.Equal(t, []int{42, 43, 44}, res.PRs)
	require.Equal(t, []int{42, 43, 44}, h.proc.prs)

	got, ok := h.store.Get(rec.RepoKey)
	require.True(t, ok)
	require.NotNil(t, got.LastProcessedPR)
	require.Equal(t, 44, *got.LastProcessedPR)
	require.NotNil(t, got.LastSyncedAt)
	require.True(t, got.LastSyncedAt.After(since))
}

func TestFirstSweepEstablishesBaselineWithoutReplay(t *testing.T) {
	var h = newEngineHarness(t)
	var rec = h.connect(t, "octocat/Hello-World", 0, time.Time{})
	h.provider.prs = []vcs.PRSummary{{Number: 7}, {Number: 9}, {Number: 12}}
	h.provider.commits = []vcs.Commit{
		{SHA: "aaaa1111", Message: "old work"},
		{SHA: "bbbb2222", Message: "older work"},
	}

	res, err := h.engine.TriggerOne(context.Background(), rec.RepoKey)
	require.NoError(t, err)
	require.Empty(t, res.PRs)
	require.Empty(t, res.Commits)
	require.Empty(t, h.proc.prs)
	require.Empty(t, h.proc.batches)

	got, _ := h.store.Get(rec.RepoKey)
	require.NotNil(t, got.LastProcessedPR)
	require.Equal(t, 12, *got.LastProcessedPR)
	require.NotNil(t, got.LastSyncedAt)
}

func TestEmptySweepStillStampsLastSyncedAt(t *testing.T) {
	var h = newEngineHarness(t)
	var since = time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	var rec = h.connect(t, "octocat/Hello-World", 41, since)

	_, err := h.engine.TriggerOne(context.Background(), rec.RepoKey)
	require.NoError(t, err)

	got, _ := h.store.Get(rec.RepoKey)
	require.Equal(t, 41, *got.LastProcessedPR)
	require.True(t, got.LastSyncedAt.After(since))
}

func TestPRSweepStopsAtFirstFailure(t *testing.T) {
	var h = newEngineHarness(t)
	var since = time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	var rec = h.connect(t, "octocat/Hello-World", 41, since)
	h.provider.prs = []vcs.PRSummary{{Number: 42}, {Number: 43}, {Number: 44}}
	h.proc.failPR = 43

	res, err := h.engine.TriggerOne(context.Background(), rec.RepoKey)
	require.ErrorContains(t, err, "pull request sweep incomplete")
	require.Equal(t, []int{42}, res.PRs)
	require.Equal(t, []int{42}, h.proc.prs)

	// The cursor holds at the last fully processed PR so 43 is retried.
	got, _ := h.store.Get(rec.RepoKey)
	require.Equal(t, 42, *got.LastProcessedPR)
}

func TestCommitFailureHoldsLastSyncedAt(t *testing.T) {
	var h = newEngineHarness(t)
	var since = time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	var rec = h.connect(t, "octocat/Hello-World", 41, since)
	h.provider.commits = []vcs.Commit{{SHA: "aaaa1111", Message: "direct work"}}
	h.proc.commitErr = errors.New("workspace down")

	_, err := h.engine.TriggerOne(context.Background(), rec.RepoKey)
	require.ErrorContains(t, err, "commit sweep incomplete")

	got, _ := h.store.Get(rec.RepoKey)
	require.NotNil(t, got.LastSyncedAt)
	require.WithinDuration(t, since, *got.LastSyncedAt, time.Second)
}

func TestRemoteDocumentGoneRemovesConnection(t *testing.T) {
	var h = newEngineHarness(t)
	var rec = h.connect(t, "octocat/Hello-World", 41, time.Now().UTC())
	h.ws.missing = true

	res, err := h.engine.TriggerOne(context.Background(), rec.RepoKey)
	require.NoError(t, err)
	require.True(t, res.Deleted)

	_, ok := h.store.Get(rec.RepoKey)
	require.False(t, ok)
	// Reconciliation short-circuits before any provider client is built.
	require.Zero(t, h.builds.Load())
}

func TestMergeCommitsFilteredAndBatchCapped(t *testing.T) {
	var h = newEngineHarness(t)
	var since = time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	var rec = h.connect(t, "octocat/Hello-World", 41, since)

	var commits []vcs.Commit
	for i := 0; i < 13; i++ {
		var msg = fmt.Sprintf("change %d", i)
		if i == 1 || i == 5 {
			msg = fmt.Sprintf("Merge pull request #%d", i)
		}
		commits = append(commits, vcs.Commit{SHA: fmt.Sprintf("sha%04d000", i), Message: msg})
	}
	h.provider.commits = commits

	res, err := h.engine.TriggerOne(context.Background(), rec.RepoKey)
	require.NoError(t, err)
	require.Len(t, res.Commits, 10)

	require.Len(t, h.proc.batches, 1)
	var batch = h.proc.batches[0]
	require.Len(t, batch, 10)
	require.Equal(t, "sha0000000", batch[0].SHA)
	for _, c := range batch {
		require.False(t, strings.HasPrefix(c.Message, "Merge "))
	}
}

func TestRunCycleSkipsDisabledAndRecentConnections(t *testing.T) {
	var h = newEngineHarness(t)
	h.provider.prs = []vcs.PRSummary{{Number: 7}}

	h.connect(t, "octocat/alpha", 0, time.Time{})

	var disabled = store.ConnectionRecord{
		RepoKey:       "octocat/beta",
		Credential:    "token",
		DocumentTitle: "octocat-beta-docs",
	}
	require.NoError(t, h.store.Put(context.Background(), disabled))

	h.connect(t, "octocat/gamma", 0, time.Time{})
	h.engine.markStart("octocat/gamma")

	h.engine.runCycle(context.Background())

	alpha, _ := h.store.Get("octocat/alpha")
	require.NotNil(t, alpha.LastProcessedPR)
	require.Equal(t, 7, *alpha.LastProcessedPR)

	beta, _ := h.store.Get("octocat/beta")
	require.Nil(t, beta.LastProcessedPR)

	gamma, _ := h.store.Get("octocat/gamma")
	require.Nil(t, gamma.LastProcessedPR)
}

func TestTriggerOneQueuesBehindInflightCycle(t *testing.T) {
	var h = newEngineHarness(t)
	var rec = h.connect(t, "octocat/Hello-World", 41, time.Now().UTC())

	var lock = h.engine.lockFor(rec.RepoKey)
	lock.Lock()

	var done = make(chan error, 1)
	go func() {
		var _, err = h.engine.TriggerOne(context.Background(), rec.RepoKey)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("trigger ran while a cycle held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	lock.Unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("queued trigger never ran")
	}
}

func TestTriggerOneUnknownRepo(t *testing.T) {
	var h = newEngineHarness(t)
	var _, err = h.engine.TriggerOne(context.Background(), "octocat/missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatusReportsEngineView(t *testing.T) {
	var h = newEngineHarness(t)
	var rec = h.connect(t, "octocat/Hello-World", 41, time.Now().UTC())

	var st = h.engine.Status()
	require.False(t, st.Running)
	require.Equal(t, 1, st.ConnectedRepos)
	require.Equal(t, 5*time.Minute, st.Period)
	require.Empty(t, st.LastSyncTimes)

	_, err := h.engine.TriggerOne(context.Background(), rec.RepoKey)
	require.NoError(t, err)

	st = h.engine.Status()
	require.Contains(t, st.LastSyncTimes, "octocat/Hello-World")
}

func TestRunStopsOnCancel(t *testing.T) {
	var h = newEngineHarness(t)
	var ctx, cancel = context.WithCancel(context.Background())

	var done = make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, func() bool { return h.engine.Status().Running },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop on cancel")
	}
	require.False(t, h.engine.Status().Running)
}
