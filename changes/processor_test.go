package changes

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brainops/engbrain/oracle"
	"github.com/brainops/engbrain/store"
	"github.com/brainops/engbrain/vcs"
	"github.com/brainops/engbrain/workspace"
)

type fakeProvider struct {
	pr  *vcs.PRData
	err error
}

func (f *fakeProvider) GetPR(ctx context.Context, owner, name string, number int) (*vcs.PRData, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pr, nil
}

type fakeAnalyzer struct {
	change       oracle.ChangeAnalysis
	changeErr    error
	significance oracle.CommitSignificance
	sigErr       error
}

func (f *fakeAnalyzer) AnalyzePR(ctx context.Context, repoKey string, pr *vcs.PRData) (oracle.ChangeAnalysis, error) {
	return f.change, f.changeErr
}

func (f *fakeAnalyzer) AnalyzeCommits(ctx context.Context, repoKey string, commits []vcs.Commit, files []vcs.PRFile) (oracle.CommitSignificance, error) {
	return f.significance, f.sigErr
}

// fakeWorkspace records every mutation and can fail specific calls.
type fakeWorkspace struct {
	items       map[string][][]map[string]interface{}
	updates     []workspace.MainDocumentUpdate
	regenerated []string
	markdown    []string

	failCollection string
	failUpdates    bool
}

func newFakeWorkspace() *fakeWorkspace {
	return &fakeWorkspace{items: make(map[string][][]map[string]interface{})}
}

func (f *fakeWorkspace) AddCollectionItems(ctx context.Context, collectionID string, items []map[string]interface{}) error {
	if collectionID == f.failCollection {
		return errors.New("collection insert refused")
	}
	f.items[collectionID] = append(f.items[collectionID], items)
	return nil
}

func (f *fakeWorkspace) UpdateMainDocument(ctx context.Context, u workspace.MainDocumentUpdate) error {
	if f.failUpdates {
		return errors.New("page update refused")
	}
	f.updates = append(f.updates, u)
	return nil
}

func (f *fakeWorkspace) RegenerateSection(ctx context.Context, pageID, sectionName, newMarkdown string) error {
	f.regenerated = append(f.regenerated, sectionName)
	return nil
}

func (f *fakeWorkspace) AddMarkdown(ctx context.Context, pageID, markdown, pos string) error {
	f.markdown = append(f.markdown, markdown)
	return nil
}

func processorStore(t *testing.T) *store.Store {
	t.Helper()
	var dir = t.TempDir()
	var s = store.NewStore(store.Config{
		SQLitePath:   filepath.Join(dir, "store.db"),
		FallbackPath: filepath.Join(dir, "state.json"),
	})
	require.NoError(t, s.Initialize(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func connectedRecord() store.ConnectionRecord {
	return store.ConnectionRecord{
		RepoKey:       "octocat/Hello-World",
		DocumentID:    "doc-1",
		DocumentTitle: "octocat-Hello-World-docs",
		CollectionIDs: store.CollectionIDs{
			ReleaseNotes:     "col-rn",
			ADRs:             "col-adr",
			EngineeringTasks: "col-task",
			DocHistory:       "col-hist",
		},
		AutoSyncEnabled: true,
	}
}

func mergedPR(number int) *vcs.PRData {
	return &vcs.PRData{
		Number: number,
		Title:  "Add streaming export",
		Author: "octocat",
		Body:   "Adds a streaming export endpoint.",
	}
}

func fixedProcessor(s *store.Store, a Analyzer) *Processor {
	var p = NewProcessor(s, a)
	p.now = func() time.Time { return time.Date(2025, 7, 9, 15, 30, 0, 0, time.UTC) }
	return p
}

func TestOnPullRequestPromotesEverything(t *testing.T) {
	var s = processorStore(t)
	var ws = newFakeWorkspace()
	var analyzer = &fakeAnalyzer{change: oracle.ChangeAnalysis{
		ChangeType:           "feature",
		ImpactLevel:          "major",
		PublicAPIChanges:     true,
		BreakingChanges:      true,
		RequiresADR:          true,
		Summary:              "Streaming export endpoint",
		DocumentationUpdates: []string{"Document the export API"},
		FollowUpTasks:        []string{"Add rate limiting", "Write export runbook"},
		NewTechnologies:      []string{"nats"},
		ArchitectureChanges:  "Introduces an export worker pool",
		Confidence:           0.9,
	}}
	var p = fixedProcessor(s, analyzer)

	var rec = connectedRecord()
	require.NoError(t, s.Put(context.Background(), rec))
	require.NoError(t, p.OnPullRequest(context.Background(), rec, &fakeProvider{pr: mergedPR(42)}, ws, 42))

	require.Len(t, ws.items["col-hist"], 1)
	var hist = ws.items["col-hist"][0][0]
	require.Equal(t, "PR #42 Merged: Add streaming export", hist["event"])
	require.Equal(t, "2025-07-09", hist["date"])
	require.Equal(t, 42, hist["pr_number"])
	require.Equal(t, "90%", hist["confidence"])

	require.Len(t, ws.items["col-rn"], 1)
	var note = ws.items["col-rn"][0][0]
	require.Equal(t, "v2025.07.0 - Add streaming export", note["title"])
	require.Equal(t, "v2025.07.0", note["version"])
	require.Equal(t, "Document the export API", note["changes"])

	require.Len(t, ws.items["col-adr"], 1)
	var adr = ws.items["col-adr"][0][0]
	require.Equal(t, "Add streaming export", adr["title"])
	require.Equal(t, "Proposed", adr["status"])
	require.Equal(t, "PR #42 by octocat: Streaming export endpoint", adr["context"])
	require.Equal(t, "Introduces an export worker pool", adr["decision"])

	require.Len(t, ws.items["col-task"], 1)
	require.Len(t, ws.items["col-task"][0], 2)
	require.Equal(t, "From PR#42", ws.items["col-task"][0][0]["category"])

	// Tech stack, API changes, breaking changes, and the update log all go
	// through UpdateMainDocument; architecture is regenerated wholesale.
	require.Len(t, ws.updates, 4)
	require.Equal(t, "Tech Stack", ws.updates[0].SectionToUpdate)
	require.Contains(t, ws.updates[0].NewContent, "nats")
	require.Equal(t, "API Changes", ws.updates[1].SectionToUpdate)
	require.Equal(t, "Breaking Changes", ws.updates[2].SectionToUpdate)
	require.Empty(t, ws.updates[3].SectionToUpdate)
	require.Contains(t, ws.updates[3].NewContent, "PR #42 synced")
	require.Equal(t, []string{"Architecture"}, ws.regenerated)

	rows, err := s.History(context.Background(), rec.RepoKey, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, store.SyncTypePR, rows[0].SyncType)
	require.True(t, rows[0].IsSignificant)
	require.NotNil(t, rows[0].PRNumber)
	require.Equal(t, 42, *rows[0].PRNumber)
}

func TestOnPullRequestRoutineChangeOnlyRecordsHistory(t *testing.T) {
	var s = processorStore(t)
	var ws = newFakeWorkspace()
	var analyzer = &fakeAnalyzer{change: oracle.ChangeAnalysis{
		ChangeType:  "bugfix",
		ImpactLevel: "patch",
		Summary:     "Fix off-by-one in pagination",
		Confidence:  0.8,
	}}
	var p = fixedProcessor(s, analyzer)

	var rec = connectedRecord()
	require.NoError(t, s.Put(context.Background(), rec))
	require.NoError(t, p.OnPullRequest(context.Background(), rec, &fakeProvider{pr: mergedPR(7)}, ws, 7))

	require.Len(t, ws.items["col-hist"], 1)
	require.Empty(t, ws.items["col-rn"])
	require.Empty(t, ws.items["col-adr"])
	require.Empty(t, ws.items["col-task"])
	require.Empty(t, ws.regenerated)

	// Only the update-log append touches the main page.
	require.Len(t, ws.updates, 1)
	require.Empty(t, ws.updates[0].SectionToUpdate)
	require.True(t, ws.updates[0].AppendIfNotFound)
}

func TestOnPullRequestFallsBackWhenOracleFails(t *testing.T) {
	var s = processorStore(t)
	var ws = newFakeWorkspace()
	var analyzer = &fakeAnalyzer{changeErr: errors.New("model unavailable")}
	var p = fixedProcessor(s, analyzer)

	var rec = connectedRecord()
	require.NoError(t, s.Put(context.Background(), rec))
	require.NoError(t, p.OnPullRequest(context.Background(), rec, &fakeProvider{pr: mergedPR(9)}, ws, 9))

	// The fallback classification is zero-confidence and promotes nothing,
	// but the merge is still recorded.
	require.Len(t, ws.items["col-hist"], 1)
	require.Equal(t, "0%", ws.items["col-hist"][0][0]["confidence"])
	require.Empty(t, ws.items["col-rn"])
	require.Empty(t, ws.items["col-adr"])
}

func TestOnPullRequestFetchFailureIsFatal(t *testing.T) {
	var s = processorStore(t)
	var ws = newFakeWorkspace()
	var p = fixedProcessor(s, &fakeAnalyzer{})

	var rec = connectedRecord()
	var err = p.OnPullRequest(context.Background(), rec, &fakeProvider{err: errors.New("404")}, ws, 3)
	require.Error(t, err)
	require.Empty(t, ws.items)

	rows, histErr := s.History(context.Background(), rec.RepoKey, 10)
	require.NoError(t, histErr)
	require.Empty(t, rows)
}

func TestOnPullRequestReturnsFirstMutationError(t *testing.T) {
	var s = processorStore(t)
	var ws = newFakeWorkspace()
	ws.failCollection = "col-hist"
	var analyzer = &fakeAnalyzer{change: oracle.ChangeAnalysis{
		ChangeType:      "feature",
		ImpactLevel:     "major",
		BreakingChanges: true,
		Summary:         "Big change",
		Confidence:      0.7,
	}}
	var p = fixedProcessor(s, analyzer)

	var rec = connectedRecord()
	var err = p.OnPullRequest(context.Background(), rec, &fakeProvider{pr: mergedPR(5)}, ws, 5)
	require.ErrorContains(t, err, "doc_history")

	// Later mutations still ran despite the early failure.
	require.Len(t, ws.items["col-rn"], 1)
	require.NotEmpty(t, ws.updates)
}

func TestOnPullRequestSkipsMissingCollections(t *testing.T) {
	var s = processorStore(t)
	var ws = newFakeWorkspace()
	var analyzer = &fakeAnalyzer{change: oracle.ChangeAnalysis{
		ChangeType:    "feature",
		ImpactLevel:   "major",
		Summary:       "New feature",
		FollowUpTasks: []string{"Follow up"},
		Confidence:    0.6,
	}}
	var p = fixedProcessor(s, analyzer)

	// A partially materialised connection: document exists, collections don't.
	var rec = connectedRecord()
	rec.CollectionIDs = store.CollectionIDs{}
	require.NoError(t, s.Put(context.Background(), rec))

	require.NoError(t, p.OnPullRequest(context.Background(), rec, &fakeProvider{pr: mergedPR(11)}, ws, 11))
	require.Empty(t, ws.items)
	// Page mutations are independent of collection availability.
	require.NotEmpty(t, ws.updates)
}

func TestOnCommitsInsignificantBatchLeavesWorkspaceUntouched(t *testing.T) {
	var s = processorStore(t)
	var ws = newFakeWorkspace()
	var analyzer = &fakeAnalyzer{significance: oracle.CommitSignificance{
		IsSignificant: false,
		ChangeType:    "docs",
		ImpactLevel:   "patch",
		Summary:       "Typo fixes",
		Confidence:    0.9,
	}}
	var p = fixedProcessor(s, analyzer)

	var rec = connectedRecord()
	require.NoError(t, s.Put(context.Background(), rec))

	var commits = []vcs.Commit{
		{SHA: "beefcafe0123456789", Message: "fix typos"},
		{SHA: "0ddba11fe0123456789", Message: "more typos"},
	}
	significant, err := p.OnCommits(context.Background(), rec, ws, commits, nil)
	require.NoError(t, err)
	require.False(t, significant)
	require.Empty(t, ws.items)
	require.Empty(t, ws.updates)
	require.Empty(t, ws.markdown)

	rows, err := s.History(context.Background(), rec.RepoKey, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, store.SyncTypeCommit, rows[0].SyncType)
	require.False(t, rows[0].IsSignificant)
	require.Equal(t, "beefcaf", rows[0].CommitSHA)
}

func TestOnCommitsSignificantMajorBatch(t *testing.T) {
	var s = processorStore(t)
	var ws = newFakeWorkspace()
	var analyzer = &fakeAnalyzer{significance: oracle.CommitSignificance{
		IsSignificant:  true,
		ChangeType:     "architecture",
		ImpactLevel:    "major",
		Summary:        "Replaced the queue backend\nwith a durable log",
		SuggestedTasks: []string{"Benchmark the new backend"},
		Confidence:     0.85,
	}}
	var p = fixedProcessor(s, analyzer)

	var rec = connectedRecord()
	require.NoError(t, s.Put(context.Background(), rec))

	var commits = []vcs.Commit{
		{SHA: "aaaa111122223333", Message: "swap queue backend"},
		{SHA: "bbbb444455556666", Message: "migrate consumers"},
	}
	significant, err := p.OnCommits(context.Background(), rec, ws, commits, nil)
	require.NoError(t, err)
	require.True(t, significant)

	require.Len(t, ws.items["col-hist"], 1)
	require.Equal(t, "Direct commits synced (2)", ws.items["col-hist"][0][0]["event"])

	require.Len(t, ws.items["col-rn"], 1)
	var note = ws.items["col-rn"][0][0]
	require.Equal(t, "v2025.07.0 - Replaced the queue backend", note["title"])
	require.Equal(t, "aaaa111, bbbb444", note["changes"])

	require.Len(t, ws.items["col-task"], 1)
	require.Equal(t, "From commits", ws.items["col-task"][0][0]["category"])

	require.Len(t, ws.markdown, 1)
	require.Contains(t, ws.markdown[0], "2 direct commits synced")

	rows, err := s.History(context.Background(), rec.RepoKey, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].IsSignificant)
}

func TestOnCommitsOracleFailureDegradesToInsignificant(t *testing.T) {
	var s = processorStore(t)
	var ws = newFakeWorkspace()
	var analyzer = &fakeAnalyzer{sigErr: errors.New("model unavailable")}
	var p = fixedProcessor(s, analyzer)

	var rec = connectedRecord()
	require.NoError(t, s.Put(context.Background(), rec))

	significant, err := p.OnCommits(context.Background(), rec, ws,
		[]vcs.Commit{{SHA: "cccc7777", Message: "opaque change"}}, nil)
	require.NoError(t, err)
	require.False(t, significant)
	require.Empty(t, ws.items)

	rows, err := s.History(context.Background(), rec.RepoKey, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "unknown", rows[0].ChangeType)
	require.Contains(t, rows[0].Summary, "unclassified")
}

func TestOnCommitsEmptyBatchIsNoOp(t *testing.T) {
	var s = processorStore(t)
	var p = fixedProcessor(s, &fakeAnalyzer{})

	significant, err := p.OnCommits(context.Background(), connectedRecord(), newFakeWorkspace(), nil, nil)
	require.NoError(t, err)
	require.False(t, significant)
}

func TestReleaseNoteWorthy(t *testing.T) {
	for _, tc := range []struct {
		name string
		a    oracle.ChangeAnalysis
		want bool
	}{
		{"major impact", oracle.ChangeAnalysis{ImpactLevel: "major"}, true},
		{"breaking change", oracle.ChangeAnalysis{ImpactLevel: "patch", BreakingChanges: true}, true},
		{"feature with api changes", oracle.ChangeAnalysis{ChangeType: "feature", ImpactLevel: "minor", PublicAPIChanges: true}, true},
		{"feature without api changes", oracle.ChangeAnalysis{ChangeType: "feature", ImpactLevel: "minor"}, false},
		{"bugfix with api changes", oracle.ChangeAnalysis{ChangeType: "bugfix", ImpactLevel: "minor", PublicAPIChanges: true}, false},
		{"routine patch", oracle.ChangeAnalysis{ChangeType: "bugfix", ImpactLevel: "patch"}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, releaseNoteWorthy(tc.a))
		})
	}
}

func TestShortSHAAndList(t *testing.T) {
	require.Equal(t, "abc", shortSHA("abc"))
	require.Equal(t, "1234567", shortSHA("123456789abcdef"))
	require.Equal(t, "aaaa111, bb", shaList([]vcs.Commit{{SHA: "aaaa1112222"}, {SHA: "bb"}}))
}

func TestFirstLine(t *testing.T) {
	require.Equal(t, "head", firstLine("head\ntail"))
	require.Equal(t, "whole", firstLine("whole"))
}
