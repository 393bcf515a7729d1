// Package changes turns classified repository changes into workspace
// mutations. A merged pull request always leaves a doc_history trace and
// may be promoted into release notes, a decision record, follow-up tasks,
// and targeted main-document updates; a direct-commit batch mutates the
// workspace only when the oracle judges it significant.
package changes

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/brainops/engbrain/oracle"
	"github.com/brainops/engbrain/store"
	"github.com/brainops/engbrain/vcs"
	"github.com/brainops/engbrain/workspace"
)

// Provider fetches pull-request context from the version-control host.
type Provider interface {
	GetPR(ctx context.Context, owner, name string, number int) (*vcs.PRData, error)
}

// Workspace is the slice of the workspace client the processor mutates.
type Workspace interface {
	AddCollectionItems(ctx context.Context, collectionID string, items []map[string]interface{}) error
	UpdateMainDocument(ctx context.Context, u workspace.MainDocumentUpdate) error
	RegenerateSection(ctx context.Context, pageID, sectionName, newMarkdown string) error
	AddMarkdown(ctx context.Context, pageID, markdown, pos string) error
}

// Analyzer classifies pull requests and commit batches.
type Analyzer interface {
	AnalyzePR(ctx context.Context, repoKey string, pr *vcs.PRData) (oracle.ChangeAnalysis, error)
	AnalyzeCommits(ctx context.Context, repoKey string, commits []vcs.Commit, files []vcs.PRFile) (oracle.CommitSignificance, error)
}

// Processor applies classified changes to a connection's brain.
type Processor struct {
	store    *store.Store
	analyzer Analyzer
	now      func() time.Time
}

func NewProcessor(s *store.Store, analyzer Analyzer) *Processor {
	return &Processor{store: s, analyzer: analyzer, now: time.Now}
}

// firstErr keeps the first failure of a best-effort mutation sequence.
// Later mutations still run; the caller decides what the first failure
// means for its cursor.
type firstErr struct{ err error }

func (f *firstErr) add(err error) {
	if err != nil && f.err == nil {
		f.err = err
	}
}

// OnPullRequest processes one merged pull request. Every mutation is
// independent best-effort; the returned error is the first failure, so a
// sweep can refuse to advance its cursor past this PR while the remaining
// mutations still ran.
func (p *Processor) OnPullRequest(ctx context.Context, rec store.ConnectionRecord, provider Provider, ws Workspace, prNumber int) error {
	var owner, name, err = store.SplitKey(rec.RepoKey)
	if err != nil {
		return err
	}

	pr, err := provider.GetPR(ctx, owner, name, prNumber)
	if err != nil {
		return fmt.Errorf("fetching PR #%d: %w", prNumber, err)
	}

	analysis, err := p.analyzer.AnalyzePR(ctx, rec.RepoKey, pr)
	if err != nil {
		log.WithFields(log.Fields{"repo": rec.RepoKey, "pr": prNumber, "err": err}).
			Warn("change analysis degraded to fallback")
		analysis = oracle.FallbackChangeAnalysis(fmt.Sprintf("PR #%d: %s", prNumber, pr.Title))
	}

	var now = p.now().UTC()
	var date = now.Format("2006-01-02")
	var errs firstErr

	// History first: every merged PR leaves a trace even when the
	// promotions below fail or never fire.
	errs.add(p.addItems(ctx, ws, rec, "doc_history", rec.CollectionIDs.DocHistory,
		[]map[string]interface{}{{
			"event":       fmt.Sprintf("PR #%d Merged: %s", prNumber, pr.Title),
			"date":        date,
			"description": analysis.Summary,
			"pr_number":   prNumber,
			"confidence":  percent(analysis.Confidence),
		}}))

	if releaseNoteWorthy(analysis) {
		var version = releaseVersion(analysis.ImpactLevel, now)
		errs.add(p.addItems(ctx, ws, rec, "release_notes", rec.CollectionIDs.ReleaseNotes,
			[]map[string]interface{}{{
				"title":     fmt.Sprintf("%s - %s", version, pr.Title),
				"version":   version,
				"date":      date,
				"summary":   analysis.Summary,
				"pr_number": prNumber,
				"changes":   changeNotes(analysis),
			}}))
	}

	if analysis.RequiresADR {
		errs.add(p.addItems(ctx, ws, rec, "adrs", rec.CollectionIDs.ADRs,
			[]map[string]interface{}{{
				"title":        pr.Title,
				"adr_id":       adrID(now),
				"status":       "Proposed",
				"date":         date,
				"context":      fmt.Sprintf("PR #%d by %s: %s", prNumber, pr.Author, analysis.Summary),
				"decision":     decisionOf(analysis),
				"consequences": strings.Join(analysis.DocumentationUpdates, "; "),
				"confidence":   analysis.Confidence,
			}}))
	}

	if len(analysis.FollowUpTasks) > 0 {
		var items = make([]map[string]interface{}, len(analysis.FollowUpTasks))
		for i, task := range analysis.FollowUpTasks {
			items[i] = map[string]interface{}{
				"task":       task,
				"priority":   "Medium",
				"category":   fmt.Sprintf("From PR#%d", prNumber),
				"reasoning":  analysis.Summary,
				"status":     "Open",
				"created_at": date,
			}
		}
		errs.add(p.addItems(ctx, ws, rec, "engineering_tasks", rec.CollectionIDs.EngineeringTasks, items))
	}

	if rec.DocumentID == "" {
		log.WithFields(rec.LogFields()).Warn("connection has no document id; skipping page mutations")
	} else {
		if len(analysis.NewTechnologies) > 0 {
			errs.add(p.mutate(ctx, ws, rec, "tech stack", workspace.MainDocumentUpdate{
				PageID:          rec.DocumentID,
				SectionToUpdate: "Tech Stack",
				NewContent: fmt.Sprintf("## Tech Stack\n\nNewly adopted (PR #%d): %s",
					prNumber, strings.Join(analysis.NewTechnologies, ", ")),
				AppendIfNotFound: true,
			}))
		}
		if analysis.ArchitectureChanges != "" {
			var section = fmt.Sprintf("## Architecture\n\n%s\n\nUpdated %s by PR #%d.",
				analysis.ArchitectureChanges, date, prNumber)
			if err := ws.RegenerateSection(ctx, rec.DocumentID, "Architecture", section); err != nil {
				log.WithFields(log.Fields{"repo": rec.RepoKey, "pr": prNumber, "err": err}).
					Warn("regenerating architecture section failed")
				errs.add(fmt.Errorf("regenerating architecture section: %w", err))
			}
		}
		if analysis.PublicAPIChanges {
			errs.add(p.mutate(ctx, ws, rec, "api changes", workspace.MainDocumentUpdate{
				PageID:           rec.DocumentID,
				SectionToUpdate:  "API Changes",
				NewContent:       fmt.Sprintf("## API Changes\n\n- %s: PR #%d - %s", date, prNumber, analysis.Summary),
				AppendIfNotFound: true,
			}))
		}
		if analysis.BreakingChanges {
			errs.add(p.mutate(ctx, ws, rec, "breaking changes", workspace.MainDocumentUpdate{
				PageID:           rec.DocumentID,
				SectionToUpdate:  "Breaking Changes",
				NewContent:       fmt.Sprintf("## Breaking Changes\n\n- %s: PR #%d - %s", date, prNumber, analysis.Summary),
				AppendIfNotFound: true,
			}))
		}
		errs.add(p.mutate(ctx, ws, rec, "update log", workspace.MainDocumentUpdate{
			PageID:           rec.DocumentID,
			NewContent:       fmt.Sprintf("- %s: PR #%d synced - %s", date, prNumber, pr.Title),
			AppendIfNotFound: true,
		}))
	}

	if err := p.store.AppendHistory(ctx, store.HistoryRow{
		RepoKey:       rec.RepoKey,
		PRNumber:      &prNumber,
		SyncType:      store.SyncTypePR,
		IsSignificant: true,
		ChangeType:    analysis.ChangeType,
		Summary:       analysis.Summary,
		SyncedAt:      now,
	}); err != nil {
		log.WithFields(log.Fields{"repo": rec.RepoKey, "pr": prNumber, "err": err}).
			Warn("appending sync history failed")
	}

	log.WithFields(log.Fields{
		"repo":       rec.RepoKey,
		"pr":         prNumber,
		"changeType": analysis.ChangeType,
		"impact":     analysis.ImpactLevel,
	}).Info("pull request processed")
	return errs.err
}

// OnCommits processes a batch of direct-branch commits, newest first.
// Significance is the sole gate: an insignificant batch records a local
// history row and nothing else. The returned bool reports whether the
// batch was significant.
func (p *Processor) OnCommits(ctx context.Context, rec store.ConnectionRecord, ws Workspace, commits []vcs.Commit, files []vcs.PRFile) (bool, error) {
	if len(commits) == 0 {
		return false, nil
	}

	var significance, err = p.analyzer.AnalyzeCommits(ctx, rec.RepoKey, commits, files)
	if err != nil {
		// Without a judgement the batch is treated as not significant; the
		// next sweep moves on to newer commits instead of replaying these.
		log.WithFields(log.Fields{"repo": rec.RepoKey, "err": err}).
			Warn("commit significance unavailable; treating batch as not significant")
		significance = oracle.CommitSignificance{
			ChangeType:  "unknown",
			ImpactLevel: "minor",
			Summary:     fmt.Sprintf("%d direct commits (unclassified)", len(commits)),
		}
	}

	var now = p.now().UTC()
	var newest = shortSHA(commits[0].SHA)

	if !significance.IsSignificant {
		if err := p.store.AppendHistory(ctx, store.HistoryRow{
			RepoKey:       rec.RepoKey,
			CommitSHA:     newest,
			SyncType:      store.SyncTypeCommit,
			IsSignificant: false,
			ChangeType:    significance.ChangeType,
			Summary:       significance.Summary,
			SyncedAt:      now,
		}); err != nil {
			log.WithFields(log.Fields{"repo": rec.RepoKey, "err": err}).
				Warn("appending sync history failed")
		}
		log.WithFields(log.Fields{"repo": rec.RepoKey, "commits": len(commits)}).
			Debug("commit batch not significant")
		return false, nil
	}

	var date = now.Format("2006-01-02")
	var errs firstErr

	errs.add(p.addItems(ctx, ws, rec, "doc_history", rec.CollectionIDs.DocHistory,
		[]map[string]interface{}{{
			"event":       fmt.Sprintf("Direct commits synced (%d)", len(commits)),
			"date":        date,
			"description": significance.Summary,
			"confidence":  percent(significance.Confidence),
		}}))

	if significance.ImpactLevel == "major" {
		var version = releaseVersion("major", now)
		errs.add(p.addItems(ctx, ws, rec, "release_notes", rec.CollectionIDs.ReleaseNotes,
			[]map[string]interface{}{{
				"title":   fmt.Sprintf("%s - %s", version, firstLine(significance.Summary)),
				"version": version,
				"date":    date,
				"summary": significance.Summary,
				"changes": shaList(commits),
			}}))
	}

	if len(significance.SuggestedTasks) > 0 {
		var items = make([]map[string]interface{}, len(significance.SuggestedTasks))
		for i, task := range significance.SuggestedTasks {
			items[i] = map[string]interface{}{
				"task":       task,
				"priority":   "Medium",
				"category":   "From commits",
				"reasoning":  significance.Summary,
				"status":     "Open",
				"created_at": date,
			}
		}
		errs.add(p.addItems(ctx, ws, rec, "engineering_tasks", rec.CollectionIDs.EngineeringTasks, items))
	}

	if rec.DocumentID == "" {
		log.WithFields(rec.LogFields()).Warn("connection has no document id; skipping page mutations")
	} else {
		var block = fmt.Sprintf("- %s: %d direct commits synced - %s", date, len(commits), firstLine(significance.Summary))
		if err := ws.AddMarkdown(ctx, rec.DocumentID, block, workspace.PositionEnd); err != nil {
			log.WithFields(log.Fields{"repo": rec.RepoKey, "err": err}).Warn("appending commit block failed")
			errs.add(fmt.Errorf("appending commit block: %w", err))
		}
	}

	if err := p.store.AppendHistory(ctx, store.HistoryRow{
		RepoKey:       rec.RepoKey,
		CommitSHA:     newest,
		SyncType:      store.SyncTypeCommit,
		IsSignificant: true,
		ChangeType:    significance.ChangeType,
		Summary:       significance.Summary,
		SyncedAt:      now,
	}); err != nil {
		log.WithFields(log.Fields{"repo": rec.RepoKey, "err": err}).
			Warn("appending sync history failed")
	}

	log.WithFields(log.Fields{
		"repo":    rec.RepoKey,
		"commits": len(commits),
		"impact":  significance.ImpactLevel,
	}).Info("commit batch processed")
	return true, errs.err
}

// releaseNoteWorthy decides whether a change deserves a release-notes
// entry: major impact, a breaking change, or a feature that moves the
// public API.
func releaseNoteWorthy(a oracle.ChangeAnalysis) bool {
	return a.ImpactLevel == "major" || a.BreakingChanges ||
		(a.ChangeType == "feature" && a.PublicAPIChanges)
}

func changeNotes(a oracle.ChangeAnalysis) string {
	if len(a.DocumentationUpdates) > 0 {
		return strings.Join(a.DocumentationUpdates, "; ")
	}
	return a.ChangeType
}

func decisionOf(a oracle.ChangeAnalysis) string {
	if a.ArchitectureChanges != "" {
		return a.ArchitectureChanges
	}
	return a.Summary
}

// addItems inserts items into one collection. A connection without an id
// for the collection (a partially materialised brain) skips the insert
// with a warning rather than failing the whole unit.
func (p *Processor) addItems(ctx context.Context, ws Workspace, rec store.ConnectionRecord, collection, collectionID string, items []map[string]interface{}) error {
	if collectionID == "" {
		log.WithFields(log.Fields{"repo": rec.RepoKey, "collection": collection}).
			Warn("connection has no id for collection; skipping insert")
		return nil
	}
	if err := ws.AddCollectionItems(ctx, collectionID, items); err != nil {
		log.WithFields(log.Fields{"repo": rec.RepoKey, "collection": collection, "err": err}).
			Warn("collection insert failed")
		return fmt.Errorf("inserting %s items: %w", collection, err)
	}
	return nil
}

func (p *Processor) mutate(ctx context.Context, ws Workspace, rec store.ConnectionRecord, what string, u workspace.MainDocumentUpdate) error {
	if err := ws.UpdateMainDocument(ctx, u); err != nil {
		log.WithFields(log.Fields{"repo": rec.RepoKey, "mutation": what, "err": err}).
			Warn("page mutation failed")
		return fmt.Errorf("updating %s: %w", what, err)
	}
	return nil
}

func percent(v float64) string {
	return fmt.Sprintf("%d%%", int(math.Round(v*100)))
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func shaList(commits []vcs.Commit) string {
	var shas = make([]string, len(commits))
	for i, c := range commits {
		shas[i] = shortSHA(c.SHA)
	}
	return strings.Join(shas, ", ")
}
