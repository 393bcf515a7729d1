// Package materialize builds the Engineering Brain of a repository: it
// gathers repository signals, asks the oracle for a structured analysis,
// creates the root workspace document with its four collections, and
// records the resulting connection. Materialisation is idempotent by repo
// key; the workspace itself is the ground truth for existence.
package materialize

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/brainops/engbrain/oracle"
	"github.com/brainops/engbrain/store"
	"github.com/brainops/engbrain/vcs"
	"github.com/brainops/engbrain/workspace"
)

// Workspace is the slice of the workspace client the materialiser drives.
type Workspace interface {
	DocumentExists(ctx context.Context, title string) (workspace.Document, bool, error)
	CreateDocument(ctx context.Context, title string) (string, error)
	AddMarkdown(ctx context.Context, pageID, markdown, pos string) error
	CreateCollection(ctx context.Context, pageID, name string, schema workspace.Schema) (string, error)
	AddCollectionItems(ctx context.Context, collectionID string, items []map[string]interface{}) error
}

// Signals is the slice of the version-control client used to gather
// repository facts for the initial analysis.
type Signals interface {
	ListTree(ctx context.Context, owner, name, ref string) ([]vcs.TreeEntry, error)
	GetReadme(ctx context.Context, owner, name string) (string, bool, error)
	GetPackageManifests(ctx context.Context, owner, name string) (map[string]string, error)
	GetLanguages(ctx context.Context, owner, name string) (map[string]int64, error)
	ListOpenIssues(ctx context.Context, owner, name string) ([]vcs.Issue, error)
}

// Analyzer produces the repository analysis record.
type Analyzer interface {
	AnalyzeRepository(ctx context.Context, repoKey string, signals vcs.RepoSignals) (oracle.RepoAnalysis, error)
}

// SignalsFactory builds a provider client bound to one credential.
// Clients are built per materialisation so a rotated credential is picked
// up immediately.
type SignalsFactory func(ctx context.Context, credential string) (Signals, error)

// WorkspaceFactory builds a workspace client bound to one endpoint.
type WorkspaceFactory func(endpoint string) Workspace

// Materializer runs the one-shot connect pipeline.
type Materializer struct {
	store      *store.Store
	analyzer   Analyzer
	signals    SignalsFactory
	workspaces WorkspaceFactory
	now        func() time.Time
}

func NewMaterializer(s *store.Store, analyzer Analyzer, signals SignalsFactory, workspaces WorkspaceFactory) *Materializer {
	return &Materializer{
		store:      s,
		analyzer:   analyzer,
		signals:    signals,
		workspaces: workspaces,
		now:        time.Now,
	}
}

// Request identifies the repository to materialise and where its brain
// should live.
type Request struct {
	Owner             string
	Name              string
	Branch            string
	Credential        string
	WorkspaceEndpoint string
	OwnerUser         store.OwnerUser
}

// Result reports a materialisation. AlreadyExists distinguishes the
// short-circuit outcomes (stored record, or hydrated from the workspace)
// from a fresh creation; Analysis is set only for fresh creations.
type Result struct {
	AlreadyExists bool
	DocumentID    string
	DocumentTitle string
	Record        store.ConnectionRecord
	Analysis      *oracle.RepoAnalysis
}

// DocumentTitle is the canonical root-document title of a repository.
func DocumentTitle(owner, name string) string {
	return fmt.Sprintf("%s-%s-docs", owner, name)
}

// Analyze runs the pipeline. Signal gathering is best-effort and oracle
// failure degrades to a low-confidence skeleton; document creation and the
// collection creations are the only fatal steps. Once the root document
// exists the connection record is persisted, partial if need be, so a
// retry resumes through the idempotence gate instead of duplicating the
// document.
func (m *Materializer) Analyze(ctx context.Context, req Request) (*Result, error) {
	var repoKey = store.Key(req.Owner, req.Name)
	var title = DocumentTitle(req.Owner, req.Name)
	var branch = req.Branch
	if branch == "" {
		branch = "main"
	}

	if rec, ok := m.store.Get(repoKey); ok && rec.DocumentID != "" {
		log.WithFields(rec.LogFields()).Info("repository already materialized")
		return &Result{
			AlreadyExists: true,
			DocumentID:    rec.DocumentID,
			DocumentTitle: rec.DocumentTitle,
			Record:        rec,
		}, nil
	}

	var ws = m.workspaces(req.WorkspaceEndpoint)

	// The workspace is the ground truth: a document that exists remotely
	// but not locally is hydrated into the store, never re-created.
	if doc, ok, err := ws.DocumentExists(ctx, title); err != nil {
		return nil, fmt.Errorf("probing document %q: %w", title, err)
	} else if ok {
		var rec = store.ConnectionRecord{
			RepoKey:           repoKey,
			Credential:        req.Credential,
			WorkspaceEndpoint: req.WorkspaceEndpoint,
			DocumentID:        doc.ID,
			DocumentTitle:     doc.Title,
			OwnerUser:         req.OwnerUser,
			ConnectedAt:       m.now().UTC(),
			AutoSyncEnabled:   true,
		}
		if err := m.store.Put(ctx, rec); err != nil {
			return nil, fmt.Errorf("hydrating connection %s: %w", repoKey, err)
		}
		log.WithFields(rec.LogFields()).Info("hydrated connection from existing document")
		var stored, _ = m.store.Get(repoKey)
		return &Result{
			AlreadyExists: true,
			DocumentID:    doc.ID,
			DocumentTitle: doc.Title,
			Record:        stored,
		}, nil
	}

	var signalsClient, err = m.signals(ctx, req.Credential)
	if err != nil {
		return nil, fmt.Errorf("building provider client: %w", err)
	}
	var signals = m.gatherSignals(ctx, signalsClient, req.Owner, req.Name, branch)

	analysis, err := m.analyzer.AnalyzeRepository(ctx, repoKey, signals)
	if err != nil {
		log.WithFields(log.Fields{"repo": repoKey, "err": err}).
			Warn("repository analysis degraded to fallback")
		analysis = oracle.FallbackRepoAnalysis(repoKey)
	}

	docID, err := ws.CreateDocument(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("creating document %q: %w", title, err)
	}

	var now = m.now().UTC()
	var rec = store.ConnectionRecord{
		RepoKey:           repoKey,
		Credential:        req.Credential,
		WorkspaceEndpoint: req.WorkspaceEndpoint,
		DocumentID:        docID,
		DocumentTitle:     title,
		OwnerUser:         req.OwnerUser,
		ConnectedAt:       now,
		AutoSyncEnabled:   true,
		Confidence:        analysis.Confidence,
	}
	if err = m.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting connection %s: %w", repoKey, err)
	}

	// Page content is advisory: a failed append degrades the brain but
	// does not abort the connection.
	if err = ws.AddMarkdown(ctx, docID, renderMainPage(repoKey, analysis, now), workspace.PositionEnd); err != nil {
		log.WithFields(log.Fields{"repo": repoKey, "err": err}).Warn("seeding main page failed")
	}
	if err = ws.AddMarkdown(ctx, docID, renderTechnicalSpec(analysis), workspace.PositionEnd); err != nil {
		log.WithFields(log.Fields{"repo": repoKey, "err": err}).Warn("appending technical specification failed")
	}

	for _, name := range collectionOrder {
		id, err := ws.CreateCollection(ctx, docID, name, collectionSchemas[name])
		if err != nil {
			// The record keeps the ids obtained so far; the gate makes a
			// retry safe.
			if putErr := m.store.Put(ctx, rec); putErr != nil {
				log.WithFields(log.Fields{"repo": repoKey, "err": putErr}).
					Error("persisting partial connection failed")
			}
			return nil, fmt.Errorf("creating collection %s: %w", name, err)
		}
		setCollectionID(&rec.CollectionIDs, name, id)

		if err = ws.AddCollectionItems(ctx, id, initialItems(name, repoKey, analysis, now)); err != nil {
			log.WithFields(log.Fields{"repo": repoKey, "collection": name, "err": err}).
				Warn("seeding collection failed")
		}
	}

	if err = m.store.Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("persisting connection %s: %w", repoKey, err)
	}
	var stored, _ = m.store.Get(repoKey)

	log.WithFields(log.Fields{
		"repo":       repoKey,
		"document":   docID,
		"confidence": analysis.Confidence,
	}).Info("repository materialized")

	return &Result{
		DocumentID:    docID,
		DocumentTitle: title,
		Record:        stored,
		Analysis:      &analysis,
	}, nil
}

// gatherSignals probes the repository. Every probe may fail independently;
// a failed probe logs a warning and leaves its slot empty.
func (m *Materializer) gatherSignals(ctx context.Context, c Signals, owner, name, branch string) vcs.RepoSignals {
	var out vcs.RepoSignals
	var repo = owner + "/" + name

	if tree, err := c.ListTree(ctx, owner, name, branch); err != nil {
		log.WithFields(log.Fields{"repo": repo, "err": err}).Warn("file tree unavailable")
	} else {
		out.FileTree = tree
	}
	if readme, ok, err := c.GetReadme(ctx, owner, name); err != nil {
		log.WithFields(log.Fields{"repo": repo, "err": err}).Warn("readme unavailable")
	} else if ok {
		out.Readme = readme
	}
	if manifests, err := c.GetPackageManifests(ctx, owner, name); err != nil {
		log.WithFields(log.Fields{"repo": repo, "err": err}).Warn("package manifests unavailable")
	} else {
		out.PackageManifests = manifests
	}
	if langs, err := c.GetLanguages(ctx, owner, name); err != nil {
		log.WithFields(log.Fields{"repo": repo, "err": err}).Warn("language listing unavailable")
	} else {
		out.Languages = langs
	}
	if issues, err := c.ListOpenIssues(ctx, owner, name); err != nil {
		log.WithFields(log.Fields{"repo": repo, "err": err}).Warn("issue listing unavailable")
	} else {
		out.OpenIssues = issues
	}
	return out
}

func setCollectionID(ids *store.CollectionIDs, collection, id string) {
	switch collection {
	case CollectionReleaseNotes:
		ids.ReleaseNotes = id
	case CollectionADRs:
		ids.ADRs = id
	case CollectionEngineeringTasks:
		ids.EngineeringTasks = id
	case CollectionDocHistory:
		ids.DocHistory = id
	}
}

// initialItems builds the seed items of one collection. Every collection
// receives at least one item so a fresh brain is never empty.
func initialItems(collection, repoKey string, a oracle.RepoAnalysis, now time.Time) []map[string]interface{} {
	var date = now.Format("2006-01-02")

	switch collection {
	case CollectionReleaseNotes:
		var version = fmt.Sprintf("v%d.%02d.0", now.Year(), int(now.Month()))
		return []map[string]interface{}{{
			"title":   version + " - Initial Documentation",
			"version": version,
			"date":    date,
			"summary": "Engineering Brain created for " + repoKey,
			"changes": "Initial repository analysis and seeded documentation",
		}}

	case CollectionADRs:
		return []map[string]interface{}{{
			"title":        a.InitialADR.Title,
			"adr_id":       "ADR-0001",
			"status":       "Accepted",
			"date":         date,
			"context":      a.InitialADR.Context,
			"decision":     a.InitialADR.Decision,
			"consequences": renderConsequences(a.InitialADR.Consequences),
			"confidence":   a.Confidence,
		}}

	case CollectionEngineeringTasks:
		var tasks = a.EngineeringTasks
		if len(tasks) == 0 {
			tasks = []oracle.EngineeringTask{{
				Task:      "Review the generated documentation for accuracy",
				Priority:  "Medium",
				Category:  "Documentation",
				Reasoning: "Seeded automatically at connection time.",
			}}
		}
		var items = make([]map[string]interface{}, len(tasks))
		for i, t := range tasks {
			items[i] = map[string]interface{}{
				"task":       t.Task,
				"priority":   t.Priority,
				"category":   t.Category,
				"reasoning":  t.Reasoning,
				"status":     "Open",
				"created_at": date,
			}
		}
		return items

	case CollectionDocHistory:
		return []map[string]interface{}{{
			"event":       "Engineering Brain Created",
			"date":        date,
			"description": "Initial analysis of " + repoKey,
			"confidence":  percent(a.Confidence),
		}}
	}
	return nil
}

func renderConsequences(c oracle.ADRConsequences) string {
	var parts []string
	if len(c.Positive) > 0 {
		parts = append(parts, "Positive: "+strings.Join(c.Positive, "; "))
	}
	if len(c.Negative) > 0 {
		parts = append(parts, "Negative: "+strings.Join(c.Negative, "; "))
	}
	if len(c.Risks) > 0 {
		parts = append(parts, "Risks: "+strings.Join(c.Risks, "; "))
	}
	return strings.Join(parts, " | ")
}
