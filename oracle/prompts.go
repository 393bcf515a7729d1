package oracle

import (
	"fmt"
	"sort"
	"strings"

	"github.com/brainops/engbrain/vcs"
)

// Prompt inputs are bounded so a pathological repository cannot blow the
// model's context window. Truncation keeps the head of each signal, which
// carries the most structure.
const (
	maxTreePaths    = 250
	maxReadmeBytes  = 6000
	maxManifest     = 2500
	maxPatchBytes   = 1500
	maxPatchedFiles = 20
	maxDiscussion   = 10
	maxBodyBytes    = 3000
	maxIssues       = 15
)

const repoAnalysisShape = `{
  "overview": {"projectName": "", "tagline": "", "description": "", "problemStatement": ""},
  "scope": {"inScope": [], "outOfScope": [], "futureConsiderations": []},
  "architecture": {"pattern": "", "description": "", "layers": [{"name": "", "purpose": "", "technologies": []}], "dataFlow": "", "frameworks": [], "confidence": 0.0},
  "keyConcepts": [{"term": "", "definition": ""}],
  "coreModules": [{"name": "", "purpose": "", "responsibilities": [], "location": "", "dependencies": [], "keyFiles": [], "confidence": 0.0}],
  "publicAPIs": [{"name": "", "description": ""}],
  "internalInterfaces": [{"name": "", "description": ""}],
  "technicalStack": {"frontend": [], "backend": [], "database": [], "infrastructure": [], "tooling": []},
  "openQuestions": [],
  "initialADR": {"title": "", "context": "", "decision": "", "consequences": {"positive": [], "negative": [], "risks": []}},
  "engineeringTasks": [{"task": "", "priority": "High|Medium|Low", "category": "", "reasoning": ""}],
  "confidence": 0.0
}`

const changeAnalysisShape = `{
  "changeType": "feature|bugfix|refactor|docs|test|security|performance|architecture|unknown",
  "impactLevel": "major|minor|patch",
  "affectedModules": [],
  "publicAPIChanges": false,
  "breakingChanges": false,
  "requiresADR": false,
  "summary": "",
  "documentationUpdates": [],
  "followUpTasks": [],
  "newTechnologies": [],
  "architectureChanges": "",
  "confidence": 0.0
}`

const commitSignificanceShape = `{
  "isSignificant": false,
  "changeType": "feature|bugfix|refactor|docs|test|security|performance|architecture|unknown",
  "impactLevel": "major|minor|patch",
  "summary": "",
  "suggestedTasks": [],
  "confidence": 0.0
}`

func repoAnalysisPrompt(repoKey string, signals vcs.RepoSignals) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the repository %s and produce its engineering documentation baseline.\n\n", repoKey)

	if len(signals.FileTree) != 0 {
		b.WriteString("## File tree (path, size in bytes)\n")
		for i, entry := range signals.FileTree {
			if i == maxTreePaths {
				fmt.Fprintf(&b, "... and %d more files\n", len(signals.FileTree)-maxTreePaths)
				break
			}
			fmt.Fprintf(&b, "%s (%d)\n", entry.Path, entry.Size)
		}
		b.WriteByte('\n')
	}
	if signals.Readme != "" {
		b.WriteString("## README\n")
		b.WriteString(truncate(signals.Readme, maxReadmeBytes))
		b.WriteString("\n\n")
	}
	if len(signals.PackageManifests) != 0 {
		b.WriteString("## Package manifests\n")
		for _, ecosystem := range sortedKeys(signals.PackageManifests) {
			fmt.Fprintf(&b, "### %s\n%s\n", ecosystem, truncate(signals.PackageManifests[ecosystem], maxManifest))
		}
		b.WriteByte('\n')
	}
	if len(signals.Languages) != 0 {
		b.WriteString("## Languages (bytes)\n")
		for lang, bytes := range signals.Languages {
			fmt.Fprintf(&b, "%s: %d\n", lang, bytes)
		}
		b.WriteByte('\n')
	}
	if len(signals.OpenIssues) != 0 {
		b.WriteString("## Open issues\n")
		for i, issue := range signals.OpenIssues {
			if i == maxIssues {
				break
			}
			fmt.Fprintf(&b, "#%d %s\n", issue.Number, issue.Title)
		}
		b.WriteByte('\n')
	}

	fmt.Fprintf(&b, "Respond with a single JSON object and no surrounding prose, exactly this shape:\n%s\n", repoAnalysisShape)
	b.WriteString("Confidence values are between 0 and 1. Omit nothing; use empty strings and arrays where you have no answer.\n")
	return b.String()
}

func changeAnalysisPrompt(repoKey string, pr *vcs.PRData) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classify merged pull request #%d of %s for documentation impact.\n\n", pr.Number, repoKey)
	fmt.Fprintf(&b, "Title: %s\nAuthor: %s\nBase: %s\n", pr.Title, pr.Author, pr.BaseRef)
	if pr.Body != "" {
		fmt.Fprintf(&b, "\n## Description\n%s\n", truncate(pr.Body, maxBodyBytes))
	}

	if len(pr.FilesChanged) != 0 {
		b.WriteString("\n## Changed files\n")
		for i, file := range pr.FilesChanged {
			if i == maxPatchedFiles {
				fmt.Fprintf(&b, "... and %d more files\n", len(pr.FilesChanged)-maxPatchedFiles)
				break
			}
			fmt.Fprintf(&b, "### %s (+%d -%d)\n", file.Filename, file.Additions, file.Deletions)
			if file.Patch != "" {
				fmt.Fprintf(&b, "```\n%s\n```\n", truncate(file.Patch, maxPatchBytes))
			}
		}
	}
	if len(pr.Comments) != 0 {
		b.WriteString("\n## Discussion\n")
		for i, comment := range pr.Comments {
			if i == maxDiscussion {
				break
			}
			fmt.Fprintf(&b, "%s: %s\n", comment.Author, truncate(comment.Body, 500))
		}
	}
	if len(pr.Reviews) != 0 {
		b.WriteString("\n## Reviews\n")
		for i, review := range pr.Reviews {
			if i == maxDiscussion {
				break
			}
			fmt.Fprintf(&b, "%s (%s): %s\n", review.Author, review.State, truncate(review.Body, 500))
		}
	}

	fmt.Fprintf(&b, "\nRespond with a single JSON object and no surrounding prose, exactly this shape:\n%s\n", changeAnalysisShape)
	return b.String()
}

func commitSignificancePrompt(repoKey string, commits []vcs.Commit, files []vcs.PRFile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Judge whether this batch of direct commits to %s is significant enough to document.\n", repoKey)
	b.WriteString("Routine chores, formatting, and dependency bumps are not significant.\n\n## Commits\n")
	for _, commit := range commits {
		fmt.Fprintf(&b, "%s %s (%s)\n", shortSHA(commit.SHA), firstLine(commit.Message), commit.Author)
	}

	if len(files) != 0 {
		b.WriteString("\n## Files of the newest commit\n")
		for i, file := range files {
			if i == maxPatchedFiles {
				break
			}
			fmt.Fprintf(&b, "### %s (+%d -%d)\n", file.Filename, file.Additions, file.Deletions)
			if file.Patch != "" {
				fmt.Fprintf(&b, "```\n%s\n```\n", truncate(file.Patch, maxPatchBytes))
			}
		}
	}

	fmt.Fprintf(&b, "\nRespond with a single JSON object and no surrounding prose, exactly this shape:\n%s\n", commitSignificanceShape)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func sortedKeys(m map[string]string) []string {
	var keys = make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
