// Package vcs is a typed client of the hosted version-control provider.
// It exposes the narrow read surface the sync engine needs: repository
// signals for the initial analysis, and merged-PR / direct-commit listings
// for the change-detection sweeps.
package vcs

import (
	"errors"
	"time"
)

// ErrNotFound is returned when the provider reports that a repository,
// reference, pull request, or commit does not exist.
var ErrNotFound = errors.New("not found")

// TreeEntry is one blob of a repository tree listing.
type TreeEntry struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Repository is a summary of one provider repository.
type Repository struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	FullName      string `json:"fullName"`
	Description   string `json:"description,omitempty"`
	DefaultBranch string `json:"defaultBranch"`
	Private       bool   `json:"private"`
}

// Issue is a summary of one open issue, gathered as a repository signal.
type Issue struct {
	Number int      `json:"number"`
	Title  string   `json:"title"`
	Labels []string `json:"labels,omitempty"`
}

// PRSummary identifies one merged pull request within a sweep listing.
type PRSummary struct {
	Number   int       `json:"number"`
	Title    string    `json:"title"`
	Author   string    `json:"author"`
	MergedAt time.Time `json:"mergedAt"`
	BaseRef  string    `json:"baseRef"`
}

// PRFile is one changed file of a pull request or commit.
type PRFile struct {
	Filename  string `json:"filename"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Patch     string `json:"patch,omitempty"`
}

// Comment is one discussion comment of a pull request.
type Comment struct {
	Author string `json:"author"`
	Body   string `json:"body"`
}

// Review is one review of a pull request.
type Review struct {
	Author string `json:"author"`
	State  string `json:"state"`
	Body   string `json:"body,omitempty"`
}

// PRData is the full pull-request context handed to the oracle.
type PRData struct {
	Number       int       `json:"number"`
	Title        string    `json:"title"`
	Body         string    `json:"body,omitempty"`
	Author       string    `json:"author"`
	MergedAt     time.Time `json:"mergedAt"`
	BaseRef      string    `json:"baseRef"`
	FilesChanged []PRFile  `json:"filesChanged"`
	Comments     []Comment `json:"comments"`
	Reviews      []Review  `json:"reviews"`
}

// Commit is a summary of one direct-branch commit.
type Commit struct {
	SHA         string    `json:"sha"`
	Message     string    `json:"message"`
	Author      string    `json:"author"`
	CommittedAt time.Time `json:"committedAt"`
}

// CommitDetail is one commit with its changed files and line stats.
type CommitDetail struct {
	Commit
	Files     []PRFile `json:"files"`
	Additions int      `json:"additions"`
	Deletions int      `json:"deletions"`
}

// RepoSignals is the transient bundle of repository facts gathered for one
// materialisation. Every field is best-effort; an empty value means the
// corresponding probe failed or found nothing.
type RepoSignals struct {
	FileTree         []TreeEntry       `json:"fileTree"`
	Readme           string            `json:"readme,omitempty"`
	PackageManifests map[string]string `json:"packageManifests,omitempty"`
	Languages        map[string]int64  `json:"languages,omitempty"`
	OpenIssues       []Issue           `json:"openIssues,omitempty"`
}
