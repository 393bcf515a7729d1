package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/brainops/engbrain/transport"
	"github.com/google/go-github/v48/github"
	"golang.org/x/oauth2"
)

// Clients are built per connection per cycle so a revoked or rotated
// credential is never cached beyond the cycle that observed it.

const defaultTimeout = time.Second * 30

// maxPRPages bounds how far back a sweep will page through closed PRs.
const maxPRPages = 5

// Config configures a provider Client.
type Config struct {
	// Credential is the OAuth or personal-access token of the connection.
	Credential string
	// APIBase overrides the provider API base URL (tests, self-hosted).
	APIBase string
	// Timeout is the per-call timeout. Defaults to 30s.
	Timeout time.Duration
}

// Client is a typed, credential-bound provider client.
type Client struct {
	gh *github.Client
}

// NewClient builds a Client from cfg.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	var source = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Credential})
	var httpClient = oauth2.NewClient(ctx, source)

	if cfg.Timeout != 0 {
		httpClient.Timeout = cfg.Timeout
	} else {
		httpClient.Timeout = defaultTimeout
	}

	var gh = github.NewClient(httpClient)
	if cfg.APIBase != "" {
		var base, err = url.Parse(cfg.APIBase)
		if err != nil {
			return nil, fmt.Errorf("parsing provider API base: %w", err)
		}
		if !strings.HasSuffix(base.Path, "/") {
			base.Path += "/"
		}
		gh.BaseURL = base
	}
	return &Client{gh: gh}, nil
}

// ListTree returns every blob of the repository tree at ref.
func (c *Client) ListTree(ctx context.Context, owner, name, ref string) ([]TreeEntry, error) {
	var tree, resp, err = c.gh.Git.GetTree(ctx, owner, name, ref, true)
	if err != nil {
		return nil, mapErr("listTree", resp, err)
	}

	var out []TreeEntry
	for _, entry := range tree.Entries {
		if entry.GetType() != "blob" {
			continue
		}
		out = append(out, TreeEntry{Path: entry.GetPath(), Size: int64(entry.GetSize())})
	}
	return out, nil
}

// GetReadme returns the decoded readme text, or found=false if the
// repository has none. Decode failures are returned as errors.
func (c *Client) GetReadme(ctx context.Context, owner, name string) (string, bool, error) {
	var readme, resp, err = c.gh.Repositories.GetReadme(ctx, owner, name, nil)
	if err != nil {
		if mapped := mapErr("getReadme", resp, err); errors.Is(mapped, ErrNotFound) {
			return "", false, nil
		} else {
			return "", false, mapped
		}
	}

	text, err := readme.GetContent()
	if err != nil {
		return "", false, fmt.Errorf("decoding readme: %w", err)
	}
	return text, true, nil
}

var manifestProbes = []struct{ ecosystem, path string }{
	{"node", "package.json"},
	{"go", "go.mod"},
	{"rust", "Cargo.toml"},
	{"python", "requirements.txt"},
	{"python", "pyproject.toml"},
	{"jvm", "pom.xml"},
	{"jvm", "build.gradle"},
	{"ruby", "Gemfile"},
	{"php", "composer.json"},
}

// GetPackageManifests probes well-known manifest paths and returns the text
// of each that exists, keyed by ecosystem. Absent entries are omitted.
func (c *Client) GetPackageManifests(ctx context.Context, owner, name string) (map[string]string, error) {
	var out = make(map[string]string)
	for _, probe := range manifestProbes {
		if _, ok := out[probe.ecosystem]; ok {
			continue
		}
		var file, _, resp, err = c.gh.Repositories.GetContents(ctx, owner, name, probe.path, nil)
		if err != nil {
			if mapped := mapErr("getManifest", resp, err); errors.Is(mapped, ErrNotFound) {
				continue
			} else if transport.Retryable(mapped) {
				return nil, mapped
			}
			continue
		}
		if file == nil {
			continue
		}
		text, err := file.GetContent()
		if err != nil {
			continue
		}
		out[probe.ecosystem] = text
	}
	return out, nil
}

// GetLanguages returns the byte counts per language of the repository.
func (c *Client) GetLanguages(ctx context.Context, owner, name string) (map[string]int64, error) {
	var langs, resp, err = c.gh.Repositories.ListLanguages(ctx, owner, name)
	if err != nil {
		return nil, mapErr("getLanguages", resp, err)
	}

	var out = make(map[string]int64, len(langs))
	for lang, bytes := range langs {
		out[lang] = int64(bytes)
	}
	return out, nil
}

// ListOpenIssues returns a bounded listing of open issues, excluding PRs.
func (c *Client) ListOpenIssues(ctx context.Context, owner, name string) ([]Issue, error) {
	var opt = &github.IssueListByRepoOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 30},
	}
	var issues, resp, err = c.gh.Issues.ListByRepo(ctx, owner, name, opt)
	if err != nil {
		return nil, mapErr("listOpenIssues", resp, err)
	}

	var out []Issue
	for _, issue := range issues {
		if issue.IsPullRequest() {
			continue
		}
		var labels []string
		for _, label := range issue.Labels {
			labels = append(labels, label.GetName())
		}
		out = append(out, Issue{Number: issue.GetNumber(), Title: issue.GetTitle(), Labels: labels})
	}
	return out, nil
}

// ListMergedPRsSince returns merged pull requests with number > since,
// sorted ascending by number.
func (c *Client) ListMergedPRsSince(ctx context.Context, owner, name string, since int) ([]PRSummary, error) {
	var opt = &github.PullRequestListOptions{
		State:       "closed",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var out []PRSummary
	for page := 0; page < maxPRPages; page++ {
		var prs, resp, err = c.gh.PullRequests.List(ctx, owner, name, opt)
		if err != nil {
			return nil, mapErr("listMergedPRs", resp, err)
		}
		for _, pr := range prs {
			if pr.MergedAt == nil || pr.GetNumber() <= since {
				continue
			}
			out = append(out, PRSummary{
				Number:   pr.GetNumber(),
				Title:    pr.GetTitle(),
				Author:   pr.GetUser().GetLogin(),
				MergedAt: *pr.MergedAt,
				BaseRef:  pr.GetBase().GetRef(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// GetPR returns the full context of one pull request, including its
// changed files, discussion comments, and reviews.
func (c *Client) GetPR(ctx context.Context, owner, name string, number int) (*PRData, error) {
	var pr, resp, err = c.gh.PullRequests.Get(ctx, owner, name, number)
	if err != nil {
		return nil, mapErr("getPR", resp, err)
	}

	var data = &PRData{
		Number:  pr.GetNumber(),
		Title:   pr.GetTitle(),
		Body:    pr.GetBody(),
		Author:  pr.GetUser().GetLogin(),
		BaseRef: pr.GetBase().GetRef(),
	}
	if pr.MergedAt != nil {
		data.MergedAt = *pr.MergedAt
	}

	files, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, name, number, &github.ListOptions{PerPage: 100})
	if err != nil {
		return nil, mapErr("getPRFiles", resp, err)
	}
	for _, file := range files {
		data.FilesChanged = append(data.FilesChanged, PRFile{
			Filename:  file.GetFilename(),
			Additions: file.GetAdditions(),
			Deletions: file.GetDeletions(),
			Patch:     file.GetPatch(),
		})
	}

	comments, resp, err := c.gh.Issues.ListComments(ctx, owner, name, number, nil)
	if err != nil {
		return nil, mapErr("getPRComments", resp, err)
	}
	for _, comment := range comments {
		data.Comments = append(data.Comments, Comment{
			Author: comment.GetUser().GetLogin(),
			Body:   comment.GetBody(),
		})
	}

	reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, name, number, nil)
	if err != nil {
		return nil, mapErr("getPRReviews", resp, err)
	}
	for _, review := range reviews {
		data.Reviews = append(data.Reviews, Review{
			Author: review.GetUser().GetLogin(),
			State:  review.GetState(),
			Body:   review.GetBody(),
		})
	}
	return data, nil
}

// GetCommit returns one commit with its changed files and line stats.
func (c *Client) GetCommit(ctx context.Context, owner, name, sha string) (*CommitDetail, error) {
	var commit, resp, err = c.gh.Repositories.GetCommit(ctx, owner, name, sha, nil)
	if err != nil {
		return nil, mapErr("getCommit", resp, err)
	}

	var detail = &CommitDetail{
		Commit:    commitOf(commit),
		Additions: commit.GetStats().GetAdditions(),
		Deletions: commit.GetStats().GetDeletions(),
	}
	for _, file := range commit.Files {
		detail.Files = append(detail.Files, PRFile{
			Filename:  file.GetFilename(),
			Additions: file.GetAdditions(),
			Deletions: file.GetDeletions(),
			Patch:     file.GetPatch(),
		})
	}
	return detail, nil
}

// ListCommits returns commits of ref since the given instant, in provider
// order (descending by commit date). A zero since lists from the beginning.
func (c *Client) ListCommits(ctx context.Context, owner, name, ref string, since time.Time) ([]Commit, error) {
	var opt = &github.CommitsListOptions{
		SHA:         ref,
		ListOptions: github.ListOptions{PerPage: 100},
	}
	if !since.IsZero() {
		opt.Since = since
	}

	var commits, resp, err = c.gh.Repositories.ListCommits(ctx, owner, name, opt)
	if err != nil {
		return nil, mapErr("listCommits", resp, err)
	}

	var out = make([]Commit, 0, len(commits))
	for _, commit := range commits {
		out = append(out, commitOf(commit))
	}
	return out, nil
}

// ListRepositories lists the repositories visible to the authenticated user.
func (c *Client) ListRepositories(ctx context.Context) ([]Repository, error) {
	var opt = &github.RepositoryListOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var repos, resp, err = c.gh.Repositories.List(ctx, "", opt)
	if err != nil {
		return nil, mapErr("listRepositories", resp, err)
	}

	var out = make([]Repository, 0, len(repos))
	for _, repo := range repos {
		out = append(out, Repository{
			Owner:         repo.GetOwner().GetLogin(),
			Name:          repo.GetName(),
			FullName:      repo.GetFullName(),
			Description:   repo.GetDescription(),
			DefaultBranch: repo.GetDefaultBranch(),
			Private:       repo.GetPrivate(),
		})
	}
	return out, nil
}

func commitOf(rc *github.RepositoryCommit) Commit {
	var out = Commit{
		SHA:     rc.GetSHA(),
		Message: rc.GetCommit().GetMessage(),
		Author:  rc.GetCommit().GetAuthor().GetName(),
	}
	if login := rc.GetAuthor().GetLogin(); login != "" {
		out.Author = login
	}
	if date := rc.GetCommit().GetAuthor().GetDate(); !date.IsZero() {
		out.CommittedAt = date
	}
	return out
}

// mapErr folds a go-github error into the shared taxonomy: 404 becomes
// ErrNotFound, 429 / 5xx / transport faults are retryable, and remaining
// 4xx are surfaced immediately.
func mapErr(op string, resp *github.Response, err error) error {
	if err == nil {
		return nil
	}

	var status int
	if resp != nil && resp.Response != nil {
		status = resp.StatusCode
	}

	var rateLimit *github.RateLimitError
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &rateLimit) || errors.As(err, &abuse) {
		return &transport.Error{Op: op, StatusCode: status, Retry: true, Err: err}
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case status == 0 || status == http.StatusTooManyRequests || status >= 500:
		return &transport.Error{Op: op, StatusCode: status, Retry: true, Err: err}
	default:
		return &transport.Error{Op: op, StatusCode: status, Retry: false, Err: err}
	}
}
