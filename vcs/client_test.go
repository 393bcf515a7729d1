package vcs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brainops/engbrain/transport"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	var srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	var client, err = NewClient(context.Background(), Config{
		Credential: "test-token",
		APIBase:    srv.URL + "/",
		Timeout:    time.Second * 5,
	})
	require.NoError(t, err)
	return client
}

func TestListTreeKeepsOnlyBlobs(t *testing.T) {
	var mux = http.NewServeMux()
	mux.HandleFunc("/repos/octocat/hello/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"sha":"t1","tree":[
			{"path":"main.go","type":"blob","size":120},
			{"path":"internal","type":"tree"},
			{"path":"internal/api.go","type":"blob","size":88}
		]}`)
	})

	var client = testClient(t, mux)
	var tree, err = client.ListTree(context.Background(), "octocat", "hello", "main")
	require.NoError(t, err)
	require.Equal(t, []TreeEntry{
		{Path: "main.go", Size: 120},
		{Path: "internal/api.go", Size: 88},
	}, tree)
}

func TestGetReadme(t *testing.T) {
	var mux = http.NewServeMux()
	mux.HandleFunc("/repos/octocat/hello/readme", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","name":"README.md","content":%q}`,
			base64.StdEncoding.EncodeToString([]byte("# Hello\n")))
	})
	mux.HandleFunc("/repos/octocat/bare/readme", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})

	var client = testClient(t, mux)

	var text, found, err = client.GetReadme(context.Background(), "octocat", "hello")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "# Hello\n", text)

	// A repository without a readme is an absence, not an error.
	_, found, err = client.GetReadme(context.Background(), "octocat", "bare")
	require.NoError(t, err)
	require.False(t, found)
}

func TestListMergedPRsSinceFiltersAndSorts(t *testing.T) {
	var mux = http.NewServeMux()
	mux.HandleFunc("/repos/octocat/hello/pulls", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "closed", r.URL.Query().Get("state"))
		fmt.Fprint(w, `[
			{"number":44,"title":"add cache","merged_at":"2026-08-02T10:00:00Z","user":{"login":"alice"},"base":{"ref":"main"}},
			{"number":43,"title":"fix auth","merged_at":"2026-08-01T10:00:00Z","user":{"login":"bob"},"base":{"ref":"main"}},
			{"number":42,"title":"abandoned","merged_at":null,"user":{"login":"carol"},"base":{"ref":"main"}},
			{"number":41,"title":"already seen","merged_at":"2026-07-20T10:00:00Z","user":{"login":"alice"},"base":{"ref":"main"}}
		]`)
	})

	var client = testClient(t, mux)
	var prs, err = client.ListMergedPRsSince(context.Background(), "octocat", "hello", 41)
	require.NoError(t, err)

	// Ascending by number, closed-but-unmerged and already-seen excluded.
	require.Len(t, prs, 2)
	require.Equal(t, 43, prs[0].Number)
	require.Equal(t, 44, prs[1].Number)
	require.Equal(t, "bob", prs[0].Author)
}

func TestGetPRAggregatesFilesCommentsReviews(t *testing.T) {
	var mux = http.NewServeMux()
	mux.HandleFunc("/repos/octocat/hello/pulls/43", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":43,"title":"fix auth","body":"closes #12","merged_at":"2026-08-01T10:00:00Z",
			"user":{"login":"bob"},"base":{"ref":"main"}}`)
	})
	mux.HandleFunc("/repos/octocat/hello/pulls/43/files", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"filename":"auth.go","additions":10,"deletions":2,"patch":"@@ -1 +1 @@"}]`)
	})
	mux.HandleFunc("/repos/octocat/hello/issues/43/comments", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"user":{"login":"carol"},"body":"LGTM"}]`)
	})
	mux.HandleFunc("/repos/octocat/hello/pulls/43/reviews", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"user":{"login":"dave"},"state":"APPROVED","body":""}]`)
	})

	var client = testClient(t, mux)
	var pr, err = client.GetPR(context.Background(), "octocat", "hello", 43)
	require.NoError(t, err)

	require.Equal(t, 43, pr.Number)
	require.Equal(t, "bob", pr.Author)
	require.Len(t, pr.FilesChanged, 1)
	require.Equal(t, "auth.go", pr.FilesChanged[0].Filename)
	require.Len(t, pr.Comments, 1)
	require.Len(t, pr.Reviews, 1)
	require.Equal(t, "APPROVED", pr.Reviews[0].State)
}

func TestListCommitsPassesSince(t *testing.T) {
	var since = time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	var mux = http.NewServeMux()
	mux.HandleFunc("/repos/octocat/hello/commits", func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("since"))
		require.Equal(t, "main", r.URL.Query().Get("sha"))
		fmt.Fprint(w, `[
			{"sha":"c2","commit":{"message":"refactor: split api","author":{"name":"Alice","date":"2026-08-22T09:00:00Z"}},"author":{"login":"alice"}},
			{"sha":"c1","commit":{"message":"Merge pull request #44","author":{"name":"Bob","date":"2026-08-21T09:00:00Z"}},"author":{"login":"bob"}}
		]`)
	})

	var client = testClient(t, mux)
	var commits, err = client.ListCommits(context.Background(), "octocat", "hello", "main", since)
	require.NoError(t, err)

	// Provider order (newest first) is preserved; callers decide filtering.
	require.Len(t, commits, 2)
	require.Equal(t, "c2", commits[0].SHA)
	require.Equal(t, "alice", commits[0].Author)
}

func TestGetPackageManifests(t *testing.T) {
	var mux = http.NewServeMux()
	mux.HandleFunc("/repos/octocat/hello/contents/package.json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","name":"package.json","content":%q}`,
			base64.StdEncoding.EncodeToString([]byte(`{"name":"hello"}`)))
	})
	mux.HandleFunc("/repos/octocat/hello/contents/go.mod", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"type":"file","encoding":"base64","name":"go.mod","content":%q}`,
			base64.StdEncoding.EncodeToString([]byte("module hello")))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})

	var client = testClient(t, mux)
	var manifests, err = client.GetPackageManifests(context.Background(), "octocat", "hello")
	require.NoError(t, err)

	require.Equal(t, map[string]string{
		"node": `{"name":"hello"}`,
		"go":   "module hello",
	}, manifests)
}

func TestErrorMapping(t *testing.T) {
	var mux = http.NewServeMux()
	mux.HandleFunc("/repos/octocat/gone/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	})
	mux.HandleFunc("/repos/octocat/flaky/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"upstream"}`, http.StatusBadGateway)
	})
	mux.HandleFunc("/repos/octocat/bad/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"nope"}`, http.StatusUnprocessableEntity)
	})

	var client = testClient(t, mux)
	var ctx = context.Background()

	var _, err = client.ListTree(ctx, "octocat", "gone", "main")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = client.ListTree(ctx, "octocat", "flaky", "main")
	require.True(t, transport.Retryable(err))

	_, err = client.ListTree(ctx, "octocat", "bad", "main")
	var te *transport.Error
	require.True(t, errors.As(err, &te))
	require.False(t, te.Retry)
	require.Equal(t, http.StatusUnprocessableEntity, te.StatusCode)
}
