package workspace

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// pageState backs a scripted page whose blocks respond to the block tools.
type pageState struct {
	mu       sync.Mutex
	blocks   []Block
	updated  map[string]string
	deleted  []string
	appended []string
}

func servePage(ts *toolServer, initial []Block) *pageState {
	var page = &pageState{blocks: initial, updated: make(map[string]string)}

	ts.handle("blocks_get", func(json.RawMessage) (interface{}, *rpcError) {
		page.mu.Lock()
		defer page.mu.Unlock()
		var out []map[string]string
		for _, b := range page.blocks {
			out = append(out, map[string]string{"id": b.ID, "content": b.Content})
		}
		return out, nil
	})
	ts.handle("blocks_update", func(args json.RawMessage) (interface{}, *rpcError) {
		var in struct {
			BlockID string `json:"blockId"`
			Content string `json:"content"`
		}
		json.Unmarshal(args, &in)
		page.mu.Lock()
		defer page.mu.Unlock()
		page.updated[in.BlockID] = in.Content
		return map[string]bool{"success": true}, nil
	})
	ts.handle("blocks_delete", func(args json.RawMessage) (interface{}, *rpcError) {
		var in struct {
			BlockID string `json:"blockId"`
		}
		json.Unmarshal(args, &in)
		page.mu.Lock()
		defer page.mu.Unlock()
		page.deleted = append(page.deleted, in.BlockID)
		var kept []Block
		for _, b := range page.blocks {
			if b.ID != in.BlockID {
				kept = append(kept, b)
			}
		}
		page.blocks = kept
		return map[string]bool{"success": true}, nil
	})
	ts.handle("markdown_add", func(args json.RawMessage) (interface{}, *rpcError) {
		var in struct {
			Markdown string `json:"markdown"`
		}
		json.Unmarshal(args, &in)
		page.mu.Lock()
		defer page.mu.Unlock()
		page.appended = append(page.appended, in.Markdown)
		return map[string]bool{"success": true}, nil
	})
	return page
}

func TestUpdateMainDocumentDeleteThenAppend(t *testing.T) {
	var ts = newToolServer(t)
	var page = servePage(ts, []Block{
		{ID: "b1", Content: "_Last updated from PR #41 on 2026-07-02_"},
		{ID: "b2", Content: "## Tech Stack"},
	})

	var err = ts.client().UpdateMainDocument(context.Background(), MainDocumentUpdate{
		PageID:           "page-1",
		DeletePattern:    `Last updated from PR`,
		NewContent:       "_Last updated from PR #43 on 2026-08-25_",
		AppendIfNotFound: true,
	})
	require.NoError(t, err)

	require.Equal(t, []string{"b1"}, page.deleted)
	require.Equal(t, []string{"_Last updated from PR #43 on 2026-08-25_"}, page.appended)
	require.Empty(t, page.updated)
}

func TestUpdateMainDocumentInPlaceSection(t *testing.T) {
	var ts = newToolServer(t)
	var page = servePage(ts, []Block{
		{ID: "b1", Content: "# octocat/hello"},
		{ID: "b2", Content: "## Tech Stack\n- Go"},
	})

	var err = ts.client().UpdateMainDocument(context.Background(), MainDocumentUpdate{
		PageID:           "page-1",
		SectionToUpdate:  `Tech Stack`,
		NewContent:       "## Tech Stack\n- Go\n- Redis",
		AppendIfNotFound: true,
	})
	require.NoError(t, err)

	// Matched in place; nothing deleted or appended.
	require.Equal(t, "## Tech Stack\n- Go\n- Redis", page.updated["b2"])
	require.Empty(t, page.deleted)
	require.Empty(t, page.appended)
}

func TestUpdateMainDocumentAppendsWhenSectionMissing(t *testing.T) {
	var ts = newToolServer(t)
	var page = servePage(ts, []Block{{ID: "b1", Content: "# octocat/hello"}})

	var err = ts.client().UpdateMainDocument(context.Background(), MainDocumentUpdate{
		PageID:           "page-1",
		SectionToUpdate:  `API Changes`,
		NewContent:       "## API Changes\n- PR #43",
		AppendIfNotFound: true,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"## API Changes\n- PR #43"}, page.appended)
}

func TestRegenerateSectionDeletesThroughBoundary(t *testing.T) {
	var ts = newToolServer(t)
	var page = servePage(ts, []Block{
		{ID: "b1", Content: "# octocat/hello"},
		{ID: "b2", Content: "## Architecture"},
		{ID: "b3", Content: "Layered design."},
		{ID: "b4", Content: "### Data Flow"},
		{ID: "b5", Content: "Request to response."},
		{ID: "b6", Content: "## Key Concepts"},
		{ID: "b7", Content: "Cursor."},
	})

	var err = ts.client().RegenerateSection(context.Background(), "page-1", "Architecture", "## Architecture\nEvent driven.")
	require.NoError(t, err)

	// The heading, its body, and its sub-sections go; the next same-level
	// heading survives.
	require.Equal(t, []string{"b2", "b3", "b4", "b5"}, page.deleted)
	require.Equal(t, []string{"## Architecture\nEvent driven."}, page.appended)
}

func TestRegenerateSectionMissingAppends(t *testing.T) {
	var ts = newToolServer(t)
	var page = servePage(ts, []Block{{ID: "b1", Content: "# octocat/hello"}})

	var err = ts.client().RegenerateSection(context.Background(), "page-1", "Breaking Changes", "## Breaking Changes\nNone.")
	require.NoError(t, err)
	require.Empty(t, page.deleted)
	require.Equal(t, []string{"## Breaking Changes\nNone."}, page.appended)
}

func TestHeadingLevel(t *testing.T) {
	require.Equal(t, 2, headingLevel("## Architecture"))
	require.Equal(t, 0, headingLevel("not a heading"))
	require.Equal(t, 0, headingLevel("#hashtag"))
	require.Equal(t, 3, headingLevel("  ### indented"))
	require.Equal(t, 0, headingLevel("####### seven"))
}
