package workspace

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// MainDocumentUpdate is one targeted, partial mutation of the root page.
// DeletePattern removes every matching block first; SectionToUpdate then
// rewrites the first matching block in place; when nothing matches and
// AppendIfNotFound is set, NewContent is appended at the end of the page.
// Patterns are regular expressions matched case-insensitively.
type MainDocumentUpdate struct {
	PageID           string
	SectionToUpdate  string
	NewContent       string
	DeletePattern    string
	AppendIfNotFound bool
}

// UpdateMainDocument applies one targeted mutation to a page.
func (c *Client) UpdateMainDocument(ctx context.Context, u MainDocumentUpdate) error {
	var blocks, err = c.GetBlocks(ctx, u.PageID)
	if err != nil {
		return err
	}

	var deleted = make(map[string]bool)
	if u.DeletePattern != "" {
		re, err := regexp.Compile("(?i)" + u.DeletePattern)
		if err != nil {
			return fmt.Errorf("compiling delete pattern: %w", err)
		}
		for _, block := range blocks {
			if !re.MatchString(block.Content) {
				continue
			}
			if err = c.DeleteBlock(ctx, block.ID); err != nil {
				return err
			}
			deleted[block.ID] = true
		}
	}

	if u.SectionToUpdate != "" {
		re, err := regexp.Compile("(?i)" + u.SectionToUpdate)
		if err != nil {
			return fmt.Errorf("compiling section pattern: %w", err)
		}
		for _, block := range blocks {
			if deleted[block.ID] || !re.MatchString(block.Content) {
				continue
			}
			return c.UpdateBlock(ctx, block.ID, u.NewContent)
		}
	}

	if u.AppendIfNotFound && u.NewContent != "" {
		return c.AddMarkdown(ctx, u.PageID, u.NewContent, PositionEnd)
	}
	return nil
}

// RegenerateSection replaces a whole markdown section: the heading block
// matching sectionName and every following block up to (not including) the
// next heading of the same or higher level are deleted, and newMarkdown is
// appended. A missing section degrades to a plain append.
func (c *Client) RegenerateSection(ctx context.Context, pageID, sectionName, newMarkdown string) error {
	var blocks, err = c.GetBlocks(ctx, pageID)
	if err != nil {
		return err
	}

	var start, level = -1, 0
	for i, block := range blocks {
		if lvl := headingLevel(block.Content); lvl > 0 && containsFold(block.Content, sectionName) {
			start, level = i, lvl
			break
		}
	}
	if start == -1 {
		return c.AddMarkdown(ctx, pageID, newMarkdown, PositionEnd)
	}

	var end = len(blocks)
	for i := start + 1; i < len(blocks); i++ {
		if lvl := headingLevel(blocks[i].Content); lvl > 0 && lvl <= level {
			end = i
			break
		}
	}

	for _, block := range blocks[start:end] {
		if err = c.DeleteBlock(ctx, block.ID); err != nil {
			return err
		}
	}
	return c.AddMarkdown(ctx, pageID, newMarkdown, PositionEnd)
}

// headingLevel returns the markdown heading level of content, or zero if
// the block is not a heading.
func headingLevel(content string) int {
	var s = strings.TrimSpace(content)
	var n = 0
	for n < len(s) && s[n] == '#' {
		n++
	}
	if n == 0 || n > 6 || n >= len(s) || s[n] != ' ' {
		return 0
	}
	return n
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
