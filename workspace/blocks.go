package workspace

import (
	"context"
	"encoding/json"
)

// Block is one content block of a document page.
type Block struct {
	ID      string
	Content string
}

// Block replies carry their text under content, text, or markdown
// depending on the workspace version.
func (b *Block) UnmarshalJSON(data []byte) error {
	var wire struct {
		ID       string `json:"id"`
		Content  string `json:"content"`
		Text     string `json:"text"`
		Markdown string `json:"markdown"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	b.ID = wire.ID
	switch {
	case wire.Content != "":
		b.Content = wire.Content
	case wire.Text != "":
		b.Content = wire.Text
	default:
		b.Content = wire.Markdown
	}
	return nil
}

// GetBlocks lists the blocks of a page in document order.
func (c *Client) GetBlocks(ctx context.Context, pageID string) ([]Block, error) {
	var raw, err = c.call(ctx, "blocks_get", map[string]interface{}{"pageId": pageID})
	if err != nil {
		return nil, err
	}

	var blocks []Block
	if err = json.Unmarshal(raw, &blocks); err == nil {
		return blocks, nil
	}

	var wrapped struct {
		Blocks []Block `json:"blocks"`
	}
	if err = json.Unmarshal(raw, &wrapped); err == nil && wrapped.Blocks != nil {
		return wrapped.Blocks, nil
	}
	return nil, &ProtocolError{"blocks_get", "unrecognised block listing shape"}
}

// UpdateBlock replaces the content of one block.
func (c *Client) UpdateBlock(ctx context.Context, blockID, content string) error {
	var _, err = c.call(ctx, "blocks_update", map[string]interface{}{
		"blockId": blockID,
		"content": content,
	})
	return err
}

// DeleteBlock deletes one block.
func (c *Client) DeleteBlock(ctx context.Context, blockID string) error {
	var _, err = c.call(ctx, "blocks_delete", map[string]interface{}{"blockId": blockID})
	return err
}

// AddMarkdown appends markdown content to a page at the given position.
func (c *Client) AddMarkdown(ctx context.Context, pageID, markdown, pos string) error {
	var _, err = c.call(ctx, "markdown_add", map[string]interface{}{
		"markdown": markdown,
		"position": position{PageID: pageID, Position: pos},
	})
	return err
}
