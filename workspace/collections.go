package workspace

import (
	"context"
	"encoding/json"
)

// Property is one typed column of a collection schema.
type Property struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Schema declares the shape of a collection. ContentProperty names the key
// carrying an item's primary content; it differs between collections and an
// item inserted under the wrong key is silently dropped by the remote.
type Schema struct {
	ContentProperty string     `json:"contentProperty"`
	Properties      []Property `json:"properties"`
}

type position struct {
	PageID   string `json:"pageId"`
	Position string `json:"position"`
}

// Positions of appended content relative to the page.
const (
	PositionStart = "start"
	PositionEnd   = "end"
)

// CreateCollection creates a collection on the page and returns its id.
func (c *Client) CreateCollection(ctx context.Context, pageID, name string, schema Schema) (string, error) {
	var raw, err = c.call(ctx, "collections_create", map[string]interface{}{
		"name":     name,
		"schema":   schema,
		"position": position{PageID: pageID, Position: PositionEnd},
	})
	if err != nil {
		return "", err
	}
	return extractCollectionID("collections_create", raw)
}

// AddCollectionItems appends items to a collection. Each item is a flat
// mapping of the schema's content property and column names to values.
func (c *Client) AddCollectionItems(ctx context.Context, collectionID string, items []map[string]interface{}) error {
	var _, err = c.call(ctx, "collectionItems_add", map[string]interface{}{
		"collectionBlockId": collectionID,
		"items":             items,
	})
	return err
}

// extractCollectionID pulls the created collection id out of a reply. The
// remote protocol is historically inconsistent about where the id lives,
// so each known shape is tried in order: collectionBlockId,
// collections[0].id, id, result.id, collection.id, then a bare string.
// A reply matching none of them is a hard ProtocolError.
func extractCollectionID(tool string, raw json.RawMessage) (string, error) {
	var shaped struct {
		CollectionBlockID string `json:"collectionBlockId"`
		Collections       []struct {
			ID string `json:"id"`
		} `json:"collections"`
		ID     string `json:"id"`
		Result struct {
			ID string `json:"id"`
		} `json:"result"`
		Collection struct {
			ID string `json:"id"`
		} `json:"collection"`
	}
	if err := json.Unmarshal(raw, &shaped); err == nil {
		switch {
		case shaped.CollectionBlockID != "":
			return shaped.CollectionBlockID, nil
		case len(shaped.Collections) > 0 && shaped.Collections[0].ID != "":
			return shaped.Collections[0].ID, nil
		case shaped.ID != "":
			return shaped.ID, nil
		case shaped.Result.ID != "":
			return shaped.Result.ID, nil
		case shaped.Collection.ID != "":
			return shaped.Collection.ID, nil
		}
	}

	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil && bare != "" {
		return bare, nil
	}
	return "", &ProtocolError{tool, "created collection id missing from reply"}
}
