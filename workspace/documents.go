package workspace

import (
	"context"
	"encoding/json"
	"strings"
)

// Document is one workspace document summary.
type Document struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ListDocuments returns every document of the workspace. This listing is
// the authoritative existence source; search lags it.
func (c *Client) ListDocuments(ctx context.Context) ([]Document, error) {
	var raw, err = c.call(ctx, "documents_list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	return decodeDocuments("documents_list", raw)
}

// SearchDocuments queries the workspace search index. The index may lag
// the canonical listing; use it only when the listing is unavailable.
func (c *Client) SearchDocuments(ctx context.Context, query string) ([]Document, error) {
	var raw, err = c.call(ctx, "documents_search", map[string]interface{}{"query": query})
	if err != nil {
		return nil, err
	}
	return decodeDocuments("documents_search", raw)
}

// CreateDocument creates a root-located document and returns its id.
func (c *Client) CreateDocument(ctx context.Context, title string) (string, error) {
	var raw, err = c.call(ctx, "documents_create", map[string]interface{}{
		"documents": []map[string]interface{}{
			{"title": title, "location": "root"},
		},
	})
	if err != nil {
		return "", err
	}
	return extractDocumentID("documents_create", raw)
}

// DeleteDocument deletes one document by id.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	var _, err = c.call(ctx, "documents_delete", map[string]interface{}{
		"documentIds": []string{id},
	})
	return err
}

// DocumentExists probes for a document with the exact title, compared
// case-insensitively. The listing is authoritative; the search index is
// consulted only if the listing call itself fails.
func (c *Client) DocumentExists(ctx context.Context, title string) (Document, bool, error) {
	var docs, err = c.ListDocuments(ctx)
	if err != nil {
		docs, err = c.SearchDocuments(ctx, title)
		if err != nil {
			return Document{}, false, err
		}
	}

	for _, doc := range docs {
		if strings.EqualFold(doc.Title, title) {
			return doc, true, nil
		}
	}
	return Document{}, false, nil
}

func decodeDocuments(tool string, raw json.RawMessage) ([]Document, error) {
	var docs []Document
	if err := json.Unmarshal(raw, &docs); err == nil {
		return docs, nil
	}

	var wrapped struct {
		Documents []Document `json:"documents"`
		Items     []Document `json:"items"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		if wrapped.Documents != nil {
			return wrapped.Documents, nil
		}
		if wrapped.Items != nil {
			return wrapped.Items, nil
		}
	}
	return nil, &ProtocolError{tool, "unrecognised document listing shape"}
}

// extractDocumentID pulls the created document id out of the handful of
// reply shapes observed in the wild.
func extractDocumentID(tool string, raw json.RawMessage) (string, error) {
	var shaped struct {
		Documents []struct {
			ID string `json:"id"`
		} `json:"documents"`
		ID         string `json:"id"`
		DocumentID string `json:"documentId"`
		Result     struct {
			ID string `json:"id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &shaped); err == nil {
		switch {
		case len(shaped.Documents) > 0 && shaped.Documents[0].ID != "":
			return shaped.Documents[0].ID, nil
		case shaped.ID != "":
			return shaped.ID, nil
		case shaped.DocumentID != "":
			return shaped.DocumentID, nil
		case shaped.Result.ID != "":
			return shaped.Result.ID, nil
		}
	}

	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil && bare != "" {
		return bare, nil
	}
	return "", &ProtocolError{tool, "created document id missing from reply"}
}
