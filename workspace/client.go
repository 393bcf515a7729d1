// Package workspace is a typed client of the document-service tool
// protocol: JSON-RPC 2.0 over HTTP, where replies may arrive framed as an
// event stream (`event: message` / `data: <json>` lines). One Engineering
// Brain lives in one workspace as a root document plus four collections.
package workspace

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brainops/engbrain/transport"
)

const defaultTimeout = time.Second * 60

// ProtocolError is a malformed or unexpected reply shape from the
// workspace. It is not retryable within a cycle.
type ProtocolError struct {
	Tool   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("workspace %s: %s", e.Tool, e.Reason)
}

// Client speaks the tool protocol against a single workspace endpoint.
// Clients are built per connection per cycle and are safe for concurrent
// use within one.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Int64
}

// NewClient returns a Client bound to the given tool-protocol endpoint.
func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: defaultTimeout},
	}
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name      string      `json:"name"`
	Arguments interface{} `json:"arguments"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call invokes one named tool and returns its decoded result payload.
func (c *Client) call(ctx context.Context, tool string, args interface{}) (json.RawMessage, error) {
	var reqBody, err = json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "tools/call",
		Params:  rpcParams{Name: tool, Arguments: args},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", tool, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", tool, err)
	}
	httpReq.Header.Add("Content-Type", "application/json")
	httpReq.Header.Add("Accept", "application/json, text/event-stream")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, &transport.Error{Op: tool, Retry: true, Err: err}
	}
	defer httpResp.Body.Close()

	var body bytes.Buffer
	if _, err = body.ReadFrom(httpResp.Body); err != nil {
		return nil, &transport.Error{Op: tool, Retry: true, Err: err}
	}

	if sc := httpResp.StatusCode; sc == http.StatusTooManyRequests || sc >= 500 {
		return nil, transport.Errorf(tool, sc, true, "%s", strings.TrimSpace(body.String()))
	} else if sc != http.StatusOK && sc != http.StatusAccepted {
		return nil, transport.Errorf(tool, sc, false, "%s", strings.TrimSpace(body.String()))
	}

	var rpc rpcResponse
	if err = json.Unmarshal(unframe(body.Bytes()), &rpc); err != nil {
		return nil, &ProtocolError{tool, "reply is neither event-stream framed nor raw JSON"}
	}
	if rpc.Error != nil {
		return nil, &ProtocolError{tool, rpc.Error.Message}
	}
	return unwrapResult(tool, rpc.Result)
}

// unframe strips event-stream framing, concatenating the data lines of the
// reply. A body without data lines passes through unchanged.
func unframe(body []byte) []byte {
	if !bytes.Contains(body, []byte("data:")) {
		return body
	}

	var data [][]byte
	var scanner = bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var line = scanner.Bytes()
		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data = append(data, bytes.TrimSpace(rest))
		}
	}
	if len(data) == 0 {
		return body
	}
	return bytes.Join(data, []byte("\n"))
}

// unwrapResult peels the tool-content envelope some workspace versions wrap
// around results: {"content":[{"type":"text","text":"<json>"}]}. Results
// without the envelope are returned as-is.
func unwrapResult(tool string, result json.RawMessage) (json.RawMessage, error) {
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		return nil, &ProtocolError{tool, "reply has no result"}
	}

	var envelope struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil || len(envelope.Content) == 0 {
		return result, nil
	}

	var text = strings.TrimSpace(envelope.Content[0].Text)
	if envelope.IsError {
		return nil, &ProtocolError{tool, text}
	}
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") || strings.HasPrefix(text, `"`) {
		return json.RawMessage(text), nil
	}

	// Plain text becomes a JSON string so callers decode uniformly.
	var quoted, err = json.Marshal(text)
	if err != nil {
		return nil, &ProtocolError{tool, "content text is not encodable"}
	}
	return quoted, nil
}
