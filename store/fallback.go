package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	jsonpatch "github.com/evanphx/json-patch/v5"
	log "github.com/sirupsen/logrus"
)

// maxFileHistory bounds the history kept by the file fallback. The sqlite
// backend has no such cap.
const maxFileHistory = 1000

// fileBackend keeps the whole store in one JSON document on disk. It exists
// so a missing or broken sqlite library never blocks the service; it trades
// history depth and query ability for zero setup.
type fileBackend struct {
	path string

	mu    sync.Mutex
	state fileState
}

type fileState struct {
	// Connections maps folded repo key to the serialized ConnectionRecord.
	// Raw JSON is kept (rather than decoded records) so cursor updates can
	// be applied as merge patches without re-marshalling unrelated fields.
	Connections map[string]json.RawMessage `json:"connections"`
	History     []HistoryRow               `json:"history,omitempty"`
}

func newFileBackend(path string) *fileBackend {
	if path == "" {
		path = "engbrain-connections.json"
	}
	return &fileBackend{
		path:  path,
		state: fileState{Connections: make(map[string]json.RawMessage)},
	}
}

func (b *fileBackend) close() error { return nil }

func (b *fileBackend) load(context.Context) ([]ConnectionRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var raw, err = os.ReadFile(b.path)
	if os.IsNotExist(err) {
		log.WithField("path", b.path).Info("no prior JSON state; starting empty")
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading state file %q: %w", b.path, err)
	}

	if err = json.Unmarshal(raw, &b.state); err != nil {
		return nil, fmt.Errorf("decoding state file %q: %w", b.path, err)
	}
	if b.state.Connections == nil {
		b.state.Connections = make(map[string]json.RawMessage)
	}

	var out []ConnectionRecord
	for key, doc := range b.state.Connections {
		var rec ConnectionRecord
		if err = json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("decoding connection %q: %w", key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (b *fileBackend) upsert(_ context.Context, key string, rec ConnectionRecord) error {
	var doc, err = json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding connection: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.Connections[key] = doc
	return b.save()
}

// applyCursor merges the cursor patch (RFC 7396) into the stored document,
// leaving every other field byte-for-byte as written.
func (b *fileBackend) applyCursor(_ context.Context, key string, _ ConnectionRecord, patch []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var doc, ok = b.state.Connections[key]
	if !ok {
		return ErrNotFound
	}
	var merged, err = jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return fmt.Errorf("merging cursor patch: %w", err)
	}
	b.state.Connections[key] = merged
	return b.save()
}

func (b *fileBackend) delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.state.Connections, key)
	return b.save()
}

func (b *fileBackend) appendHistory(_ context.Context, row HistoryRow) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state.History = append(b.state.History, row)
	if n := len(b.state.History); n > maxFileHistory {
		b.state.History = append([]HistoryRow(nil), b.state.History[n-maxFileHistory:]...)
	}
	return b.save()
}

func (b *fileBackend) history(_ context.Context, key string, limit int) ([]HistoryRow, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []HistoryRow
	for _, row := range b.state.History {
		if row.RepoKey == key {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SyncedAt.After(out[j].SyncedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// save writes the state through a temp file and rename, so a crash
// mid-write never truncates the only copy. Callers hold b.mu.
func (b *fileBackend) save() error {
	var doc, err = json.MarshalIndent(b.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	var dir = filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".engbrain-state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err = tmp.Write(doc); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err = os.Rename(tmp.Name(), b.path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
