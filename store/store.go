package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config configures the Store.
type Config struct {
	// SQLitePath is the path of the sqlite database. Empty skips the
	// relational backend entirely.
	SQLitePath string
	// FallbackPath is the path of the JSON state file used when the
	// database is unavailable.
	FallbackPath string
}

// backend is the durable side of the Store; the in-memory index fronts it.
// Keys passed to backend methods are already case-folded.
type backend interface {
	load(ctx context.Context) ([]ConnectionRecord, error)
	upsert(ctx context.Context, key string, rec ConnectionRecord) error
	applyCursor(ctx context.Context, key string, rec ConnectionRecord, patch []byte) error
	delete(ctx context.Context, key string) error
	appendHistory(ctx context.Context, row HistoryRow) error
	history(ctx context.Context, key string, limit int) ([]HistoryRow, error)
	close() error
}

// Store is the process-wide connection registry. Reads are served from the
// index without touching the backend; mutations take a per-key lock, write
// through, and then swap the index entry.
type Store struct {
	cfg     Config
	backend backend

	mu    sync.RWMutex
	index map[string]ConnectionRecord

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewStore returns an uninitialised Store. Initialize opens the backend
// and loads the index.
func NewStore(cfg Config) *Store {
	return &Store{
		cfg:   cfg,
		index: make(map[string]ConnectionRecord),
		locks: make(map[string]*sync.Mutex),
	}
}

// Initialize opens the durable backend and rebuilds the in-memory index
// from it. An unusable sqlite database degrades to the JSON file fallback
// with a logged warning; it never fails startup by itself.
func (s *Store) Initialize(ctx context.Context) error {
	if s.cfg.SQLitePath != "" {
		if be, err := openSQLite(s.cfg.SQLitePath); err != nil {
			log.WithFields(log.Fields{"path": s.cfg.SQLitePath, "err": err}).
				Warn("sqlite store unavailable; degrading to JSON file state")
		} else {
			s.backend = be
		}
	}
	if s.backend == nil {
		s.backend = newFileBackend(s.cfg.FallbackPath)
	}

	var records, err = s.backend.load(ctx)
	if err != nil {
		return fmt.Errorf("loading connection records: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.index = make(map[string]ConnectionRecord, len(records))
	for _, rec := range records {
		s.index[foldKey(rec.RepoKey)] = rec
	}
	log.WithField("connections", len(records)).Info("connection store initialized")
	return nil
}

// Close releases the backend.
func (s *Store) Close() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.close()
}

// Get returns the connection for repoKey, compared case-insensitively.
func (s *Store) Get(repoKey string) (ConnectionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rec, ok = s.index[foldKey(repoKey)]
	return rec.clone(), ok
}

// All returns every connection, sorted by repo key.
func (s *Store) All() []ConnectionRecord {
	s.mu.RLock()
	var out = make([]ConnectionRecord, 0, len(s.index))
	for _, rec := range s.index {
		out = append(out, rec.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return foldKey(out[i].RepoKey) < foldKey(out[j].RepoKey) })
	return out
}

// ForOwner returns every connection created by the given provider user.
func (s *Store) ForOwner(userID int64) []ConnectionRecord {
	var out []ConnectionRecord
	for _, rec := range s.All() {
		if rec.OwnerUser.ID == userID {
			out = append(out, rec)
		}
	}
	return out
}

// Put inserts or replaces a connection record.
func (s *Store) Put(ctx context.Context, rec ConnectionRecord) error {
	var key = foldKey(rec.RepoKey)
	var lock = s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	rec = rec.clone()
	rec.LastUpdatedAt = time.Now().UTC()
	if rec.ConnectedAt.IsZero() {
		rec.ConnectedAt = rec.LastUpdatedAt
	}

	if err := s.backend.upsert(ctx, key, rec); err != nil {
		return fmt.Errorf("persisting connection %s: %w", rec.RepoKey, err)
	}

	s.mu.Lock()
	s.index[key] = rec
	s.mu.Unlock()
	return nil
}

// Delete removes a connection. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, repoKey string) error {
	var key = foldKey(repoKey)
	var lock = s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	if err := s.backend.delete(ctx, key); err != nil {
		return fmt.Errorf("deleting connection %s: %w", repoKey, err)
	}

	s.mu.Lock()
	delete(s.index, key)
	s.mu.Unlock()
	return nil
}

// CursorUpdate advances the sync cursor of one connection. Nil fields are
// left untouched.
type CursorUpdate struct {
	LastProcessedPR *int
	LastSyncedAt    *time.Time
}

// UpdateCursor applies a cursor advance. It is idempotent: re-applying the
// same values succeeds. A decrease of lastProcessedPR is rejected with
// ErrCursorRegression.
func (s *Store) UpdateCursor(ctx context.Context, repoKey string, u CursorUpdate) error {
	var key = foldKey(repoKey)
	var lock = s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	var rec, ok = s.index[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("updating cursor of %s: %w", repoKey, ErrNotFound)
	}
	rec = rec.clone()

	var now = time.Now().UTC()
	var patch = map[string]interface{}{"lastUpdatedAt": now}

	if u.LastProcessedPR != nil {
		if rec.LastProcessedPR != nil && *u.LastProcessedPR < *rec.LastProcessedPR {
			return fmt.Errorf("cursor of %s would regress from %d to %d: %w",
				repoKey, *rec.LastProcessedPR, *u.LastProcessedPR, ErrCursorRegression)
		}
		var n = *u.LastProcessedPR
		rec.LastProcessedPR = &n
		patch["lastProcessedPR"] = n
	}
	if u.LastSyncedAt != nil {
		var t = u.LastSyncedAt.UTC()
		rec.LastSyncedAt = &t
		patch["lastSyncedAt"] = t
	}
	rec.LastUpdatedAt = now

	var patchBytes, err = json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("encoding cursor patch: %w", err)
	}
	if err = s.backend.applyCursor(ctx, key, rec, patchBytes); err != nil {
		return fmt.Errorf("persisting cursor of %s: %w", repoKey, err)
	}

	s.mu.Lock()
	s.index[key] = rec
	s.mu.Unlock()
	return nil
}

// SetAutoSync flips the auto-sync flag under the key lock so a concurrent
// cursor advance is never clobbered.
func (s *Store) SetAutoSync(ctx context.Context, repoKey string, enabled bool) error {
	var key = foldKey(repoKey)
	var lock = s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	var rec, ok = s.index[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("updating auto-sync of %s: %w", repoKey, ErrNotFound)
	}
	rec = rec.clone()
	rec.AutoSyncEnabled = enabled
	rec.LastUpdatedAt = time.Now().UTC()

	if err := s.backend.upsert(ctx, key, rec); err != nil {
		return fmt.Errorf("persisting auto-sync of %s: %w", repoKey, err)
	}

	s.mu.Lock()
	s.index[key] = rec
	s.mu.Unlock()
	return nil
}

// AppendHistory records one processed unit of sync work. A missing row id
// is assigned.
func (s *Store) AppendHistory(ctx context.Context, row HistoryRow) error {
	if row.ID == "" {
		row.ID = newHistoryID()
	}
	if row.SyncedAt.IsZero() {
		row.SyncedAt = time.Now().UTC()
	}
	row.RepoKey = foldKey(row.RepoKey)
	return s.backend.appendHistory(ctx, row)
}

// History returns the most recent history rows of a connection, newest
// first.
func (s *Store) History(ctx context.Context, repoKey string, limit int) ([]HistoryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.backend.history(ctx, foldKey(repoKey), limit)
}

func (s *Store) keyLock(key string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	var lock, ok = s.locks[key]
	if !ok {
		lock = new(sync.Mutex)
		s.locks[key] = lock
	}
	return lock
}
