// Package store owns the durable repoKey → ConnectionRecord mapping. An
// in-memory index serves all reads; every mutation is written through to a
// relational store, or to a file-backed JSON map when no database is
// available. Mutations of one connection are serialised by a per-key lock.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrNotFound is returned when no connection exists for a repo key.
var ErrNotFound = errors.New("connection not found")

// ErrCursorRegression is returned when an update would decrease
// lastProcessedPR. It signals a programming error in the caller.
var ErrCursorRegression = errors.New("cursor regression")

// Key builds the canonical "{owner}/{name}" repo key.
func Key(owner, name string) string { return owner + "/" + name }

// SplitKey splits a repo key into its owner and name halves.
func SplitKey(repoKey string) (owner, name string, err error) {
	var idx = strings.IndexByte(repoKey, '/')
	if idx <= 0 || idx == len(repoKey)-1 {
		return "", "", fmt.Errorf("malformed repo key %q", repoKey)
	}
	return repoKey[:idx], repoKey[idx+1:], nil
}

// foldKey is the case-insensitive comparison form of a repo key. Records
// preserve the display form the user connected with.
func foldKey(repoKey string) string { return strings.ToLower(repoKey) }

// OwnerUser identifies the provider user a connection belongs to.
type OwnerUser struct {
	ID          int64  `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// CollectionIDs carries the workspace ids of the four sub-collections of an
// Engineering Brain.
type CollectionIDs struct {
	ReleaseNotes     string `json:"releaseNotes,omitempty"`
	ADRs             string `json:"adrs,omitempty"`
	EngineeringTasks string `json:"engineeringTasks,omitempty"`
	DocHistory       string `json:"docHistory,omitempty"`
}

// ConnectionRecord is the durable state of one connected repository.
type ConnectionRecord struct {
	RepoKey           string        `json:"repoKey"`
	Credential        string        `json:"credential,omitempty"`
	WorkspaceEndpoint string        `json:"workspaceEndpoint"`
	DocumentID        string        `json:"documentId,omitempty"`
	DocumentTitle     string        `json:"documentTitle"`
	CollectionIDs     CollectionIDs `json:"collectionIds"`
	OwnerUser         OwnerUser     `json:"ownerUser"`
	ConnectedAt       time.Time     `json:"connectedAt"`
	LastUpdatedAt     time.Time     `json:"lastUpdatedAt"`
	LastSyncedAt      *time.Time    `json:"lastSyncedAt,omitempty"`
	LastProcessedPR   *int          `json:"lastProcessedPR,omitempty"`
	AutoSyncEnabled   bool          `json:"autoSyncEnabled"`
	Confidence        float64       `json:"confidence"`
}

// Redacted is the externally shareable view of a record, with the
// credential stripped.
func (r ConnectionRecord) Redacted() ConnectionRecord {
	r.Credential = ""
	return r
}

// LogFields is the loggable view of a record. The credential never appears
// in log output.
func (r ConnectionRecord) LogFields() log.Fields {
	return log.Fields{
		"repo":     r.RepoKey,
		"document": r.DocumentID,
		"owner":    r.OwnerUser.Login,
	}
}

// clone detaches the pointer-typed cursor fields so callers can treat
// returned records as immutable snapshots.
func (r ConnectionRecord) clone() ConnectionRecord {
	if r.LastSyncedAt != nil {
		var t = *r.LastSyncedAt
		r.LastSyncedAt = &t
	}
	if r.LastProcessedPR != nil {
		var n = *r.LastProcessedPR
		r.LastProcessedPR = &n
	}
	return r
}

// History row sync types.
const (
	SyncTypePR     = "pr"
	SyncTypeCommit = "commit"
	SyncTypeManual = "manual"
)

// newHistoryID allocates a sync_history row id.
func newHistoryID() string { return uuid.New().String() }

// HistoryRow is one processed unit of sync work, kept for the history
// endpoint and operator forensics.
type HistoryRow struct {
	ID            string    `json:"id" db:"id"`
	RepoKey       string    `json:"repoKey" db:"repo_key"`
	PRNumber      *int      `json:"prNumber,omitempty" db:"pr_number"`
	CommitSHA     string    `json:"commitSha,omitempty" db:"commit_sha"`
	SyncType      string    `json:"syncType" db:"sync_type"`
	IsSignificant bool      `json:"isSignificant" db:"is_significant"`
	ChangeType    string    `json:"changeType,omitempty" db:"change_type"`
	Summary       string    `json:"summary,omitempty" db:"summary"`
	SyncedAt      time.Time `json:"syncedAt" db:"synced_at"`
}

// CollectionIDs and OwnerUser are stored as JSON columns.

func (c CollectionIDs) Value() (driver.Value, error) { return json.Marshal(c) }

func (c *CollectionIDs) Scan(src interface{}) error { return scanJSON(src, c) }

func (u OwnerUser) Value() (driver.Value, error) { return json.Marshal(u) }

func (u *OwnerUser) Scan(src interface{}) error { return scanJSON(src, u) }

func scanJSON(src, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T as JSON column", src)
	}
}
