package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

const connectionsSchema = `
CREATE TABLE IF NOT EXISTS connections (
	repo_key           TEXT PRIMARY KEY,
	credential         TEXT NOT NULL,
	workspace_endpoint TEXT NOT NULL,
	document_id        TEXT NOT NULL DEFAULT '',
	document_title     TEXT NOT NULL DEFAULT '',
	collection_ids     TEXT NOT NULL DEFAULT '{}',
	owner_user         TEXT NOT NULL DEFAULT '{}',
	connected_at       TIMESTAMP NOT NULL,
	last_updated_at    TIMESTAMP NOT NULL,
	last_synced_at     TIMESTAMP,
	last_processed_pr  INTEGER,
	confidence         REAL,
	auto_sync_enabled  BOOLEAN NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS sync_history (
	id             TEXT PRIMARY KEY,
	repo_key       TEXT NOT NULL,
	pr_number      INTEGER,
	commit_sha     TEXT NOT NULL DEFAULT '',
	sync_type      TEXT NOT NULL CHECK (sync_type IN ('pr', 'commit', 'manual')),
	is_significant BOOLEAN NOT NULL,
	change_type    TEXT NOT NULL DEFAULT '',
	summary        TEXT NOT NULL DEFAULT '',
	synced_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_history_repo ON sync_history (repo_key, synced_at);
`

const insertConnectionSQL = `
INSERT INTO connections (
	repo_key, credential, workspace_endpoint, document_id, document_title,
	collection_ids, owner_user, connected_at, last_updated_at,
	last_synced_at, last_processed_pr, confidence, auto_sync_enabled
) VALUES (
	:repo_key, :credential, :workspace_endpoint, :document_id, :document_title,
	:collection_ids, :owner_user, :connected_at, :last_updated_at,
	:last_synced_at, :last_processed_pr, :confidence, :auto_sync_enabled
)`

const insertHistorySQL = `
INSERT INTO sync_history (
	id, repo_key, pr_number, commit_sha, sync_type,
	is_significant, change_type, summary, synced_at
) VALUES (
	:id, :repo_key, :pr_number, :commit_sha, :sync_type,
	:is_significant, :change_type, :summary, :synced_at
)`

type sqliteBackend struct {
	db *sqlx.DB
}

func openSQLite(path string) (*sqliteBackend, error) {
	var dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_loc=UTC", path)

	// go-sqlite3 is fickle about raced opens of a newly created database.
	// Ping before first use, and serialise writes on a single connection.
	var db, err = sqlx.Open("sqlite3", dsn)
	if err == nil {
		err = db.Ping()
	}
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err = db.Exec(connectionsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}
	log.WithField("path", path).Info("opened sqlite connection store")
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) close() error { return b.db.Close() }

// connRow is the scan target of the connections table. The record JSON
// columns round-trip through the Valuer / Scanner pair on their types.
type connRow struct {
	RepoKey           string          `db:"repo_key"`
	Credential        string          `db:"credential"`
	WorkspaceEndpoint string          `db:"workspace_endpoint"`
	DocumentID        string          `db:"document_id"`
	DocumentTitle     string          `db:"document_title"`
	CollectionIDs     CollectionIDs   `db:"collection_ids"`
	OwnerUser         OwnerUser       `db:"owner_user"`
	ConnectedAt       time.Time       `db:"connected_at"`
	LastUpdatedAt     time.Time       `db:"last_updated_at"`
	LastSyncedAt      sql.NullTime    `db:"last_synced_at"`
	LastProcessedPR   sql.NullInt64   `db:"last_processed_pr"`
	Confidence        sql.NullFloat64 `db:"confidence"`
	AutoSyncEnabled   bool            `db:"auto_sync_enabled"`
}

func rowOf(rec ConnectionRecord) connRow {
	var row = connRow{
		RepoKey:           rec.RepoKey,
		Credential:        rec.Credential,
		WorkspaceEndpoint: rec.WorkspaceEndpoint,
		DocumentID:        rec.DocumentID,
		DocumentTitle:     rec.DocumentTitle,
		CollectionIDs:     rec.CollectionIDs,
		OwnerUser:         rec.OwnerUser,
		ConnectedAt:       rec.ConnectedAt,
		LastUpdatedAt:     rec.LastUpdatedAt,
		Confidence:        sql.NullFloat64{Float64: rec.Confidence, Valid: true},
		AutoSyncEnabled:   rec.AutoSyncEnabled,
	}
	if rec.LastSyncedAt != nil {
		row.LastSyncedAt = sql.NullTime{Time: rec.LastSyncedAt.UTC(), Valid: true}
	}
	if rec.LastProcessedPR != nil {
		row.LastProcessedPR = sql.NullInt64{Int64: int64(*rec.LastProcessedPR), Valid: true}
	}
	return row
}

func (r connRow) record() ConnectionRecord {
	var rec = ConnectionRecord{
		RepoKey:           r.RepoKey,
		Credential:        r.Credential,
		WorkspaceEndpoint: r.WorkspaceEndpoint,
		DocumentID:        r.DocumentID,
		DocumentTitle:     r.DocumentTitle,
		CollectionIDs:     r.CollectionIDs,
		OwnerUser:         r.OwnerUser,
		ConnectedAt:       r.ConnectedAt.UTC(),
		LastUpdatedAt:     r.LastUpdatedAt.UTC(),
		AutoSyncEnabled:   r.AutoSyncEnabled,
	}
	if r.LastSyncedAt.Valid {
		var t = r.LastSyncedAt.Time.UTC()
		rec.LastSyncedAt = &t
	}
	if r.LastProcessedPR.Valid {
		var n = int(r.LastProcessedPR.Int64)
		rec.LastProcessedPR = &n
	}
	if r.Confidence.Valid {
		rec.Confidence = r.Confidence.Float64
	}
	return rec
}

func (b *sqliteBackend) load(ctx context.Context) ([]ConnectionRecord, error) {
	var rows []connRow
	if err := b.db.SelectContext(ctx, &rows, `SELECT * FROM connections`); err != nil {
		return nil, fmt.Errorf("selecting connections: %w", err)
	}
	var out = make([]ConnectionRecord, len(rows))
	for i, row := range rows {
		out[i] = row.record()
	}
	return out, nil
}

// upsert replaces the row matching |key| case-insensitively. Replacement is
// a delete + insert so a reconnect under different key casing cannot leave
// two rows behind.
func (b *sqliteBackend) upsert(ctx context.Context, key string, rec ConnectionRecord) error {
	var tx, err = b.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM connections WHERE lower(repo_key) = ?`, key); err != nil {
		return fmt.Errorf("clearing prior row: %w", err)
	}
	if _, err = tx.NamedExecContext(ctx, insertConnectionSQL, rowOf(rec)); err != nil {
		return fmt.Errorf("inserting row: %w", err)
	}
	return tx.Commit()
}

func (b *sqliteBackend) applyCursor(ctx context.Context, key string, rec ConnectionRecord, _ []byte) error {
	var row = rowOf(rec)
	var res, err = b.db.ExecContext(ctx, `
		UPDATE connections
		SET last_processed_pr = ?, last_synced_at = ?, last_updated_at = ?
		WHERE lower(repo_key) = ?`,
		row.LastProcessedPR, row.LastSyncedAt, row.LastUpdatedAt, key)
	if err != nil {
		return fmt.Errorf("updating cursor: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *sqliteBackend) delete(ctx context.Context, key string) error {
	var _, err = b.db.ExecContext(ctx,
		`DELETE FROM connections WHERE lower(repo_key) = ?`, key)
	if err != nil {
		return fmt.Errorf("deleting connection row: %w", err)
	}
	return nil
}

func (b *sqliteBackend) appendHistory(ctx context.Context, row HistoryRow) error {
	if _, err := b.db.NamedExecContext(ctx, insertHistorySQL, row); err != nil {
		return fmt.Errorf("inserting sync_history row: %w", err)
	}
	return nil
}

func (b *sqliteBackend) history(ctx context.Context, key string, limit int) ([]HistoryRow, error) {
	var rows []HistoryRow
	var err = b.db.SelectContext(ctx, &rows, `
		SELECT id, repo_key, pr_number, commit_sha, sync_type,
		       is_significant, change_type, summary, synced_at
		FROM sync_history
		WHERE repo_key = ?
		ORDER BY synced_at DESC, id
		LIMIT ?`, key, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting sync_history: %w", err)
	}
	return rows, nil
}
