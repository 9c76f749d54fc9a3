package sink

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"xdrforward/internal/mapping"
)

// Archive keeps a local SQLite copy of forwarded documents.
// Rows are keyed by event.id and @timestamp, so re-fetched events overwrite instead of duplicating.
type Archive struct {
	db  *sql.DB
	now func() time.Time
}

// OpenArchive opens or creates the archive database.
// Params: path SQLite file path; parent directory is created.
// Returns: archive or open/migrate error.
func OpenArchive(path string) (*Archive, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("archive path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	db.SetMaxOpenConns(1)

	archive := &Archive{db: db, now: time.Now}
	if err := archive.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return archive, nil
}

func (a *Archive) migrate() error {
	_, err := a.db.Exec(`
CREATE TABLE IF NOT EXISTS documents (
  doc_key TEXT PRIMARY KEY,
  event_id TEXT NOT NULL,
  ts TEXT NOT NULL,
  severity INTEGER NOT NULL,
  category TEXT NOT NULL,
  doc_json BLOB NOT NULL,
  archived_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_documents_ts ON documents(ts);
CREATE INDEX IF NOT EXISTS idx_documents_event_id ON documents(event_id);
`)
	return err
}

// SendBatch upserts every document in one transaction.
// Params: ctx delivery context; docs batch.
// Returns: *SendError when any row cannot be written; the transaction is rolled back.
func (a *Archive) SendBatch(ctx context.Context, docs []mapping.Document) error {
	if len(docs) == 0 {
		return nil
	}
	if err := a.writeBatch(ctx, docs); err != nil {
		return &SendError{Target: "archive", Events: len(docs), Err: err}
	}
	return nil
}

func (a *Archive) writeBatch(ctx context.Context, docs []mapping.Document) error {
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO documents(doc_key, event_id, ts, severity, category, doc_json, archived_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(doc_key) DO UPDATE SET
  severity = excluded.severity,
  category = excluded.category,
  doc_json = excluded.doc_json,
  archived_at = excluded.archived_at`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	archivedAt := a.now().UTC().Format(time.RFC3339Nano)
	for idx, doc := range docs {
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode document[%d]: %w", idx, err)
		}
		eventID := stringField(doc, "event.id")
		ts := stringField(doc, "@timestamp")
		severity, _ := doc.Get("event.severity")
		severityValue, _ := severity.(int)
		if _, err := stmt.ExecContext(
			ctx,
			documentKey(eventID, ts, payload),
			eventID,
			ts,
			severityValue,
			stringField(doc, "event.category"),
			payload,
			archivedAt,
		); err != nil {
			return fmt.Errorf("upsert document[%d]: %w", idx, err)
		}
	}

	return tx.Commit()
}

// Count returns the number of archived documents.
// Params: ctx query context.
// Returns: row count or query error.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var count int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Close releases the database handle.
// Params: none.
// Returns: close error.
func (a *Archive) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// documentKey falls back to a content hash when the document carries no event.id.
func documentKey(eventID, ts string, payload []byte) string {
	if eventID != "" {
		return "id:" + eventID + "|" + ts
	}
	sum := sha1.Sum(payload)
	return "sha1:" + hex.EncodeToString(sum[:])
}

func stringField(doc mapping.Document, path string) string {
	value, ok := doc.Get(path)
	if !ok || value == nil {
		return ""
	}
	if text, ok := value.(string); ok {
		return text
	}
	return fmt.Sprint(value)
}
