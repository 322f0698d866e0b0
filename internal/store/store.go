// Package store persists document content in sqlite. The only write the
// collaboration core needs is "replace this document's stored content with V":
// a whole-document upsert, idempotent by construction, so redundant saves of
// the same content from multiple sessions are harmless.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

// Document is a stored rich-text document, content treated as an opaque tree.
type Document struct {
	DocumentType string          `json:"documentType"`
	DocumentID   string          `json:"documentId"`
	Content      json.RawMessage `json:"content"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// HistoryEntry is one persisted autosave, kept for recovery.
type HistoryEntry struct {
	ID           int64           `json:"id"`
	DocumentType string          `json:"documentType"`
	DocumentID   string          `json:"documentId"`
	Content      json.RawMessage `json:"content"`
	SavedBy      string          `json:"savedBy"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL keeps readers unblocked while autosaves land
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("document store initialized")
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		doc_type TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		content BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (doc_type, doc_id)
	);

	CREATE TABLE IF NOT EXISTS save_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		doc_type TEXT NOT NULL,
		doc_id TEXT NOT NULL,
		content BLOB NOT NULL,
		saved_by TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_save_history_doc ON save_history(doc_type, doc_id, created_at DESC);
	`

	_, err := db.Exec(schema)
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ReplaceContent overwrites a document's stored content and records a history
// row. Saving the same value twice leaves the same stored state.
func (s *Store) ReplaceContent(ctx context.Context, docType, docID string, content json.RawMessage, savedBy string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (doc_type, doc_id, content, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(doc_type, doc_id) DO UPDATE SET
			content = excluded.content,
			updated_at = CURRENT_TIMESTAMP
	`, docType, docID, []byte(content))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO save_history (doc_type, doc_id, content, saved_by)
		VALUES (?, ?, ?, ?)
	`, docType, docID, []byte(content), savedBy)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// GetContent returns a stored document, or nil when none exists yet.
func (s *Store) GetContent(ctx context.Context, docType, docID string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT doc_type, doc_id, content, updated_at FROM documents WHERE doc_type = ? AND doc_id = ?",
		docType, docID,
	)

	var doc Document
	var content []byte
	err := row.Scan(&doc.DocumentType, &doc.DocumentID, &content, &doc.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	doc.Content = content
	return &doc, nil
}

// History lists a document's saves, newest first.
func (s *Store) History(ctx context.Context, docType, docID string, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, doc_type, doc_id, content, saved_by, created_at
		FROM save_history
		WHERE doc_type = ? AND doc_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, docType, docID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var content []byte
		if err := rows.Scan(&e.ID, &e.DocumentType, &e.DocumentID, &content, &e.SavedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Content = content
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PruneHistory deletes old saves for a document, keeping the most recent N.
// Returns the number of rows removed.
func (s *Store) PruneHistory(ctx context.Context, docType, docID string, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM save_history
		WHERE doc_type = ? AND doc_id = ? AND id NOT IN (
			SELECT id FROM save_history
			WHERE doc_type = ? AND doc_id = ?
			ORDER BY id DESC
			LIMIT ?
		)
	`, docType, docID, docType, docID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DocumentsWithHistory returns the (type, id) pairs that have history rows,
// for the retention sweep.
func (s *Store) DocumentsWithHistory(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT doc_type, doc_id FROM save_history")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs [][2]string
	for rows.Next() {
		var docType, docID string
		if err := rows.Scan(&docType, &docID); err != nil {
			return nil, err
		}
		docs = append(docs, [2]string{docType, docID})
	}
	return docs, rows.Err()
}

// Stats returns document and history row counts.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)

	var docCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&docCount); err != nil {
		return nil, err
	}
	stats["document_count"] = docCount

	var historyCount int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM save_history").Scan(&historyCount); err != nil {
		return nil, err
	}
	stats["history_count"] = historyCount

	return stats, nil
}
