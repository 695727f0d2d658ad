// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package store persists physical files, virtual documents, tags and stage
// history in SQLite, and exposes the compare-and-swap transitions the
// Canonizer relies on.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/docflow/pkg/types"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrNoWork          = errors.New("no document ready for stage")
	ErrStaleTransition = errors.New("document changed state concurrently")
	ErrNotResettable   = errors.New("document cannot be reset")
	ErrLeaseExpired    = errors.New("lease expired before the stage finished")
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store manages the docflow SQLite database.
type Store struct {
	db         *sql.DB
	maxResults int
}

// NewStore opens or creates the database at cfg.DBPath and creates the schema
// if it does not exist.
func NewStore(cfg types.StoreConfig) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("database path not configured")
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection serializes writers; AI calls happen outside transactions.
	db.SetMaxOpenConns(1)

	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 50
	}

	s := &Store{db: db, maxResults: maxResults}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS physical_files (
			uuid TEXT PRIMARY KEY,
			sha256 TEXT NOT NULL UNIQUE,
			original_filename TEXT,
			vault_path TEXT,
			page_count INTEGER NOT NULL,
			size_bytes INTEGER,
			created_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS page_texts (
			file_uuid TEXT NOT NULL REFERENCES physical_files(uuid),
			page INTEGER NOT NULL,
			text TEXT,
			PRIMARY KEY (file_uuid, page)
		)`,
		`CREATE TABLE IF NOT EXISTS virtual_documents (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL,
			pages TEXT NOT NULL,
			doc_type TEXT,
			title TEXT,
			language TEXT,
			confidence REAL,
			audit TEXT,
			semantic TEXT,
			sender TEXT,
			doc_date TEXT,
			amount REAL,
			currency TEXT,
			summary TEXT,
			body TEXT,
			parent_uuid TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			lease_owner TEXT,
			lease_until INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT,
			updated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_docs_status ON virtual_documents(status, deleted, next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_docs_parent ON virtual_documents(parent_uuid)`,
		`CREATE TABLE IF NOT EXISTS document_tags (
			doc_uuid TEXT NOT NULL REFERENCES virtual_documents(uuid) ON DELETE CASCADE,
			tag TEXT NOT NULL,
			PRIMARY KEY (doc_uuid, tag)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tags_tag ON document_tags(tag)`,
		`CREATE TABLE IF NOT EXISTS stage_runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			doc_uuid TEXT NOT NULL,
			stage TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			started_at TEXT,
			finished_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_doc ON stage_runs(doc_uuid)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}

	// FTS5 virtual table with triggers for sync.
	var ftsExists int
	if err := s.db.QueryRow(
		`SELECT count(*) FROM sqlite_master WHERE type='table' AND name='documents_fts'`,
	).Scan(&ftsExists); err != nil {
		return fmt.Errorf("checking FTS table: %w", err)
	}

	if ftsExists == 0 {
		ftsStatements := []string{
			`CREATE VIRTUAL TABLE documents_fts USING fts5(title, body, summary, content=virtual_documents, content_rowid=rowid)`,
			`CREATE TRIGGER docs_ai AFTER INSERT ON virtual_documents BEGIN
				INSERT INTO documents_fts(rowid, title, body, summary) VALUES (new.rowid, new.title, new.body, new.summary);
			END`,
			`CREATE TRIGGER docs_ad AFTER DELETE ON virtual_documents BEGIN
				INSERT INTO documents_fts(documents_fts, rowid, title, body, summary) VALUES('delete', old.rowid, old.title, old.body, old.summary);
			END`,
			`CREATE TRIGGER docs_au AFTER UPDATE OF title, body, summary ON virtual_documents BEGIN
				INSERT INTO documents_fts(documents_fts, rowid, title, body, summary) VALUES('delete', old.rowid, old.title, old.body, old.summary);
				INSERT INTO documents_fts(rowid, title, body, summary) VALUES (new.rowid, new.title, new.body, new.summary);
			END`,
		}
		for _, stmt := range ftsStatements {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("creating FTS infrastructure: %w", err)
			}
		}
	}

	return nil
}
