// Package store persists companies, filings and their extracted sections in
// SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Options tunes the connection pool.
type Options struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// Store wraps a pooled sqlx.DB connection to the filings database.
type Store struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, Options{})
}

// OpenWithOptions is Open with explicit pool settings.
func OpenWithOptions(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("database path required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve database path: %w", err)
	}
	busy := int(opts.BusyTimeout / time.Millisecond)
	if busy <= 0 {
		busy = 5000
	}
	// Write transactions take the write lock at BEGIN so concurrent workers
	// queue on busy_timeout instead of failing on a read-to-write upgrade.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate", abs, busy)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(busy)*time.Millisecond)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for i, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("execute schema statement %d: %w", i+1, err)
			}
		}
		return nil
	})
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS companies (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cik TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		ticker TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`,
	`CREATE TABLE IF NOT EXISTS filings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		company_id INTEGER NOT NULL,
		form_type TEXT NOT NULL,
		filing_date TEXT NOT NULL DEFAULT '',
		accession TEXT NOT NULL UNIQUE,
		document_url TEXT NOT NULL DEFAULT '',
		index_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		raw_digest TEXT NOT NULL DEFAULT '',
		extractor_version TEXT NOT NULL DEFAULT '',
		sections_digest TEXT NOT NULL DEFAULT '',
		revision INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY(company_id) REFERENCES companies(id) ON DELETE CASCADE
	);`,
	`CREATE TABLE IF NOT EXISTS sections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filing_id INTEGER NOT NULL,
		ordinal INTEGER NOT NULL,
		label TEXT NOT NULL,
		heading TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		FOREIGN KEY(filing_id) REFERENCES filings(id) ON DELETE CASCADE,
		UNIQUE(filing_id, ordinal)
	);`,
	`CREATE TABLE IF NOT EXISTS financial_tables (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filing_id INTEGER NOT NULL,
		ordinal INTEGER NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		FOREIGN KEY(filing_id) REFERENCES filings(id) ON DELETE CASCADE,
		UNIQUE(filing_id, ordinal)
	);`,
	`CREATE TABLE IF NOT EXISTS xbrl_facts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		filing_id INTEGER NOT NULL,
		ordinal INTEGER NOT NULL,
		concept TEXT NOT NULL,
		value REAL NOT NULL,
		raw_value TEXT NOT NULL DEFAULT '',
		context_ref TEXT NOT NULL DEFAULT '',
		unit_ref TEXT NOT NULL DEFAULT '',
		scale INTEGER NOT NULL DEFAULT 0,
		decimals TEXT NOT NULL DEFAULT '',
		period_end TEXT NOT NULL DEFAULT '',
		dimensional INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY(filing_id) REFERENCES filings(id) ON DELETE CASCADE,
		UNIQUE(filing_id, ordinal)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_xbrl_facts_concept ON xbrl_facts(concept);`,
	`CREATE INDEX IF NOT EXISTS idx_filings_company_form ON filings(company_id, form_type);`,
	`CREATE INDEX IF NOT EXISTS idx_filings_version ON filings(extractor_version);`,
	`CREATE INDEX IF NOT EXISTS idx_sections_label ON sections(label);`,
}

func withTx(ctx context.Context, db *sqlx.DB, fn func(*sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}
