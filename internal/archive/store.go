// Package archive keeps a durable record of terminal task failures and
// pipeline executions in SQLite. The engine writes to it but never reads
// state back from it.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/aristath/triage/internal/intake"
	"github.com/aristath/triage/internal/pipeline"
)

// Store is the write side the engine feeds plus the queries used to inspect it.
type Store interface {
	intake.FailureRecorder
	pipeline.Recorder

	Failures(ctx context.Context, limit int) ([]intake.FailureRecord, error)
	Executions(ctx context.Context, pipelineID string, limit int) ([]pipeline.ExecutionRecord, error)

	Close() error
}

// SQLiteStore is the SQLite-backed Store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the archive file at path in WAL mode.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	return open(ctx, fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path))
}

// NewMemoryStore creates an in-memory store. Each call gets its own
// database, shared by that store's connections.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	return open(ctx, fmt.Sprintf("file:archive-%s?mode=memory&cache=shared", uuid.NewString()))
}

func open(ctx context.Context, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}

	// Writes are single-row inserts; two connections let a read run beside one.
	db.SetMaxOpenConns(2)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating archive schema: %w", err)
	}
	return s, nil
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
