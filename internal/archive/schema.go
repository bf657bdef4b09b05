package archive

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS task_failures (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		task_type TEXT NOT NULL,
		priority TEXT NOT NULL,
		score INTEGER NOT NULL,
		attempts INTEGER NOT NULL,
		error TEXT NOT NULL,
		failed_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_task_failures_failed_at ON task_failures(failed_at);

	CREATE TABLE IF NOT EXISTS pipeline_executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		execution_id TEXT,
		pipeline_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		success INTEGER NOT NULL,
		confidence REAL NOT NULL,
		duration_ns INTEGER NOT NULL,
		error TEXT,
		finished_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_pipeline_executions_pipeline
		ON pipeline_executions(pipeline_id, finished_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
