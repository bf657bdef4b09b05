package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/triage/internal/intake"
	"github.com/aristath/triage/internal/pipeline"
)

// RecordFailure appends a terminal task failure.
func (s *SQLiteStore) RecordFailure(ctx context.Context, rec intake.FailureRecord) error {
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_failures (task_id, task_type, priority, score, attempts, error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.TaskID, rec.TaskType, rec.Priority, rec.Score, rec.Attempts, rec.Error, rec.FailedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert failure for task %s: %w", rec.TaskID, err)
	}
	return nil
}

// Failures returns the most recent failures first. limit <= 0 returns all.
func (s *SQLiteStore) Failures(ctx context.Context, limit int) ([]intake.FailureRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, task_type, priority, score, attempts, error, failed_at
		FROM task_failures
		ORDER BY failed_at DESC, id DESC
		LIMIT ?
	`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer rows.Close()

	var out []intake.FailureRecord
	for rows.Next() {
		var (
			rec      intake.FailureRecord
			failedAt int64
		)
		if err := rows.Scan(&rec.TaskID, &rec.TaskType, &rec.Priority, &rec.Score, &rec.Attempts, &rec.Error, &failedAt); err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		rec.FailedAt = time.Unix(0, failedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating failures: %w", err)
	}
	return out, nil
}

// RecordExecution appends a pipeline execution summary.
func (s *SQLiteStore) RecordExecution(ctx context.Context, rec pipeline.ExecutionRecord) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	var execID sql.NullString
	if rec.ExecutionID != "" {
		execID = sql.NullString{String: rec.ExecutionID, Valid: true}
	}
	var errStr sql.NullString
	if rec.Error != "" {
		errStr = sql.NullString{String: rec.Error, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pipeline_executions (execution_id, pipeline_id, task_id, success, confidence, duration_ns, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, execID, rec.PipelineID, rec.TaskID, rec.Success, rec.Confidence, int64(rec.Duration), errStr, rec.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to insert execution for pipeline %s: %w", rec.PipelineID, err)
	}
	return nil
}

// Executions returns the most recent executions first, optionally filtered
// by pipeline. limit <= 0 returns all.
func (s *SQLiteStore) Executions(ctx context.Context, pipelineID string, limit int) ([]pipeline.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, pipeline_id, task_id, success, confidence, duration_ns, error, finished_at
		FROM pipeline_executions
		WHERE ? = '' OR pipeline_id = ?
		ORDER BY finished_at DESC, id DESC
		LIMIT ?
	`, pipelineID, pipelineID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []pipeline.ExecutionRecord
	for rows.Next() {
		var (
			rec        pipeline.ExecutionRecord
			execID     sql.NullString
			errStr     sql.NullString
			durationNs int64
			finishedAt int64
		)
		if err := rows.Scan(&execID, &rec.PipelineID, &rec.TaskID, &rec.Success, &rec.Confidence, &durationNs, &errStr, &finishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		rec.ExecutionID = execID.String
		rec.Error = errStr.String
		rec.Duration = time.Duration(durationNs)
		rec.FinishedAt = time.Unix(0, finishedAt)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}
	return out, nil
}

// sqlLimit maps "no limit" onto SQLite's LIMIT -1.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
