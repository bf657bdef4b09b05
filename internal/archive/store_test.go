package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/triage/internal/intake"
	"github.com/aristath/triage/internal/pipeline"
)

// testStore creates an in-memory store for testing and registers cleanup.
func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestRecordAndListFailures(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"t1", "t2", "t3"} {
		rec := intake.FailureRecord{
			TaskID:   id,
			TaskType: "support",
			Priority: "urgent",
			Score:    125,
			Attempts: 3,
			Error:    "pipeline failed",
			FailedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.RecordFailure(ctx, rec); err != nil {
			t.Fatalf("RecordFailure(%s) failed: %v", id, err)
		}
	}

	all, err := store.Failures(ctx, 0)
	if err != nil {
		t.Fatalf("Failures failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 failures, got %d", len(all))
	}
	if all[0].TaskID != "t3" || all[2].TaskID != "t1" {
		t.Errorf("expected newest first, got %s..%s", all[0].TaskID, all[2].TaskID)
	}
	if all[0].Score != 125 || all[0].Attempts != 3 || all[0].Priority != "urgent" {
		t.Errorf("fields not preserved: %+v", all[0])
	}
	if !all[2].FailedAt.Equal(base) {
		t.Errorf("failed_at = %v, want %v", all[2].FailedAt, base)
	}

	limited, err := store.Failures(ctx, 2)
	if err != nil {
		t.Fatalf("Failures(2) failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("expected 2 failures, got %d", len(limited))
	}
}

func TestRecordAndListExecutions(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	recs := []pipeline.ExecutionRecord{
		{ExecutionID: "e1", PipelineID: "standard", TaskID: "t1", Success: true, Confidence: 0.8, Duration: 120 * time.Millisecond},
		{PipelineID: "standard", TaskID: "t2", Success: false, Error: "stage \"classify\": boom"},
		{ExecutionID: "e3", PipelineID: "vip", TaskID: "t3", Success: true, Confidence: 0.95},
	}
	for i, rec := range recs {
		rec.FinishedAt = time.Unix(1700000000+int64(i), 0)
		if err := store.RecordExecution(ctx, rec); err != nil {
			t.Fatalf("RecordExecution failed: %v", err)
		}
	}

	all, err := store.Executions(ctx, "", 0)
	if err != nil {
		t.Fatalf("Executions failed: %v", err)
	}
	if len(all) != 3 || all[0].PipelineID != "vip" {
		t.Fatalf("unexpected executions: %+v", all)
	}

	std, err := store.Executions(ctx, "standard", 0)
	if err != nil {
		t.Fatalf("Executions(standard) failed: %v", err)
	}
	if len(std) != 2 {
		t.Fatalf("expected 2 standard executions, got %d", len(std))
	}
	failed := std[0]
	if failed.Success || failed.ExecutionID != "" || failed.Error == "" {
		t.Errorf("failed execution not preserved: %+v", failed)
	}
	ok := std[1]
	if !ok.Success || ok.ExecutionID != "e1" || ok.Confidence != 0.8 || ok.Duration != 120*time.Millisecond {
		t.Errorf("successful execution not preserved: %+v", ok)
	}
}

func TestMemoryStoresAreIsolated(t *testing.T) {
	a := testStore(t)
	b := testStore(t)
	ctx := context.Background()

	if err := a.RecordFailure(ctx, intake.FailureRecord{TaskID: "only-in-a"}); err != nil {
		t.Fatal(err)
	}
	got, err := b.Failures(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty store, got %d failures", len(got))
	}
}

func TestSQLiteStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "archive.db")

	store, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.RecordFailure(ctx, intake.FailureRecord{TaskID: "t1", Error: "x"}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	reopened, err := NewSQLiteStore(ctx, path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Failures(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].TaskID != "t1" {
		t.Errorf("expected persisted failure, got %+v", got)
	}
	if got[0].FailedAt.IsZero() {
		t.Error("zero FailedAt should default to now")
	}
}

var _ Store = (*SQLiteStore)(nil)
