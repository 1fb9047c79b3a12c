package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/querypilot/querypilot/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	})
	return repo
}

func sampleView(id string) domain.SessionView {
	ended := time.Now().Truncate(time.Second)
	return domain.SessionView{
		ID:             id,
		UserID:         "u1",
		ConversationID: "c1",
		Message:        "how many users signed up last week",
		Status:         domain.StatusCompleted,
		Plan: []domain.Step{
			{
				ID:          1,
				Description: "count signups",
				SQL:         "SELECT COUNT(*) FROM users WHERE created_at > date('now', '-7 days')",
				Status:      domain.StepExecuted,
				Result:      &domain.ExecutionResult{Success: true, RowCount: 1},
			},
		},
		CurrentStep:  0,
		MaxRetries:   3,
		TotalRetries: 0,
		CreatedAt:    time.Now().Add(-time.Minute).Truncate(time.Second),
		EndedAt:      &ended,
	}
}

func TestArchiveAndGetSession(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	view := sampleView("sess-1")
	if err := repo.ArchiveSession(ctx, view); err != nil {
		t.Fatalf("Failed to archive session: %v", err)
	}

	got, err := repo.GetArchivedSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Failed to get archived session: %v", err)
	}
	if got == nil {
		t.Fatal("Expected archived session, got nil")
	}
	if got.ID != view.ID || got.UserID != view.UserID || got.Message != view.Message {
		t.Errorf("Unexpected session identity: %+v", got)
	}
	if got.Status != domain.StatusCompleted {
		t.Errorf("Expected completed status, got %s", got.Status)
	}
	if len(got.Plan) != 1 || got.Plan[0].SQL != view.Plan[0].SQL {
		t.Errorf("Unexpected plan: %+v", got.Plan)
	}
	if got.Plan[0].Result == nil || got.Plan[0].Result.RowCount != 1 {
		t.Errorf("Expected step result to survive the round trip: %+v", got.Plan[0])
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(*view.EndedAt) {
		t.Errorf("Unexpected ended_at: %v", got.EndedAt)
	}
}

func TestGetArchivedSessionMissing(t *testing.T) {
	repo := newTestStore(t)

	got, err := repo.GetArchivedSession(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != nil {
		t.Errorf("Expected nil for missing session, got %+v", got)
	}
}

func TestArchiveSessionIsUpsert(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	view := sampleView("sess-1")
	view.Status = domain.StatusStopped
	if err := repo.ArchiveSession(ctx, view); err != nil {
		t.Fatalf("Failed to archive session: %v", err)
	}

	view.Status = domain.StatusCompleted
	view.TotalRetries = 2
	if err := repo.ArchiveSession(ctx, view); err != nil {
		t.Fatalf("Failed to re-archive session: %v", err)
	}

	got, err := repo.GetArchivedSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Failed to get archived session: %v", err)
	}
	if got.Status != domain.StatusCompleted || got.TotalRetries != 2 {
		t.Errorf("Expected updated record, got %+v", got)
	}
}

func TestCleanupExpired(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.ArchiveSession(ctx, sampleView("sess-1")); err != nil {
		t.Fatalf("Failed to archive session: %v", err)
	}

	// Fresh records survive a long retention window.
	deleted, err := repo.CleanupExpired(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 0 {
		t.Errorf("Expected 0 deletions, got %d", deleted)
	}

	// Zero retention deletes everything archived before now.
	time.Sleep(1100 * time.Millisecond)
	deleted, err = repo.CleanupExpired(ctx, time.Second)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 deletion, got %d", deleted)
	}

	got, err := repo.GetArchivedSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got != nil {
		t.Error("Expected session to be deleted")
	}
}
