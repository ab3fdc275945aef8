package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"planwise/internal/plan"
	"planwise/internal/timeline"
	logx "planwise/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "planwise.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteTaskRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	orig := start.Add(-time.Hour)
	resch := start.Add(-30 * time.Minute)
	task := plan.Task{
		ID:               "t1",
		UserID:           "u1",
		Name:             "Team meeting",
		Category:         "meeting",
		Start:            start,
		End:              start.Add(30 * time.Minute),
		Duration:         30 * time.Minute,
		Status:           plan.StatusPending,
		Priority:         plan.PriorityHigh,
		RescheduleCount:  2,
		OriginalStart:    &orig,
		LastRescheduleAt: &resch,
		CreatedAt:        start.Add(-2 * time.Hour),
	}
	if err := st.PutTask(ctx, task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	got, err := st.TaskByID(ctx, "t1")
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if !got.Start.Equal(task.Start) || !got.End.Equal(task.End) || got.Duration != task.Duration {
		t.Fatalf("window mismatch: %+v", got)
	}
	if got.Status != plan.StatusPending || got.Priority != plan.PriorityHigh {
		t.Fatalf("status/priority mismatch: %s/%s", got.Status, got.Priority)
	}
	if got.RescheduleCount != 2 {
		t.Fatalf("reschedule count = %d, want 2", got.RescheduleCount)
	}
	if got.OriginalStart == nil || !got.OriginalStart.Equal(orig) {
		t.Fatalf("OriginalStart = %v, want %v", got.OriginalStart, orig)
	}
	if got.FailedAt != nil {
		t.Fatalf("FailedAt = %v, want nil", got.FailedAt)
	}
}

func TestSQLiteTaskUpsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	task := plan.Task{
		ID: "t1", UserID: "u1", Name: "thing", Status: plan.StatusPending,
		Priority: plan.PriorityMedium, Start: start, End: start.Add(time.Hour),
		Duration: time.Hour, CreatedAt: start,
	}
	if err := st.PutTask(ctx, task); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	moved := task.MarkMoved(start.Add(2*time.Hour), start.Add(3*time.Hour), start)
	if err := st.PutTask(ctx, moved); err != nil {
		t.Fatalf("PutTask update: %v", err)
	}

	all, err := st.Tasks(ctx)
	if err != nil {
		t.Fatalf("Tasks: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("tasks = %d, want 1 after upsert", len(all))
	}
	if !all[0].Start.Equal(start.Add(2 * time.Hour)) {
		t.Fatalf("start = %v, want moved window", all[0].Start)
	}
}

func TestSQLiteTasksByUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	for i, owner := range []string{"u1", "u2", "u1"} {
		task := plan.Task{
			ID: "t" + string(rune('1'+i)), UserID: owner, Name: "thing",
			Status: plan.StatusPending, Priority: plan.PriorityMedium,
			Start:    start.Add(time.Duration(i) * time.Hour),
			End:      start.Add(time.Duration(i+1) * time.Hour),
			Duration: time.Hour, CreatedAt: start,
		}
		if err := st.PutTask(ctx, task); err != nil {
			t.Fatalf("PutTask: %v", err)
		}
	}

	got, err := st.TasksByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("TasksByUser: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("tasks = %d, want 2", len(got))
	}
	for _, task := range got {
		if task.UserID != "u1" {
			t.Fatalf("leaked task from %q: %+v", task.UserID, task)
		}
	}
	if !got[0].Start.Before(got[1].Start) {
		t.Fatalf("not ordered by start: %v, %v", got[0].Start, got[1].Start)
	}
}

func TestSQLiteTaskNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	if _, err := st.TaskByID(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteTimelineRoundtrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	// Missing timeline reads as nil, not an error.
	snap, err := st.Timeline(ctx, "u1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if snap != nil {
		t.Fatalf("snapshot = %+v, want nil", snap)
	}

	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	in := timeline.Snapshot{
		CreatedAt:  start,
		UpdatedFor: "t1",
		Entries: []timeline.Entry{{
			Name:     "Team meeting",
			Start:    start,
			End:      start.Add(30 * time.Minute),
			Duration: 30 * time.Minute,
			Category: "meeting",
			Priority: plan.PriorityMedium,
			TaskID:   "t1",
		}},
	}
	if err := st.PutTimeline(ctx, "u1", in); err != nil {
		t.Fatalf("PutTimeline: %v", err)
	}

	got, err := st.Timeline(ctx, "u1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if got == nil || len(got.Entries) != 1 {
		t.Fatalf("snapshot = %+v, want 1 entry", got)
	}
	if got.UpdatedFor != "t1" || got.Entries[0].TaskID != "t1" {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if !got.Entries[0].Start.Equal(start) {
		t.Fatalf("entry start = %v, want %v", got.Entries[0].Start, start)
	}
}

func TestSQLiteActions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	for i, typ := range []string{"task_scheduled", "task_rescheduled", "task_failed"} {
		err := st.AppendAction(ctx, ActionEntry{
			At:     time.Date(2026, 3, 10, 10, i, 0, 0, time.UTC),
			Type:   typ,
			TaskID: "t1",
		})
		if err != nil {
			t.Fatalf("AppendAction: %v", err)
		}
	}

	got, err := st.RecentActions(ctx, 2)
	if err != nil {
		t.Fatalf("RecentActions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("actions = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].Type != "task_failed" || got[1].Type != "task_rescheduled" {
		t.Fatalf("unexpected order: %s, %s", got[0].Type, got[1].Type)
	}
}

func TestSQLiteSeenKeys(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	until := time.Now().Add(time.Hour)
	if err := st.PutSeen(ctx, "k1", until); err != nil {
		t.Fatalf("PutSeen: %v", err)
	}

	got, ok, err := st.Seen(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Seen = %v, %v", ok, err)
	}
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until = %v, want %v", got, until)
	}

	if _, ok, _ := st.Seen(ctx, "unknown"); ok {
		t.Fatal("unknown key should not be seen")
	}

	if err := st.DeleteSeen(ctx, "k1"); err != nil {
		t.Fatalf("DeleteSeen: %v", err)
	}
	if _, ok, _ := st.Seen(ctx, "k1"); ok {
		t.Fatal("deleted key should not be seen")
	}
}

func TestSQLitePrompts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if err := st.AddPrompt(ctx, Prompt{ID: "p1", UserID: "u1", Content: "Team meeting", CreatedAt: now}); err != nil {
		t.Fatalf("AddPrompt: %v", err)
	}
	// Re-adding the same id is a no-op, not an error.
	if err := st.AddPrompt(ctx, Prompt{ID: "p1", UserID: "u1", Content: "changed", CreatedAt: now}); err != nil {
		t.Fatalf("AddPrompt duplicate: %v", err)
	}

	ps, err := st.UnprocessedPrompts(ctx)
	if err != nil {
		t.Fatalf("UnprocessedPrompts: %v", err)
	}
	if len(ps) != 1 || ps[0].Content != "Team meeting" {
		t.Fatalf("prompts = %+v, want the original p1", ps)
	}

	if err := st.MarkPromptProcessed(ctx, "p1"); err != nil {
		t.Fatalf("MarkPromptProcessed: %v", err)
	}
	ps, err = st.UnprocessedPrompts(ctx)
	if err != nil {
		t.Fatalf("UnprocessedPrompts: %v", err)
	}
	if len(ps) != 0 {
		t.Fatalf("prompts = %d, want 0 after processing", len(ps))
	}
}

func TestOpenMemoryDriver(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := st.(*Memory); !ok {
		t.Fatalf("store = %T, want *Memory", st)
	}
}
