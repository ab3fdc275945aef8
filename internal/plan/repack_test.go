package plan

import (
	"testing"
)

func TestRepackKeepsValidWindowMovesConflict(t *testing.T) {
	t.Parallel()
	now := day(9, 50)
	a := mkTask("a", day(10, 0), day(10, 30), StatusPending)
	a.Priority = PriorityHigh
	b := mkTask("b", day(10, 15), day(10, 45), StatusPending)

	res := Repack(now, []Task{a, b})
	if !res.OK() {
		t.Fatalf("unexpected failures: %v", res.Failed)
	}
	if res.Moved != 1 {
		t.Fatalf("moved = %d, want 1", res.Moved)
	}

	got := byID(t, res.Tasks)
	if !got["a"].Start.Equal(day(10, 0)) || !got["a"].End.Equal(day(10, 30)) {
		t.Fatalf("a moved: %v-%v", got["a"].Start, got["a"].End)
	}
	if !got["b"].Start.Equal(day(10, 31)) || !got["b"].End.Equal(day(11, 1)) {
		t.Fatalf("b = %v-%v, want 10:31-11:01", got["b"].Start, got["b"].End)
	}
	if got["b"].RescheduleCount != 1 {
		t.Fatalf("b reschedule count = %d, want 1", got["b"].RescheduleCount)
	}
}

func TestRepackPriorityOrder(t *testing.T) {
	t.Parallel()
	now := day(9, 0)
	// Both are overdue and contend for the earliest slot; high wins it.
	low := mkTask("low", day(8, 0), day(8, 30), StatusPending)
	low.Priority = PriorityLow
	high := mkTask("high", day(8, 0), day(8, 30), StatusPending)
	high.Priority = PriorityHigh

	res := Repack(now, []Task{low, high})
	got := byID(t, res.Tasks)
	if !got["high"].Start.Equal(day(9, 0)) {
		t.Fatalf("high = %v, want 09:00", got["high"].Start)
	}
	if !got["low"].Start.After(got["high"].End) {
		t.Fatalf("low = %v, want after high's end %v", got["low"].Start, got["high"].End)
	}
}

func TestRepackTieBreakByOrigin(t *testing.T) {
	t.Parallel()
	now := day(9, 0)
	// Same priority; the earlier original intent packs first even though the
	// current windows say otherwise.
	early := mkTask("early", day(8, 30), day(9, 0), StatusPending)
	orig := day(7, 0)
	early.OriginalStart = &orig
	early.RescheduleCount = 1
	late := mkTask("late", day(8, 0), day(8, 30), StatusPending)

	res := Repack(now, []Task{late, early})
	got := byID(t, res.Tasks)
	if !got["early"].Start.Equal(day(9, 0)) {
		t.Fatalf("early = %v, want the first slot", got["early"].Start)
	}
}

func TestRepackFixedTasksNeverMove(t *testing.T) {
	t.Parallel()
	now := day(10, 15)
	inProg := mkTask("prog", day(10, 0), day(11, 0), StatusInProgress)
	pending := mkTask("p", day(10, 30), day(11, 0), StatusPending)

	res := Repack(now, []Task{inProg, pending})
	got := byID(t, res.Tasks)
	if !got["prog"].Start.Equal(day(10, 0)) {
		t.Fatalf("in-progress task moved to %v", got["prog"].Start)
	}
	// The pending task must land after the in-progress blocker.
	if got["p"].Start.Before(day(11, 1)) {
		t.Fatalf("pending = %v, want at or after 11:01", got["p"].Start)
	}
}

func TestRepackOriginalStartSetOnce(t *testing.T) {
	t.Parallel()
	now := day(9, 0)
	task := mkTask("t", day(8, 0), day(8, 30), StatusPending)

	res := Repack(now, []Task{task})
	moved := byID(t, res.Tasks)["t"]
	if moved.OriginalStart == nil || !moved.OriginalStart.Equal(day(8, 0)) {
		t.Fatalf("OriginalStart = %v, want 08:00", moved.OriginalStart)
	}

	// Second repack later; OriginalStart must not change.
	res2 := Repack(day(12, 0), []Task{moved})
	moved2 := byID(t, res2.Tasks)["t"]
	if moved2.RescheduleCount != 2 {
		t.Fatalf("reschedule count = %d, want 2", moved2.RescheduleCount)
	}
	if !moved2.OriginalStart.Equal(day(8, 0)) {
		t.Fatalf("OriginalStart overwritten: %v", moved2.OriginalStart)
	}
}

func TestRepackTotality(t *testing.T) {
	t.Parallel()
	now := day(23, 0)
	// 3 one-hour tasks cannot all fit before midnight.
	tasks := []Task{
		mkTask("a", day(8, 0), day(9, 0), StatusPending),
		mkTask("b", day(8, 0), day(9, 0), StatusPending),
		mkTask("c", day(8, 0), day(9, 0), StatusPending),
		mkTask("done", day(7, 0), day(8, 0), StatusCompleted),
		mkTask("dead", day(6, 0), day(7, 0), StatusCancelled),
	}

	res := Repack(now, tasks)
	if len(res.Tasks) != len(tasks) {
		t.Fatalf("result has %d tasks, want %d", len(res.Tasks), len(tasks))
	}
	if res.OK() {
		t.Fatal("expected placement failures near end of day")
	}
	// Unplaced tasks pass through unchanged.
	got := byID(t, res.Tasks)
	for _, f := range res.Failed {
		if got[f.ID].Status != StatusPending {
			t.Fatalf("failed task %s status = %s, want pending passthrough", f.ID, got[f.ID].Status)
		}
	}
}

func TestCanFit(t *testing.T) {
	t.Parallel()
	ok := []Task{mkTask("a", day(8, 0), day(9, 0), StatusPending)}
	if !CanFit(day(10, 0), ok) {
		t.Fatal("expected the day to fit")
	}
	full := []Task{
		mkTask("a", day(8, 0), day(9, 0), StatusPending),
		mkTask("b", day(8, 0), day(9, 0), StatusPending),
	}
	if CanFit(day(23, 30), full) {
		t.Fatal("expected the day not to fit")
	}
}

func byID(t *testing.T, tasks []Task) map[string]Task {
	t.Helper()
	m := make(map[string]Task, len(tasks))
	for _, task := range tasks {
		m[task.ID] = task
	}
	return m
}
