package plan

import (
	"strings"
	"time"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the task is in an absorbing state.
// Terminal tasks are excluded from all overlap and availability computations;
// they are retained for audit only.
func (s Status) Terminal() bool { return s == StatusFailed || s == StatusCancelled }

// Fixed reports whether the task may never be moved by the repacker.
func (s Status) Fixed() bool { return s == StatusInProgress || s == StatusCompleted }

// Movable reports whether the repacker may relocate the task.
func (s Status) Movable() bool { return s == StatusPending }

// Priority orders movable tasks during repacking.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Weight maps a priority to its packing weight (higher packs first).
// Unknown values weigh the same as low.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	default:
		return 1
	}
}

// ParsePriority normalizes a raw priority string, defaulting to medium.
func ParsePriority(raw string) Priority {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	default:
		return PriorityMedium
	}
}

// Task is a placed unit of work on a user's day.
//
// Placement fields (Start/End, RescheduleCount, OriginalStart, LastRescheduleAt)
// are mutated only by the reschedule policy and the repacker; status transitions
// (start/complete) come from outside the engine.
type Task struct {
	ID       string
	UserID   string
	Name     string
	Category string

	Start    time.Time
	End      time.Time
	Duration time.Duration

	Status   Status
	Priority Priority

	// RescheduleCount increments each time the engine moves the task.
	RescheduleCount int
	// OriginalStart is set on the first move and never overwritten after.
	OriginalStart    *time.Time
	LastRescheduleAt *time.Time
	// FailedAt is set only when the task transitions to StatusFailed.
	FailedAt *time.Time

	CreatedAt time.Time
}

// EffectiveOrigin is the task's first intended start: OriginalStart when the
// task has been moved at least once, its current Start otherwise.
func (t Task) EffectiveOrigin() time.Time {
	if t.OriginalStart != nil {
		return *t.OriginalStart
	}
	return t.Start
}

// MarkMoved applies a new placement window to a copy of the task, maintaining
// the reschedule bookkeeping invariants.
func (t Task) MarkMoved(start, end, now time.Time) Task {
	if t.OriginalStart == nil {
		orig := t.Start
		t.OriginalStart = &orig
	}
	t.Start = start
	t.End = end
	t.RescheduleCount++
	at := now
	t.LastRescheduleAt = &at
	t.Status = StatusPending
	return t
}

// MarkFailed transitions a copy of the task to the failed terminal state.
func (t Task) MarkFailed(now time.Time) Task {
	t.Status = StatusFailed
	at := now
	t.FailedAt = &at
	return t
}
