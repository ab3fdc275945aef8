package storage

import (
	"context"
	"errors"
	"time"

	"planwise/internal/plan"
	"planwise/internal/timeline"
)

var (
	ErrDisabled = errors.New("storage disabled")
	// ErrNotFound is returned by point lookups when the row does not exist.
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": in-process store, used by tests
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ActionEntry is one append-only record of a scheduling decision.
type ActionEntry struct {
	At       time.Time
	Type     string
	TaskID   string
	TaskName string
	Detail   string
}

// Prompt is a free-text item awaiting pipeline pickup (the poll ingress
// source). Processed marks it consumed.
type Prompt struct {
	ID        string
	UserID    string
	Content   string
	Processed bool
	CreatedAt time.Time
}

// Store is the persistence API used by the pipeline and the repairer.
//
// Timeline snapshots are whole values: Timeline/PutTimeline read and replace
// the complete snapshot, never individual entries.
type Store interface {
	Tasks(ctx context.Context) ([]plan.Task, error)
	// TasksByUser returns one user's tasks. Scheduling decisions are scoped
	// per user; only the owner's tasks block a placement.
	TasksByUser(ctx context.Context, userID string) ([]plan.Task, error)
	TaskByID(ctx context.Context, id string) (plan.Task, error)
	PutTask(ctx context.Context, t plan.Task) error
	ClearTasks(ctx context.Context) error

	Timeline(ctx context.Context, userID string) (*timeline.Snapshot, error)
	PutTimeline(ctx context.Context, userID string, snap timeline.Snapshot) error

	AppendAction(ctx context.Context, e ActionEntry) error
	RecentActions(ctx context.Context, limit int) ([]ActionEntry, error)

	// Seen keys implement the persistent half of pipeline dedup. A key is
	// visible until its expiry; expired keys are pruned opportunistically.
	PutSeen(ctx context.Context, key string, until time.Time) error
	Seen(ctx context.Context, key string) (until time.Time, ok bool, err error)
	DeleteSeen(ctx context.Context, key string) error

	AddPrompt(ctx context.Context, p Prompt) error
	UnprocessedPrompts(ctx context.Context) ([]Prompt, error)
	MarkPromptProcessed(ctx context.Context, id string) error

	Close() error
}
