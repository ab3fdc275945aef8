package pipeline

import (
	"errors"
	"time"
)

// StatusChannel is the event-bus channel carrying per-stage Status broadcasts.
const StatusChannel = "pipeline.status"

// Stage is one discrete, independently failable step of an item's pipeline.
// The set is closed; switches over Stage should be exhaustive.
type Stage string

const (
	StageDetected        Stage = "detected"
	StageDeduplicated    Stage = "deduplicated"
	StageAnalyzing       Stage = "analyzing"
	StageScheduling      Stage = "scheduling"
	StageMergingTimeline Stage = "merging_timeline"
	StageNotifying       Stage = "notifying"
	StageCompleted       Stage = "completed"
	StageFailed          Stage = "failed"
)

// State is the orchestrator lifecycle state.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// WorkItem is a detected unit of work entering the pipeline. Both ingress
// channels (push and poll) produce WorkItems; the promoted task reuses the
// item id, which is what makes reprocessing idempotent.
type WorkItem struct {
	ID        string
	UserID    string
	Name      string
	Hints     map[string]string
	CreatedAt time.Time

	// PromptID links back to the poll-ingress prompt this item came from,
	// so it can be marked processed when the pipeline finishes with it.
	PromptID string
}

// Status is the transient, broadcast-only processing status of one item.
type Status struct {
	TaskID string    `json:"task_id"`
	UserID string    `json:"user_id"`
	Stage  Stage     `json:"stage"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"timestamp"`
}

// ItemError is one entry in the bounded recent-errors list.
type ItemError struct {
	ItemID string
	Stage  Stage
	At     time.Time
	Error  string
}

// Config controls the orchestrator.
type Config struct {
	Enabled bool

	QueueSize int // default 64

	// PollEvery is the poll-ingress interval (registered with the sched
	// service by the app). Default 30s.
	PollEvery time.Duration

	// SeenTTL bounds how long a completed item's id stays deduplicated,
	// in-process and in the store. Default 7 days.
	SeenTTL time.Duration

	RecentErrors int // default 20

	// ContextEntries toggles synthesized preparation/break timeline entries.
	ContextEntries bool
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.PollEvery <= 0 {
		c.PollEvery = 30 * time.Second
	}
	if c.SeenTTL <= 0 {
		c.SeenTTL = 7 * 24 * time.Hour
	}
	if c.RecentErrors <= 0 {
		c.RecentErrors = 20
	}
	return c
}

var (
	ErrDisabled  = errors.New("pipeline disabled")
	ErrStopped   = errors.New("pipeline stopped")
	ErrStopping  = errors.New("pipeline stopping")
	ErrQueueFull = errors.New("pipeline queue full")

	// ErrDuplicate is the benign short-circuit for an item that is already
	// known, in-process or persistently. Not an error condition.
	ErrDuplicate = errors.New("duplicate item")
)

// Snapshot is a point-in-time diagnostic view of the orchestrator.
type Snapshot struct {
	State    string
	QueueLen int
	QueueCap int

	Accepted  uint64
	Deduped   uint64
	Completed uint64
	Failed    uint64

	RecentErrors []ItemError
}
