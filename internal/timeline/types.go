package timeline

import (
	"encoding/json"
	"time"

	"planwise/internal/plan"
)

// Entry is one placed item on a user's timeline.
//
// AutoGenerated entries (preparation/break) are synthesized around a real
// task and carry that task's id in ParentTaskID.
type Entry struct {
	Name          string
	Start         time.Time
	End           time.Time
	Duration      time.Duration
	Category      string
	Priority      plan.Priority
	AutoGenerated bool
	TaskID        string
	ParentTaskID  string
}

// entryWire is the persisted shape of an Entry; the duration is stored as
// whole seconds.
type entryWire struct {
	Name            string        `json:"name"`
	Start           time.Time     `json:"start_time"`
	End             time.Time     `json:"end_time"`
	DurationSeconds int64         `json:"duration_seconds"`
	Category        string        `json:"category"`
	Priority        plan.Priority `json:"priority"`
	AutoGenerated   bool          `json:"auto_generated"`
	TaskID          string        `json:"task_id,omitempty"`
	ParentTaskID    string        `json:"parent_task_id,omitempty"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryWire{
		Name:            e.Name,
		Start:           e.Start,
		End:             e.End,
		DurationSeconds: int64(e.Duration / time.Second),
		Category:        e.Category,
		Priority:        e.Priority,
		AutoGenerated:   e.AutoGenerated,
		TaskID:          e.TaskID,
		ParentTaskID:    e.ParentTaskID,
	})
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	var w entryWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = Entry{
		Name:          w.Name,
		Start:         w.Start,
		End:           w.End,
		Duration:      time.Duration(w.DurationSeconds) * time.Second,
		Category:      w.Category,
		Priority:      w.Priority,
		AutoGenerated: w.AutoGenerated,
		TaskID:        w.TaskID,
		ParentTaskID:  w.ParentTaskID,
	}
	return nil
}

// Snapshot is the complete ordered set of a user's placed entries at a point
// in time. It is fetched, transformed, and written back as a whole; the engine
// never patches it in place.
type Snapshot struct {
	Entries   []Entry   `json:"entries"`
	CreatedAt time.Time `json:"created_at"`
	// UpdatedFor references the task that triggered the most recent merge.
	UpdatedFor string `json:"updated_for,omitempty"`
}

// Placement is the newly scheduled task to merge into a snapshot.
type Placement struct {
	TaskID   string
	Name     string
	Category string
	Priority plan.Priority
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

// Options toggles merge features.
type Options struct {
	// ContextEntries synthesizes a preparation entry before long tasks and a
	// break entry after the newly placed task.
	ContextEntries bool
}

// Adjustment records one overlap resolution performed during a merge, so the
// caller can log it or append it to the action log.
type Adjustment struct {
	Name     string
	TaskID   string
	OldStart time.Time
	NewStart time.Time
}
