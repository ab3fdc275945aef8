package plan

import (
	"fmt"
	"time"
)

// rescheduleDelays is the progressive backoff applied to the Nth reschedule
// attempt. Counts beyond the table reuse the last entry (hourly) indefinitely.
var rescheduleDelays = []time.Duration{
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
}

// NextDelay returns the delay for the given reschedule count.
// Negative counts clamp to 0. Non-decreasing by construction.
func NextDelay(rescheduleCount int) time.Duration {
	if rescheduleCount < 0 {
		rescheduleCount = 0
	}
	if rescheduleCount >= len(rescheduleDelays) {
		return rescheduleDelays[len(rescheduleDelays)-1]
	}
	return rescheduleDelays[rescheduleCount]
}

// Proposal is a pure reschedule decision: a new window for one task.
// Callers apply it (bookkeeping, persistence, action log); the proposal
// itself never mutates anything.
type Proposal struct {
	TaskID string
	Start  time.Time
	End    time.Time
	Delay  time.Duration
}

// ProposeReschedule computes a new window for task using the progressive-delay
// policy: the preferred window starts at now + delay; if that window is taken,
// the earliest later slot of the same duration is used instead.
//
// Returns a ConstraintError when the preferred end already crosses the
// end-of-day horizon, or when no slot of the task's duration remains before it.
func ProposeReschedule(now time.Time, task Task, all []Task) (Proposal, error) {
	if task.Duration <= 0 {
		return Proposal{}, &ValidationError{Field: "duration", Reason: "must be positive"}
	}

	delay := NextDelay(task.RescheduleCount)
	start := now.Add(delay)
	end := start.Add(task.Duration)
	horizon := EndOfDay(now)

	if end.After(horizon) {
		return Proposal{}, &ConstraintError{
			Reason: fmt.Sprintf("proposed window ends after the day boundary (%s)", horizon.Format("15:04:05")),
		}
	}

	if SlotAvailable(start, end, all, task.ID) {
		return Proposal{TaskID: task.ID, Start: start, End: end, Delay: delay}, nil
	}

	slot, ok := NextAvailableSlot(task.Duration, start, all, task.ID)
	if !ok {
		return Proposal{}, &ConstraintError{Reason: "no available slot before end of day"}
	}
	return Proposal{TaskID: task.ID, Start: slot, End: slot.Add(task.Duration), Delay: delay}, nil
}
