package plan

import "time"

// MinGap is the minimum gap left between two placed tasks.
const MinGap = time.Minute

// EndOfDay returns the scheduling horizon for t's calendar day
// (23:59:59.999 local to t).
func EndOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 23, 59, 59, 999_000_000, t.Location())
}

// roundUpMinute rounds t up to the next whole minute.
// A timestamp already on a whole minute is unchanged.
func roundUpMinute(t time.Time) time.Time {
	tr := t.Truncate(time.Minute)
	if tr.Equal(t) {
		return t
	}
	return tr.Add(time.Minute)
}

// SlotAvailable reports whether [start, end) is free against tasks.
//
// Tasks in a terminal status and the task with excludeID are ignored.
// Overlap is the strict half-open test: start < otherEnd && end > otherStart.
func SlotAvailable(start, end time.Time, tasks []Task, excludeID string) bool {
	for _, t := range tasks {
		if t.ID == excludeID || t.Status.Terminal() {
			continue
		}
		if start.Before(t.End) && end.After(t.Start) {
			return false
		}
	}
	return true
}

// NextAvailableSlot finds the earliest start for a slot of the given duration
// at or after notBefore, bounded by the end-of-day horizon of notBefore's day.
//
// Rather than scanning minute by minute, the search jumps to just past the end
// of the earliest conflicting task, so the work is proportional to the number
// of conflicting tasks instead of the minutes in the day.
//
// Returns (zero, false) when no slot fits before the horizon.
func NextAvailableSlot(duration time.Duration, notBefore time.Time, tasks []Task, excludeID string) (time.Time, bool) {
	horizon := EndOfDay(notBefore)
	candidate := roundUpMinute(notBefore)

	for !candidate.Add(duration).After(horizon) {
		if SlotAvailable(candidate, candidate.Add(duration), tasks, excludeID) {
			return candidate, true
		}

		// Jump past the earliest task still blocking the candidate.
		next := time.Time{}
		for _, t := range tasks {
			if t.ID == excludeID || t.Status.Terminal() {
				continue
			}
			if t.End.After(candidate) && (next.IsZero() || t.End.Before(next)) {
				next = t.End
			}
		}
		if next.IsZero() {
			// The slot was unavailable but no task ends after the candidate.
			// Should not happen; advance one minute rather than spin.
			candidate = candidate.Add(time.Minute)
			continue
		}
		candidate = roundUpMinute(next.Add(MinGap))
	}
	return time.Time{}, false
}
