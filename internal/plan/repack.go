package plan

import (
	"sort"
	"time"
)

// RepackResult is the outcome of a full-day repack.
//
// Tasks always contains the complete input set (fixed and terminal tasks pass
// through unchanged, movable tasks possibly relocated). Failed lists the
// movable tasks that could not be placed before end of day; the caller decides
// whether to mark them failed.
type RepackResult struct {
	Tasks  []Task
	Failed []Task
	Moved  int
}

// OK reports whether every movable task was placed.
func (r RepackResult) OK() bool { return len(r.Failed) == 0 }

// Repack recomputes placements for all movable (pending) tasks in priority
// order, treating in-progress and completed tasks as immovable blockers and
// ignoring terminal tasks entirely.
//
// Ordering: priority weight descending, ties broken by the earliest original
// intent (OriginalStart, or current Start if never moved).
//
// A movable task whose current window is still entirely in the future and free
// against the blockers placed so far keeps its window, avoiding needless churn.
// Everything else is pushed to the earliest free slot at or after now.
//
// Repack is pure: it operates on copies and performs no I/O.
func Repack(now time.Time, tasks []Task) RepackResult {
	var fixed, movable, terminal []Task
	for _, t := range tasks {
		switch {
		case t.Status.Fixed():
			fixed = append(fixed, t)
		case t.Status.Movable():
			movable = append(movable, t)
		default:
			terminal = append(terminal, t)
		}
	}

	sort.SliceStable(movable, func(i, j int) bool {
		wi, wj := movable[i].Priority.Weight(), movable[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return movable[i].EffectiveOrigin().Before(movable[j].EffectiveOrigin())
	})

	blockers := make([]Task, len(fixed), len(fixed)+len(movable))
	copy(blockers, fixed)

	res := RepackResult{Tasks: make([]Task, 0, len(tasks))}
	res.Tasks = append(res.Tasks, fixed...)

	for _, t := range movable {
		if t.End.After(now) && t.Start.After(now) && SlotAvailable(t.Start, t.End, blockers, t.ID) {
			// Window still valid; keep it.
			res.Tasks = append(res.Tasks, t)
			blockers = append(blockers, t)
			continue
		}

		slot, ok := NextAvailableSlot(t.Duration, now, blockers, t.ID)
		if !ok {
			res.Failed = append(res.Failed, t)
			res.Tasks = append(res.Tasks, t)
			continue
		}
		moved := t.MarkMoved(slot, slot.Add(t.Duration), now)
		res.Tasks = append(res.Tasks, moved)
		blockers = append(blockers, moved)
		res.Moved++
	}

	res.Tasks = append(res.Tasks, terminal...)
	return res
}

// CanFit reports whether every movable task would fit before end of day.
// It is a dry-run repack; nothing is persisted.
func CanFit(now time.Time, tasks []Task) bool {
	return Repack(now, tasks).OK()
}
