package timeline

import (
	"sort"
	"time"

	"planwise/internal/plan"
)

const (
	// overlapShift is inserted between two colliding entries.
	overlapShift = 5 * time.Minute

	prepDuration    = 10 * time.Minute
	prepMinTaskSize = 30 * time.Minute
	breakDuration   = 15 * time.Minute
)

// Merge integrates a newly scheduled task into an existing snapshot.
//
// Pipeline: prune stale entries, deduplicate by key, upsert the new entry,
// sort by start, shift residual overlaps forward, and optionally synthesize
// context entries around the new task. The input snapshot is not modified;
// existing may be nil.
//
// The returned adjustments describe every overlap shift performed, for the
// caller to log.
func Merge(now time.Time, existing *Snapshot, p Placement, opt Options) (Snapshot, []Adjustment) {
	var entries []Entry
	if existing != nil {
		entries = make([]Entry, 0, len(existing.Entries)+3)
		for _, e := range existing.Entries {
			// Entries already over are stale, as are context entries that were
			// synthesized for a previous placement of this same task.
			if !e.End.After(now) {
				continue
			}
			if e.AutoGenerated && e.ParentTaskID == p.TaskID {
				continue
			}
			entries = append(entries, e)
		}
	}

	entries = dedupEntries(entries)

	// Upsert: the new placement supersedes any prior entry for the task.
	kept := entries[:0]
	for _, e := range entries {
		if e.TaskID == p.TaskID {
			continue
		}
		kept = append(kept, e)
	}
	entries = append(kept, Entry{
		Name:     p.Name,
		Start:    p.Start,
		End:      p.End,
		Duration: p.Duration,
		Category: p.Category,
		Priority: p.Priority,
		TaskID:   p.TaskID,
	})

	sortByStart(entries)

	var adjustments []Adjustment
	for i := 1; i < len(entries); i++ {
		prev := entries[i-1]
		if entries[i].Start.Before(prev.End) {
			newStart := prev.End.Add(overlapShift)
			adjustments = append(adjustments, Adjustment{
				Name:     entries[i].Name,
				TaskID:   entries[i].TaskID,
				OldStart: entries[i].Start,
				NewStart: newStart,
			})
			dur := entries[i].Duration
			if dur <= 0 {
				dur = entries[i].End.Sub(entries[i].Start)
			}
			entries[i].Start = newStart
			entries[i].End = newStart.Add(dur)
		}
	}

	if opt.ContextEntries {
		entries = append(entries, contextEntries(p)...)
		sortByStart(entries)
	}

	return Snapshot{
		Entries:    entries,
		CreatedAt:  now,
		UpdatedFor: p.TaskID,
	}, adjustments
}

// dedupEntries collapses entries sharing a key (task id, or name+start for
// entries without one), keeping the later-starting entry as the survivor.
func dedupEntries(entries []Entry) []Entry {
	byKey := make(map[string]Entry, len(entries))
	order := make([]string, 0, len(entries))
	for _, e := range entries {
		key := e.TaskID
		if key == "" {
			key = e.Name + "|" + e.Start.Format(time.RFC3339)
		}
		prev, seen := byKey[key]
		if !seen {
			byKey[key] = e
			order = append(order, key)
			continue
		}
		// A later start supersedes the earlier duplicate.
		if e.Start.After(prev.Start) {
			byKey[key] = e
		}
	}
	out := make([]Entry, 0, len(byKey))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

func contextEntries(p Placement) []Entry {
	var out []Entry
	if p.Duration >= prepMinTaskSize {
		out = append(out, Entry{
			Name:          "Preparation: " + p.Name,
			Start:         p.Start.Add(-prepDuration),
			End:           p.Start,
			Duration:      prepDuration,
			Category:      "preparation",
			Priority:      p.Priority,
			AutoGenerated: true,
			ParentTaskID:  p.TaskID,
		})
	}
	out = append(out, Entry{
		Name:          "Break",
		Start:         p.End,
		End:           p.End.Add(breakDuration),
		Duration:      breakDuration,
		Category:      "break",
		Priority:      plan.PriorityLow,
		AutoGenerated: true,
		ParentTaskID:  p.TaskID,
	})
	return out
}

func sortByStart(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Start.Before(entries[j].Start)
	})
}
