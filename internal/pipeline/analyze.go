package pipeline

import (
	"strconv"
	"strings"
	"time"

	"planwise/internal/plan"
	"planwise/internal/storage"
)

// DayPart is a coarse time-of-day preference derived during analysis.
type DayPart string

const (
	DayPartAny       DayPart = "any"
	DayPartMorning   DayPart = "morning"
	DayPartAfternoon DayPart = "afternoon"
	DayPartEvening   DayPart = "evening"
)

// Analysis is the outcome of the Analyze stage: everything the Schedule
// stage needs to place the item.
type Analysis struct {
	Duration time.Duration
	Category string
	Priority plan.Priority
	DayPart  DayPart
}

const (
	minTaskDuration = 5 * time.Minute
	maxTaskDuration = 8 * time.Hour
)

// categoryDefaults maps a keyword found in the item name to a category and
// default duration. First match wins; the table is ordered roughly by
// specificity.
var categoryDefaults = []struct {
	keyword  string
	category string
	duration time.Duration
}{
	{"standup", "meeting", 15 * time.Minute},
	{"meeting", "meeting", 30 * time.Minute},
	{"call", "meeting", 30 * time.Minute},
	{"review", "work", 45 * time.Minute},
	{"workout", "health", time.Hour},
	{"gym", "health", time.Hour},
	{"run", "health", 45 * time.Minute},
	{"lunch", "personal", time.Hour},
	{"dinner", "personal", time.Hour},
	{"errand", "personal", 30 * time.Minute},
	{"shopping", "personal", 45 * time.Minute},
	{"study", "learning", time.Hour},
	{"read", "learning", 30 * time.Minute},
}

// analyzeItem derives duration, category, priority, and a time-of-day
// preference from the raw item. Structured hints win over keyword heuristics.
func analyzeItem(item WorkItem) (Analysis, error) {
	name := strings.TrimSpace(item.Name)
	if name == "" {
		return Analysis{}, &plan.ValidationError{Field: "name", Reason: "must not be empty"}
	}

	an := Analysis{
		Duration: 30 * time.Minute,
		Category: "general",
		Priority: plan.PriorityMedium,
		DayPart:  DayPartAny,
	}

	lower := strings.ToLower(name)
	for _, cd := range categoryDefaults {
		if strings.Contains(lower, cd.keyword) {
			an.Category = cd.category
			an.Duration = cd.duration
			break
		}
	}

	switch {
	case strings.Contains(lower, "morning"):
		an.DayPart = DayPartMorning
	case strings.Contains(lower, "afternoon"):
		an.DayPart = DayPartAfternoon
	case strings.Contains(lower, "evening"), strings.Contains(lower, "tonight"):
		an.DayPart = DayPartEvening
	}

	if v, ok := item.Hints["category"]; ok && strings.TrimSpace(v) != "" {
		an.Category = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := item.Hints["priority"]; ok {
		an.Priority = plan.ParsePriority(v)
	}
	if v, ok := item.Hints["daypart"]; ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "morning":
			an.DayPart = DayPartMorning
		case "afternoon":
			an.DayPart = DayPartAfternoon
		case "evening":
			an.DayPart = DayPartEvening
		}
	}
	if v, ok := item.Hints["duration"]; ok {
		d, err := parseDurationHint(v)
		if err != nil {
			return Analysis{}, err
		}
		an.Duration = d
	}

	if an.Duration < minTaskDuration || an.Duration > maxTaskDuration {
		return Analysis{}, &plan.ValidationError{Field: "duration", Reason: "must be between 5m and 8h"}
	}
	return an, nil
}

// parseDurationHint accepts a Go duration string ("45m", "1h30m") or a bare
// minute count ("45").
func parseDurationHint(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, &plan.ValidationError{Field: "duration", Reason: "empty hint"}
	}
	if mins, err := strconv.Atoi(s); err == nil {
		return time.Duration(mins) * time.Minute, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &plan.ValidationError{Field: "duration", Reason: "unparseable hint " + strconv.Quote(raw)}
	}
	return d, nil
}

// preferredStart maps the analysis day-part preference to the earliest
// acceptable start, never before now.
func preferredStart(now time.Time, part DayPart) time.Time {
	y, m, d := now.Date()
	var at time.Time
	switch part {
	case DayPartMorning:
		at = time.Date(y, m, d, 9, 0, 0, 0, now.Location())
	case DayPartAfternoon:
		at = time.Date(y, m, d, 13, 0, 0, 0, now.Location())
	case DayPartEvening:
		at = time.Date(y, m, d, 18, 0, 0, 0, now.Location())
	default:
		return now
	}
	if at.Before(now) {
		return now
	}
	return at
}

// promptToItem turns a free-text prompt into a work item. The prompt id
// doubles as the item id so both ingress channels deduplicate against each
// other.
func promptToItem(p storage.Prompt) WorkItem {
	return WorkItem{
		ID:        p.ID,
		UserID:    p.UserID,
		Name:      strings.TrimSpace(p.Content),
		CreatedAt: p.CreatedAt,
		PromptID:  p.ID,
	}
}
