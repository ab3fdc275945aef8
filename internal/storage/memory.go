package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"planwise/internal/plan"
	"planwise/internal/timeline"
)

// Memory is an in-process Store used by tests and by the "memory" driver.
// All methods copy values in and out; it is safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	tasks     map[string]plan.Task
	timelines map[string]timeline.Snapshot
	actions   []ActionEntry
	seen      map[string]time.Time
	prompts   map[string]Prompt
}

func NewMemory() *Memory {
	return &Memory{
		tasks:     map[string]plan.Task{},
		timelines: map[string]timeline.Snapshot{},
		seen:      map[string]time.Time{},
		prompts:   map[string]Prompt{},
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) Tasks(ctx context.Context) ([]plan.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]plan.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) TasksByUser(ctx context.Context, userID string) ([]plan.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []plan.Task
	for _, t := range m.tasks {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) TaskByID(ctx context.Context, id string) (plan.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return plan.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *Memory) PutTask(ctx context.Context, t plan.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

func (m *Memory) ClearTasks(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = map[string]plan.Task{}
	return nil
}

func (m *Memory) Timeline(ctx context.Context, userID string) (*timeline.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.timelines[userID]
	if !ok {
		return nil, nil
	}
	cp := snap
	cp.Entries = append([]timeline.Entry(nil), snap.Entries...)
	return &cp, nil
}

func (m *Memory) PutTimeline(ctx context.Context, userID string, snap timeline.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Entries = append([]timeline.Entry(nil), snap.Entries...)
	m.timelines[userID] = snap
	return nil
}

func (m *Memory) AppendAction(ctx context.Context, e ActionEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions = append(m.actions, e)
	return nil
}

func (m *Memory) RecentActions(ctx context.Context, limit int) ([]ActionEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.actions)
	if n > limit {
		n = limit
	}
	out := make([]ActionEntry, 0, n)
	for i := len(m.actions) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, m.actions[i])
	}
	return out, nil
}

func (m *Memory) PutSeen(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[key] = until
	return nil
}

func (m *Memory) Seen(ctx context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until, ok := m.seen[key]
	return until, ok, nil
}

func (m *Memory) DeleteSeen(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
	return nil
}

func (m *Memory) AddPrompt(ctx context.Context, p Prompt) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.prompts[p.ID]; !exists {
		m.prompts[p.ID] = p
	}
	return nil
}

func (m *Memory) UnprocessedPrompts(ctx context.Context) ([]Prompt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Prompt
	for _, p := range m.prompts {
		if !p.Processed {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkPromptProcessed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.prompts[id]; ok {
		p.Processed = true
		m.prompts[id] = p
	}
	return nil
}
