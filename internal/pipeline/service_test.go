package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"planwise/internal/eventbus"
	"planwise/internal/notify"
	"planwise/internal/plan"
	"planwise/internal/storage"
	"planwise/internal/timeline"
	logx "planwise/pkg/logx"
)

type fakeNotifier struct {
	mu    sync.Mutex
	calls []notify.Kind
}

func (f *fakeNotifier) Notify(ctx context.Context, t plan.Task, kind notify.Kind) error {
	f.mu.Lock()
	f.calls = append(f.calls, kind)
	f.mu.Unlock()
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// flakyStore fails the first TasksByUser call to simulate a transient
// storage error during the Schedule stage.
type flakyStore struct {
	storage.Store
	mu     sync.Mutex
	failed bool
}

func (f *flakyStore) TasksByUser(ctx context.Context, userID string) ([]plan.Task, error) {
	f.mu.Lock()
	first := !f.failed
	f.failed = true
	f.mu.Unlock()
	if first {
		return nil, errors.New("storage hiccup")
	}
	return f.Store.TasksByUser(ctx, userID)
}

// flakyTimelineStore fails the first PutTimeline call, after the task row is
// already persisted.
type flakyTimelineStore struct {
	storage.Store
	mu     sync.Mutex
	failed bool
}

func (f *flakyTimelineStore) PutTimeline(ctx context.Context, userID string, snap timeline.Snapshot) error {
	f.mu.Lock()
	first := !f.failed
	f.failed = true
	f.mu.Unlock()
	if first {
		return errors.New("disk hiccup")
	}
	return f.Store.PutTimeline(ctx, userID, snap)
}

func newTestService(t *testing.T, store storage.Store, clock func() time.Time) (*Service, *fakeNotifier) {
	t.Helper()
	fn := &fakeNotifier{}
	s := New(Config{Enabled: true, QueueSize: 8}, logx.Nop(), nil, store, fn)
	if clock != nil {
		s.SetClock(clock)
	}
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, fn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipelineDedupAcrossIngress(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s, fn := newTestService(t, store, func() time.Time { return now })

	if err := store.AddPrompt(ctx, storage.Prompt{
		ID: "p1", UserID: "u1", Content: "Team meeting", CreatedAt: now,
	}); err != nil {
		t.Fatalf("AddPrompt: %v", err)
	}

	// Push and poll race for the same item id; exactly one must pass.
	if err := s.Submit(ctx, WorkItem{ID: "p1", UserID: "u1", Name: "Team meeting", PromptID: "p1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	waitFor(t, "task to be scheduled", func() bool {
		_, err := store.TaskByID(ctx, "p1")
		return err == nil
	})

	snap := s.Snapshot()
	if snap.Accepted != 1 {
		t.Fatalf("accepted = %d, want 1", snap.Accepted)
	}
	if snap.Deduped != 1 {
		t.Fatalf("deduped = %d, want 1", snap.Deduped)
	}
	waitFor(t, "single completion", func() bool { return s.Snapshot().Completed == 1 })
	if got := fn.count(); got != 1 {
		t.Fatalf("notifications = %d, want 1", got)
	}

	// A later poll sees the finished item and retires the prompt.
	waitFor(t, "prompt retirement", func() bool {
		_ = s.PollOnce(ctx)
		ps, err := store.UnprocessedPrompts(ctx)
		return err == nil && len(ps) == 0
	})

	// Submitting again stays a duplicate.
	if err := s.Submit(ctx, WorkItem{ID: "p1", UserID: "u1", Name: "Team meeting"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("resubmit error = %v, want ErrDuplicate", err)
	}
}

func TestPipelineSchedulesIntoFreeSlot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s, _ := newTestService(t, store, func() time.Time { return now })

	busy := plan.Task{
		ID: "busy", UserID: "u1", Name: "existing", Status: plan.StatusPending,
		Priority: plan.PriorityMedium, Duration: time.Hour,
		Start: now, End: now.Add(time.Hour), CreatedAt: now,
	}
	if err := store.PutTask(ctx, busy); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	if err := s.Submit(ctx, WorkItem{ID: "n1", UserID: "u1", Name: "Team meeting"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "task placement", func() bool {
		_, err := store.TaskByID(ctx, "n1")
		return err == nil
	})

	got, err := store.TaskByID(ctx, "n1")
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	// 09:00-10:00 is taken; the meeting lands after the gap.
	want := now.Add(time.Hour + time.Minute)
	if !got.Start.Equal(want) {
		t.Fatalf("start = %v, want %v", got.Start, want)
	}
	if got.Status != plan.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}

	snap, err := store.Timeline(ctx, "u1")
	if err != nil {
		t.Fatalf("Timeline: %v", err)
	}
	if snap == nil || len(snap.Entries) == 0 {
		t.Fatal("timeline not updated")
	}
}

func TestPipelineTerminalFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	// Too late in the day for a 30m default slot.
	now := time.Date(2026, 3, 10, 23, 50, 0, 0, time.UTC)
	s, fn := newTestService(t, store, func() time.Time { return now })

	if err := s.Submit(ctx, WorkItem{ID: "late", UserID: "u1", Name: "Team meeting"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "terminal failure", func() bool { return s.Snapshot().Failed == 1 })

	got, err := store.TaskByID(ctx, "late")
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if got.Status != plan.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.FailedAt == nil {
		t.Fatal("FailedAt not set")
	}

	// Terminal failures do not retry: the item stays deduplicated.
	if _, ok, err := store.Seen(ctx, "late"); err != nil || !ok {
		t.Fatalf("seen = %v, %v; want persisted dedup key", ok, err)
	}
	if err := s.Submit(ctx, WorkItem{ID: "late", UserID: "u1", Name: "Team meeting"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("resubmit error = %v, want ErrDuplicate", err)
	}
	if fn.count() != 0 {
		t.Fatalf("notifications = %d, want 0", fn.count())
	}

	actions, err := store.RecentActions(ctx, 10)
	if err != nil {
		t.Fatalf("RecentActions: %v", err)
	}
	var found bool
	for _, a := range actions {
		if a.Type == "schedule_failed" && a.TaskID == "late" {
			found = true
		}
	}
	if !found {
		t.Fatalf("schedule_failed action missing: %+v", actions)
	}
}

func TestPipelineTransientRetry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &flakyStore{Store: storage.NewMemory()}
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s, _ := newTestService(t, store, func() time.Time { return now })

	if err := s.Submit(ctx, WorkItem{ID: "r1", UserID: "u1", Name: "Team meeting"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "transient failure", func() bool { return s.Snapshot().Failed == 1 })

	// The item was forgotten; the next detection cycle may retry it.
	if err := s.Submit(ctx, WorkItem{ID: "r1", UserID: "u1", Name: "Team meeting"}); err != nil {
		t.Fatalf("retry Submit error: %v", err)
	}
	waitFor(t, "retry completion", func() bool { return s.Snapshot().Completed == 1 })

	if _, err := store.TaskByID(ctx, "r1"); err != nil {
		t.Fatalf("task missing after retry: %v", err)
	}
}

func TestPipelineScopesBlockersPerUser(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s, _ := newTestService(t, store, func() time.Time { return now })

	other := plan.Task{
		ID: "a-busy", UserID: "userA", Name: "other calendar", Status: plan.StatusPending,
		Priority: plan.PriorityMedium, Duration: time.Hour,
		Start: now, End: now.Add(time.Hour), CreatedAt: now,
	}
	if err := store.PutTask(ctx, other); err != nil {
		t.Fatalf("PutTask: %v", err)
	}

	if err := s.Submit(ctx, WorkItem{ID: "b1", UserID: "userB", Name: "Team meeting"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "placement", func() bool {
		_, err := store.TaskByID(ctx, "b1")
		return err == nil
	})

	// userA's 09:00 task is free space from userB's point of view.
	got, err := store.TaskByID(ctx, "b1")
	if err != nil {
		t.Fatalf("TaskByID: %v", err)
	}
	if !got.Start.Equal(now) {
		t.Fatalf("start = %v, want %v", got.Start, now)
	}
}

func TestPipelineResumesMergeAfterTimelineFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &flakyTimelineStore{Store: storage.NewMemory()}
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s, fn := newTestService(t, store, func() time.Time { return now })

	if err := s.Submit(ctx, WorkItem{ID: "m1", UserID: "u1", Name: "Team meeting"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, "transient merge failure", func() bool { return s.Snapshot().Failed == 1 })

	// The placement survived the failed merge; the timeline did not.
	placed, err := store.TaskByID(ctx, "m1")
	if err != nil {
		t.Fatalf("task missing after failed merge: %v", err)
	}
	if snap, _ := store.Timeline(ctx, "u1"); snap != nil {
		t.Fatalf("timeline = %+v, want none yet", snap)
	}

	// Redelivery is not a duplicate while the timeline lacks the task.
	if err := s.Submit(ctx, WorkItem{ID: "m1", UserID: "u1", Name: "Team meeting"}); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	waitFor(t, "resumed completion", func() bool { return s.Snapshot().Completed == 1 })

	snap, err := store.Timeline(ctx, "u1")
	if err != nil || snap == nil {
		t.Fatalf("Timeline: %v, %v", snap, err)
	}
	var merged bool
	for _, e := range snap.Entries {
		if e.TaskID == "m1" {
			merged = true
		}
	}
	if !merged {
		t.Fatalf("timeline missing the task: %+v", snap.Entries)
	}

	// The resume skipped Schedule: the window is the original placement.
	got, _ := store.TaskByID(ctx, "m1")
	if !got.Start.Equal(placed.Start) || got.RescheduleCount != placed.RescheduleCount {
		t.Fatalf("task re-placed on resume: %+v vs %+v", got, placed)
	}
	if fn.count() != 1 {
		t.Fatalf("notifications = %d, want 1", fn.count())
	}

	// Now that the merge landed, the item is a real duplicate.
	if err := s.Submit(ctx, WorkItem{ID: "m1", UserID: "u1", Name: "Team meeting"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("resubmit error = %v, want ErrDuplicate", err)
	}
}

func TestPipelineSingleDetectedBroadcast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := eventbus.New()
	store := storage.NewMemory()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s := New(Config{Enabled: true, QueueSize: 8}, logx.Nop(), bus, store, &fakeNotifier{})
	s.SetClock(func() time.Time { return now })

	events, unsub := bus.Subscribe(64, StatusChannel)
	defer unsub()

	s.Start(ctx)
	t.Cleanup(func() {
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(c)
	})

	if err := s.Submit(ctx, WorkItem{ID: "d1", UserID: "u1", Name: "Team meeting"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := s.Submit(ctx, WorkItem{ID: "d1", UserID: "u1", Name: "Team meeting"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second delivery = %v, want ErrDuplicate", err)
	}

	// Ingress broadcasts are synchronous, so both deliveries' events are
	// already buffered. The suppressed duplicate must not have emitted one.
	var detected int
drain:
	for {
		select {
		case e := <-events:
			if st, ok := e.Payload.(Status); ok && st.TaskID == "d1" && st.Stage == StageDetected {
				detected++
			}
		default:
			break drain
		}
	}
	if detected != 1 {
		t.Fatalf("detected broadcasts = %d, want 1", detected)
	}
}

type gateNotifier struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateNotifier) Notify(ctx context.Context, t plan.Task, kind notify.Kind) error {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPipelineStopReleasesQueuedItems(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	gate := &gateNotifier{started: make(chan struct{}), release: make(chan struct{})}
	s := New(Config{Enabled: true, QueueSize: 4}, logx.Nop(), nil, store, gate)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	s.Start(ctx)

	if err := s.Submit(ctx, WorkItem{ID: "a", UserID: "u1", Name: "Team meeting"}); err != nil {
		t.Fatalf("Submit a: %v", err)
	}
	select {
	case <-gate.started:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never reached delivery")
	}
	// Queued behind the stuck item; the worker never drains it.
	if err := s.Submit(ctx, WorkItem{ID: "b", UserID: "u1", Name: "Errand"}); err != nil {
		t.Fatalf("Submit b: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	s.Stop(stopCtx)
	cancel()

	close(gate.release)
	s.Start(ctx)
	t.Cleanup(func() {
		c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(c)
	})

	// The stranded item must be deliverable again, not a tracker duplicate.
	if err := s.Submit(ctx, WorkItem{ID: "b", UserID: "u1", Name: "Errand"}); err != nil {
		t.Fatalf("resubmit b after stop: %v", err)
	}
	waitFor(t, "stranded item completion", func() bool { return s.Snapshot().Completed >= 1 })
}

func TestPipelineSubmitWhenStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil, storage.NewMemory(), &fakeNotifier{})
	if err := s.Submit(context.Background(), WorkItem{ID: "x", Name: "thing"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("error = %v, want ErrStopped", err)
	}
}

func TestPipelineDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false}, logx.Nop(), nil, storage.NewMemory(), &fakeNotifier{})
	s.Start(context.Background())
	if err := s.Submit(context.Background(), WorkItem{ID: "x", Name: "thing"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("error = %v, want ErrDisabled", err)
	}
}
