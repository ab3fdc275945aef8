package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"planwise/internal/eventbus"
	"planwise/internal/notify"
	"planwise/internal/plan"
	rtsup "planwise/internal/runtime/supervisor"
	"planwise/internal/storage"
	logx "planwise/pkg/logx"
)

// Notifier is the delivery collaborator consumed by the Notify stage.
type Notifier interface {
	Notify(ctx context.Context, t plan.Task, kind notify.Kind) error
}

// Service is the pipeline orchestrator: it accepts detected work items from
// the push and poll ingress channels, deduplicates them synchronously, and
// drives each accepted item through Analyze, Schedule, MergeTimeline, and
// Notify on a single consumer loop.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	notifier Notifier
	clock    func() time.Time

	q    chan WorkItem
	seen *tracker

	state atomic.Int32

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	accepted  uint64
	deduped   uint64
	completed uint64
	failed    uint64

	errMu  sync.Mutex
	recent []ItemError
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store, notifier Notifier) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		notifier: notifier,
		clock:    time.Now,
	}
	s.seen = newTracker(cfg.SeenTTL, s.now)
	return s
}

// SetClock overrides the clock (tests).
func (s *Service) SetClock(clock func() time.Time) {
	s.mu.Lock()
	s.clock = clock
	s.mu.Unlock()
}

func (s *Service) now() time.Time {
	s.mu.Lock()
	c := s.clock
	s.mu.Unlock()
	return c()
}

// State returns the orchestrator lifecycle state.
func (s *Service) State() State { return State(s.state.Load()) }

// Apply swaps runtime-tunable settings. Queue size changes require a restart.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	if running && prev.QueueSize != cfg.QueueSize {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.state.Store(int32(StateStarting))

	s.q = make(chan WorkItem, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "pipeline"))),
		// A worker failure should not hard-kill the app; restart instead.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	sup.GoRestart("worker", func(c context.Context) error {
		s.worker(c, stopCh, queue)
		// Clean exits happen only on shutdown.
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("worker exited unexpectedly")
	})

	s.state.Store(int32(StateRunning))
	s.log.Info("pipeline started", logx.Int("queue", cap(queue)), logx.Duration("poll_every", cfg.PollEvery))
}

// Stop drains and halts the worker, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	s.state.Store(int32(StateStopping))
	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; the caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		// Anything the worker never drained stays marked in the tracker and
		// would be undeliverable until its TTL; unmark it so the next
		// detection cycle can pick it up again.
	drain:
		for {
			select {
			case it := <-queue:
				s.seen.Forget(it.ID)
			default:
				break drain
			}
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		s.state.Store(int32(StateStopped))
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("pipeline stopped")
	case <-ctx.Done():
		s.log.Warn("pipeline stop timed out", logx.Err(ctx.Err()))
	}
}

// Submit is the push ingress: a change notification delivering one item.
//
// Dedup happens synchronously, before the item is enqueued, so duplicate
// deliveries (including racing against the poll ingress) are dropped here.
// Returns ErrDuplicate for benign drops.
func (s *Service) Submit(ctx context.Context, item WorkItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = s.now()
	}
	return s.ingest(ctx, item)
}

// PollOnce is one tick of the poll ingress: it promotes every unprocessed
// prompt into the pipeline. Covers missed pushes and process restarts.
func (s *Service) PollOnce(ctx context.Context) error {
	prompts, err := s.store.UnprocessedPrompts(ctx)
	if err != nil {
		return err
	}
	for _, p := range prompts {
		item := promptToItem(p)
		err := s.ingest(ctx, item)
		switch {
		case err == nil, errors.Is(err, ErrQueueFull):
			// Accepted now, or retried on the next tick.
		case errors.Is(err, ErrDuplicate):
			// Already known. Once the item is fully handled the prompt will
			// never become eligible again; retire it. For an in-flight
			// duplicate the prompt stays unprocessed so the poll ingress can
			// redeliver it if the attempt fails.
			if done, derr := s.itemDone(ctx, p.ID); derr == nil && done {
				if merr := s.store.MarkPromptProcessed(ctx, p.ID); merr != nil {
					s.log.Warn("prompt retire failed", logx.String("prompt", p.ID), logx.Err(merr))
				}
			}
		default:
			s.log.Warn("prompt ingest failed", logx.String("prompt", p.ID), logx.Err(err))
		}
	}
	return nil
}

// ingest is the shared entry point for both ingress channels.
func (s *Service) ingest(ctx context.Context, item WorkItem) error {
	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	enabled := s.cfg.Enabled
	s.mu.Unlock()

	if !enabled {
		return ErrDisabled
	}
	if q == nil || stopCh == nil {
		return ErrStopped
	}
	if stopping {
		return ErrStopping
	}

	// In-process dedup: checked and marked atomically before any suspension
	// point, so only one of two racing deliveries passes. Detected is
	// broadcast only for the delivery that passes.
	if !s.seen.CheckAndMark(item.ID) {
		atomic.AddUint64(&s.deduped, 1)
		s.log.Debug("item deduplicated (in-process)", logx.String("item", item.ID))
		return ErrDuplicate
	}

	s.publish(item, StageDetected, "")

	// Persistent guard: derived state survives restarts while the in-process
	// set does not. An item counts as done only once its task is terminal or
	// merged into the owner's timeline; a bare task row means an earlier
	// attempt stopped between Schedule and MergeTimeline, and the item passes
	// through so the worker can resume there.
	done, err := s.itemDone(ctx, item.ID)
	if err != nil {
		s.seen.Forget(item.ID)
		return err
	}
	if done {
		atomic.AddUint64(&s.deduped, 1)
		s.log.Debug("item deduplicated (already handled)", logx.String("item", item.ID))
		return ErrDuplicate
	}
	if until, ok, err := s.store.Seen(ctx, item.ID); err != nil {
		s.seen.Forget(item.ID)
		return err
	} else if ok && until.After(s.now()) {
		atomic.AddUint64(&s.deduped, 1)
		s.log.Debug("item deduplicated (persistent)", logx.String("item", item.ID))
		return ErrDuplicate
	}

	s.publish(item, StageDeduplicated, "")

	select {
	case <-stopCh:
		s.seen.Forget(item.ID)
		return ErrStopping
	case q <- item:
		atomic.AddUint64(&s.accepted, 1)
		return nil
	default:
		// Let the next detection cycle retry instead of blocking ingress.
		s.seen.Forget(item.ID)
		s.log.Warn("item dropped: queue full", logx.String("item", item.ID), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

// itemDone reports whether an item has been fully handled: its task exists
// and is either terminal or already present in the owner's timeline.
func (s *Service) itemDone(ctx context.Context, id string) (bool, error) {
	t, err := s.store.TaskByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.Status.Terminal() {
		return true, nil
	}
	snap, err := s.store.Timeline(ctx, t.UserID)
	if err != nil {
		return false, err
	}
	if snap != nil {
		for _, e := range snap.Entries {
			if e.TaskID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *Service) publish(item WorkItem, stage Stage, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Channel: StatusChannel,
		Time:    s.now(),
		Payload: Status{TaskID: item.ID, UserID: item.UserID, Stage: stage, Detail: detail, At: s.now()},
	})
}

func (s *Service) recordErr(item WorkItem, stage Stage, err error) {
	s.mu.Lock()
	limit := s.cfg.RecentErrors
	s.mu.Unlock()

	s.errMu.Lock()
	s.recent = append(s.recent, ItemError{ItemID: item.ID, Stage: stage, At: s.now(), Error: err.Error()})
	if len(s.recent) > limit {
		s.recent = s.recent[len(s.recent)-limit:]
	}
	s.errMu.Unlock()
}

// Snapshot returns orchestrator diagnostics.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		State:     s.State().String(),
		Accepted:  atomic.LoadUint64(&s.accepted),
		Deduped:   atomic.LoadUint64(&s.deduped),
		Completed: atomic.LoadUint64(&s.completed),
		Failed:    atomic.LoadUint64(&s.failed),
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}

	s.errMu.Lock()
	snap.RecentErrors = append([]ItemError(nil), s.recent...)
	s.errMu.Unlock()
	return snap
}
