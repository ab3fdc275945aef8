package notify

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"planwise/internal/plan"
	logx "planwise/pkg/logx"
)

// Service paces and retries deliveries through the configured adapter.
// A nil adapter turns the service into a logged no-op.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	adapter Adapter
	limiter *rate.Limiter
	log     logx.Logger

	history []Delivery
}

// Delivery records one delivery attempt outcome for operator visibility.
type Delivery struct {
	TaskID string
	Kind   Kind
	At     time.Time
	Error  string
}

func New(cfg Config, adapter Adapter, log logx.Logger) *Service {
	s := &Service{adapter: adapter, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps config at runtime.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 2
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Notify delivers a task notification, waiting on the rate limiter and
// retrying transient failures with a short linear backoff.
func (s *Service) Notify(ctx context.Context, t plan.Task, kind Kind) error {
	// Snapshot mutable dependencies to avoid races with Apply().
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	adapter := s.adapter
	s.mu.Unlock()

	if !cfg.Enabled || adapter == nil {
		s.log.Debug("notification skipped (disabled)", logx.String("task", t.ID), logx.String("kind", string(kind)))
		return nil
	}

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}

	var last error
	for i := 0; i <= cfg.RetryMax; i++ {
		err := adapter.Deliver(ctx, t, kind)
		if err == nil {
			last = nil
			break
		}
		last = err
		if i == cfg.RetryMax {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		s.log.Debug("notification retry scheduled", logx.String("task", t.ID), logx.Int("attempt", i+2), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !tmr.Stop() {
				<-tmr.C
			}
			return ctx.Err()
		case <-tmr.C:
		}
	}

	d := Delivery{TaskID: t.ID, Kind: kind, At: time.Now()}
	if last != nil {
		d.Error = last.Error()
		s.log.Warn("notification send failed", logx.String("task", t.ID), logx.String("kind", string(kind)), logx.Err(last))
	} else {
		s.log.Debug("notification sent", logx.String("task", t.ID), logx.String("kind", string(kind)))
	}
	s.appendHistory(d)
	return last
}

func (s *Service) appendHistory(d Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, d)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
}

// History returns a copy of the recent delivery records.
func (s *Service) History() []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Delivery(nil), s.history...)
}
