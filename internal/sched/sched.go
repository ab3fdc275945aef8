// Package sched runs named recurring jobs (cron specs or fixed intervals)
// under a shared cron runner. Jobs skip a tick when the previous run is still
// in flight, and a panicking job never kills the runner.
package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "planwise/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"; empty means local
}

// Job is one tick of a recurring job.
type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     Job
	entryID cron.EntryID
	running atomic.Bool
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	parser cron.Parser
	c      *cron.Cron
	defs   []*jobDef

	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) *Service {
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	return &Service{
		log:    log,
		cfg:    cfg,
		loc:    loc,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Apply swaps runtime settings. A timezone change restarts the runner so
// existing schedules pick up the new location.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone; keeping previous", logx.String("tz", tz), logx.Err(err))
			loc = s.loc
		}
	}
	s.loc = loc
	running := s.c != nil
	s.mu.Unlock()

	if running && prev.Timezone != cfg.Timezone {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// AddInterval registers (or replaces) a job running every `every`.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job) error {
	if every <= 0 {
		return errors.New("interval must be positive")
	}
	return s.AddCron(name, fmt.Sprintf("@every %s", every.String()), timeout, job)
}

// AddCron registers (or replaces) a job with a cron spec.
// Replacement by name keeps hot-reloads from stacking duplicate schedules.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if job == nil {
		return errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeLocked(name)
	d := &jobDef{name: name, spec: spec, timeout: timeout, job: job}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
			return err
		}
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout))
	}
	return nil
}

// Remove unregisters a job by name.
func (s *Service) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
}

func (s *Service) removeLocked(name string) {
	for i, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			s.defs = append(s.defs[:i], s.defs[i+1:]...)
			return
		}
	}
}

func (s *Service) registerLocked(d *jobDef) error {
	sched, err := s.parser.Parse(d.spec)
	if err != nil {
		return fmt.Errorf("parse %q: %w", d.spec, err)
	}
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { s.runJob(d) }))
	return nil
}

func (s *Service) runJob(d *jobDef) {
	// Skip the tick when the previous run is still going.
	if !d.running.CompareAndSwap(false, true) {
		s.log.Debug("job tick skipped (still running)", logx.String("name", d.name))
		return
	}
	defer d.running.Store(false)

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	var cancel context.CancelFunc
	if d.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("job panicked", logx.String("name", d.name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		return d.job(ctx)
	}()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("job failed", logx.String("name", d.name), logx.Duration("dur", time.Since(start)), logx.Err(err))
		return
	}
	s.log.Debug("job finished", logx.String("name", d.name), logx.Duration("dur", time.Since(start)))
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("schedule register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.Int("jobs", len(s.defs)), logx.String("tz", s.loc.String()))
}

// Stop halts the runner and waits for in-flight jobs, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.runCancel
	s.runCancel = nil
	s.runCtx = nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}
