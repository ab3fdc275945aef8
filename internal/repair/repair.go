// Package repair applies the pure scheduling engine to persisted state: it
// sweeps for overdue or conflicting tasks, repacks whole days, and carries
// out single-task reschedule proposals, writing the results back along with
// action-log entries.
package repair

import (
	"context"
	"fmt"
	"time"

	"planwise/internal/eventbus"
	"planwise/internal/notify"
	"planwise/internal/plan"
	"planwise/internal/storage"
	logx "planwise/pkg/logx"
)

// ResultChannel carries repack outcome broadcasts.
const ResultChannel = "repair.result"

// Notifier matches the pipeline's delivery collaborator.
type Notifier interface {
	Notify(ctx context.Context, t plan.Task, kind notify.Kind) error
}

// Result summarizes one repack pass for a user.
type Result struct {
	UserID string    `json:"user_id"`
	Moved  int       `json:"moved"`
	Failed int       `json:"failed"`
	At     time.Time `json:"at"`
}

type Service struct {
	log      logx.Logger
	store    storage.Store
	bus      eventbus.Bus
	notifier Notifier
	clock    func() time.Time
}

func New(log logx.Logger, store storage.Store, bus eventbus.Bus, notifier Notifier) *Service {
	return &Service{log: log, store: store, bus: bus, notifier: notifier, clock: time.Now}
}

// SetClock overrides the clock (tests).
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// RunOnce is one sweep: for every user whose day needs repair (an expired
// pending task, or two non-terminal tasks overlapping), recompute the whole
// day's placement and persist the outcome.
func (s *Service) RunOnce(ctx context.Context) error {
	now := s.clock()
	all, err := s.store.Tasks(ctx)
	if err != nil {
		return err
	}

	byUser := map[string][]plan.Task{}
	for _, t := range all {
		byUser[t.UserID] = append(byUser[t.UserID], t)
	}

	for userID, tasks := range byUser {
		if !needsRepair(now, tasks) {
			continue
		}
		if err := s.repackUser(ctx, now, userID, tasks); err != nil {
			// Keep sweeping other users; this one retries next tick.
			s.log.Warn("repack failed", logx.String("user", userID), logx.Err(err))
		}
	}
	return nil
}

// needsRepair reports whether the task set has an expired pending task or a
// conflicting non-terminal pair.
func needsRepair(now time.Time, tasks []plan.Task) bool {
	for _, t := range tasks {
		if t.Status.Movable() && !t.End.After(now) {
			return true
		}
	}
	for i, a := range tasks {
		if a.Status.Terminal() {
			continue
		}
		for _, b := range tasks[i+1:] {
			if b.Status.Terminal() {
				continue
			}
			if a.Start.Before(b.End) && a.End.After(b.Start) {
				return true
			}
		}
	}
	return false
}

func (s *Service) repackUser(ctx context.Context, now time.Time, userID string, tasks []plan.Task) error {
	res := plan.Repack(now, tasks)

	before := map[string]plan.Task{}
	for _, t := range tasks {
		before[t.ID] = t
	}
	unplaced := map[string]bool{}
	for _, t := range res.Failed {
		unplaced[t.ID] = true
	}

	for _, t := range res.Tasks {
		if unplaced[t.ID] {
			failed := t.MarkFailed(now)
			if err := s.store.PutTask(ctx, failed); err != nil {
				return err
			}
			if err := s.store.AppendAction(ctx, storage.ActionEntry{
				At:       now,
				Type:     "task_failed",
				TaskID:   t.ID,
				TaskName: t.Name,
				Detail:   "could not fit after repack attempt",
			}); err != nil {
				s.log.Warn("action log write failed", logx.Err(err))
			}
			if s.notifier != nil {
				if err := s.notifier.Notify(ctx, failed, notify.KindFailed); err != nil {
					s.log.Warn("repack notification failed", logx.String("task", t.ID), logx.Err(err))
				}
			}
			continue
		}

		prev, ok := before[t.ID]
		if ok && prev.Start.Equal(t.Start) && prev.End.Equal(t.End) && prev.RescheduleCount == t.RescheduleCount {
			continue
		}
		if err := s.store.PutTask(ctx, t); err != nil {
			return err
		}
		if err := s.store.AppendAction(ctx, storage.ActionEntry{
			At:       now,
			Type:     "task_rescheduled",
			TaskID:   t.ID,
			TaskName: t.Name,
			Detail:   fmt.Sprintf("repacked to %s - %s", t.Start.Format("15:04"), t.End.Format("15:04")),
		}); err != nil {
			s.log.Warn("action log write failed", logx.Err(err))
		}
	}

	result := Result{UserID: userID, Moved: res.Moved, Failed: len(res.Failed), At: now}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Channel: ResultChannel, Time: now, Payload: result})
	}

	if len(res.Failed) > 0 {
		s.log.Warn("repack finished with failures", logx.String("user", userID), logx.Int("moved", res.Moved), logx.Int("failed", len(res.Failed)))
	} else {
		s.log.Info("repack finished", logx.String("user", userID), logx.Int("moved", res.Moved))
	}
	return nil
}

// Reschedule applies the progressive-delay policy to a single late task:
// propose a new window, persist the move, log it, and notify. On a
// constraint failure the task is marked failed instead; the proposal never
// mutates anything on its own.
func (s *Service) Reschedule(ctx context.Context, taskID string) error {
	now := s.clock()
	task, err := s.store.TaskByID(ctx, taskID)
	if err != nil {
		return err
	}
	// Only the owner's tasks constrain the new window.
	own, err := s.store.TasksByUser(ctx, task.UserID)
	if err != nil {
		return err
	}

	prop, err := plan.ProposeReschedule(now, task, own)
	if err != nil {
		if plan.IsConstraint(err) {
			failed := task.MarkFailed(now)
			if perr := s.store.PutTask(ctx, failed); perr != nil {
				return perr
			}
			if aerr := s.store.AppendAction(ctx, storage.ActionEntry{
				At:       now,
				Type:     "task_failed",
				TaskID:   task.ID,
				TaskName: task.Name,
				Detail:   err.Error(),
			}); aerr != nil {
				s.log.Warn("action log write failed", logx.Err(aerr))
			}
			if s.notifier != nil {
				if nerr := s.notifier.Notify(ctx, failed, notify.KindFailed); nerr != nil {
					s.log.Warn("reschedule notification failed", logx.String("task", task.ID), logx.Err(nerr))
				}
			}
		}
		return err
	}

	moved := task.MarkMoved(prop.Start, prop.End, now)
	if err := s.store.PutTask(ctx, moved); err != nil {
		return err
	}
	if err := s.store.AppendAction(ctx, storage.ActionEntry{
		At:       now,
		Type:     "task_rescheduled",
		TaskID:   moved.ID,
		TaskName: moved.Name,
		Detail:   fmt.Sprintf("delayed %s to %s - %s", prop.Delay, prop.Start.Format("15:04"), prop.End.Format("15:04")),
	}); err != nil {
		s.log.Warn("action log write failed", logx.Err(err))
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, moved, notify.KindRescheduled); err != nil {
			s.log.Warn("reschedule notification failed", logx.String("task", moved.ID), logx.Err(err))
		}
	}
	return nil
}
