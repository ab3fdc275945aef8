package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"planwise/internal/notify"
	"planwise/internal/plan"
	"planwise/internal/storage"
	"planwise/internal/timeline"
	logx "planwise/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan WorkItem) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case item, ok := <-queue:
			if !ok {
				return
			}
			s.execItem(ctx, item)
		}
	}
}

// execItem runs one item's pipeline to completion. Failures are isolated
// here: whatever happens to this item, the loop keeps going.
func (s *Service) execItem(ctx context.Context, item WorkItem) {
	start := s.now()

	var err error
	// One bad item must not kill the worker.
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				s.log.Error("item panicked", logx.String("item", item.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = s.process(ctx, item)
	}()

	if err == nil {
		atomic.AddUint64(&s.completed, 1)
		s.publish(item, StageCompleted, "")
		s.markDone(ctx, item)
		s.log.Info("item completed", logx.String("item", item.ID), logx.Duration("dur", s.now().Sub(start)))
		return
	}

	atomic.AddUint64(&s.failed, 1)
	s.recordErr(item, StageFailed, err)
	s.publish(item, StageFailed, err.Error())

	if plan.IsValidation(err) || plan.IsConstraint(err) {
		// Terminal for this attempt: the stage already produced the failed
		// task and action-log entry; retrying would not change the outcome.
		s.markDone(ctx, item)
		s.log.Warn("item failed (terminal)", logx.String("item", item.ID), logx.Err(err))
		return
	}

	// Transient: forget the item so the next detection cycle redelivers it.
	// If the placement was already persisted, the retry resumes at the
	// timeline merge rather than scheduling again.
	s.seen.Forget(item.ID)
	s.log.Warn("item failed (will retry on next detection)", logx.String("item", item.ID), logx.Err(err))
}

// markDone records the item as fully handled: persistently deduplicated and,
// when it came from a prompt, the prompt retired.
func (s *Service) markDone(ctx context.Context, item WorkItem) {
	s.mu.Lock()
	ttl := s.cfg.SeenTTL
	s.mu.Unlock()

	if err := s.store.PutSeen(ctx, item.ID, s.now().Add(ttl)); err != nil {
		s.log.Warn("seen-key write failed", logx.String("item", item.ID), logx.Err(err))
	}
	if item.PromptID != "" {
		if err := s.store.MarkPromptProcessed(ctx, item.PromptID); err != nil {
			s.log.Warn("prompt retire failed", logx.String("prompt", item.PromptID), logx.Err(err))
		}
	}
}

// process drives the item through the stages. Validation and constraint
// failures are converted into a failed task plus action-log entry before the
// typed error is returned; any other error is transient and leaves task
// state untouched.
//
// An item whose task already exists is a redelivery of an attempt that got
// past Schedule but not MergeTimeline; processing resumes there instead of
// placing the task a second time.
func (s *Service) process(ctx context.Context, item WorkItem) error {
	task, err := s.store.TaskByID(ctx, item.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if errors.Is(err, storage.ErrNotFound) {
		s.publish(item, StageAnalyzing, "")
		an, aerr := analyzeItem(item)
		if aerr != nil {
			s.appendAction(ctx, storage.ActionEntry{
				Type:     "analyze_failed",
				TaskID:   item.ID,
				TaskName: item.Name,
				Detail:   aerr.Error(),
			})
			return aerr
		}

		s.publish(item, StageScheduling, fmt.Sprintf("duration=%s category=%s", an.Duration, an.Category))
		task, err = s.scheduleItem(ctx, item, an)
		if err != nil {
			return err
		}
	}

	s.publish(item, StageMergingTimeline, "")
	if err := s.mergeTimeline(ctx, task); err != nil {
		return err
	}

	s.publish(item, StageNotifying, "")
	if err := s.notifier.Notify(ctx, task, notify.KindScheduled); err != nil {
		return err
	}
	return nil
}

// scheduleItem produces the one-shot placement for a new item: the earliest
// free slot of the analyzed duration at or after the preferred start. Only
// the owning user's tasks act as blockers.
func (s *Service) scheduleItem(ctx context.Context, item WorkItem, an Analysis) (plan.Task, error) {
	now := s.now()
	tasks, err := s.store.TasksByUser(ctx, item.UserID)
	if err != nil {
		return plan.Task{}, err
	}

	task := plan.Task{
		ID:        item.ID,
		UserID:    item.UserID,
		Name:      item.Name,
		Category:  an.Category,
		Duration:  an.Duration,
		Status:    plan.StatusPending,
		Priority:  an.Priority,
		CreatedAt: now,
	}

	slot, ok := plan.NextAvailableSlot(an.Duration, preferredStart(now, an.DayPart), tasks, item.ID)
	if !ok {
		cerr := &plan.ConstraintError{Reason: "no available slot before end of day"}
		failed := task
		failed.Start = now
		failed.End = now.Add(an.Duration)
		failed = failed.MarkFailed(now)
		if perr := s.store.PutTask(ctx, failed); perr != nil {
			// Prefer the transient error so the item is retried.
			return plan.Task{}, perr
		}
		s.appendAction(ctx, storage.ActionEntry{
			Type:     "schedule_failed",
			TaskID:   task.ID,
			TaskName: task.Name,
			Detail:   cerr.Reason,
		})
		return plan.Task{}, cerr
	}

	task.Start = slot
	task.End = slot.Add(an.Duration)
	if err := s.store.PutTask(ctx, task); err != nil {
		return plan.Task{}, err
	}
	s.appendAction(ctx, storage.ActionEntry{
		Type:     "task_scheduled",
		TaskID:   task.ID,
		TaskName: task.Name,
		Detail:   fmt.Sprintf("placed %s - %s", task.Start.Format(time.RFC3339), task.End.Format(time.RFC3339)),
	})
	return task, nil
}

// mergeTimeline folds the new task into the user's persisted timeline.
// The snapshot is recomputed and written back whole.
func (s *Service) mergeTimeline(ctx context.Context, task plan.Task) error {
	s.mu.Lock()
	withContext := s.cfg.ContextEntries
	s.mu.Unlock()

	existing, err := s.store.Timeline(ctx, task.UserID)
	if err != nil {
		return err
	}

	merged, adjustments := timeline.Merge(s.now(), existing, timeline.Placement{
		TaskID:   task.ID,
		Name:     task.Name,
		Category: task.Category,
		Priority: task.Priority,
		Start:    task.Start,
		End:      task.End,
		Duration: task.Duration,
	}, timeline.Options{ContextEntries: withContext})

	if err := s.store.PutTimeline(ctx, task.UserID, merged); err != nil {
		return err
	}
	for _, adj := range adjustments {
		s.appendAction(ctx, storage.ActionEntry{
			Type:     "timeline_adjusted",
			TaskID:   adj.TaskID,
			TaskName: adj.Name,
			Detail:   fmt.Sprintf("shifted %s -> %s", adj.OldStart.Format("15:04"), adj.NewStart.Format("15:04")),
		})
	}
	return nil
}

// appendAction writes an action-log entry, logging (not failing) on error:
// the log is an audit trail, not part of the pipeline's correctness.
func (s *Service) appendAction(ctx context.Context, e storage.ActionEntry) {
	if e.At.IsZero() {
		e.At = s.now()
	}
	if err := s.store.AppendAction(ctx, e); err != nil {
		s.log.Warn("action log write failed", logx.String("type", e.Type), logx.Err(err))
	}
}
