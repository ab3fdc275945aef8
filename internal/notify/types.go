package notify

import (
	"context"

	"planwise/internal/plan"
)

// Kind classifies a delivery.
type Kind string

const (
	KindScheduled   Kind = "scheduled"
	KindRescheduled Kind = "rescheduled"
	KindFailed      Kind = "failed"
)

// Adapter delivers one notification about a task. Implementations own the
// transport (Telegram, ...); the service owns pacing and retries.
type Adapter interface {
	Deliver(ctx context.Context, t plan.Task, kind Kind) error
}

// Config controls the notification service.
type Config struct {
	Enabled    bool
	RatePerSec int // deliveries per second (default 1)
	RetryMax   int // retries per delivery (default 2)
}
