package telegram

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"planwise/internal/notify"
	"planwise/internal/plan"
	logx "planwise/pkg/logx"
)

// Config configures the Telegram delivery adapter.
type Config struct {
	Token  string
	ChatID int64
}

// Adapter delivers task notifications to a single Telegram chat.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Deliver(ctx context.Context, t plan.Task, kind notify.Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.bot.Send(tele.ChatID(a.cfg.ChatID), formatMessage(t, kind))
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	a.log.Debug("telegram delivery ok", logx.String("task", t.ID), logx.String("kind", string(kind)))
	return nil
}

func formatMessage(t plan.Task, kind notify.Kind) string {
	window := fmt.Sprintf("%s - %s", t.Start.Format("15:04"), t.End.Format("15:04"))
	switch kind {
	case notify.KindScheduled:
		return fmt.Sprintf("📅 Scheduled: %s (%s)", t.Name, window)
	case notify.KindRescheduled:
		return fmt.Sprintf("🔁 Rescheduled: %s → %s (attempt %d)", t.Name, window, t.RescheduleCount)
	case notify.KindFailed:
		return fmt.Sprintf("⚠️ Could not schedule: %s", t.Name)
	default:
		return fmt.Sprintf("%s: %s (%s)", kind, t.Name, window)
	}
}
