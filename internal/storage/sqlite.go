package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"planwise/internal/plan"
	"planwise/internal/timeline"
	logx "planwise/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- tasks ----

const taskColumns = `id, user_id, name, category, start_ms, end_ms, duration_sec, status, priority,
	reschedule_count, original_start_ms, last_reschedule_ms, failed_ms, created_ms`

func (s *sqliteStore) Tasks(ctx context.Context) ([]plan.Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY start_ms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []plan.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TasksByUser(ctx context.Context, userID string) ([]plan.Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY start_ms`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []plan.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) TaskByID(ctx context.Context, id string) (plan.Task, error) {
	if s == nil || s.db == nil {
		return plan.Task{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return plan.Task{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) PutTask(ctx context.Context, t plan.Task) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(`+taskColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, name=excluded.name, category=excluded.category,
			start_ms=excluded.start_ms, end_ms=excluded.end_ms, duration_sec=excluded.duration_sec,
			status=excluded.status, priority=excluded.priority,
			reschedule_count=excluded.reschedule_count,
			original_start_ms=excluded.original_start_ms,
			last_reschedule_ms=excluded.last_reschedule_ms,
			failed_ms=excluded.failed_ms`,
		t.ID, t.UserID, t.Name, t.Category,
		t.Start.UnixMilli(), t.End.UnixMilli(), int64(t.Duration/time.Second),
		string(t.Status), string(t.Priority), t.RescheduleCount,
		nullMS(t.OriginalStart), nullMS(t.LastRescheduleAt), nullMS(t.FailedAt),
		t.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ClearTasks(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks`)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanTask(r rowScanner) (plan.Task, error) {
	var (
		t                    plan.Task
		startMS, endMS       int64
		durSec               int64
		status, prio         string
		origMS, reschMS      sql.NullInt64
		failedMS             sql.NullInt64
		createdMS            int64
	)
	err := r.Scan(&t.ID, &t.UserID, &t.Name, &t.Category, &startMS, &endMS, &durSec,
		&status, &prio, &t.RescheduleCount, &origMS, &reschMS, &failedMS, &createdMS)
	if err != nil {
		return plan.Task{}, err
	}
	t.Start = time.UnixMilli(startMS)
	t.End = time.UnixMilli(endMS)
	t.Duration = time.Duration(durSec) * time.Second
	t.Status = plan.Status(status)
	t.Priority = plan.Priority(prio)
	t.OriginalStart = msPtr(origMS)
	t.LastRescheduleAt = msPtr(reschMS)
	t.FailedAt = msPtr(failedMS)
	t.CreatedAt = time.UnixMilli(createdMS)
	return t, nil
}

func nullMS(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

// ---- timelines ----

func (s *sqliteStore) Timeline(ctx context.Context, userID string) (*timeline.Snapshot, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var (
		createdMS  int64
		updatedFor string
		entries    string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT created_ms, updated_for, entries FROM timelines WHERE user_id = ?`, userID,
	).Scan(&createdMS, &updatedFor, &entries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap := timeline.Snapshot{CreatedAt: time.UnixMilli(createdMS), UpdatedFor: updatedFor}
	if err := json.Unmarshal([]byte(entries), &snap.Entries); err != nil {
		return nil, fmt.Errorf("timeline entries decode: %w", err)
	}
	return &snap, nil
}

func (s *sqliteStore) PutTimeline(ctx context.Context, userID string, snap timeline.Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	entries, err := json.Marshal(snap.Entries)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO timelines(user_id, created_ms, updated_for, entries) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
			created_ms=excluded.created_ms, updated_for=excluded.updated_for, entries=excluded.entries`,
		userID, snap.CreatedAt.UnixMilli(), snap.UpdatedFor, string(entries),
	)
	return err
}

// ---- action log ----

func (s *sqliteStore) AppendAction(ctx context.Context, e ActionEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions(at_ms, type, task_id, task_name, detail) VALUES(?,?,?,?,?)`,
		e.At.UnixMilli(), e.Type, e.TaskID, e.TaskName, e.Detail,
	)
	return err
}

func (s *sqliteStore) RecentActions(ctx context.Context, limit int) ([]ActionEntry, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at_ms, type, task_id, task_name, detail FROM actions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionEntry
	for rows.Next() {
		var (
			e    ActionEntry
			atMS int64
		)
		if err := rows.Scan(&atMS, &e.Type, &e.TaskID, &e.TaskName, &e.Detail); err != nil {
			return nil, err
		}
		e.At = time.UnixMilli(atMS)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- seen keys (persistent dedup) ----

func (s *sqliteStore) PutSeen(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO seen(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpiredSeen(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) Seen(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM seen WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) DeleteSeen(ctx context.Context, key string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE key = ?`, key)
	return err
}

func (s *sqliteStore) pruneExpiredSeen(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM seen WHERE until < ?`, now)
	return err
}

// ---- prompts ----

func (s *sqliteStore) AddPrompt(ctx context.Context, p Prompt) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompts(id, user_id, content, processed, created_ms) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		p.ID, p.UserID, p.Content, boolInt(p.Processed), p.CreatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) UnprocessedPrompts(ctx context.Context) ([]Prompt, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, content, processed, created_ms FROM prompts WHERE processed = 0 ORDER BY created_ms`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Prompt
	for rows.Next() {
		var (
			p         Prompt
			processed int
			createdMS int64
		)
		if err := rows.Scan(&p.ID, &p.UserID, &p.Content, &processed, &createdMS); err != nil {
			return nil, err
		}
		p.Processed = processed != 0
		p.CreatedAt = time.UnixMilli(createdMS)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkPromptProcessed(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx, `UPDATE prompts SET processed = 1 WHERE id = ?`, id)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
