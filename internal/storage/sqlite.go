package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"farmfeed/internal/feeding"
	logx "farmfeed/pkg/logx"
)

//go:embed migrations.sql
var migrations string

// Timestamps are stored as unix milliseconds.
const eventColumns = `id, zone_id, feed_id, quantity, scheduled_at, immediate, status,
	attempt_count, max_retries, last_attempt_at, failure_reason, error_details,
	device_status, network_status, stock_reduced, executed_at, created_at, updated_at`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: the CAS claim relies on serialized writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLStore(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func newSQLStore(db *sql.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log, now: time.Now, pruneEvery: 500}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrations)
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Insert(ctx context.Context, ev feeding.Event) (feeding.Event, error) {
	if strings.TrimSpace(ev.FeedID) == "" {
		return feeding.Event{}, fmt.Errorf("insert: feed id is required")
	}
	if ev.Quantity <= 0 {
		return feeding.Event{}, fmt.Errorf("insert: quantity must be > 0")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Normalize()
	now := s.now()
	ev.CreatedAt, ev.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feeding_events(`+eventColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.ZoneID, ev.FeedID, ev.Quantity, ev.ScheduledTime.UnixMilli(), ev.Immediate, string(ev.Status),
		ev.AttemptCount, ev.MaxRetries, msPtr(ev.LastAttemptAt), ev.FailureReason, ev.ErrorDetails,
		string(ev.DeviceStatus), string(ev.NetworkStatus), ev.StockReduced, msPtr(ev.ExecutedAt),
		ev.CreatedAt.UnixMilli(), ev.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return feeding.Event{}, fmt.Errorf("insert %s: %w", ev.ID, err)
	}
	return ev, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (*feeding.Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM feeding_events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, feeding.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return &ev, nil
}

func (s *sqliteStore) FindDue(ctx context.Context, now time.Time, tolerance time.Duration) ([]feeding.Event, error) {
	return s.query(ctx, `SELECT `+eventColumns+` FROM feeding_events
		WHERE status = ? AND immediate = 0 AND attempt_count < max_retries
		  AND scheduled_at >= ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC, id ASC`,
		string(feeding.StatusScheduled), now.Add(-tolerance).UnixMilli(), now.Add(tolerance).UnixMilli())
}

func (s *sqliteStore) FindProcessingOlderThan(ctx context.Context, before time.Time) ([]feeding.Event, error) {
	return s.query(ctx, `SELECT `+eventColumns+` FROM feeding_events
		WHERE status = ? AND immediate = 0 AND COALESCE(last_attempt_at, updated_at) < ?
		ORDER BY scheduled_at ASC, id ASC`,
		string(feeding.StatusProcessing), before.UnixMilli())
}

func (s *sqliteStore) FindOverdue(ctx context.Context, before time.Time) ([]feeding.Event, error) {
	return s.query(ctx, `SELECT `+eventColumns+` FROM feeding_events
		WHERE status = ? AND immediate = 0 AND scheduled_at < ?
		ORDER BY scheduled_at ASC, id ASC`,
		string(feeding.StatusScheduled), before.UnixMilli())
}

func (s *sqliteStore) NextScheduled(ctx context.Context, now time.Time) (*feeding.Event, error) {
	evs, err := s.query(ctx, `SELECT `+eventColumns+` FROM feeding_events
		WHERE status = ? AND immediate = 0 AND attempt_count < max_retries AND scheduled_at >= ?
		ORDER BY scheduled_at ASC, id ASC LIMIT 1`,
		string(feeding.StatusScheduled), now.UnixMilli())
	if err != nil || len(evs) == 0 {
		return nil, err
	}
	return &evs[0], nil
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]feeding.Event, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feeding.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpdateByID builds the SET clause from the non-nil patch fields.
// With IfStatus set, the status check happens in the same statement.
func (s *sqliteStore) UpdateByID(ctx context.Context, id string, p feeding.Patch) (*feeding.Event, error) {
	sets := make([]string, 0, 12)
	args := make([]any, 0, 14)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Status != nil {
		set("status", string(*p.Status))
	}
	if p.ScheduledTime != nil {
		set("scheduled_at", p.ScheduledTime.UnixMilli())
	}
	if p.AttemptCount != nil {
		set("attempt_count", *p.AttemptCount)
	}
	if p.LastAttemptAt != nil {
		set("last_attempt_at", p.LastAttemptAt.UnixMilli())
	}
	if p.FailureReason != nil {
		set("failure_reason", *p.FailureReason)
	}
	if p.ErrorDetails != nil {
		set("error_details", *p.ErrorDetails)
	}
	if p.DeviceStatus != nil {
		set("device_status", string(*p.DeviceStatus))
	}
	if p.NetworkStatus != nil {
		set("network_status", string(*p.NetworkStatus))
	}
	if p.StockReduced != nil {
		set("stock_reduced", *p.StockReduced)
	}
	if p.ExecutedAt != nil {
		set("executed_at", p.ExecutedAt.UnixMilli())
	}
	set("updated_at", s.now().UnixMilli())

	q := `UPDATE feeding_events SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	args = append(args, id)
	if p.IfStatus != "" {
		q += ` AND status = ?`
		args = append(args, string(p.IfStatus))
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	if n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM feeding_events WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, feeding.ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", id, err)
		}
		return nil, fmt.Errorf("update %s: want %s, have %s: %w", id, p.IfStatus, status, feeding.ErrConflict)
	}
	return s.Get(ctx, id)
}

func (s *sqliteStore) Remaining(ctx context.Context, feedID string) (float64, error) {
	var v float64
	err := s.db.QueryRowContext(ctx, `SELECT remaining FROM feed_stock WHERE feed_id = ?`, feedID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", feeding.ErrUnknownFeed, feedID)
	}
	return v, err
}

func (s *sqliteStore) Decrement(ctx context.Context, feedID string, amount float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE feed_stock SET remaining = remaining - ?, updated_at = ? WHERE feed_id = ?`,
		amount, s.now().UnixMilli(), feedID)
	if err != nil {
		return fmt.Errorf("decrement %s: %w", feedID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", feeding.ErrUnknownFeed, feedID)
	}
	return nil
}

func (s *sqliteStore) SetStock(ctx context.Context, feedID string, amount float64) error {
	if strings.TrimSpace(feedID) == "" {
		return fmt.Errorf("set stock: feed id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_stock(feed_id, remaining, updated_at) VALUES(?,?,?)
		 ON CONFLICT(feed_id) DO UPDATE SET remaining = excluded.remaining, updated_at = excluded.updated_at`,
		feedID, amount, s.now().UnixMilli())
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until = excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, _ = s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, s.now().UnixMilli())
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (feeding.Event, error) {
	var (
		ev                         feeding.Event
		status, devSt, netSt       string
		scheduled, created, update int64
		lastAttempt, executed      sql.NullInt64
	)
	err := sc.Scan(&ev.ID, &ev.ZoneID, &ev.FeedID, &ev.Quantity, &scheduled, &ev.Immediate, &status,
		&ev.AttemptCount, &ev.MaxRetries, &lastAttempt, &ev.FailureReason, &ev.ErrorDetails,
		&devSt, &netSt, &ev.StockReduced, &executed, &created, &update)
	if err != nil {
		return feeding.Event{}, err
	}
	ev.Status = feeding.Status(status)
	ev.DeviceStatus = feeding.ParseLinkStatus(devSt)
	ev.NetworkStatus = feeding.ParseLinkStatus(netSt)
	ev.ScheduledTime = time.UnixMilli(scheduled)
	ev.CreatedAt = time.UnixMilli(created)
	ev.UpdatedAt = time.UnixMilli(update)
	ev.LastAttemptAt = nullMs(lastAttempt)
	ev.ExecutedAt = nullMs(executed)
	return ev, nil
}

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
