package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/tradewind/marketsync/internal/types"
)

// UpsertSchedule inserts or replaces a schedule entry by name. LastFire is
// preserved across replacements so cron coalescing survives config reloads.
func (s *Store) UpsertSchedule(ctx context.Context, sch *types.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (
			name, kind, task_name, args, queue, priority,
			interval_ns, jitter_ns, cron_expr, timezone, at, enabled, next_fire
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind, task_name = excluded.task_name,
			args = excluded.args, queue = excluded.queue, priority = excluded.priority,
			interval_ns = excluded.interval_ns, jitter_ns = excluded.jitter_ns,
			cron_expr = excluded.cron_expr, timezone = excluded.timezone,
			at = excluded.at, enabled = excluded.enabled, next_fire = excluded.next_fire`,
		sch.Name, string(sch.Kind), sch.TaskName, sch.Args, sch.Queue, int(sch.Priority),
		int64(sch.Interval), int64(sch.Jitter), sch.CronExpr, sch.Timezone,
		nullTime(sch.At), boolInt(sch.Enabled), nullTime(sch.NextFire))
	if err != nil {
		return fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return nil
}

// ListSchedules returns every schedule entry.
func (s *Store) ListSchedules(ctx context.Context) ([]*types.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, kind, task_name, args, queue, priority,
		       interval_ns, jitter_ns, cron_expr, timezone, at, enabled,
		       last_fire, next_fire
		FROM schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var out []*types.Schedule
	for rows.Next() {
		var (
			sch                  types.Schedule
			kind                 string
			args                 sql.Null[[]byte]
			intervalNS, jitterNS int64
			prio, enabled        int
			at, last, next       sql.NullTime
		)
		err := rows.Scan(&sch.Name, &kind, &sch.TaskName, &args, &sch.Queue, &prio,
			&intervalNS, &jitterNS, &sch.CronExpr, &sch.Timezone, &at, &enabled,
			&last, &next)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		sch.Kind = types.ScheduleKind(kind)
		sch.Priority = types.Priority(prio)
		sch.Interval = time.Duration(intervalNS)
		sch.Jitter = time.Duration(jitterNS)
		sch.Enabled = enabled != 0
		if args.Valid {
			sch.Args = args.V
		}
		sch.At = scanNullTime(at)
		sch.LastFire = scanNullTime(last)
		sch.NextFire = scanNullTime(next)
		out = append(out, &sch)
	}
	return out, rows.Err()
}

// MarkFired records a fire and the next fire time. Fire times are
// monotonic per name: an older firedAt is ignored.
func (s *Store) MarkFired(ctx context.Context, name string, firedAt, nextFire time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET last_fire = ?, next_fire = ?
		WHERE name = ? AND (last_fire IS NULL OR last_fire < ?)`,
		firedAt.UTC(), nextFire.UTC(), name, firedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to mark schedule fired: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %s (or non-monotonic fire)", types.ErrNotFound, name)
	}
	return nil
}

// DeleteSchedule removes a schedule entry.
func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %s", types.ErrNotFound, name)
	}
	return nil
}

// AcquireLeader takes the named lease when it is free or expired.
// Returns true when this holder now owns the lease.
func (s *Store) AcquireLeader(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) (bool, error) {
	expires := now.Add(ttl).UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.expires_at < ? OR leases.holder = excluded.holder`,
		name, holder, expires, now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	return true, nil
}

// RenewLeader extends the lease if this holder still owns it.
func (s *Store) RenewLeader(ctx context.Context, name, holder string, ttl time.Duration, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ? WHERE name = ? AND holder = ?`,
		now.Add(ttl).UTC(), name, holder)
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: lease %s", types.ErrNotLeader, name)
	}
	return nil
}

// ReleaseLeader drops the lease if this holder owns it.
func (s *Store) ReleaseLeader(ctx context.Context, name, holder string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
