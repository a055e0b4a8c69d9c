package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tradewind/marketsync/internal/types"
)

// EnqueueWork inserts a pending work row.
func (s *Store) EnqueueWork(ctx context.Context, w *types.QueuedWork) error {
	if w.EnqueuedAt.IsZero() {
		w.EnqueuedAt = time.Now().UTC()
	}
	if w.NotBefore.IsZero() {
		w.NotBefore = w.EnqueuedAt
	}
	if w.Status == "" {
		w.Status = types.WorkPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queued_work (
			work_id, task_name, args, queue, priority, status,
			attempt_no, not_before, enqueued_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.WorkID, w.TaskName, w.Args, w.Queue, int(w.Priority), string(w.Status),
		w.AttemptNo, w.NotBefore.UTC(), w.EnqueuedAt.UTC(), w.LastError)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: work %s", types.ErrUniqueViolation, w.WorkID)
		}
		return fmt.Errorf("%w: %v", types.ErrQueueUnavailable, err)
	}
	return nil
}

const workColumns = `work_id, task_name, args, queue, priority, status,
	attempt_no, not_before, enqueued_at, lease_token, lease_worker, lease_deadline, last_error`

func scanWork(row interface{ Scan(...interface{}) error }) (*types.QueuedWork, error) {
	var (
		w        types.QueuedWork
		prio     int
		status   string
		args     sql.Null[[]byte]
		deadline sql.NullTime
	)
	err := row.Scan(&w.WorkID, &w.TaskName, &args, &w.Queue, &prio, &status,
		&w.AttemptNo, &w.NotBefore, &w.EnqueuedAt,
		&w.LeaseToken, &w.LeaseWorker, &deadline, &w.LastError)
	if err != nil {
		return nil, err
	}
	w.Priority = types.Priority(prio)
	w.Status = types.WorkStatus(status)
	if args.Valid {
		w.Args = args.V
	}
	w.LeaseDeadline = scanNullTime(deadline)
	return &w, nil
}

// LeaseWork claims the most eligible pending work item from the given
// queues. Eligibility: not_before <= now; order: priority DESC, not_before,
// enqueued_at. The claim is a single conditional UPDATE, so two workers can
// never hold the same item.
func (s *Store) LeaseWork(ctx context.Context, queues []string, workerID, leaseToken string, deadline time.Time, now time.Time) (*types.QueuedWork, error) {
	if len(queues) == 0 {
		return nil, fmt.Errorf("%w: no queues bound", types.ErrBadRequest)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(queues)), ",")
	args := make([]interface{}, 0, len(queues)+2)
	for _, q := range queues {
		args = append(args, q)
	}
	args = append(args, now.UTC())

	// Loop because another worker may claim the candidate between our
	// SELECT and conditional UPDATE.
	for i := 0; i < 5; i++ {
		row := s.db.QueryRowContext(ctx, `
			SELECT work_id FROM queued_work
			WHERE queue IN (`+placeholders+`) AND status = 'pending' AND not_before <= ?
			ORDER BY priority DESC, not_before, enqueued_at
			LIMIT 1`, args...)
		var workID string
		if err := row.Scan(&workID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, types.ErrQueueEmpty
			}
			return nil, fmt.Errorf("%w: %v", types.ErrQueueUnavailable, err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE queued_work SET
				status = 'leased', lease_token = ?, lease_worker = ?,
				lease_deadline = ?, attempt_no = attempt_no + 1
			WHERE work_id = ? AND status = 'pending'`,
			leaseToken, workerID, deadline.UTC(), workID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrQueueUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue // lost the race, try the next candidate
		}

		w, err := s.getWork(ctx, workID)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, types.ErrQueueEmpty
}

func (s *Store) getWork(ctx context.Context, workID string) (*types.QueuedWork, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workColumns+` FROM queued_work WHERE work_id = ?`, workID)
	w, err := scanWork(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: work %s", types.ErrNotFound, workID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get work: %w", err)
	}
	return w, nil
}

// ExtendLease pushes the lease deadline forward. A stale token is rejected.
func (s *Store) ExtendLease(ctx context.Context, workID, leaseToken string, deadline time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_work SET lease_deadline = ?
		WHERE work_id = ? AND lease_token = ? AND status = 'leased'`,
		deadline.UTC(), workID, leaseToken)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrQueueUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: work %s", types.ErrStaleLease, workID)
	}
	return nil
}

// AckWork removes completed work. A stale token is rejected.
func (s *Store) AckWork(ctx context.Context, workID, leaseToken string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queued_work
		WHERE work_id = ? AND lease_token = ? AND status = 'leased'`,
		workID, leaseToken)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrQueueUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: work %s", types.ErrStaleLease, workID)
	}
	return nil
}

// NackWork returns work to the queue (or marks it terminally failed when
// terminal is set). A stale token is rejected. attempt_no was already
// incremented at lease time.
func (s *Store) NackWork(ctx context.Context, workID, leaseToken, reason string, notBefore time.Time, terminal bool) error {
	status := "pending"
	if terminal {
		status = "failed"
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_work SET
			status = ?, lease_token = '', lease_worker = '', lease_deadline = NULL,
			not_before = ?, last_error = ?
		WHERE work_id = ? AND lease_token = ? AND status = 'leased'`,
		status, notBefore.UTC(), reason, workID, leaseToken)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrQueueUnavailable, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: work %s", types.ErrStaleLease, workID)
	}
	return nil
}

// QueueDepths counts pending and leased work per queue.
func (s *Store) QueueDepths(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT queue, COUNT(*) FROM queued_work
		WHERE status IN ('pending', 'leased')
		GROUP BY queue`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrQueueUnavailable, err)
	}
	defer rows.Close()

	depths := make(map[string]int)
	for rows.Next() {
		var queue string
		var n int
		if err := rows.Scan(&queue, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		depths[queue] = n
	}
	return depths, rows.Err()
}

// ReapExpired returns work whose lease deadline passed back to pending.
// The token is cleared, so a late ack from the previous holder no longer
// matches and fails with StaleLease.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queued_work SET
			status = 'pending', lease_token = '', lease_worker = '', lease_deadline = NULL
		WHERE status = 'leased' AND lease_deadline < ?`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", types.ErrQueueUnavailable, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
