package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tradewind/marketsync/internal/types"
)

// CreateSyncRun inserts a new run row in pending state.
func (s *Store) CreateSyncRun(ctx context.Context, run *types.SyncRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = types.RunPending
	}
	digest, err := json.Marshal(orEmptyIntMap(run.ErrorDigest))
	if err != nil {
		return fmt.Errorf("failed to encode error digest: %w", err)
	}
	recs, err := json.Marshal(orEmptySlice(run.Recommendations))
	if err != nil {
		return fmt.Errorf("failed to encode recommendations: %w", err)
	}
	filter, err := json.Marshal(run.Filter)
	if err != nil {
		return fmt.Errorf("failed to encode filter: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sync_runs (
			task_id, task_name, operation_type, sync_type, status, progress,
			total, processed, success, failed, skipped,
			started_at, ended_at, duration_ms,
			error_digest, recommendations, filter, config_snapshot,
			retry_of, cancel_requested, resume_from_checkpoint, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.TaskID, run.TaskName, string(run.OperationType), string(run.SyncType),
		string(run.Status), run.Progress,
		run.Counters.Total, run.Counters.Processed, run.Counters.Success,
		run.Counters.Failed, run.Counters.Skipped,
		nullTime(run.StartedAt), nullTime(run.EndedAt), run.DurationMS,
		string(digest), string(recs), string(filter), run.ConfigSnapshot,
		run.RetryOf, boolInt(run.CancelRequested), boolInt(run.ResumeCheckpoint),
		run.CreatedAt)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: sync run %s", types.ErrUniqueViolation, run.TaskID)
		}
		return fmt.Errorf("failed to create sync run: %w", err)
	}
	return nil
}

const runColumns = `id, task_id, task_name, operation_type, sync_type, status, progress,
	total, processed, success, failed, skipped,
	started_at, ended_at, duration_ms,
	error_digest, recommendations, filter, config_snapshot,
	retry_of, cancel_requested, resume_from_checkpoint, created_at`

func scanRun(row interface{ Scan(...interface{}) error }) (*types.SyncRun, error) {
	var (
		run                  types.SyncRun
		opType, syncType     string
		status               string
		started, ended       sql.NullTime
		digest, recs, filter string
		snapshot             sql.Null[[]byte]
		cancelReq, resumeCp  int
	)
	err := row.Scan(&run.ID, &run.TaskID, &run.TaskName, &opType, &syncType, &status,
		&run.Progress,
		&run.Counters.Total, &run.Counters.Processed, &run.Counters.Success,
		&run.Counters.Failed, &run.Counters.Skipped,
		&started, &ended, &run.DurationMS,
		&digest, &recs, &filter, &snapshot,
		&run.RetryOf, &cancelReq, &resumeCp, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.OperationType = types.OperationType(opType)
	run.SyncType = types.SyncType(syncType)
	run.Status = types.RunStatus(status)
	run.StartedAt = scanNullTime(started)
	run.EndedAt = scanNullTime(ended)
	run.CancelRequested = cancelReq != 0
	run.ResumeCheckpoint = resumeCp != 0
	if snapshot.Valid {
		run.ConfigSnapshot = snapshot.V
	}
	if digest != "" && digest != "{}" {
		if err := json.Unmarshal([]byte(digest), &run.ErrorDigest); err != nil {
			return nil, fmt.Errorf("failed to decode error digest: %w", err)
		}
	}
	if recs != "" && recs != "[]" {
		if err := json.Unmarshal([]byte(recs), &run.Recommendations); err != nil {
			return nil, fmt.Errorf("failed to decode recommendations: %w", err)
		}
	}
	if filter != "" && filter != "{}" {
		if err := json.Unmarshal([]byte(filter), &run.Filter); err != nil {
			return nil, fmt.Errorf("failed to decode filter: %w", err)
		}
	}
	return &run, nil
}

// GetSyncRun fetches one run by its task id.
func (s *Store) GetSyncRun(ctx context.Context, taskID string) (*types.SyncRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM sync_runs WHERE task_id = ?`, taskID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: sync run %s", types.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync run: %w", err)
	}
	return run, nil
}

// UpdateSyncRun persists run state after validating the status transition
// against the stored row. Reverse transitions are rejected.
func (s *Store) UpdateSyncRun(ctx context.Context, run *types.SyncRun) error {
	current, err := s.GetSyncRun(ctx, run.TaskID)
	if err != nil {
		return err
	}
	if current.Status != run.Status && !current.Status.CanTransition(run.Status) {
		return fmt.Errorf("%w: sync run %s cannot move %s -> %s",
			types.ErrBadRequest, run.TaskID, current.Status, run.Status)
	}

	digest, err := json.Marshal(orEmptyIntMap(run.ErrorDigest))
	if err != nil {
		return fmt.Errorf("failed to encode error digest: %w", err)
	}
	recs, err := json.Marshal(orEmptySlice(run.Recommendations))
	if err != nil {
		return fmt.Errorf("failed to encode recommendations: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE sync_runs SET
			status = ?, progress = ?,
			total = ?, processed = ?, success = ?, failed = ?, skipped = ?,
			started_at = ?, ended_at = ?, duration_ms = ?,
			error_digest = ?, recommendations = ?
		WHERE task_id = ?`,
		string(run.Status), run.Progress,
		run.Counters.Total, run.Counters.Processed, run.Counters.Success,
		run.Counters.Failed, run.Counters.Skipped,
		nullTime(run.StartedAt), nullTime(run.EndedAt), run.DurationMS,
		string(digest), string(recs),
		run.TaskID)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}
	return nil
}

// ListSyncRuns returns runs matching filter, newest first.
func (s *Store) ListSyncRuns(ctx context.Context, filter types.RunFilter) ([]*types.SyncRun, error) {
	var where []string
	var args []interface{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SyncType != "" {
		where = append(where, "sync_type = ?")
		args = append(args, string(filter.SyncType))
	}
	query := `SELECT ` + runColumns + ` FROM sync_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer rows.Close()

	var out []*types.SyncRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// RequestCancel flags a run for cooperative cancellation. Handlers observe
// the flag at safe points.
func (s *Store) RequestCancel(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_runs SET cancel_requested = 1
		WHERE task_id = ? AND status IN ('pending', 'running')`, taskID)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: active sync run %s", types.ErrNotFound, taskID)
	}
	return nil
}

// CancelRequested reports the cooperative cancel flag for a run.
func (s *Store) CancelRequested(ctx context.Context, taskID string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM sync_runs WHERE task_id = ?`, taskID).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: sync run %s", types.ErrNotFound, taskID)
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return flag != 0, nil
}

func orEmptyIntMap(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
