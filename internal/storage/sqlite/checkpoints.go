package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/tradewind/marketsync/internal/types"
)

// checkpointChecksum covers the cursor bytes and the counters so a torn or
// tampered row is detected on load.
func checkpointChecksum(cursor []byte, c types.Counters) string {
	h := sha256.New()
	h.Write(cursor)
	fmt.Fprintf(h, "|%d|%d|%d|%d", c.Total, c.Success, c.Failed, c.Skipped)
	return hex.EncodeToString(h.Sum(nil))
}

// SaveCheckpoint durably writes the next checkpoint for a task. The write
// is synchronous by contract: when this returns nil the row is committed.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *types.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.Checksum = checkpointChecksum(cp.Cursor, cp.Counters)

	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_no), 0) FROM checkpoints WHERE task_id = ?`, cp.TaskID)
	var maxSeq int
	if err := row.Scan(&maxSeq); err != nil {
		return fmt.Errorf("failed to read checkpoint sequence: %w", err)
	}
	cp.SequenceNo = maxSeq + 1

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (
			task_id, sequence_no, created_at, cursor,
			total, success, failed, skipped, checksum
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.TaskID, cp.SequenceNo, cp.CreatedAt, cp.Cursor,
		cp.Counters.Total, cp.Counters.Success, cp.Counters.Failed, cp.Counters.Skipped,
		cp.Checksum)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint returns the latest checkpoint for a task, or ErrNotFound.
// A checksum mismatch returns ErrCheckpointCorrupt so the task restarts
// from the beginning.
func (s *Store) LoadCheckpoint(ctx context.Context, taskID string) (*types.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, sequence_no, created_at, cursor,
		       total, success, failed, skipped, checksum
		FROM checkpoints WHERE task_id = ?
		ORDER BY sequence_no DESC LIMIT 1`, taskID)

	var cp types.Checkpoint
	err := row.Scan(&cp.TaskID, &cp.SequenceNo, &cp.CreatedAt, &cp.Cursor,
		&cp.Counters.Total, &cp.Counters.Success, &cp.Counters.Failed, &cp.Counters.Skipped,
		&cp.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checkpoint for %s", types.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	cp.Counters.Processed = cp.Counters.Success + cp.Counters.Failed + cp.Counters.Skipped

	if checkpointChecksum(cp.Cursor, cp.Counters) != cp.Checksum {
		return nil, fmt.Errorf("%w: task %s seq %d", types.ErrCheckpointCorrupt, taskID, cp.SequenceNo)
	}
	return &cp, nil
}

// DeleteCheckpoints removes all checkpoints for a task.
func (s *Store) DeleteCheckpoints(ctx context.Context, taskID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// PurgeCheckpointsBefore drops checkpoints older than cutoff (the audit
// retention window for cancelled/terminal runs).
func (s *Store) PurgeCheckpointsBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE created_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
