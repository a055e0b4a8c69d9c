package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tradewind/marketsync/internal/types"
)

// GetStatistics summarizes the store for dashboards and `msync status`.
func (s *Store) GetStatistics(ctx context.Context) (*types.Statistics, error) {
	stats := &types.Statistics{
		ProductsByStatus: make(map[string]int),
		SyncRunsByStatus: make(map[string]int),
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE deleted_at IS NULL`).Scan(&stats.Products); err != nil {
		return nil, fmt.Errorf("failed to count products: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM suppliers WHERE deleted_at IS NULL`).Scan(&stats.Suppliers); err != nil {
		return nil, fmt.Errorf("failed to count suppliers: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM product_images`).Scan(&stats.Images); err != nil {
		return nil, fmt.Errorf("failed to count images: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM versions`).Scan(&stats.Versions); err != nil {
		return nil, fmt.Errorf("failed to count versions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM products WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to group products: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.ProductsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runRows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sync_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to group sync runs: %w", err)
	}
	defer runRows.Close()
	for runRows.Next() {
		var status string
		var n int
		if err := runRows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.SyncRunsByStatus[status] = n
	}
	if err := runRows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullTime
	err = s.db.QueryRowContext(ctx,
		`SELECT MAX(ended_at) FROM sync_runs WHERE status = 'completed'`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read last completed run: %w", err)
	}
	stats.LastCompletedRun = scanNullTime(last)

	depths, err := s.QueueDepths(ctx)
	if err != nil {
		return nil, err
	}
	stats.QueueDepths = depths

	return stats, nil
}
