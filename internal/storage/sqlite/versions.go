package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tradewind/marketsync/internal/types"
)

func appendVersion(ctx context.Context, q execer, v *types.VersionRecord) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	// version_no is assigned here, not by the caller, so numbers stay
	// dense per entity even under concurrent writers.
	row := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_no), 0) FROM versions
		WHERE entity_type = ? AND entity_id = ?`,
		string(v.EntityType), v.EntityID)
	var maxNo int
	if err := row.Scan(&maxNo); err != nil {
		return fmt.Errorf("failed to read version counter: %w", err)
	}
	v.VersionNo = maxNo + 1
	if v.VersionNo == 1 && v.ChangeKind == types.ChangeUpdate {
		v.ChangeKind = types.ChangeCreate
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO versions (
			entity_type, entity_id, version_no, change_kind,
			author, created_at, checksum, snapshot, diff
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(v.EntityType), v.EntityID, v.VersionNo, string(v.ChangeKind),
		v.Author, v.CreatedAt, v.Checksum, v.Snapshot, v.Diff)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: version (%s, %s, %d)", types.ErrUniqueViolation,
				v.EntityType, v.EntityID, v.VersionNo)
		}
		return fmt.Errorf("failed to append version: %w", err)
	}
	return nil
}

// AppendVersion writes the next dense version for an entity, assigning
// VersionNo on the record.
func (s *Store) AppendVersion(ctx context.Context, v *types.VersionRecord) error {
	return appendVersion(ctx, s.db, v)
}

const versionColumns = `id, entity_type, entity_id, version_no, change_kind,
	author, created_at, checksum, snapshot, diff`

func scanVersion(row interface{ Scan(...interface{}) error }) (*types.VersionRecord, error) {
	var v types.VersionRecord
	var entityType, changeKind string
	var diff sql.Null[[]byte]
	err := row.Scan(&v.ID, &entityType, &v.EntityID, &v.VersionNo, &changeKind,
		&v.Author, &v.CreatedAt, &v.Checksum, &v.Snapshot, &diff)
	if err != nil {
		return nil, err
	}
	v.EntityType = types.EntityType(entityType)
	v.ChangeKind = types.ChangeKind(changeKind)
	if diff.Valid {
		v.Diff = diff.V
	}
	return &v, nil
}

func latestVersion(ctx context.Context, q execer, entityType types.EntityType, entityID string) (*types.VersionRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY version_no DESC LIMIT 1`,
		string(entityType), entityID)
	v, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: version (%s, %s)", types.ErrNotFound, entityType, entityID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest version: %w", err)
	}
	return v, nil
}

// LatestVersion returns the newest version record for an entity.
func (s *Store) LatestVersion(ctx context.Context, entityType types.EntityType, entityID string) (*types.VersionRecord, error) {
	return latestVersion(ctx, s.db, entityType, entityID)
}

// ListVersions returns all versions for an entity, oldest first.
func (s *Store) ListVersions(ctx context.Context, entityType types.EntityType, entityID string) ([]*types.VersionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM versions
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY version_no`,
		string(entityType), entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var out []*types.VersionRecord
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
