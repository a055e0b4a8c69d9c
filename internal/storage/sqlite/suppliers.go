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

func upsertSupplier(ctx context.Context, q execer, s *types.Supplier, actor string) (bool, error) {
	contact, err := json.Marshal(orEmptyMap(s.Contact))
	if err != nil {
		return false, fmt.Errorf("failed to encode contact: %w", err)
	}
	mainProducts, err := json.Marshal(orEmptySlice(s.MainProducts))
	if err != nil {
		return false, fmt.Errorf("failed to encode main_products: %w", err)
	}

	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	res, err := q.ExecContext(ctx, `
		UPDATE suppliers SET
			name = ?, company_name = ?, contact = ?, province = ?, city = ?,
			rating = ?, response_rate = ?, business_type = ?, main_products = ?,
			verified = ?, verification_level = ?, canonical_of = ?,
			updated_at = ?, last_sync_time = ?, deleted_at = ?
		WHERE source_id = ?`,
		s.Name, s.CompanyName, string(contact), s.Province, s.City,
		s.Rating, s.ResponseRate, string(s.BusinessType), string(mainProducts),
		boolInt(s.Verified), s.VerificationLevel, s.CanonicalOf,
		s.UpdatedAt, nullTime(s.LastSyncTime), nullTime(s.DeletedAt),
		s.SourceID)
	if err != nil {
		return false, fmt.Errorf("failed to update supplier: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO suppliers (
			source_id, name, company_name, contact, province, city,
			rating, response_rate, business_type, main_products,
			verified, verification_level, canonical_of,
			created_at, updated_at, last_sync_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SourceID, s.Name, s.CompanyName, string(contact), s.Province, s.City,
		s.Rating, s.ResponseRate, string(s.BusinessType), string(mainProducts),
		boolInt(s.Verified), s.VerificationLevel, s.CanonicalOf,
		s.CreatedAt, s.UpdatedAt, nullTime(s.LastSyncTime))
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, fmt.Errorf("%w: supplier %s", types.ErrUniqueViolation, s.SourceID)
		}
		return false, fmt.Errorf("failed to insert supplier: %w", err)
	}
	return true, nil
}

// UpsertSupplier inserts or updates a supplier keyed by source_id.
// Returns true when a new row was created.
func (s *Store) UpsertSupplier(ctx context.Context, sup *types.Supplier, actor string) (bool, error) {
	return upsertSupplier(ctx, s.db, sup, actor)
}

const supplierColumns = `id, source_id, name, company_name, contact, province, city,
	rating, response_rate, product_count, business_type, main_products,
	verified, verification_level, canonical_of,
	created_at, updated_at, last_sync_time, deleted_at`

func scanSupplier(row interface{ Scan(...interface{}) error }) (*types.Supplier, error) {
	var (
		sup                       types.Supplier
		contact, mainProducts     string
		verified                  int
		businessType              string
		lastSync, deletedAt       sql.NullTime
	)
	err := row.Scan(&sup.ID, &sup.SourceID, &sup.Name, &sup.CompanyName, &contact,
		&sup.Province, &sup.City, &sup.Rating, &sup.ResponseRate, &sup.ProductCount,
		&businessType, &mainProducts, &verified, &sup.VerificationLevel, &sup.CanonicalOf,
		&sup.CreatedAt, &sup.UpdatedAt, &lastSync, &deletedAt)
	if err != nil {
		return nil, err
	}
	sup.BusinessType = types.BusinessType(businessType)
	sup.Verified = verified != 0
	sup.LastSyncTime = scanNullTime(lastSync)
	sup.DeletedAt = scanNullTime(deletedAt)
	if contact != "" && contact != "{}" {
		if err := json.Unmarshal([]byte(contact), &sup.Contact); err != nil {
			return nil, fmt.Errorf("failed to decode contact for %s: %w", sup.SourceID, err)
		}
	}
	if mainProducts != "" && mainProducts != "[]" {
		if err := json.Unmarshal([]byte(mainProducts), &sup.MainProducts); err != nil {
			return nil, fmt.Errorf("failed to decode main_products for %s: %w", sup.SourceID, err)
		}
	}
	return &sup, nil
}

// GetSupplierBySourceID fetches one supplier, including soft-deleted rows.
func (s *Store) GetSupplierBySourceID(ctx context.Context, sourceID string) (*types.Supplier, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+supplierColumns+` FROM suppliers WHERE source_id = ?`, sourceID)
	sup, err := scanSupplier(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: supplier %s", types.ErrNotFound, sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get supplier: %w", err)
	}
	return sup, nil
}

// ListSuppliers returns suppliers matching filter, newest first.
func (s *Store) ListSuppliers(ctx context.Context, filter types.SupplierFilter) ([]*types.Supplier, error) {
	var where []string
	var args []interface{}
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.Query != "" {
		where = append(where, "(name LIKE ? OR company_name LIKE ?)")
		like := "%" + filter.Query + "%"
		args = append(args, like, like)
	}
	if filter.Province != "" {
		where = append(where, "province = ?")
		args = append(args, filter.Province)
	}
	if filter.BusinessType != "" {
		where = append(where, "business_type = ?")
		args = append(args, string(filter.BusinessType))
	}
	if filter.VerifiedOnly {
		where = append(where, "verified = 1")
	}

	query := `SELECT ` + supplierColumns + ` FROM suppliers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list suppliers: %w", err)
	}
	defer rows.Close()

	var out []*types.Supplier
	for rows.Next() {
		sup, err := scanSupplier(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan supplier: %w", err)
		}
		out = append(out, sup)
	}
	return out, rows.Err()
}

// SoftDeleteSupplier tombstones a supplier. The caller is responsible for
// writing the matching delete VersionRecord.
func (s *Store) SoftDeleteSupplier(ctx context.Context, sourceID, actor, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE suppliers SET deleted_at = ?, updated_at = ?
		WHERE source_id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), time.Now().UTC(), sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete supplier: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: supplier %s", types.ErrNotFound, sourceID)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
