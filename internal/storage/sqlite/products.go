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

func upsertProduct(ctx context.Context, q execer, p *types.Product, actor string) (bool, error) {
	detailImages, err := json.Marshal(orEmptySlice(p.DetailImages))
	if err != nil {
		return false, fmt.Errorf("failed to encode detail_images: %w", err)
	}
	specs, err := json.Marshal(orEmptyMap(p.Specifications))
	if err != nil {
		return false, fmt.Errorf("failed to encode specifications: %w", err)
	}

	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = types.ProductActive
	}
	if p.SyncStatus == "" {
		p.SyncStatus = types.SyncPending
	}

	res, err := q.ExecContext(ctx, `
		UPDATE products SET
			title = ?, subtitle = ?, description = ?,
			price_min = ?, price_max = ?, currency = ?, moq = ?, price_unit = ?,
			main_image_url = ?, detail_images = ?, specifications = ?,
			supplier_ref = ?, sales_count = ?, review_count = ?, rating = ?,
			category_id = ?, category_name = ?, status = ?, sync_status = ?,
			canonical_of = ?, updated_at = ?, last_sync_time = ?, deleted_at = ?
		WHERE source_id = ?`,
		p.Title, p.Subtitle, p.Description,
		p.PriceMin, p.PriceMax, p.Currency, p.MOQ, p.PriceUnit,
		p.MainImageURL, string(detailImages), string(specs),
		p.SupplierRef, p.SalesCount, p.ReviewCount, p.Rating,
		p.CategoryID, p.CategoryName, string(p.Status), string(p.SyncStatus),
		p.CanonicalOf, p.UpdatedAt, nullTime(p.LastSyncTime), nullTime(p.DeletedAt),
		p.SourceID)
	if err != nil {
		return false, fmt.Errorf("failed to update product: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return false, nil
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO products (
			source_id, title, subtitle, description,
			price_min, price_max, currency, moq, price_unit,
			main_image_url, detail_images, specifications,
			supplier_ref, sales_count, review_count, rating,
			category_id, category_name, status, sync_status, canonical_of,
			created_at, updated_at, last_sync_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.SourceID, p.Title, p.Subtitle, p.Description,
		p.PriceMin, p.PriceMax, p.Currency, p.MOQ, p.PriceUnit,
		p.MainImageURL, string(detailImages), string(specs),
		p.SupplierRef, p.SalesCount, p.ReviewCount, p.Rating,
		p.CategoryID, p.CategoryName, string(p.Status), string(p.SyncStatus), p.CanonicalOf,
		p.CreatedAt, p.UpdatedAt, nullTime(p.LastSyncTime))
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, fmt.Errorf("%w: product %s", types.ErrUniqueViolation, p.SourceID)
		}
		return false, fmt.Errorf("failed to insert product: %w", err)
	}
	return true, nil
}

// UpsertProduct inserts or updates a product keyed by source_id.
// Returns true when a new row was created.
func (s *Store) UpsertProduct(ctx context.Context, p *types.Product, actor string) (bool, error) {
	return upsertProduct(ctx, s.db, p, actor)
}

const productColumns = `id, source_id, title, subtitle, description,
	price_min, price_max, currency, moq, price_unit,
	main_image_url, detail_images, specifications,
	supplier_ref, sales_count, review_count, rating,
	category_id, category_name, status, sync_status, canonical_of,
	created_at, updated_at, last_sync_time, deleted_at`

func scanProduct(row interface{ Scan(...interface{}) error }) (*types.Product, error) {
	var (
		p                       types.Product
		detailImages, specs     string
		status, syncStatus      string
		lastSync, deletedAt     sql.NullTime
	)
	err := row.Scan(&p.ID, &p.SourceID, &p.Title, &p.Subtitle, &p.Description,
		&p.PriceMin, &p.PriceMax, &p.Currency, &p.MOQ, &p.PriceUnit,
		&p.MainImageURL, &detailImages, &specs,
		&p.SupplierRef, &p.SalesCount, &p.ReviewCount, &p.Rating,
		&p.CategoryID, &p.CategoryName, &status, &syncStatus, &p.CanonicalOf,
		&p.CreatedAt, &p.UpdatedAt, &lastSync, &deletedAt)
	if err != nil {
		return nil, err
	}
	p.Status = types.ProductStatus(status)
	p.SyncStatus = types.SyncStatus(syncStatus)
	p.LastSyncTime = scanNullTime(lastSync)
	p.DeletedAt = scanNullTime(deletedAt)
	if detailImages != "" && detailImages != "[]" {
		if err := json.Unmarshal([]byte(detailImages), &p.DetailImages); err != nil {
			return nil, fmt.Errorf("failed to decode detail_images for %s: %w", p.SourceID, err)
		}
	}
	if specs != "" && specs != "{}" {
		if err := json.Unmarshal([]byte(specs), &p.Specifications); err != nil {
			return nil, fmt.Errorf("failed to decode specifications for %s: %w", p.SourceID, err)
		}
	}
	return &p, nil
}

// GetProductBySourceID fetches one product, including soft-deleted rows.
func (s *Store) GetProductBySourceID(ctx context.Context, sourceID string) (*types.Product, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM products WHERE source_id = ?`, sourceID)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %s", types.ErrNotFound, sourceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// ListProducts returns products matching filter plus the total match count
// for pagination.
func (s *Store) ListProducts(ctx context.Context, filter types.ProductFilter) ([]*types.Product, int, error) {
	var where []string
	var args []interface{}
	if !filter.IncludeDeleted {
		where = append(where, "deleted_at IS NULL")
	}
	if filter.Query != "" {
		where = append(where, "(title LIKE ? OR description LIKE ?)")
		like := "%" + filter.Query + "%"
		args = append(args, like, like)
	}
	if filter.CategoryID != "" {
		where = append(where, "category_id = ?")
		args = append(args, filter.CategoryID)
	}
	if filter.SupplierRef != "" {
		where = append(where, "supplier_ref = ?")
		args = append(args, filter.SupplierRef)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.SyncStatus != "" {
		where = append(where, "sync_status = ?")
		args = append(args, string(filter.SyncStatus))
	}
	if filter.PriceMin > 0 {
		where = append(where, "price_max >= ?")
		args = append(args, filter.PriceMin)
	}
	if filter.PriceMax > 0 {
		where = append(where, "price_min <= ?")
		args = append(args, filter.PriceMax)
	}
	if filter.RatingMin > 0 {
		where = append(where, "rating >= ?")
		args = append(args, filter.RatingMin)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count products: %w", err)
	}

	query := `SELECT ` + productColumns + ` FROM products` + clause + " ORDER BY updated_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var out []*types.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// SoftDeleteProduct tombstones a product. The caller writes the matching
// delete VersionRecord.
func (s *Store) SoftDeleteProduct(ctx context.Context, sourceID, actor, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET deleted_at = ?, updated_at = ?
		WHERE source_id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), time.Now().UTC(), sourceID)
	if err != nil {
		return fmt.Errorf("failed to delete product: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: product %s", types.ErrNotFound, sourceID)
	}
	return nil
}

// UpdateProductSyncStatus sets sync_status and last_sync_time without
// touching updated_at, so unchanged re-syncs leave the entity timestamp
// alone.
func (s *Store) UpdateProductSyncStatus(ctx context.Context, sourceID string, status types.SyncStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE products SET sync_status = ?, last_sync_time = ? WHERE source_id = ?`,
		string(status), at.UTC(), sourceID)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: product %s", types.ErrNotFound, sourceID)
	}
	return nil
}
