package sqlite

import (
	"context"
	"fmt"

	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
)

func replaceProductImages(ctx context.Context, q execer, productRef string, images []*types.ProductImage) error {
	if _, err := q.ExecContext(ctx,
		`DELETE FROM product_images WHERE product_ref = ?`, productRef); err != nil {
		return fmt.Errorf("failed to clear images: %w", err)
	}
	for _, img := range images {
		_, err := q.ExecContext(ctx, `
			INSERT INTO product_images (
				product_ref, url, kind, order_index, alt_text,
				object_key, file_size, width, height
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			productRef, img.URL, string(img.Kind), img.OrderIndex, img.AltText,
			img.ObjectKey, img.FileSize, img.Width, img.Height)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: image (%s, %s, %d)", types.ErrUniqueViolation,
					productRef, img.Kind, img.OrderIndex)
			}
			return fmt.Errorf("failed to insert image: %w", err)
		}
	}
	return nil
}

// ReplaceProductImages swaps the full image set for a product. Replacement
// keeps the one-main-per-product and unique-order invariants trivially true.
func (s *Store) ReplaceProductImages(ctx context.Context, productRef string, images []*types.ProductImage) error {
	return s.RunInTransaction(ctx, func(tx storage.Transaction) error {
		return tx.ReplaceProductImages(ctx, productRef, images)
	})
}

// ListProductImages returns a product's images ordered by kind then index.
func (s *Store) ListProductImages(ctx context.Context, productRef string) ([]*types.ProductImage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, product_ref, url, kind, order_index, alt_text,
		       object_key, file_size, width, height, created_at
		FROM product_images WHERE product_ref = ?
		ORDER BY kind, order_index`, productRef)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var out []*types.ProductImage
	for rows.Next() {
		var img types.ProductImage
		var kind string
		if err := rows.Scan(&img.ID, &img.ProductRef, &img.URL, &kind, &img.OrderIndex,
			&img.AltText, &img.ObjectKey, &img.FileSize, &img.Width, &img.Height,
			&img.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		img.Kind = types.ImageKind(kind)
		out = append(out, &img)
	}
	return out, rows.Err()
}

// SetImageObject records the stored object key and dimensions after an
// image.download task fetched the blob.
func (s *Store) SetImageObject(ctx context.Context, id int64, objectKey string, size int64, width, height int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE product_images SET object_key = ?, file_size = ?, width = ?, height = ?
		WHERE id = ?`, objectKey, size, width, height, id)
	if err != nil {
		return fmt.Errorf("failed to set image object: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: image %d", types.ErrNotFound, id)
	}
	return nil
}

// SweepOrphanImages removes image rows whose product no longer references
// their URL in its current detail_images sequence (or main image), or whose
// product row is gone or tombstoned.
func (s *Store) SweepOrphanImages(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM product_images WHERE id IN (
			SELECT pi.id FROM product_images pi
			LEFT JOIN products p ON p.source_id = pi.product_ref
			WHERE p.id IS NULL
			   OR p.deleted_at IS NOT NULL
			   OR (pi.kind = 'main' AND pi.url != p.main_image_url)
			   OR (pi.kind != 'main' AND instr(p.detail_images, pi.url) = 0)
		)`)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep orphan images: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
