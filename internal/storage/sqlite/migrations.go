package sqlite

import (
	"context"
	"database/sql"
)

// migration is one forward-only schema change. The base schema uses
// CREATE IF NOT EXISTS throughout, so migrations only exist for changes
// that postdate a released database layout.
type migration struct {
	version int
	apply   func(ctx context.Context, db *sql.DB) error
}

// migrations run in order after the base schema. Keep versions dense.
var migrations = []migration{
	// 1: backfill derived product_count for databases created before the
	// count triggers existed.
	{
		version: 1,
		apply: func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx, `
				UPDATE suppliers SET product_count = (
					SELECT COUNT(*) FROM products
					WHERE products.supplier_ref = suppliers.source_id
					  AND products.deleted_at IS NULL
				)`)
			return err
		},
	},
}
