package syncer

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/pipeline/version"
	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
	"github.com/tradewind/marketsync/internal/worker"
)

// healthCheck is the health.check handler: probe the store, reap
// expired leases, purge checkpoints past retention, and publish a
// system_status snapshot.
func (c *Coordinator) healthCheck(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	stats, err := c.store.GetStatistics(ctx)
	if err != nil {
		return err
	}

	reaped, err := c.queue.ReapExpired(ctx)
	if err != nil {
		return err
	}
	if reaped > 0 {
		tc.Logger().Warn("expired leases reaped", zap.Int("count", reaped))
	}

	retention := config.GetDuration("checkpoint.retention")
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	purged, err := c.store.PurgeCheckpointsBefore(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return err
	}
	if purged > 0 {
		tc.Logger().Info("old checkpoints purged", zap.Int("count", purged))
	}

	c.publish("system_status", tc.WorkID(), stats)
	return nil
}

// syncValidate is the sync.validate handler: re-run validation over the
// stored product corpus and mark rows that no longer pass.
func (c *Coordinator) syncValidate(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	const page = 200
	now := time.Now().UTC()
	checked, failed := 0, 0

	for offset := 0; ; offset += page {
		products, _, err := c.store.ListProducts(ctx, types.ProductFilter{Offset: offset, Limit: page})
		if err != nil {
			return err
		}
		for _, p := range products {
			checked++
			if _, err := c.validator.Product(p); err != nil {
				failed++
				if uerr := c.store.UpdateProductSyncStatus(ctx, p.SourceID, types.SyncFailed, now); uerr != nil {
					return uerr
				}
				tc.Logger().Warn("stored product fails validation",
					zap.String("source_id", p.SourceID), zap.Error(err))
			}
		}
		if len(products) < page {
			break
		}
		tc.ReportProgress(0, "validating stored products")
	}

	tc.Logger().Info("validation sweep finished",
		zap.Int("checked", checked), zap.Int("invalid", failed))
	tc.ReportProgress(100, "validation sweep finished")
	return nil
}

// dedupSweepLimit bounds how many products a cleanup pass loads. The
// similarity pass is quadratic per group seed, so the sweep works on
// bounded slices per category rather than the whole corpus at once.
const dedupSweepLimit = 5000

// syncCleanupDuplicates is the sync.cleanup_duplicates handler: re-run
// the deduper over stored products and persist canonical assignments
// that changed.
func (c *Coordinator) syncCleanupDuplicates(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	products, _, err := c.store.ListProducts(ctx, types.ProductFilter{Limit: dedupSweepLimit})
	if err != nil {
		return err
	}

	groups := c.deduper.Products(products, c.verifiedSuppliers(ctx, products))
	changed := 0
	err = c.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, g := range groups {
			if len(g.Members) == 0 {
				continue
			}
			for _, member := range append([]*types.Product{g.Master}, g.Members...) {
				if _, err := version.Record(ctx, tx, types.EntityProduct, member.SourceID, member, author, types.ChangeUpdate); err != nil {
					return err
				}
				if _, err := tx.UpsertProduct(ctx, member, author); err != nil {
					return err
				}
			}
			changed += len(g.Members)
		}
		return nil
	})
	if err != nil {
		return err
	}

	tc.Logger().Info("duplicate sweep finished",
		zap.Int("products", len(products)), zap.Int("duplicates", changed))
	return nil
}
