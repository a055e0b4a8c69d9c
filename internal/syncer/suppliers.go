package syncer

import (
	"context"
	"encoding/json"
	"sort"

	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/types"
	"github.com/tradewind/marketsync/internal/worker"
)

// supplierBatchSize bounds how many supplier pages commit per
// transaction and per checkpoint.
const supplierBatchSize = 20

// syncSuppliers is the sync.suppliers handler. Supplier profiles have
// no list pages on the source, so the run walks the distinct supplier
// refs of the product corpus and fetches each profile page.
func (c *Coordinator) syncSuppliers(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args SyncArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	run, err := c.resolveRun(ctx, tc, args, types.SyncSuppliers)
	if err != nil {
		return err
	}
	if err := c.beginRun(ctx, run); err != nil {
		return err
	}

	refs, err := c.collectSupplierRefs(ctx, run.Filter)
	if err != nil {
		return err
	}

	tally := newRunTally()
	tally.counters.Total = len(refs)

	start := 0
	if cp := c.loadRunCheckpoint(ctx, run, args.Resume); cp != nil {
		var cursor pageCursor
		if err := json.Unmarshal(cp.Cursor, &cursor); err == nil && cursor.Page > 0 {
			start = cursor.Page * supplierBatchSize
			tally.counters = cp.Counters
			tally.counters.Total = len(refs)
		}
	}

	for batchNo := start / supplierBatchSize; batchNo*supplierBatchSize < len(refs); batchNo++ {
		if cancelled, _ := c.store.CancelRequested(ctx, run.TaskID); cancelled {
			_ = c.finishRun(ctx, run, tally, types.ErrCancelled)
			return types.ErrCancelled
		}

		lo := batchNo * supplierBatchSize
		hi := lo + supplierBatchSize
		if hi > len(refs) {
			hi = len(refs)
		}

		var batch []*types.Supplier
		for _, ref := range refs[lo:hi] {
			s, rejected := c.fetchSupplierProfile(ctx, ref, tally)
			if rejected || s == nil {
				continue
			}
			batch = append(batch, s)
		}
		if err := c.persistSuppliers(ctx, batch, tally); err != nil {
			return err
		}

		cursor := pageCursor{Page: batchNo + 1}
		if err := c.saveRunCheckpoint(ctx, run, cursor, tally.counters); err != nil {
			return err
		}
		c.progressUpdate(ctx, tc, run, tally, "supplier batch done")
	}

	return c.finishRun(ctx, run, tally, nil)
}

// collectSupplierRefs gathers the distinct supplier refs of the stored
// products matching the run filter, sorted for a stable walk order.
func (c *Coordinator) collectSupplierRefs(ctx context.Context, filter types.SourceFilter) ([]string, error) {
	const page = 500
	seen := make(map[string]bool)
	for offset := 0; ; offset += page {
		products, _, err := c.store.ListProducts(ctx, types.ProductFilter{
			CategoryID: filter.Category,
			Offset:     offset,
			Limit:      page,
		})
		if err != nil {
			return nil, err
		}
		for _, p := range products {
			if p.SupplierRef != "" {
				seen[p.SupplierRef] = true
			}
		}
		if len(products) < page {
			break
		}
	}

	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	if filter.Limit > 0 && len(refs) > filter.Limit {
		refs = refs[:filter.Limit]
	}
	return refs, nil
}

// fetchSupplierProfile retrieves and pipelines one supplier page.
func (c *Coordinator) fetchSupplierProfile(ctx context.Context, ref string, tally *runTally) (*types.Supplier, bool) {
	resp, err := c.fetchPage(ctx, c.supplierURL(ref), "")
	if err != nil {
		tally.recordError(err)
		c.logger.Warn("supplier fetch rejected",
			zap.String("supplier", ref), zap.Error(err))
		return nil, true
	}
	s, issues, err := c.extractCleanSupplier(resp.Body)
	if err != nil {
		tally.recordError(err)
		c.logger.Warn("supplier record rejected",
			zap.String("supplier", ref), zap.Error(err))
		return nil, true
	}
	if s.SourceID == "" {
		s.SourceID = ref
	}
	if hasWarning(issues) {
		tally.missingField++
	}
	return s, false
}
