package syncer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/pipeline/version"
	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
	"github.com/tradewind/marketsync/internal/worker"
)

// BatchArgs parameterizes the batch.* tasks. Path is relative to the
// data dir unless absolute. Files are JSON lines, one entity per line.
type BatchArgs struct {
	Path       string              `json:"path,omitempty"`
	EntityType types.EntityType    `json:"entity_type,omitempty"`
	Filter     types.ProductFilter `json:"filter,omitempty"`
	Set        map[string]string   `json:"set,omitempty"`
	SourceIDs  []string            `json:"source_ids,omitempty"`
	Reason     string              `json:"reason,omitempty"`
}

const batchChunk = 100

func (c *Coordinator) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.opts.DataDir, p)
}

// batchImport is the batch.import handler: load entities from a JSON
// lines file through the same validate/dedupe/version path as a sync.
func (c *Coordinator) batchImport(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args BatchArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	if args.Path == "" {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("path is required"))
	}
	et := args.EntityType
	if et == "" {
		et = types.EntityProduct
	}

	f, err := os.Open(c.resolvePath(args.Path))
	if err != nil {
		return worker.ArgsError(tc.TaskName(), err)
	}
	defer f.Close()

	tally := newRunTally()
	var products []*types.Product
	var suppliers []*types.Supplier
	flush := func() error {
		var err error
		if et == types.EntityProduct {
			_, _, err = c.persistProducts(ctx, products, tally)
			products = products[:0]
		} else {
			err = c.persistSuppliers(ctx, suppliers, tally)
			suppliers = suppliers[:0]
		}
		return err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		tally.counters.Total++

		if et == types.EntityProduct {
			var p types.Product
			if err := json.Unmarshal([]byte(text), &p); err != nil {
				tally.recordError(err)
				continue
			}
			if _, err := c.validator.Product(&p); err != nil {
				tally.recordError(err)
				tc.Logger().Warn("import record rejected",
					zap.Int("line", line), zap.Error(err))
				continue
			}
			products = append(products, &p)
		} else {
			var s types.Supplier
			if err := json.Unmarshal([]byte(text), &s); err != nil {
				tally.recordError(err)
				continue
			}
			if _, err := c.validator.Supplier(&s); err != nil {
				tally.recordError(err)
				continue
			}
			suppliers = append(suppliers, &s)
		}

		if len(products)+len(suppliers) >= batchChunk {
			if err := flush(); err != nil {
				return err
			}
			tc.ReportProgress(0, fmt.Sprintf("%d lines imported", line))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}

	tc.Logger().Info("import finished",
		zap.String("path", args.Path),
		zap.Int("total", tally.counters.Total),
		zap.Int("success", tally.counters.Success),
		zap.Int("failed", tally.counters.Failed),
		zap.Int("skipped", tally.counters.Skipped))
	tc.ReportProgress(100, "import finished")
	return nil
}

// batchExport is the batch.export handler: dump matching entities as
// JSON lines.
func (c *Coordinator) batchExport(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args BatchArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	if args.Path == "" {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("path is required"))
	}
	et := args.EntityType
	if et == "" {
		et = types.EntityProduct
	}
	if et != types.EntityProduct && et != types.EntitySupplier {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("unknown entity_type %q", et))
	}

	path := c.resolvePath(args.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	written := 0
	if et == types.EntitySupplier {
		sf := types.SupplierFilter{Limit: batchChunk}
		for offset := 0; ; offset += batchChunk {
			sf.Offset = offset
			suppliers, err := c.store.ListSuppliers(ctx, sf)
			if err != nil {
				return err
			}
			for _, s := range suppliers {
				if err := enc.Encode(s); err != nil {
					return err
				}
				written++
			}
			if len(suppliers) < batchChunk {
				break
			}
		}
	} else {
		filter := args.Filter
		filter.Limit = batchChunk
		for offset := 0; ; offset += batchChunk {
			filter.Offset = offset
			products, _, err := c.store.ListProducts(ctx, filter)
			if err != nil {
				return err
			}
			for _, p := range products {
				if err := enc.Encode(p); err != nil {
					return err
				}
				written++
			}
			if len(products) < batchChunk {
				break
			}
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	tc.Logger().Info("export finished",
		zap.String("path", args.Path), zap.Int("records", written))
	return nil
}

// updatableFields names the product fields batch.update may touch.
var updatableFields = map[string]bool{
	"status":        true,
	"category_id":   true,
	"category_name": true,
	"price_unit":    true,
	"currency":      true,
}

// batchUpdate is the batch.update handler: apply a field patch to every
// product matching the filter, versioned like any other change.
func (c *Coordinator) batchUpdate(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args BatchArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	if len(args.Set) == 0 {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("set is required"))
	}
	for field := range args.Set {
		if !updatableFields[field] {
			return worker.ArgsError(tc.TaskName(), fmt.Errorf("field %q is not batch-updatable", field))
		}
	}

	// Collect the matching ids up front: the patch may touch a field the
	// filter selects on (status), which would shift rows out from under
	// offset paging mid-walk.
	var ids []string
	filter := args.Filter
	filter.Limit = batchChunk
	for offset := 0; ; offset += batchChunk {
		filter.Offset = offset
		products, _, err := c.store.ListProducts(ctx, filter)
		if err != nil {
			return err
		}
		for _, p := range products {
			ids = append(ids, p.SourceID)
		}
		if len(products) < batchChunk {
			break
		}
	}

	updated := 0
	for lo := 0; lo < len(ids); lo += batchChunk {
		hi := lo + batchChunk
		if hi > len(ids) {
			hi = len(ids)
		}
		var batch []*types.Product
		for _, id := range ids[lo:hi] {
			p, err := c.store.GetProductBySourceID(ctx, id)
			if err != nil {
				tc.Logger().Warn("update target missing",
					zap.String("source_id", id), zap.Error(err))
				continue
			}
			batch = append(batch, p)
		}
		err := c.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			for _, p := range batch {
				applyProductPatch(p, args.Set)
				if _, err := version.Record(ctx, tx, types.EntityProduct, p.SourceID, p, author, types.ChangeUpdate); err != nil {
					return err
				}
				if _, err := tx.UpsertProduct(ctx, p, author); err != nil {
					return err
				}
				updated++
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	tc.Logger().Info("batch update finished", zap.Int("updated", updated))
	return nil
}

func applyProductPatch(p *types.Product, set map[string]string) {
	for field, value := range set {
		switch field {
		case "status":
			p.Status = types.ProductStatus(value)
		case "category_id":
			p.CategoryID = value
		case "category_name":
			p.CategoryName = value
		case "price_unit":
			p.PriceUnit = value
		case "currency":
			p.Currency = value
		}
	}
}

// batchDelete is the batch.delete handler: soft-delete the named
// products with a delete version record each.
func (c *Coordinator) batchDelete(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args BatchArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	if len(args.SourceIDs) == 0 {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("source_ids is required"))
	}

	deleted := 0
	for _, sourceID := range args.SourceIDs {
		p, err := c.store.GetProductBySourceID(ctx, sourceID)
		if err != nil {
			tc.Logger().Warn("delete target missing",
				zap.String("source_id", sourceID), zap.Error(err))
			continue
		}
		err = c.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			_, err := version.Record(ctx, tx, types.EntityProduct, sourceID, p, author, types.ChangeDelete)
			return err
		})
		if err != nil {
			return err
		}
		if err := c.store.SoftDeleteProduct(ctx, sourceID, author, args.Reason); err != nil {
			return err
		}
		deleted++
	}
	tc.Logger().Info("batch delete finished",
		zap.Int("deleted", deleted), zap.String("reason", args.Reason))
	return nil
}
