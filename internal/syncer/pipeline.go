package syncer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/fetch"
	"github.com/tradewind/marketsync/internal/pipeline/clean"
	"github.com/tradewind/marketsync/internal/pipeline/version"
	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
)

// ImageArgs is the payload of image pipeline work items.
type ImageArgs struct {
	ImageID    int64  `json:"image_id"`
	ProductRef string `json:"product_ref"`
	URL        string `json:"url"`
	Kind       string `json:"kind,omitempty"`
	ObjectKey  string `json:"object_key,omitempty"`
}

// fetchPage retrieves one page through the identity-aware fetcher.
func (c *Coordinator) fetchPage(ctx context.Context, rawURL, referer string) (*fetch.Response, error) {
	return c.fetcher.Fetch(ctx, fetch.Request{URL: rawURL, Referer: referer})
}

// extractCleanProduct turns a detail page body into a validated product.
// Blocking validation issues reject the record; warnings ride along in
// the returned issue list.
func (c *Coordinator) extractCleanProduct(body []byte) (*types.Product, []types.ValidationIssue, error) {
	rec, err := c.extractor.ExtractProduct(body)
	if err != nil {
		return nil, nil, err
	}
	p := clean.Product(rec)
	issues, err := c.validator.Product(p)
	if err != nil {
		return nil, issues, err
	}
	return p, issues, nil
}

func (c *Coordinator) extractCleanSupplier(body []byte) (*types.Supplier, []types.ValidationIssue, error) {
	rec, err := c.extractor.ExtractSupplier(body)
	if err != nil {
		return nil, nil, err
	}
	s := clean.Supplier(rec)
	issues, err := c.validator.Supplier(s)
	if err != nil {
		return nil, issues, err
	}
	return s, issues, nil
}

// verifiedSuppliers resolves which supplier refs in the batch belong to
// verified suppliers, for dedup master preference.
func (c *Coordinator) verifiedSuppliers(ctx context.Context, batch []*types.Product) map[string]bool {
	verified := make(map[string]bool)
	for _, p := range batch {
		if p.SupplierRef == "" {
			continue
		}
		if _, seen := verified[p.SupplierRef]; seen {
			continue
		}
		s, err := c.store.GetSupplierBySourceID(ctx, p.SupplierRef)
		verified[p.SupplierRef] = err == nil && s.Verified
	}
	return verified
}

// productImages builds the image rows for a product from its cleaned
// URL fields.
func productImages(p *types.Product) []*types.ProductImage {
	var images []*types.ProductImage
	if p.MainImageURL != "" {
		images = append(images, &types.ProductImage{
			ProductRef: p.SourceID,
			URL:        p.MainImageURL,
			Kind:       types.ImageMain,
			OrderIndex: 0,
		})
	}
	for i, u := range p.DetailImages {
		images = append(images, &types.ProductImage{
			ProductRef: p.SourceID,
			URL:        u,
			Kind:       types.ImageDetail,
			OrderIndex: i,
		})
	}
	return images
}

// persistProducts dedupes one page of accepted products and commits them
// in a single transaction: canonical assignment, version record when
// changed, upsert, image rows. Returns the refs that were created and
// the ones whose content changed, for event publication after commit.
func (c *Coordinator) persistProducts(ctx context.Context, batch []*types.Product, tally *runTally) (created, updated []string, err error) {
	if len(batch) == 0 {
		return nil, nil, nil
	}
	groups := c.deduper.Products(batch, c.verifiedSuppliers(ctx, batch))

	err = c.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, g := range groups {
			tally.duplicates += len(g.Members)
			all := append([]*types.Product{g.Master}, g.Members...)
			for _, p := range all {
				wrote, err := version.Record(ctx, tx, types.EntityProduct, p.SourceID, p, author, types.ChangeUpdate)
				if err != nil {
					return fmt.Errorf("failed to version product %s: %w", p.SourceID, err)
				}
				isNew, err := tx.UpsertProduct(ctx, p, author)
				if err != nil {
					return fmt.Errorf("failed to upsert product %s: %w", p.SourceID, err)
				}
				if err := tx.ReplaceProductImages(ctx, p.SourceID, productImages(p)); err != nil {
					return fmt.Errorf("failed to store images for %s: %w", p.SourceID, err)
				}
				switch {
				case isNew:
					created = append(created, p.SourceID)
					tally.counters.Add(1, 0, 0)
				case wrote:
					updated = append(updated, p.SourceID)
					tally.counters.Add(1, 0, 0)
				default:
					tally.counters.Add(0, 0, 1)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return created, updated, nil
}

// persistSuppliers is the supplier-profile counterpart of
// persistProducts.
func (c *Coordinator) persistSuppliers(ctx context.Context, batch []*types.Supplier, tally *runTally) error {
	if len(batch) == 0 {
		return nil
	}
	groups := c.deduper.Suppliers(batch)

	return c.store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		for _, g := range groups {
			tally.duplicates += len(g.Members)
			all := append([]*types.Supplier{g.Master}, g.Members...)
			for _, s := range all {
				wrote, err := version.Record(ctx, tx, types.EntitySupplier, s.SourceID, s, author, types.ChangeUpdate)
				if err != nil {
					return fmt.Errorf("failed to version supplier %s: %w", s.SourceID, err)
				}
				if _, err := tx.UpsertSupplier(ctx, s, author); err != nil {
					return fmt.Errorf("failed to upsert supplier %s: %w", s.SourceID, err)
				}
				if wrote {
					tally.counters.Add(1, 0, 0)
				} else {
					tally.counters.Add(0, 0, 1)
				}
			}
		}
		return nil
	})
}

// fanOutImages enqueues image.download for every stored image row that
// has no blob yet, at NORMAL priority into the image queue. Fan-out is
// held while the image queue is above its high-water mark; the weekly
// sweep picks up anything missed.
func (c *Coordinator) fanOutImages(ctx context.Context, productRefs []string) {
	paused, err := c.queue.Paused(ctx, types.QueueImage)
	if err == nil && paused {
		c.logger.Warn("image queue over high-water mark, holding image fan-out")
		return
	}
	for _, ref := range productRefs {
		images, err := c.store.ListProductImages(ctx, ref)
		if err != nil {
			c.logger.Warn("failed to list images for fan-out",
				zap.String("product", ref), zap.Error(err))
			continue
		}
		for _, img := range images {
			if img.ObjectKey != "" {
				continue
			}
			args := ImageArgs{ImageID: img.ID, ProductRef: ref, URL: img.URL, Kind: string(img.Kind)}
			if _, err := c.queue.Enqueue(ctx, "image.download", args, types.QueueImage, types.PriorityNormal, time.Time{}); err != nil {
				c.logger.Warn("image fan-out enqueue failed",
					zap.String("product", ref), zap.String("url", img.URL), zap.Error(err))
			}
		}
	}
}
