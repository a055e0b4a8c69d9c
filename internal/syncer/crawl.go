package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/types"
	"github.com/tradewind/marketsync/internal/worker"
)

// CrawlArgs parameterizes the single-page crawl tasks.
type CrawlArgs struct {
	Category string `json:"category,omitempty"`
	Keyword  string `json:"keyword,omitempty"`
	Page     int    `json:"page,omitempty"`
	Pages    int    `json:"pages,omitempty"`
	URL      string `json:"url,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	Referer  string `json:"referer,omitempty"`

	SupplierRefs []string `json:"supplier_refs,omitempty"`
}

// crawlFetchProducts is the crawl.fetch_products handler: fetch one
// list page and fan each item out as a crawl.fetch_product_details work
// item on the crawler queue.
func (c *Coordinator) crawlFetchProducts(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args CrawlArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	if args.Page <= 0 {
		args.Page = 1
	}
	pageURL := args.URL
	if pageURL == "" {
		pageURL = c.listURL(types.SourceFilter{Category: args.Category, Keyword: args.Keyword}, args.Page)
	}

	resp, err := c.fetchPage(ctx, pageURL, args.Referer)
	if err != nil {
		return err
	}
	list, err := c.extractor.ExtractList(resp.Body)
	if err != nil {
		return err
	}

	if paused, perr := c.queue.Paused(ctx, types.QueueCrawler); perr == nil && paused {
		// Backpressure: fail transiently so the page is retried once the
		// crawler queue drains.
		return fmt.Errorf("crawler queue over high-water mark: %w", types.ErrQueueUnavailable)
	}

	enqueued := 0
	for _, item := range list.Items {
		detail := CrawlArgs{
			URL:      c.absoluteURL(item.URL),
			SourceID: item.SourceID,
			Referer:  pageURL,
		}
		if _, err := c.queue.Enqueue(ctx, "crawl.fetch_product_details", detail, types.QueueCrawler, types.PriorityNormal, time.Time{}); err != nil {
			return err
		}
		enqueued++
	}
	tc.Logger().Info("list page fanned out",
		zap.String("url", pageURL), zap.Int("items", enqueued))
	tc.ReportProgress(100, fmt.Sprintf("%d detail fetches enqueued", enqueued))
	return nil
}

// crawlFetchProductDetails is the crawl.fetch_product_details handler:
// one detail page through the full quality pipeline.
func (c *Coordinator) crawlFetchProductDetails(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args CrawlArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	if args.URL == "" {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("url is required"))
	}

	resp, err := c.fetchPage(ctx, args.URL, args.Referer)
	if err != nil {
		return err
	}
	p, _, err := c.extractCleanProduct(resp.Body)
	if err != nil {
		return err
	}
	if p.SourceID == "" {
		p.SourceID = args.SourceID
	}

	tally := newRunTally()
	created, updated, err := c.persistProducts(ctx, []*types.Product{p}, tally)
	if err != nil {
		return err
	}
	c.fanOutImages(ctx, []string{p.SourceID})
	for _, ref := range created {
		c.publish("new_product", tc.WorkID(), map[string]string{"source_id": ref})
	}
	for _, ref := range updated {
		c.publish("product_updated", tc.WorkID(), map[string]string{"source_id": ref})
	}
	return nil
}

// crawlFetchSuppliers is the crawl.fetch_suppliers handler: fetch the
// named supplier profiles and upsert them.
func (c *Coordinator) crawlFetchSuppliers(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args CrawlArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	if len(args.SupplierRefs) == 0 {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("supplier_refs is required"))
	}

	tally := newRunTally()
	var batch []*types.Supplier
	for _, ref := range args.SupplierRefs {
		s, rejected := c.fetchSupplierProfile(ctx, ref, tally)
		if rejected || s == nil {
			continue
		}
		batch = append(batch, s)
	}
	if err := c.persistSuppliers(ctx, batch, tally); err != nil {
		return err
	}
	if tally.counters.Failed > 0 && len(batch) == 0 {
		return fmt.Errorf("all %d supplier fetches failed", tally.counters.Failed)
	}
	return nil
}

// crawlSyncCategory is the crawl.sync_category handler: fan a category
// out as one crawl.fetch_products work item per page.
func (c *Coordinator) crawlSyncCategory(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args CrawlArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	if args.Category == "" {
		return worker.ArgsError(tc.TaskName(), fmt.Errorf("category is required"))
	}
	pages := args.Pages
	if pages <= 0 {
		pages = 10
	}
	if c.opts.MaxPages > 0 && pages > c.opts.MaxPages {
		pages = c.opts.MaxPages
	}

	if paused, perr := c.queue.Paused(ctx, types.QueueCrawler); perr == nil && paused {
		return fmt.Errorf("crawler queue over high-water mark: %w", types.ErrQueueUnavailable)
	}

	for page := 1; page <= pages; page++ {
		pageArgs := CrawlArgs{Category: args.Category, Keyword: args.Keyword, Page: page}
		if _, err := c.queue.Enqueue(ctx, "crawl.fetch_products", pageArgs, types.QueueCrawler, types.PriorityNormal, time.Time{}); err != nil {
			return err
		}
	}
	tc.Logger().Info("category fanned out",
		zap.String("category", args.Category), zap.Int("pages", pages))
	return nil
}
