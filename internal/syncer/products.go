package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/types"
	"github.com/tradewind/marketsync/internal/worker"
)

// pageCursor is the opaque checkpoint cursor of the page loop.
type pageCursor struct {
	NextURL string `json:"next_url"`
	Page    int    `json:"page"`
}

// syncProducts is the sync.products handler: the full page loop of
// §list fetch → detail fetch → extract → clean → validate → dedupe →
// version → upsert, checkpointed per page.
func (c *Coordinator) syncProducts(ctx context.Context, tc *worker.TaskContext, raw json.RawMessage) error {
	var args SyncArgs
	if err := worker.DecodeArgs(tc.TaskName(), raw, &args); err != nil {
		return err
	}
	run, err := c.resolveRun(ctx, tc, args, types.SyncProducts)
	if err != nil {
		return err
	}
	if err := c.beginRun(ctx, run); err != nil {
		return err
	}

	tally := newRunTally()
	cursor := pageCursor{Page: 1}
	if cp := c.loadRunCheckpoint(ctx, run, args.Resume); cp != nil {
		if err := json.Unmarshal(cp.Cursor, &cursor); err == nil {
			tally.counters = cp.Counters
			c.logger.Info("resuming from checkpoint",
				zap.String("task_id", run.TaskID), zap.Int("page", cursor.Page))
		}
	}

	pageURL := cursor.NextURL
	if pageURL == "" {
		pageURL = c.listURL(run.Filter, cursor.Page)
	}

	for pageURL != "" {
		if c.opts.MaxPages > 0 && cursor.Page > c.opts.MaxPages {
			break
		}
		if cancelled, _ := c.store.CancelRequested(ctx, run.TaskID); cancelled {
			_ = c.finishRun(ctx, run, tally, types.ErrCancelled)
			return types.ErrCancelled
		}

		next, done, err := c.syncProductPage(ctx, run, tally, pageURL)
		if err != nil {
			// A page-level error that classifies as terminal ends the run;
			// transient errors bubble to the worker for retry with the
			// checkpoint intact.
			if types.Classify(err) == types.RetryNever {
				_ = c.finishRun(ctx, run, tally, err)
			}
			return err
		}

		cursor.Page++
		cursor.NextURL = next
		if err := c.saveRunCheckpoint(ctx, run, cursor, tally.counters); err != nil {
			return err
		}
		c.progressUpdate(ctx, tc, run, tally,
			fmt.Sprintf("page %d done", cursor.Page-1))

		if done || run.Filter.Limit > 0 && tally.counters.Processed >= run.Filter.Limit {
			break
		}
		pageURL = next
	}

	return c.finishRun(ctx, run, tally, nil)
}

// syncProductPage processes one list page: fetch it, fetch each item's
// detail page, run the quality pipeline, commit the accepted batch.
// Returns the next page URL and whether the stream ended.
func (c *Coordinator) syncProductPage(ctx context.Context, run *types.SyncRun, tally *runTally, pageURL string) (next string, done bool, err error) {
	resp, err := c.fetchPage(ctx, pageURL, "")
	if err != nil {
		return "", false, err
	}
	list, err := c.extractor.ExtractList(resp.Body)
	if err != nil {
		tally.recordError(err)
		return "", false, err
	}

	tally.counters.Total += len(list.Items)
	var batch []*types.Product
	for _, item := range list.Items {
		if run.Filter.Limit > 0 && tally.counters.Processed+len(batch) >= run.Filter.Limit {
			done = true
			break
		}
		p, rejected := c.fetchProductDetail(ctx, c.absoluteURL(item.URL), pageURL, tally)
		if rejected {
			continue
		}
		if p != nil {
			batch = append(batch, p)
		}
	}

	created, updated, err := c.persistProducts(ctx, batch, tally)
	if err != nil {
		return "", false, err
	}
	c.fanOutImages(ctx, append(created, updated...))
	for _, ref := range created {
		c.publish("new_product", run.TaskID, map[string]string{"source_id": ref})
	}
	for _, ref := range updated {
		c.publish("product_updated", run.TaskID, map[string]string{"source_id": ref})
	}

	return c.absoluteURL(list.NextPageURL), done || list.NextPageURL == "", nil
}

// fetchProductDetail retrieves and pipelines a single detail page.
// Rejections are tallied; transient fetch failures are tallied too and
// do not abort the page (the record is lost to this run, not retried
// individually).
func (c *Coordinator) fetchProductDetail(ctx context.Context, detailURL, referer string, tally *runTally) (*types.Product, bool) {
	if detailURL == "" {
		return nil, false
	}
	resp, err := c.fetchPage(ctx, detailURL, referer)
	if err != nil {
		tally.recordError(err)
		c.logger.Warn("detail fetch rejected",
			zap.String("url", detailURL), zap.Error(err))
		return nil, true
	}
	p, issues, err := c.extractCleanProduct(resp.Body)
	if err != nil {
		tally.recordError(err)
		c.logger.Warn("detail record rejected",
			zap.String("url", detailURL), zap.Error(err))
		return nil, true
	}
	if hasWarning(issues) {
		tally.missingField++
	}
	return p, false
}

func hasWarning(issues []types.ValidationIssue) bool {
	for _, i := range issues {
		if i.Severity == types.SeverityWarning {
			return true
		}
	}
	return false
}

// absoluteURL resolves a possibly relative source link against the base.
func (c *Coordinator) absoluteURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.IsAbs() {
		return raw
	}
	base, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return raw
	}
	return base.ResolveReference(u).String()
}

// loadRunCheckpoint loads the run's own checkpoint, falling back to the
// prior run's when this run is a retry with resume requested. Corrupt
// checkpoints are discarded so the run restarts from the beginning.
func (c *Coordinator) loadRunCheckpoint(ctx context.Context, run *types.SyncRun, resume bool) *types.Checkpoint {
	load := func(taskID string) *types.Checkpoint {
		cp, err := c.store.LoadCheckpoint(ctx, taskID)
		if errors.Is(err, types.ErrCheckpointCorrupt) {
			c.logger.Warn("corrupt checkpoint discarded, restarting from scratch",
				zap.String("task_id", taskID))
			_ = c.store.DeleteCheckpoints(ctx, taskID)
			return nil
		}
		if err != nil {
			return nil
		}
		return cp
	}
	if cp := load(run.TaskID); cp != nil {
		return cp
	}
	if resume && run.RetryOf != "" {
		return load(run.RetryOf)
	}
	return nil
}

// saveRunCheckpoint durably records the page cursor under the run's
// task id so a retried run can resume.
func (c *Coordinator) saveRunCheckpoint(ctx context.Context, run *types.SyncRun, cursor pageCursor, counters types.Counters) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	return c.store.SaveCheckpoint(ctx, &types.Checkpoint{
		TaskID:   run.TaskID,
		Cursor:   raw,
		Counters: counters,
	})
}
