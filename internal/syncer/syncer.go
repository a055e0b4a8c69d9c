// Package syncer composes the fetch and data-quality pipelines into the
// end-to-end synchronization tasks: full category syncs driving a SyncRun,
// single-page crawl tasks, image pipeline tasks, and the batch and
// maintenance operations. Every handler registers under its symbolic task
// name in the worker registry.
package syncer

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/extract"
	"github.com/tradewind/marketsync/internal/fetch"
	"github.com/tradewind/marketsync/internal/pipeline/dedupe"
	"github.com/tradewind/marketsync/internal/pipeline/validate"
	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/types"
)

// author recorded on version records written by sync tasks.
const author = "syncer"

// Fetcher is the page-retrieval dependency. *fetch.Fetcher satisfies it;
// tests substitute canned responses.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (*fetch.Response, error)
}

// Extractor is the rule-driven HTML extraction dependency.
type Extractor interface {
	ExtractList(body []byte) (*extract.ListRecord, error)
	ExtractProduct(body []byte) (*extract.ProductRecord, error)
	ExtractSupplier(body []byte) (*extract.SupplierRecord, error)
}

// Publisher receives run and entity events for the push surface. The
// events hub implements it; a nil publisher drops everything.
type Publisher interface {
	Publish(channel, taskID string, payload interface{})
}

// Options configures the coordinator.
type Options struct {
	BaseURL   string // source marketplace root, e.g. https://www.1688.com
	PageSize  int    // items per list page, for progress estimates
	MaxPages  int    // safety bound per run; 0 means unbounded
	ImageDir  string
	DataDir   string
}

// OptionsFromConfig reads the source.* and storage path keys.
func OptionsFromConfig() Options {
	return Options{
		BaseURL:  config.GetString("source.base-url"),
		PageSize: config.GetInt("source.page-size"),
		MaxPages: config.GetInt("source.max-pages"),
		ImageDir: config.GetString("image-dir"),
		DataDir:  config.GetString("data-dir"),
	}
}

// Coordinator wires the pipeline stages together and owns the task
// handlers.
type Coordinator struct {
	store     storage.Store
	fetcher   Fetcher
	extractor Extractor
	validator *validate.Validator
	deduper   *dedupe.Deduper
	queue     *queue.Client
	publisher Publisher
	logger    *zap.Logger
	opts      Options
}

// New builds a Coordinator. publisher may be nil.
func New(store storage.Store, fetcher Fetcher, extractor Extractor, dd *dedupe.Deduper, qc *queue.Client, publisher Publisher, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://www.1688.com"
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 60
	}
	if dd == nil {
		dd = dedupe.New(dedupe.Options{})
	}
	return &Coordinator{
		store:     store,
		fetcher:   fetcher,
		extractor: extractor,
		validator: validate.New(),
		deduper:   dd,
		queue:     qc,
		publisher: publisher,
		logger:    logger,
		opts:      opts,
	}
}

func (c *Coordinator) publish(channel, taskID string, payload interface{}) {
	if c.publisher != nil {
		c.publisher.Publish(channel, taskID, payload)
	}
}

// listURL builds the first list-page URL for a filter.
func (c *Coordinator) listURL(filter types.SourceFilter, page int) string {
	u, err := url.Parse(c.opts.BaseURL)
	if err != nil {
		return c.opts.BaseURL
	}
	if filter.Category != "" {
		u.Path = "/category/" + filter.Category
	} else {
		u.Path = "/offer_search"
	}
	q := u.Query()
	if filter.Keyword != "" {
		q.Set("keywords", filter.Keyword)
	}
	if page > 1 {
		q.Set("page", strconv.Itoa(page))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// supplierURL builds a supplier profile URL from its source id.
func (c *Coordinator) supplierURL(sourceID string) string {
	return fmt.Sprintf("%s/supplier/%s", c.opts.BaseURL, sourceID)
}
