package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradewind/marketsync/internal/syncer"
	"github.com/tradewind/marketsync/internal/types"
)

const defaultPageSize = 20
const maxPageSize = 200

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func queryFloat(r *http.Request, key string) float64 {
	f, _ := strconv.ParseFloat(r.URL.Query().Get(key), 64)
	return f
}

func productFilter(r *http.Request) (types.ProductFilter, error) {
	q := r.URL.Query()
	f := types.ProductFilter{
		Query:       q.Get("text"),
		CategoryID:  q.Get("category"),
		SupplierRef: q.Get("supplier"),
		Status:      types.ProductStatus(q.Get("status")),
		SyncStatus:  types.SyncStatus(q.Get("sync_status")),
		PriceMin:    queryFloat(r, "price_min"),
		PriceMax:    queryFloat(r, "price_max"),
		RatingMin:   queryFloat(r, "rating_min"),
		Offset:      queryInt(r, "offset"),
		Limit:       queryInt(r, "limit"),
	}
	if f.Status != "" && !f.Status.Valid() {
		return f, fmt.Errorf("unknown status %q", f.Status)
	}
	if f.SyncStatus != "" && !f.SyncStatus.Valid() {
		return f, fmt.Errorf("unknown sync_status %q", f.SyncStatus)
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageSize
	}
	if f.Limit > maxPageSize {
		f.Limit = maxPageSize
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f, nil
}

func (s *Server) listProducts(w http.ResponseWriter, r *http.Request) {
	filter, err := productFilter(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", err.Error(), nil)
		return
	}

	products, total, err := s.store.ListProducts(r.Context(), filter)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"items":  products,
		"total":  total,
		"offset": filter.Offset,
		"limit":  filter.Limit,
	})
}

func (s *Server) getProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := s.store.GetProductBySourceID(r.Context(), id)
	if err != nil {
		s.storeError(w, err)
		return
	}
	images, err := s.store.ListProductImages(r.Context(), id)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		s.storeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{
		"product": p,
		"images":  images,
	})
}

// syncProduct enqueues a single-product detail refresh at high priority.
func (s *Server) syncProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetProductBySourceID(r.Context(), id); err != nil {
		s.storeError(w, err)
		return
	}

	if paused, perr := s.queue.Paused(r.Context(), types.QueueCrawler); perr == nil && paused {
		s.respondError(w, http.StatusServiceUnavailable, "queue_unavailable",
			"crawler queue over high-water mark", nil)
		return
	}

	args := syncer.CrawlArgs{
		URL:      fmt.Sprintf("%s/offer/%s.html", s.opts.BaseURL, id),
		SourceID: id,
	}
	workID, err := s.queue.Enqueue(r.Context(), "crawl.fetch_product_details",
		args, types.QueueCrawler, types.PriorityHigh, time.Time{})
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"work_id": workID})
}
