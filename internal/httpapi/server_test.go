package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradewind/marketsync/internal/events"
	"github.com/tradewind/marketsync/internal/queue"
	"github.com/tradewind/marketsync/internal/storage"
	"github.com/tradewind/marketsync/internal/storage/memory"
	"github.com/tradewind/marketsync/internal/types"
)

type apiHarness struct {
	store storage.Store
	queue *queue.Client
	hub   *events.Hub
	srv   *httptest.Server
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	st := memory.New()
	qc := queue.New(st, queue.Options{}, nil)
	hub := events.New(events.Options{MailboxSize: 16}, nil)
	s := New(st, qc, hub, nil, nil, Options{BaseURL: "https://src.test"}, nil)
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &apiHarness{store: st, queue: qc, hub: hub, srv: srv}
}

func (h *apiHarness) seedProduct(t *testing.T, sourceID string, status types.ProductStatus) {
	t.Helper()
	_, err := h.store.UpsertProduct(context.Background(), &types.Product{
		SourceID:    sourceID,
		Title:       "bearing " + sourceID,
		PriceMin:    10,
		PriceMax:    20,
		SupplierRef: "sup-1",
		Status:      status,
		SyncStatus:  types.SyncCompleted,
	}, "test")
	if err != nil {
		t.Fatal(err)
	}
}

func (h *apiHarness) do(t *testing.T, method, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestListProductsFiltersAndPaginates(t *testing.T) {
	h := newAPI(t)
	for i := 0; i < 5; i++ {
		h.seedProduct(t, fmt.Sprintf("p%d", i), types.ProductActive)
	}
	h.seedProduct(t, "p-gone", types.ProductDiscontinued)

	resp, body := h.do(t, "GET", "/products?status=active&limit=3", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if total := body["total"].(float64); total != 5 {
		t.Fatalf("total = %v", total)
	}
	if items := body["items"].([]interface{}); len(items) != 3 {
		t.Fatalf("items = %d", len(items))
	}

	resp, _ = h.do(t, "GET", "/products?status=bogus", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status filter returned %d", resp.StatusCode)
	}
}

func TestGetProductIncludesImages(t *testing.T) {
	h := newAPI(t)
	h.seedProduct(t, "p1", types.ProductActive)
	err := h.store.ReplaceProductImages(context.Background(), "p1", []*types.ProductImage{
		{ProductRef: "p1", URL: "https://img.test/a.jpg", Kind: types.ImageMain},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, body := h.do(t, "GET", "/products/p1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if imgs := body["images"].([]interface{}); len(imgs) != 1 {
		t.Fatalf("images = %d", len(imgs))
	}

	resp, body = h.do(t, "GET", "/products/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing product returned %d", resp.StatusCode)
	}
	errObj := body["error"].(map[string]interface{})
	if errObj["code"] != "not_found" {
		t.Fatalf("error code = %v", errObj["code"])
	}
}

func TestSyncProductEnqueuesDetailFetch(t *testing.T) {
	h := newAPI(t)
	h.seedProduct(t, "p1", types.ProductActive)

	resp, body := h.do(t, "POST", "/products/p1/sync", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["work_id"] == "" {
		t.Fatal("no work_id in response")
	}

	w, err := h.queue.Lease(context.Background(), []string{types.QueueCrawler}, "w0")
	if err != nil {
		t.Fatal(err)
	}
	if w.TaskName != "crawl.fetch_product_details" {
		t.Fatalf("task = %s", w.TaskName)
	}
	if !strings.Contains(string(w.Args), "https://src.test/offer/p1.html") {
		t.Fatalf("args = %s", w.Args)
	}
}

func TestCreateRunWritesRowAndEnqueues(t *testing.T) {
	h := newAPI(t)
	resp, body := h.do(t, "POST", "/sync-records", map[string]interface{}{
		"sync_type":     "product",
		"source_filter": map[string]interface{}{"category": "机械", "limit": 100},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	runs := body["runs"].([]interface{})
	if len(runs) != 1 {
		t.Fatalf("runs = %d", len(runs))
	}
	taskID := runs[0].(map[string]interface{})["task_id"].(string)

	run, err := h.store.GetSyncRun(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != types.RunPending || run.OperationType != types.OpManual {
		t.Fatalf("run = %+v", run)
	}
	if run.Filter.Category != "机械" || run.Filter.Limit != 100 {
		t.Fatalf("filter = %+v", run.Filter)
	}

	w, err := h.queue.Lease(context.Background(), []string{types.QueueDataSync}, "w0")
	if err != nil {
		t.Fatal(err)
	}
	if w.TaskName != "sync.products" || !strings.Contains(string(w.Args), taskID) {
		t.Fatalf("work = %s %s", w.TaskName, w.Args)
	}
}

func TestCreateRunAllFansOutProductsAndSuppliers(t *testing.T) {
	h := newAPI(t)
	resp, body := h.do(t, "POST", "/sync-records", map[string]interface{}{"sync_type": "all"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if runs := body["runs"].([]interface{}); len(runs) != 2 {
		t.Fatalf("runs = %d", len(runs))
	}
}

func TestCancelRunConflictsWhenTerminal(t *testing.T) {
	h := newAPI(t)
	ctx := context.Background()
	run := &types.SyncRun{TaskID: "run-1", TaskName: "sync.products",
		OperationType: types.OpManual, SyncType: types.SyncProducts, Status: types.RunPending}
	if err := h.store.CreateSyncRun(ctx, run); err != nil {
		t.Fatal(err)
	}

	resp, _ := h.do(t, "POST", "/sync-records/run-1/cancel", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if cancelled, _ := h.store.CancelRequested(ctx, "run-1"); !cancelled {
		t.Fatal("cancel flag not set")
	}

	run.Status = types.RunCancelled
	if err := h.store.UpdateSyncRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	resp, _ = h.do(t, "POST", "/sync-records/run-1/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("terminal cancel returned %d", resp.StatusCode)
	}
}

func TestRetryIssuesNewRunWithResume(t *testing.T) {
	h := newAPI(t)
	ctx := context.Background()
	prev := &types.SyncRun{TaskID: "run-1", TaskName: "sync.products",
		OperationType: types.OpManual, SyncType: types.SyncProducts,
		Status: types.RunPending, Filter: types.SourceFilter{Category: "机械"}}
	if err := h.store.CreateSyncRun(ctx, prev); err != nil {
		t.Fatal(err)
	}

	resp, _ := h.do(t, "POST", "/sync-records/run-1/retry", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("retry of pending run returned %d", resp.StatusCode)
	}

	prev.Status = types.RunRunning
	if err := h.store.UpdateSyncRun(ctx, prev); err != nil {
		t.Fatal(err)
	}
	prev.Status = types.RunFailed
	if err := h.store.UpdateSyncRun(ctx, prev); err != nil {
		t.Fatal(err)
	}

	resp, body := h.do(t, "POST", "/sync-records/run-1/retry", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	newID := body["task_id"].(string)
	run, err := h.store.GetSyncRun(ctx, newID)
	if err != nil {
		t.Fatal(err)
	}
	if run.RetryOf != "run-1" || !run.ResumeCheckpoint {
		t.Fatalf("run = %+v", run)
	}
	if run.Filter.Category != "机械" {
		t.Fatalf("filter not carried: %+v", run.Filter)
	}
}

func TestRunProgressReportsCountersAndSeq(t *testing.T) {
	h := newAPI(t)
	ctx := context.Background()
	run := &types.SyncRun{TaskID: "run-1", TaskName: "sync.products",
		OperationType: types.OpManual, SyncType: types.SyncProducts,
		Status: types.RunPending, Progress: 40,
		Counters: types.Counters{Total: 10, Processed: 4, Success: 4}}
	if err := h.store.CreateSyncRun(ctx, run); err != nil {
		t.Fatal(err)
	}
	h.hub.Publish(events.ChannelSyncProgress, "run-1", nil)

	resp, body := h.do(t, "GET", "/sync-records/progress/run-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["progress"].(float64) != 40 {
		t.Fatalf("progress = %v", body["progress"])
	}
	if body["seq"].(float64) != 1 {
		t.Fatalf("seq = %v", body["seq"])
	}
}

func TestHealthReportsComponents(t *testing.T) {
	h := newAPI(t)
	resp, body := h.do(t, "GET", "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestWebsocketStreamsAndReplays(t *testing.T) {
	h := newAPI(t)
	h.hub.Publish(events.ChannelSyncProgress, "run-1", map[string]int{"percent": 10})
	h.hub.Publish(events.ChannelSyncProgress, "run-1", map[string]int{"percent": 20})

	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws?task_id=run-1&after=1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Seq != 2 {
		t.Fatalf("replayed seq = %d", ev.Seq)
	}

	h.hub.Publish(events.ChannelSyncCompleted, "run-1", map[string]string{"status": "completed"})
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatal(err)
	}
	if ev.Channel != events.ChannelSyncCompleted || ev.Seq != 3 {
		t.Fatalf("live event = %+v", ev)
	}
}
