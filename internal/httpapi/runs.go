package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/tradewind/marketsync/internal/config"
	"github.com/tradewind/marketsync/internal/syncer"
	"github.com/tradewind/marketsync/internal/types"
)

// createRunRequest is the POST /sync-records body.
type createRunRequest struct {
	OperationType types.OperationType `json:"operation_type"`
	SyncType      types.SyncType      `json:"sync_type"`
	Filter        types.SourceFilter  `json:"source_filter"`
}

// taskForSyncType maps a sync type onto its handler and queue.
func taskForSyncType(st types.SyncType) (task, queueName string, ok bool) {
	switch st {
	case types.SyncProducts, types.SyncAll:
		return "sync.products", types.QueueDataSync, true
	case types.SyncSuppliers:
		return "sync.suppliers", types.QueueDataSync, true
	}
	return "", "", false
}

// createOneRun writes the pending SyncRun row and enqueues the work item
// driving it.
func (s *Server) createOneRun(ctx context.Context, op types.OperationType, st types.SyncType, filter types.SourceFilter, retryOf string, resume bool) (*types.SyncRun, string, error) {
	task, queueName, ok := taskForSyncType(st)
	if !ok {
		return nil, "", fmt.Errorf("sync_type %q has no runnable task", st)
	}

	snapshot, _ := json.Marshal(config.AllSettings())
	run := &types.SyncRun{
		TaskID:           uuid.NewString(),
		TaskName:         task,
		OperationType:    op,
		SyncType:         st,
		Status:           types.RunPending,
		Filter:           filter,
		ConfigSnapshot:   snapshot,
		RetryOf:          retryOf,
		ResumeCheckpoint: resume,
	}
	if err := s.store.CreateSyncRun(ctx, run); err != nil {
		return nil, "", err
	}

	args := syncer.SyncArgs{TaskID: run.TaskID, OperationType: op, Filter: filter, Resume: resume}
	workID, err := s.queue.Enqueue(ctx, task, args, queueName, types.PriorityHigh, time.Time{})
	if err != nil {
		return nil, "", err
	}
	return run, workID, nil
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "bad_request", "malformed body", err.Error())
		return
	}
	if req.OperationType == "" {
		req.OperationType = types.OpManual
	}
	if req.SyncType == "" {
		req.SyncType = types.SyncProducts
	}

	var syncTypes []types.SyncType
	switch req.SyncType {
	case types.SyncProducts, types.SyncSuppliers:
		syncTypes = []types.SyncType{req.SyncType}
	case types.SyncAll:
		// Image work fans out of the product pass, so "all" is products
		// then suppliers.
		syncTypes = []types.SyncType{types.SyncProducts, types.SyncSuppliers}
	default:
		s.respondError(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("unknown sync_type %q", req.SyncType), nil)
		return
	}

	type created struct {
		TaskID string `json:"task_id"`
		WorkID string `json:"work_id"`
	}
	var out []created
	for _, st := range syncTypes {
		run, workID, err := s.createOneRun(r.Context(), req.OperationType, st, req.Filter, "", false)
		if err != nil {
			s.storeError(w, err)
			return
		}
		out = append(out, created{TaskID: run.TaskID, WorkID: workID})
	}
	s.respond(w, http.StatusAccepted, map[string]interface{}{"runs": out})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := types.RunFilter{
		Status:   types.RunStatus(r.URL.Query().Get("status")),
		SyncType: types.SyncType(r.URL.Query().Get("sync_type")),
		Offset:   queryInt(r, "offset"),
		Limit:    queryInt(r, "limit"),
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultPageSize
	}
	runs, err := s.store.ListSyncRuns(r.Context(), filter)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]interface{}{"items": runs})
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	run, err := s.store.GetSyncRun(r.Context(), taskID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if run.Status != types.RunPending && run.Status != types.RunRunning {
		s.respondError(w, http.StatusConflict, "conflict",
			fmt.Sprintf("run is already %s", run.Status), nil)
		return
	}
	if err := s.store.RequestCancel(r.Context(), taskID); err != nil {
		s.storeError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "cancel_requested"})
}

// retryRun re-issues a terminal run as a new run resuming from the old
// run's last checkpoint.
func (s *Server) retryRun(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	prev, err := s.store.GetSyncRun(r.Context(), taskID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	switch prev.Status {
	case types.RunFailed, types.RunCancelled:
	default:
		s.respondError(w, http.StatusConflict, "conflict",
			fmt.Sprintf("only failed or cancelled runs retry, run is %s", prev.Status), nil)
		return
	}

	run, workID, err := s.createOneRun(r.Context(), prev.OperationType, prev.SyncType, prev.Filter, prev.TaskID, true)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.respond(w, http.StatusAccepted, map[string]string{
		"task_id":  run.TaskID,
		"work_id":  workID,
		"retry_of": prev.TaskID,
	})
}

func (s *Server) runProgress(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	run, err := s.store.GetSyncRun(r.Context(), taskID)
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := map[string]interface{}{
		"task_id":         run.TaskID,
		"status":          run.Status,
		"progress":        run.Progress,
		"counters":        run.Counters,
		"error_digest":    run.ErrorDigest,
		"recommendations": run.Recommendations,
	}
	if s.hub != nil {
		resp["seq"] = s.hub.Seq(taskID)
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) dashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStatistics(r.Context())
	if err != nil {
		s.storeError(w, err)
		return
	}
	resp := map[string]interface{}{"store": stats}
	if s.monitor != nil {
		resp["supervision"] = s.monitor.Snapshot()
	}
	s.respond(w, http.StatusOK, resp)
}

// health reports liveness plus component checks. Any failing component
// turns the whole response 503.
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]string{"store": "ok", "queue": "ok"}
	healthy := true
	if _, err := s.store.GetStatistics(ctx); err != nil {
		components["store"] = err.Error()
		healthy = false
	}
	if _, err := s.queue.Depths(ctx); err != nil {
		components["queue"] = err.Error()
		healthy = false
	}

	resp := map[string]interface{}{"components": components}
	if s.monitor != nil {
		snap := s.monitor.Snapshot()
		resp["active_workers"] = snap.ActiveWorkers
		resp["stalled_workers"] = snap.StalledWorkers
	}
	if healthy {
		resp["status"] = "ok"
		s.respond(w, http.StatusOK, resp)
		return
	}
	resp["status"] = "degraded"
	s.respond(w, http.StatusServiceUnavailable, resp)
}
