package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskhub/taskhub/internal/store"
)

// HealthCheck handles GET /api/v1/health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListTasks handles GET /api/v1/tasks.
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	all := s.registry.All()
	resp := TaskListResponse{Tasks: make([]TaskItem, 0, len(all))}
	for _, t := range all {
		resp.Tasks = append(resp.Tasks, TaskItem{
			TaskID:           t.ID,
			Name:             t.Name,
			Version:          t.Version,
			IsEnabled:        t.Enabled,
			ConcurrencyLimit: t.ConcurrencyLimit,
			ParamsSchema:     t.ParamsSchema,
		})
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// EnqueueRun handles POST /api/v1/tasks/{task_id}/runs.
func (s *Server) EnqueueRun(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	var req EnqueueRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	runID, err := s.store.EnqueueRun(r.Context(), s.registry, taskID, req.Params, nil)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUnknownTask):
			s.errorResponse(w, http.StatusNotFound, "unknown task", err)
		case errors.Is(err, store.ErrDisabled):
			s.errorResponse(w, http.StatusConflict, "task disabled", err)
		default:
			s.errorResponse(w, http.StatusInternalServerError, "failed to enqueue run", err)
		}
		return
	}
	s.jsonResponse(w, http.StatusCreated, EnqueueResponse{RunID: runID})
}

// ListRuns handles GET /api/v1/runs?task_id=&status=&limit=.
func (s *Server) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		TaskID: q.Get("task_id"),
		Status: store.RunStatus(q.Get("status")),
	}
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			filter.Limit = n
		}
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to list runs", err)
		return
	}

	resp := RunListResponse{Runs: make([]RunSummary, 0, len(runs))}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, runSummary(run))
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// GetRun handles GET /api/v1/runs/{id}.
func (s *Server) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOrError(w, err, "run not found")
		return
	}

	detail := RunDetail{
		RunSummary:      runSummary(run),
		Params:          run.Params,
		Error:           run.Error,
		LeaseOwner:      run.LeaseOwner,
		CancelRequested: run.CancelRequested,
		CronID:          run.CronID,
	}
	if run.StartedAt != nil {
		end := time.Now()
		if run.FinishedAt != nil {
			end = *run.FinishedAt
		}
		ms := end.Sub(*run.StartedAt).Milliseconds()
		detail.DurationMS = &ms
	}
	s.jsonResponse(w, http.StatusOK, detail)
}

// CancelRun handles POST /api/v1/runs/{id}/cancel.
func (s *Server) CancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if err := s.store.RequestCancel(r.Context(), runID); err != nil {
		s.notFoundOrError(w, err, "failed to request cancellation")
		return
	}
	s.jsonResponse(w, http.StatusAccepted, map[string]string{"run_id": runID, "cancel_requested": "true"})
}

// ListEvents handles GET /api/v1/runs/{id}/events?cursor=N&limit=.
func (s *Server) ListEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	q := r.URL.Query()

	var after int64
	if c := q.Get("cursor"); c != "" {
		if n, err := strconv.ParseInt(c, 10, 64); err == nil {
			after = n
		}
	}
	limit := 0
	if l := q.Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = n
		}
	}

	events, cursor, err := s.store.ListEvents(r.Context(), runID, after, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to list events", err)
		return
	}

	resp := EventListResponse{Items: make([]EventItem, 0, len(events)), NextCursor: cursor}
	for _, e := range events {
		resp.Items = append(resp.Items, EventItem{Seq: e.Seq, TS: e.TS, Type: e.Type, Data: e.Data})
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// StreamEvents handles GET /api/v1/runs/{id}/events/stream, a Server-Sent
// Events tail of the run's live event bus (internal/eventbus), the read
// side of SPEC_FULL.md §3.7's live-tail contract. It subscribes to the bus,
// replays every stored event after cursor from the durable Store so a
// client that reconnects mid-run sees no gap, then forwards bus events with
// a seq beyond the last replayed one.
func (s *Server) StreamEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming unsupported", nil)
		return
	}

	var after int64
	if c := r.URL.Query().Get("cursor"); c != "" {
		if n, err := strconv.ParseInt(c, 10, 64); err == nil {
			after = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	clientID := "sse-" + runID + "-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	sub := s.bus.Subscribe(runID, clientID)
	defer s.bus.Unsubscribe(runID, clientID)

	cursor := after
	for {
		backlog, next, err := s.store.ListEvents(r.Context(), runID, cursor, 0)
		if err != nil {
			return
		}
		if len(backlog) == 0 {
			break
		}
		for _, e := range backlog {
			if !writeSSE(w, e) {
				return
			}
		}
		cursor = next
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-sub.Events:
			if !ok {
				return
			}
			if e.Seq <= cursor {
				continue
			}
			if !writeSSE(w, e) {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, e store.Event) bool {
	payload, err := json.Marshal(EventItem{Seq: e.Seq, TS: e.TS, Type: e.Type, Data: e.Data})
	if err != nil {
		return false
	}
	_, err = w.Write([]byte("data: " + string(payload) + "\n\n"))
	return err == nil
}

// ListArtifacts handles GET /api/v1/runs/{id}/artifacts.
func (s *Server) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.store.ListArtifacts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to list artifacts", err)
		return
	}
	resp := ArtifactListResponse{Artifacts: make([]ArtifactItem, 0, len(artifacts))}
	for _, a := range artifacts {
		resp.Artifacts = append(resp.Artifacts, ArtifactItem{
			ArtifactID: a.ArtifactID,
			FileID:     a.FileID,
			Title:      a.Title,
			Kind:       a.Kind,
			MIME:       a.MIME,
			SizeBytes:  a.SizeBytes,
			CreatedAt:  a.CreatedAt,
		})
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// GetFile handles GET /api/v1/runs/{id}/files/{file_id}, streaming the
// artifact's bytes from disk under the run's directory.
func (s *Server) GetFile(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	fileID := chi.URLParam(r, "file_id")

	a, err := s.store.GetArtifactByFileID(r.Context(), runID, fileID)
	if err != nil {
		s.notFoundOrError(w, err, "artifact not found")
		return
	}

	full := s.runFilePath(runID, a.Path)
	w.Header().Set("Content-Type", a.MIME)
	http.ServeFile(w, r, full)
}

// ListWorkers handles GET /api/v1/workers. Stale entries (spec.md §4.5
// point 3) are still returned, flagged, rather than silently hidden — the
// prune is cosmetic, not authoritative.
func (s *Server) ListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to list workers", err)
		return
	}
	now := time.Now()
	resp := WorkerListResponse{Workers: make([]WorkerItem, 0, len(workers))}
	for _, wk := range workers {
		resp.Workers = append(resp.Workers, WorkerItem{
			WorkerID:      wk.WorkerID,
			Hostname:      wk.Hostname,
			PID:           wk.PID,
			Status:        string(wk.Status),
			RunID:         wk.RunID,
			LastHeartbeat: wk.LastHeartbeat,
			Stale:         now.Sub(wk.LastHeartbeat) > 3*time.Minute,
		})
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// ListCron handles GET /api/v1/cron.
func (s *Server) ListCron(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListCronEntries(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to list cron entries", err)
		return
	}
	resp := CronListResponse{Entries: make([]CronItem, 0, len(entries))}
	for _, c := range entries {
		resp.Entries = append(resp.Entries, cronItem(c))
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// CreateCron handles POST /api/v1/cron.
func (s *Server) CreateCron(w http.ResponseWriter, r *http.Request) {
	var req CronRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.TaskID == "" || req.CronExpression == "" {
		s.errorResponse(w, http.StatusBadRequest, "task_id and cron_expression are required", nil)
		return
	}
	if _, _, ok := s.registry.Lookup(req.TaskID); !ok {
		s.errorResponse(w, http.StatusNotFound, "unknown task", store.ErrUnknownTask)
		return
	}

	schedule, err := cronParser.Parse(req.CronExpression)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid cron expression", err)
		return
	}

	now := time.Now()
	entry := &store.CronEntry{
		TaskID:         req.TaskID,
		CronExpression: req.CronExpression,
		Params:         req.Params,
		Name:           req.Name,
		IsEnabled:      req.Enabled,
		NextRunAt:      schedule.Next(now),
	}
	if err := s.store.CreateCronEntry(r.Context(), entry); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to create cron entry", err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, cronItem(entry))
}

// DeleteCron handles DELETE /api/v1/cron/{id}.
func (s *Server) DeleteCron(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteCronEntry(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.notFoundOrError(w, err, "failed to delete cron entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TriggerCron handles POST /api/v1/cron/{id}/trigger: enqueues a one-off run
// immediately without disturbing the entry's stored cadence (spec.md §4.4
// point 5).
func (s *Server) TriggerCron(w http.ResponseWriter, r *http.Request) {
	cronID := chi.URLParam(r, "id")
	entry, err := s.store.GetCronEntry(r.Context(), cronID)
	if err != nil {
		s.notFoundOrError(w, err, "cron entry not found")
		return
	}

	runID, err := s.store.EnqueueRun(r.Context(), s.registry, entry.TaskID, entry.Params, &entry.CronID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "failed to trigger cron entry", err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, EnqueueResponse{RunID: runID})
}

func runSummary(r *store.Run) RunSummary {
	return RunSummary{
		RunID:      r.RunID,
		TaskID:     r.TaskID,
		Status:     string(r.Status),
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
		ExitCode:   r.ExitCode,
	}
}

func cronItem(c *store.CronEntry) CronItem {
	return CronItem{
		CronID:         c.CronID,
		TaskID:         c.TaskID,
		CronExpression: c.CronExpression,
		Name:           c.Name,
		IsEnabled:      c.IsEnabled,
		NextRunAt:      c.NextRunAt,
		LastRunAt:      c.LastRunAt,
	}
}

func (s *Server) notFoundOrError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, msg, err)
		return
	}
	s.errorResponse(w, http.StatusInternalServerError, msg, err)
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	s.jsonResponse(w, status, resp)
}
