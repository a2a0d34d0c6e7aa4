package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"coursepilot/internal/logging"
	"coursepilot/internal/pool"
	"coursepilot/internal/store"
	"coursepilot/internal/unit"
	"coursepilot/internal/workflow"

	"github.com/go-chi/chi/v5"
)

type handler struct {
	runCtx context.Context
	pool   Pool
	ledger Ledger
}

// CommandRequest is the optional body of a command route.
type CommandRequest struct {
	Reason string `json:"reason"`
}

// CommandResponse lists what happened to every addressed workflow.
type CommandResponse struct {
	Command unit.Command         `json:"command"`
	Target  string               `json:"target"`
	Results []pool.CommandResult `json:"results"`
}

// Health handles GET /health
func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	running := 0
	for _, b := range h.pool.Batches() {
		if !b.Terminal() {
			running++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "active_batches": running})
}

// ListBatches handles GET /batches
func (h *handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.pool.Batches())
}

// GetBatch handles GET /batches/{no}. Batches unknown to the running pool
// fall back to the last stored run.
func (h *handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	no, ok := batchNo(w, r)
	if !ok {
		return
	}
	st, err := h.pool.Status(no)
	if errors.Is(err, pool.ErrUnknownTarget) && h.ledger != nil {
		st, err = h.ledger.LastRun(r.Context(), no)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// StartBatch handles POST /batches/{no}/start: it loads a stored batch and
// launches it.
func (h *handler) StartBatch(w http.ResponseWriter, r *http.Request) {
	no, ok := batchNo(w, r)
	if !ok {
		return
	}
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	b, err := h.ledger.LoadBatch(r.Context(), no)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := h.pool.Start(h.runCtx, b); err != nil {
		writeErr(w, err)
		return
	}
	logging.Control("[%s] started batch %d (%s, %d credentials)", GetRequestID(r), no, b.Template.ID, len(b.Credentials))
	st, _ := h.pool.Status(no)
	writeJSON(w, http.StatusAccepted, st)
}

// ReleaseHeld handles POST /batches/{no}/release
func (h *handler) ReleaseHeld(w http.ResponseWriter, r *http.Request) {
	no, ok := batchNo(w, r)
	if !ok {
		return
	}
	n, err := h.pool.ReleaseHeld(r.Context(), no)
	if err != nil && n == 0 {
		writeErr(w, err)
		return
	}
	resp := map[string]any{"released": n}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// BatchCommand handles POST /batches/{no}/{command}
func (h *handler) BatchCommand(w http.ResponseWriter, r *http.Request) {
	no, ok := batchNo(w, r)
	if !ok {
		return
	}
	h.command(w, r, pool.Target{BatchNo: no})
}

// WorkflowCommand handles POST /workflows/{id}/{command}
func (h *handler) WorkflowCommand(w http.ResponseWriter, r *http.Request) {
	h.command(w, r, pool.Target{WorkflowID: chi.URLParam(r, "id")})
}

func (h *handler) command(w http.ResponseWriter, r *http.Request, target pool.Target) {
	cmd, err := unit.ParseCommand(chi.URLParam(r, "command"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	var req CommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	results, err := h.pool.Command(cmd, target, req.Reason)
	if err != nil {
		writeErr(w, err)
		return
	}
	logging.Control("[%s] %s -> %s: %d workflow(s) addressed", GetRequestID(r), cmd, target, len(results))
	writeJSON(w, http.StatusOK, CommandResponse{Command: cmd, Target: target.String(), Results: results})
}

// GetWorkflow handles GET /workflows/{id}
func (h *handler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, ok := h.pool.Workflow(id)
	if !ok {
		writeError(w, http.StatusNotFound, "workflow "+id+" not found")
		return
	}
	writeJSON(w, http.StatusOK, wf.Snapshot())
}

// Outcomes handles GET /outcomes?batch=&workflow=&status=&limit=
func (h *handler) Outcomes(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "no store configured")
		return
	}
	q := r.URL.Query()
	f := store.OutcomeFilter{
		WorkflowID: q.Get("workflow"),
		Status:     workflow.Status(q.Get("status")),
		Limit:      100,
	}
	for key, dst := range map[string]*int{"batch": &f.BatchNo, "limit": &f.Limit} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid "+key+": "+raw)
			return
		}
		*dst = n
	}

	outcomes, err := h.ledger.Outcomes(r.Context(), f)
	if err != nil {
		writeErr(w, err)
		return
	}
	if outcomes == nil {
		outcomes = []workflow.Outcome{}
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func batchNo(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "no")
	no, err := strconv.Atoi(raw)
	if err != nil || no <= 0 {
		writeError(w, http.StatusBadRequest, "invalid batch number: "+raw)
		return 0, false
	}
	return no, true
}

// decodeJSON decodes the request body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ControlWarn("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps domain errors to status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pool.ErrUnknownTarget), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pool.ErrBatchActive):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
