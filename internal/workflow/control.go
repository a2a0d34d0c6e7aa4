package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coursepilot/internal/logging"
	"coursepilot/internal/unit"
)

// ErrFinished is returned by operations that need a live workflow.
var ErrFinished = errors.New("workflow already finished")

// HotSwap rebuilds unit id from its source and installs the new instance
// under the reload guard. When the unit is mid-run it is asked to terminate
// without stopping the workflow and the step loop re-executes the id with
// the new instance. A rebuild failure leaves the old instance in place.
func (w *Workflow) HotSwap(ctx context.Context, id int) error {
	d, ok := w.descs[id]
	if !ok {
		return fmt.Errorf("hot swap: unit %d not in workflow %s", id, w.id)
	}

	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.Lock()
	finished := w.status.Terminal()
	w.mu.Unlock()
	if finished {
		return ErrFinished
	}

	timer := logging.StartTimer(logging.CategoryWorkflow, fmt.Sprintf("[%s] hot swap unit %d", w.id, id))
	next, err := w.opts.Builder.Build(ctx, d)
	elapsed := timer.Stop()
	if err != nil {
		logging.WorkflowError("[%s] hot swap of unit %d abandoned, keeping old instance: %v", w.id, id, err)
		logging.Audit(logging.AuditEvent{
			Type:       logging.AuditHotSwapFailed,
			WorkflowID: w.id,
			UnitID:     id,
			Message:    err.Error(),
			Duration:   elapsed,
		})
		return fmt.Errorf("hot swap unit %d: %w", id, err)
	}

	w.mu.Lock()
	old := w.units[id]
	mid := w.running == id
	_, alreadyPending := w.pending[id]
	if mid {
		// Carry-over happens once the retiring instance has cleaned up.
		if !alreadyPending {
			w.pending[id] = old
		}
	} else if old != nil {
		if err := old.CarryTo(next); err != nil {
			logging.WorkflowWarn("[%s] unit %d: %v", w.id, id, err)
		}
	}
	w.units[id] = next
	delete(w.loadErrs, id)
	w.mu.Unlock()

	if mid && !alreadyPending && old != nil {
		if err := old.Terminate("hot swap", false); err != nil {
			logging.WorkflowDebug("[%s] unit %d cannot be interrupted, swap applies after it returns", w.id, id)
		}
	}

	logging.Workflow("[%s] hot swapped unit %d to %s (mid-run: %v)", w.id, id, next.Origin.Key, mid)
	logging.Audit(logging.AuditEvent{
		Type:       logging.AuditHotSwap,
		WorkflowID: w.id,
		UnitID:     id,
		Success:    true,
		Duration:   elapsed,
		Fields:     map[string]interface{}{"key": next.Origin.Key, "mid_run": mid},
	})
	return nil
}

// Command routes cmd to the cursor unit. Commands the unit does not
// implement return unit.ErrUnsupported and change nothing.
func (w *Workflow) Command(cmd unit.Command, reason string) error {
	w.mu.Lock()
	if w.status.Terminal() {
		w.mu.Unlock()
		return ErrFinished
	}
	id := w.cursor
	inst := w.units[id]
	w.mu.Unlock()

	if inst == nil || !inst.Supports(cmd) {
		logging.WorkflowDebug("[%s] %s not supported by unit %d", w.id, cmd, id)
		return fmt.Errorf("%s on unit %d: %w", cmd, id, unit.ErrUnsupported)
	}

	if cmd == unit.CommandTerminate {
		w.mu.Lock()
		if reason == "" {
			reason = "operator request"
		}
		w.stopping = reason
		w.mu.Unlock()
	}
	if err := inst.Command(cmd, reason); err != nil {
		return err
	}
	logging.Workflow("[%s] %s delivered to unit %d: %s", w.id, cmd, id, reason)
	return nil
}

// Snapshot is a point-in-time view of a workflow.
type Snapshot struct {
	ID          string         `json:"id"`
	BatchID     string         `json:"batch_id"`
	Template    string         `json:"template"`
	Username    string         `json:"username,omitempty"`
	Status      Status         `json:"status"`
	Cursor      int            `json:"cursor"`
	CursorState unit.State     `json:"cursor_state,omitempty"`
	CursorRuns  int            `json:"cursor_runs"`
	Commands    []unit.Command `json:"commands"`
	Executed    []int          `json:"executed"`
	Reauths     int            `json:"reauths"`
	Message     string         `json:"message,omitempty"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Snapshot returns the current state.
func (w *Workflow) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{
		ID:        w.id,
		BatchID:   w.opts.BatchID,
		Template:  w.tmpl.ID,
		Username:  w.opts.Credential.Username,
		Status:    w.status,
		Cursor:    w.cursor,
		Executed:  append([]int(nil), w.executed...),
		Reauths:   w.reauths,
		StartedAt: w.started,
		Message:   w.outcome.Message,
		Context:   w.shared.Snapshot(),
	}
	if inst, ok := w.units[w.cursor]; ok {
		s.CursorState = inst.State()
		s.CursorRuns = inst.Runs()
		s.Commands = inst.Commands()
	}
	return s
}
