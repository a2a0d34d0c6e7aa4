package pool

import (
	"errors"
	"fmt"

	"coursepilot/internal/logging"
	"coursepilot/internal/unit"
	"coursepilot/internal/workflow"
)

// Target addresses a command. WorkflowID takes precedence over BatchNo.
type Target struct {
	BatchNo    int    `json:"batch_no,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

func (t Target) String() string {
	if t.WorkflowID != "" {
		return t.WorkflowID
	}
	return fmt.Sprintf("batch %d", t.BatchNo)
}

// CommandResult reports what happened to one addressed workflow.
type CommandResult struct {
	WorkflowID  string `json:"workflow_id"`
	Unit        int    `json:"unit"`
	Delivered   bool   `json:"delivered"`
	Unsupported bool   `json:"unsupported,omitempty"`
	Finished    bool   `json:"finished,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Command routes cmd to the cursor unit of every live workflow addressed by
// target. A unit without the capability yields an Unsupported result, not
// an error. Terminating a whole batch also stops launching new workflows.
func (p *Pool) Command(cmd unit.Command, target Target, reason string) ([]CommandResult, error) {
	// Stop the launch loop before collecting workflows; prepare checks the
	// cancelled state under the same lock.
	if cmd == unit.CommandTerminate && target.WorkflowID == "" {
		br, err := p.batch(target.BatchNo)
		if err != nil {
			return nil, err
		}
		br.mu.Lock()
		if br.state == BatchRunning || br.state == BatchPending {
			br.state = BatchCancelled
		}
		br.mu.Unlock()
		br.cancelLaunch()
	}

	wfs, err := p.resolve(target)
	if err != nil {
		return nil, err
	}

	results := make([]CommandResult, 0, len(wfs))
	for _, wf := range wfs {
		snap := wf.Snapshot()
		res := CommandResult{WorkflowID: wf.ID(), Unit: snap.Cursor}
		err := wf.Command(cmd, reason)
		switch {
		case err == nil:
			res.Delivered = true
		case errors.Is(err, unit.ErrUnsupported):
			res.Unsupported = true
			logging.Pool("[%s] %s is a no-op: unit %d does not support it", wf.ID(), cmd, snap.Cursor)
		case errors.Is(err, workflow.ErrFinished):
			res.Finished = true
		default:
			res.Error = err.Error()
			logging.PoolWarn("[%s] %s failed: %v", wf.ID(), cmd, err)
		}
		results = append(results, res)

		logging.Audit(logging.AuditEvent{
			Type:       logging.AuditCommand,
			WorkflowID: wf.ID(),
			UnitID:     snap.Cursor,
			Target:     string(cmd),
			Success:    res.Delivered,
			Message:    reason,
		})
	}
	return results, nil
}

// resolve returns the workflows addressed by t. Finished workflows of a
// batch are skipped; a finished workflow addressed by id is returned so the
// caller sees a Finished result.
func (p *Pool) resolve(t Target) ([]*workflow.Workflow, error) {
	if t.WorkflowID != "" {
		wf, ok := p.Workflow(t.WorkflowID)
		if !ok {
			return nil, fmt.Errorf("workflow %s: %w", t.WorkflowID, ErrUnknownTarget)
		}
		return []*workflow.Workflow{wf}, nil
	}

	br, err := p.batch(t.BatchNo)
	if err != nil {
		return nil, err
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	var live []*workflow.Workflow
	for _, wf := range br.workflows {
		select {
		case <-wf.Done():
		default:
			live = append(live, wf)
		}
	}
	return live, nil
}
