// Package workflow walks a unit graph for one credential: it runs the
// cursor unit, propagates results through the shared context, applies the
// re-authentication policy, and applies hot swaps under the reload guard.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"coursepilot/internal/loader"
	"coursepilot/internal/logging"
	"coursepilot/internal/tracing"
	"coursepilot/internal/unit"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Status is the lifecycle of a whole workflow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusStopped
}

// Builder turns a descriptor into a live instance. *loader.Loader is the
// production implementation.
type Builder interface {
	Build(ctx context.Context, d unit.Descriptor) (*unit.Instance, error)
}

// Options binds a workflow to its batch, credential and session.
type Options struct {
	BatchID    string
	Credential unit.Credential
	Session    unit.Session
	// Alive reports whether Session is still usable. Nil means always.
	Alive   func() bool
	Builder Builder
	Policy  Policy
}

// Outcome is the terminal record of a workflow run.
type Outcome struct {
	WorkflowID string    `json:"workflow_id"`
	BatchID    string    `json:"batch_id"`
	Username   string    `json:"username,omitempty"`
	Status     Status    `json:"status"`
	Message    string    `json:"message"`
	Executed   []int     `json:"executed"`
	Reauths    int       `json:"reauths"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Err        error     `json:"-"`
}

// Succeeded reports whether the workflow reached its terminal unit.
func (o Outcome) Succeeded() bool { return o.Status == StatusSucceeded }

const noUnit = -1

// Workflow is one running instance of a template.
type Workflow struct {
	id   string
	tmpl *Template
	opts Options

	descs map[int]unit.Descriptor

	// reloadMu is the reload guard: held by HotSwap for the whole swap and
	// by the step loop around cleanup and swap detection.
	reloadMu sync.Mutex

	mu       sync.Mutex
	units    map[int]*unit.Instance
	loadErrs map[int]error
	pending  map[int]*unit.Instance // retired instance per id swapped mid-run
	shared   *unit.Shared
	cursor   int
	running  int
	executed []int
	reauths  int
	status   Status
	stopping string
	started  time.Time
	outcome  Outcome

	done chan struct{}
}

// New validates the template and builds every unit instance. A missing
// source aborts construction; any other load error is kept and fails the
// workflow only if that unit is reached.
func New(ctx context.Context, tmpl *Template, opts Options) (*Workflow, error) {
	if tmpl == nil {
		return nil, configErr("template", "template is required")
	}
	if err := tmpl.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, err
	}
	if opts.Builder == nil {
		return nil, configErr("builder", "a unit builder is required")
	}
	batch := opts.BatchID
	if batch == "" {
		batch = "adhoc"
	}

	w := &Workflow{
		id:       fmt.Sprintf("%s-%s-%s", batch, tmpl.ID, uuid.NewString()[:8]),
		tmpl:     tmpl,
		opts:     opts,
		descs:    make(map[int]unit.Descriptor, len(tmpl.Units)),
		units:    make(map[int]*unit.Instance, len(tmpl.Units)),
		loadErrs: map[int]error{},
		pending:  map[int]*unit.Instance{},
		shared:   unit.NewShared(),
		cursor:   tmpl.Start,
		running:  noUnit,
		status:   StatusPending,
		done:     make(chan struct{}),
	}

	for _, d := range tmpl.Units {
		w.descs[d.ID] = d
		inst, err := opts.Builder.Build(ctx, d)
		if err != nil {
			if errors.Is(err, loader.ErrMissingSource) {
				return nil, fmt.Errorf("unit %d: %w", d.ID, err)
			}
			logging.WorkflowWarn("[%s] unit %d failed to load, deferring: %v", w.id, d.ID, err)
			w.loadErrs[d.ID] = err
			continue
		}
		w.units[d.ID] = inst
	}

	logging.Workflow("[%s] created from template %s for %s (%d units)", w.id, tmpl.ID, opts.Credential, len(tmpl.Units))
	return w, nil
}

// ID returns the generated workflow id.
func (w *Workflow) ID() string { return w.id }

// BatchID returns the owning batch id.
func (w *Workflow) BatchID() string { return w.opts.BatchID }

// Credential returns the bound credential.
func (w *Workflow) Credential() unit.Credential { return w.opts.Credential }

// Template returns the template the workflow was built from.
func (w *Workflow) Template() *Template { return w.tmpl }

// Shared returns the workflow's context map.
func (w *Workflow) Shared() *unit.Shared { return w.shared }

// Done is closed once Run has returned.
func (w *Workflow) Done() <-chan struct{} { return w.done }

// Outcome returns the terminal record, valid after Done is closed.
func (w *Workflow) Outcome() Outcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	o := w.outcome
	o.Executed = append([]int(nil), o.Executed...)
	return o
}

// Instance returns the live instance for id.
func (w *Workflow) Instance(id int) (*unit.Instance, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	inst, ok := w.units[id]
	return inst, ok
}

// HotReloadable returns the descriptors flagged for hot reload.
func (w *Workflow) HotReloadable() []unit.Descriptor {
	var out []unit.Descriptor
	for _, d := range w.tmpl.Units {
		if d.HotReload && !d.Builtin() {
			out = append(out, d)
		}
	}
	return out
}

// Run walks the graph until a terminal state. It must be called once.
func (w *Workflow) Run(ctx context.Context) Outcome {
	ctx, span := tracing.Tracer("workflow").Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.id", w.id),
		attribute.String("workflow.template", w.tmpl.ID),
		attribute.String("workflow.batch", w.opts.BatchID),
	))
	defer span.End()

	w.mu.Lock()
	w.status = StatusRunning
	w.started = time.Now()
	w.mu.Unlock()

	logging.Workflow("[%s] starting at unit %d", w.id, w.tmpl.Start)
	logging.Audit(logging.AuditEvent{
		Type:       logging.AuditWorkflowStart,
		WorkflowID: w.id,
		Target:     w.opts.Credential.String(),
		Success:    true,
	})

	status, msg, err := w.safeLoop(ctx)
	out := w.finish(status, msg, err)

	span.SetAttributes(
		attribute.String("workflow.status", string(out.Status)),
		attribute.Int("workflow.reauths", out.Reauths),
	)
	if out.Status != StatusSucceeded {
		if err != nil {
			span.RecordError(err)
		}
		span.SetStatus(codes.Error, out.Message)
	}
	return out
}

// safeLoop converts a panic escaping the step loop into a failure so that
// finish still runs and Done is closed.
func (w *Workflow) safeLoop(ctx context.Context) (status Status, msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow panicked: %v", r)
			status, msg = StatusFailed, err.Error()
			logging.WorkflowError("[%s] %v\n%s", w.id, err, debug.Stack())
			w.mu.Lock()
			w.running = noUnit
			w.mu.Unlock()
		}
	}()
	return w.loop(ctx)
}

func (w *Workflow) loop(ctx context.Context) (Status, string, error) {
	for {
		if status, msg, stop := w.checkStop(ctx); stop {
			return status, msg, nil
		}

		w.mu.Lock()
		id := w.cursor
		inst, ok := w.units[id]
		loadErr := w.loadErrs[id]
		if ok {
			w.running = id
		}
		w.mu.Unlock()

		if !ok {
			if loadErr == nil {
				loadErr = fmt.Errorf("unit %d has no instance", id)
			}
			logging.WorkflowError("[%s] unit %d unavailable: %v", w.id, id, loadErr)
			return StatusFailed, fmt.Sprintf("unit %d failed to load: %v", id, loadErr), loadErr
		}

		cont, runErr := w.step(ctx, inst)

		w.reloadMu.Lock()
		if cerr := inst.Cleanup(); cerr != nil {
			logging.WorkflowWarn("[%s] unit %d cleanup: %v", w.id, id, cerr)
		}
		w.mu.Lock()
		retired, swapped := w.pending[id]
		delete(w.pending, id)
		if swapped {
			if err := retired.CarryTo(w.units[id]); err != nil {
				logging.WorkflowWarn("[%s] unit %d: %v", w.id, id, err)
			}
		}
		w.running = noUnit
		stopping := w.stopping
		w.mu.Unlock()
		w.reloadMu.Unlock()

		if swapped {
			logging.Workflow("[%s] unit %d was swapped while running, re-executing", w.id, id)
			continue
		}

		res := inst.Result()
		switch {
		case stopping != "":
			return StatusStopped, "terminated: " + stopping, unit.ErrTerminated
		case ctx.Err() != nil:
			return StatusStopped, "cancelled", ctx.Err()
		case errors.Is(runErr, unit.ErrSessionExpired):
			logging.WorkflowWarn("[%s] unit %d reported session expired", w.id, id)
			return StatusStopped, "session expired", runErr
		case runErr != nil:
			logging.WorkflowError("[%s] unit %d failed: %v", w.id, id, runErr)
			return StatusFailed, fmt.Sprintf("unit %d: %v", id, runErr), runErr
		}

		w.mu.Lock()
		w.executed = append(w.executed, id)
		w.mu.Unlock()
		w.shared.Publish(id, res)

		if !cont {
			if res.Success {
				return StatusStopped, fallback(res.Message, fmt.Sprintf("unit %d stopped the workflow", id)), nil
			}
			return StatusFailed, fallback(res.Message, fmt.Sprintf("unit %d did not continue", id)), nil
		}

		desc := w.descs[id]
		if desc.ReloginEligible() {
			if trigger, hit := w.opts.Policy.Match(res.Message); hit {
				w.mu.Lock()
				if w.reauths >= w.opts.Policy.MaxReauth {
					n := w.reauths
					w.mu.Unlock()
					logging.WorkflowWarn("[%s] trigger %q on unit %d with budget spent (%d)", w.id, trigger, id, n)
					return StatusFailed, fmt.Sprintf("re-authentication exhausted after %d attempt(s): %s", n, res.Message), ErrReauthExhausted
				}
				w.reauths++
				n := w.reauths
				w.cursor = *desc.ReloginTarget
				w.mu.Unlock()

				logging.Workflow("[%s] trigger %q on unit %d, re-authenticating at unit %d (%d/%d)",
					w.id, trigger, id, *desc.ReloginTarget, n, w.opts.Policy.MaxReauth)
				logging.Audit(logging.AuditEvent{
					Type:       logging.AuditReauth,
					WorkflowID: w.id,
					UnitID:     id,
					Success:    true,
					Message:    res.Message,
					Fields:     map[string]interface{}{"attempt": n, "target": *desc.ReloginTarget},
				})
				continue
			}
		}

		if desc.Next == nil {
			return StatusSucceeded, fallback(res.Message, "completed"), nil
		}
		w.mu.Lock()
		w.cursor = *desc.Next
		w.mu.Unlock()
	}
}

// step runs one unit inside its own span.
func (w *Workflow) step(ctx context.Context, inst *unit.Instance) (bool, error) {
	ctx, span := tracing.Tracer("workflow").Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.Int("unit.id", inst.ID()),
		attribute.String("unit.role", string(inst.Role())),
		attribute.String("unit.type", inst.Origin.TypeName),
	))
	defer span.End()

	logging.WorkflowDebug("[%s] running unit %d (%s, %s)", w.id, inst.ID(), inst.Role(), inst.Origin.TypeName)
	timer := logging.StartTimer(logging.CategoryWorkflow, fmt.Sprintf("[%s] unit %d", w.id, inst.ID()))
	cont, err := inst.Run(ctx, unit.RunInput{
		WorkflowID: w.id,
		Credential: w.opts.Credential,
		Session:    w.opts.Session,
		Shared:     w.shared,
	})
	timer.Stop()

	res := inst.Result()
	span.SetAttributes(attribute.Bool("unit.success", res.Success), attribute.Bool("unit.continue", cont))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return cont, err
}

func (w *Workflow) checkStop(ctx context.Context) (Status, string, bool) {
	w.mu.Lock()
	stopping := w.stopping
	w.mu.Unlock()
	if stopping != "" {
		return StatusStopped, "terminated: " + stopping, true
	}
	if ctx.Err() != nil {
		return StatusStopped, "cancelled", true
	}
	if w.opts.Alive != nil && !w.opts.Alive() {
		logging.WorkflowWarn("[%s] session no longer alive", w.id)
		return StatusStopped, "session expired", true
	}
	return "", "", false
}

func (w *Workflow) finish(status Status, msg string, err error) Outcome {
	w.mu.Lock()
	w.status = status
	w.outcome = Outcome{
		WorkflowID: w.id,
		BatchID:    w.opts.BatchID,
		Username:   w.opts.Credential.Username,
		Status:     status,
		Message:    msg,
		Executed:   append([]int(nil), w.executed...),
		Reauths:    w.reauths,
		StartedAt:  w.started,
		FinishedAt: time.Now(),
		Err:        err,
	}
	out := w.outcome
	w.mu.Unlock()
	close(w.done)

	logging.Workflow("[%s] finished %s: %s (executed %v, reauths %d)", w.id, status, msg, out.Executed, out.Reauths)
	logging.Audit(logging.AuditEvent{
		Type:       logging.AuditWorkflowFinish,
		WorkflowID: w.id,
		Target:     w.opts.Credential.String(),
		Success:    status == StatusSucceeded,
		Message:    msg,
		Duration:   out.FinishedAt.Sub(out.StartedAt),
	})
	return out
}

func fallback(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
