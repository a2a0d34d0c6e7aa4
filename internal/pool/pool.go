// Package pool fans batches out into concurrently running workflows, one
// browser session per credential, and routes operator commands to them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"coursepilot/internal/logging"
	"coursepilot/internal/unit"
	"coursepilot/internal/watcher"
	"coursepilot/internal/workflow"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrUnknownTarget is returned when no batch or workflow matches a
	// command or status request.
	ErrUnknownTarget = errors.New("unknown batch or workflow")

	// ErrBatchActive is returned when a batch number is reused while the
	// earlier batch is still running.
	ErrBatchActive = errors.New("batch already running")
)

const cancelledBeforeLaunch = "cancelled before launch"

var errLaunchCancelled = errors.New(cancelledBeforeLaunch)

// SessionManager hands out one isolated browser session per credential.
type SessionManager interface {
	Acquire(ctx context.Context, cred unit.Credential, batchID string, cfg unit.SessionConfig) (unit.Session, error)
	Release(ctx context.Context, cred unit.Credential, batchID string) error
	IsAlive(s unit.Session) bool
}

// Registrar receives hot-reloadable unit sources. *watcher.Watcher is the
// production implementation.
type Registrar interface {
	Register(path string, unitID int, target watcher.Target) error
	Unregister(target watcher.Target)
}

// Sink persists outcomes and batch summaries. *store.Store implements it.
type Sink interface {
	RecordOutcome(ctx context.Context, batchNo int, o workflow.Outcome) error
	RecordBatch(ctx context.Context, st BatchStatus) error
}

// Options configures a Pool.
type Options struct {
	Sessions SessionManager
	Builder  workflow.Builder
	// Watcher and Resolve are optional; without them nothing is hot swapped.
	Watcher Registrar
	Resolve func(source string) string
	Sink    Sink
	// MaxConcurrency is a hard cap applied on top of each batch's own.
	MaxConcurrency int
}

// BatchState is the lifecycle of a batch.
type BatchState string

const (
	BatchPending   BatchState = "pending"
	BatchRunning   BatchState = "running"
	BatchCompleted BatchState = "completed"
	BatchCancelled BatchState = "cancelled"
)

// BatchStatus is a point-in-time view of a batch.
type BatchStatus struct {
	No         int                `json:"no"`
	ID         string             `json:"id"`
	Template   string             `json:"template"`
	State      BatchState         `json:"state"`
	Total      int                `json:"total"`
	Running    int                `json:"running"`
	Succeeded  int                `json:"succeeded"`
	Failed     int                `json:"failed"`
	Held       int                `json:"held_sessions"`
	Workflows  []string           `json:"workflows"`
	Outcomes   []workflow.Outcome `json:"outcomes,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at,omitempty"`
}

// Terminal reports whether every workflow of the batch has finished.
func (s BatchStatus) Terminal() bool {
	return s.State == BatchCompleted || s.State == BatchCancelled
}

type heldSession struct {
	cred unit.Credential
}

type batchRun struct {
	batch *Batch

	mu        sync.Mutex
	state     BatchState
	total     int
	running   int
	succeeded int
	failed    int
	workflows []*workflow.Workflow
	outcomes  []workflow.Outcome
	held      []heldSession
	started   time.Time
	finished  time.Time

	cancelLaunch context.CancelFunc
	done         chan struct{}
}

func (br *batchRun) status() BatchStatus {
	br.mu.Lock()
	defer br.mu.Unlock()
	st := BatchStatus{
		No:         br.batch.No,
		ID:         br.batch.ID(),
		Template:   br.batch.Template.ID,
		State:      br.state,
		Total:      br.total,
		Running:    br.running,
		Succeeded:  br.succeeded,
		Failed:     br.failed,
		Held:       len(br.held),
		StartedAt:  br.started,
		FinishedAt: br.finished,
		Outcomes:   append([]workflow.Outcome(nil), br.outcomes...),
	}
	for _, wf := range br.workflows {
		st.Workflows = append(st.Workflows, wf.ID())
	}
	return st
}

// Pool owns every batch it launched and the workflows inside them.
type Pool struct {
	opts Options

	mu        sync.RWMutex
	batches   map[int]*batchRun
	workflows map[string]*workflow.Workflow
	active    map[string]string // username -> workflow id while running
}

// New creates a Pool.
func New(opts Options) (*Pool, error) {
	if opts.Sessions == nil {
		return nil, errors.New("pool: session manager is required")
	}
	if opts.Builder == nil {
		return nil, errors.New("pool: unit builder is required")
	}
	return &Pool{
		opts:      opts,
		batches:   map[int]*batchRun{},
		workflows: map[string]*workflow.Workflow{},
		active:    map[string]string{},
	}, nil
}

// Start validates b and launches it in the background. Configuration errors
// are returned before any session is acquired.
func (p *Pool) Start(ctx context.Context, b *Batch) error {
	if err := b.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	if prev, ok := p.batches[b.No]; ok {
		select {
		case <-prev.done:
		default:
			p.mu.Unlock()
			return fmt.Errorf("batch %d: %w", b.No, ErrBatchActive)
		}
	}
	total := len(Dedup(b.Credentials))
	if total == 0 {
		total = 1
	}
	launchCtx, cancel := context.WithCancel(ctx)
	br := &batchRun{
		batch:        b,
		state:        BatchPending,
		total:        total,
		started:      time.Now(),
		cancelLaunch: cancel,
		done:         make(chan struct{}),
	}
	p.batches[b.No] = br
	p.mu.Unlock()

	go p.execute(ctx, launchCtx, br)
	return nil
}

// Run launches b and waits for every workflow to finish.
func (p *Pool) Run(ctx context.Context, b *Batch) (BatchStatus, error) {
	if err := p.Start(ctx, b); err != nil {
		return BatchStatus{}, err
	}
	return p.Wait(context.Background(), b.No)
}

// Wait blocks until batch no is terminal or ctx is done.
func (p *Pool) Wait(ctx context.Context, no int) (BatchStatus, error) {
	br, err := p.batch(no)
	if err != nil {
		return BatchStatus{}, err
	}
	select {
	case <-br.done:
		return br.status(), nil
	case <-ctx.Done():
		return br.status(), ctx.Err()
	}
}

// execute runs the launch loop of one batch. Workflows run on ctx so that
// stopping the launch loop never cancels a workflow mid-step.
func (p *Pool) execute(ctx, launchCtx context.Context, br *batchRun) {
	defer close(br.done)
	defer br.cancelLaunch()

	b := br.batch
	creds := Dedup(b.Credentials)
	credentialless := len(creds) == 0
	if credentialless {
		creds = []unit.Credential{{}}
	}

	size := len(creds)
	if b.Launch.Concurrency > 0 && b.Launch.Concurrency < size {
		size = b.Launch.Concurrency
	}
	if p.opts.MaxConcurrency > 0 && p.opts.MaxConcurrency < size {
		size = p.opts.MaxConcurrency
	}

	br.mu.Lock()
	if br.state == BatchPending {
		br.state = BatchRunning
	}
	br.mu.Unlock()

	logging.Pool("Batch %d: launching %d workflow(s) from template %s, %d worker(s), interval %s",
		b.No, len(creds), b.Template.ID, size, b.Launch.LoginInterval)
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditBatchStart,
		BatchNo: b.No,
		Target:  b.Template.ID,
		Success: true,
		Fields:  map[string]interface{}{"credentials": len(creds), "workers": size},
	})

	sem := semaphore.NewWeighted(int64(size))
	var g errgroup.Group

	for i, cred := range creds {
		if i > 0 && !credentialless && b.Launch.LoginInterval > 0 {
			select {
			case <-launchCtx.Done():
			case <-time.After(b.Launch.LoginInterval):
			}
		}
		if launchCtx.Err() != nil || sem.Acquire(launchCtx, 1) != nil {
			p.abandon(ctx, br, creds[i:])
			break
		}

		wf, sess, err := p.prepare(launchCtx, br, cred)
		if errors.Is(err, errLaunchCancelled) {
			sem.Release(1)
			p.abandon(ctx, br, creds[i:])
			break
		}
		if err != nil {
			sem.Release(1)
			p.record(ctx, br, workflow.Outcome{
				BatchID:    b.ID(),
				Username:   cred.Username,
				Status:     workflow.StatusFailed,
				Message:    err.Error(),
				StartedAt:  time.Now(),
				FinishedAt: time.Now(),
				Err:        err,
			})
			continue
		}

		g.Go(func() error {
			defer sem.Release(1)
			p.runWorkflow(ctx, br, wf, sess)
			return nil
		})
	}
	_ = g.Wait()

	br.mu.Lock()
	if br.state != BatchCancelled {
		br.state = BatchCompleted
	}
	br.finished = time.Now()
	br.mu.Unlock()

	st := br.status()
	logging.Pool("Batch %d %s: %d succeeded, %d failed, %d session(s) held",
		b.No, st.State, st.Succeeded, st.Failed, st.Held)
	logging.Audit(logging.AuditEvent{
		Type:     logging.AuditBatchComplete,
		BatchNo:  b.No,
		Target:   b.Template.ID,
		Success:  st.Failed == 0,
		Message:  string(st.State),
		Duration: st.FinishedAt.Sub(st.StartedAt),
		Fields:   map[string]interface{}{"succeeded": st.Succeeded, "failed": st.Failed, "held": st.Held},
	})
	if p.opts.Sink != nil {
		if err := p.opts.Sink.RecordBatch(ctx, st); err != nil {
			logging.PoolWarn("Batch %d: failed to record summary: %v", b.No, err)
		}
	}
}

// prepare acquires the session and builds the workflow for one credential.
func (p *Pool) prepare(ctx context.Context, br *batchRun, cred unit.Credential) (*workflow.Workflow, unit.Session, error) {
	b := br.batch

	if !cred.Empty() {
		p.mu.Lock()
		if owner, busy := p.active[cred.Username]; busy {
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("credential %s already running in %s", cred.Username, owner)
		}
		p.active[cred.Username] = b.ID()
		p.mu.Unlock()
	}

	timer := logging.StartTimer(logging.CategoryPool, "session acquire "+cred.String())
	sess, err := p.opts.Sessions.Acquire(ctx, cred, b.ID(), b.Session)
	timer.Stop()
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditSessionAcquire,
		BatchNo: b.No,
		Target:  cred.String(),
		Success: err == nil,
		Message: errString(err),
	})
	if err != nil {
		p.releaseCredential(cred)
		return nil, nil, fmt.Errorf("acquire session for %s: %w", cred, err)
	}

	wf, err := workflow.New(ctx, b.Template, workflow.Options{
		BatchID:    b.ID(),
		Credential: cred,
		Session:    sess,
		Alive:      func() bool { return p.opts.Sessions.IsAlive(sess) },
		Builder:    p.opts.Builder,
		Policy:     b.Reauth,
	})
	if err != nil {
		p.releaseSession(ctx, br, cred, false)
		p.releaseCredential(cred)
		return nil, nil, fmt.Errorf("build workflow for %s: %w", cred, err)
	}

	// A terminate may land while Acquire blocks. Checked under br.mu so the
	// workflow is either visible to Command or never started.
	br.mu.Lock()
	if br.state == BatchCancelled || ctx.Err() != nil {
		br.mu.Unlock()
		logging.PoolWarn("Batch %d: launch of %s cancelled after session acquire", b.No, cred)
		p.releaseSession(ctx, br, cred, false)
		p.releaseCredential(cred)
		return nil, nil, errLaunchCancelled
	}
	br.workflows = append(br.workflows, wf)
	br.running++
	br.mu.Unlock()

	p.mu.Lock()
	p.workflows[wf.ID()] = wf
	if !cred.Empty() {
		p.active[cred.Username] = wf.ID()
	}
	p.mu.Unlock()

	p.watch(wf)
	return wf, sess, nil
}

func (p *Pool) watch(wf *workflow.Workflow) {
	if p.opts.Watcher == nil {
		return
	}
	for _, d := range wf.HotReloadable() {
		path := d.Source
		if p.opts.Resolve != nil {
			path = p.opts.Resolve(path)
		}
		if err := p.opts.Watcher.Register(path, d.ID, wf); err != nil {
			logging.PoolWarn("[%s] cannot watch unit %d source %s: %v", wf.ID(), d.ID, path, err)
		}
	}
}

// runWorkflow runs one workflow to completion and releases what it held.
func (p *Pool) runWorkflow(ctx context.Context, br *batchRun, wf *workflow.Workflow, sess unit.Session) {
	var out workflow.Outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				logging.PoolError("[%s] workflow panicked: %v", wf.ID(), r)
				out = wf.Outcome()
				out.WorkflowID = wf.ID()
				out.BatchID = br.batch.ID()
				out.Username = wf.Credential().Username
				out.Status = workflow.StatusFailed
				out.Message = fmt.Sprintf("workflow panicked: %v", r)
				out.FinishedAt = time.Now()
			}
		}()
		out = wf.Run(ctx)
	}()

	if p.opts.Watcher != nil {
		p.opts.Watcher.Unregister(wf)
	}
	cred := wf.Credential()
	p.releaseSession(ctx, br, cred, br.batch.Launch.KeepSessions)
	p.releaseCredential(cred)

	br.mu.Lock()
	br.running--
	br.mu.Unlock()
	p.record(ctx, br, out)
}

func (p *Pool) releaseSession(ctx context.Context, br *batchRun, cred unit.Credential, keep bool) {
	if keep {
		br.mu.Lock()
		br.held = append(br.held, heldSession{cred: cred})
		br.mu.Unlock()
		logging.Pool("Batch %d: keeping session of %s open", br.batch.No, cred)
		return
	}
	err := p.opts.Sessions.Release(context.WithoutCancel(ctx), cred, br.batch.ID())
	if err != nil {
		logging.PoolWarn("Batch %d: release session of %s: %v", br.batch.No, cred, err)
	}
	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditSessionRelease,
		BatchNo: br.batch.No,
		Target:  cred.String(),
		Success: err == nil,
		Message: errString(err),
	})
}

func (p *Pool) releaseCredential(cred unit.Credential) {
	if cred.Empty() {
		return
	}
	p.mu.Lock()
	delete(p.active, cred.Username)
	p.mu.Unlock()
}

// abandon counts credentials that were never launched as failed.
func (p *Pool) abandon(ctx context.Context, br *batchRun, rest []unit.Credential) {
	br.mu.Lock()
	br.state = BatchCancelled
	br.mu.Unlock()
	logging.PoolWarn("Batch %d: launch stopped, %d credential(s) not launched", br.batch.No, len(rest))
	now := time.Now()
	for _, cred := range rest {
		p.record(ctx, br, workflow.Outcome{
			BatchID:    br.batch.ID(),
			Username:   cred.Username,
			Status:     workflow.StatusFailed,
			Message:    cancelledBeforeLaunch,
			StartedAt:  now,
			FinishedAt: now,
		})
	}
}

// record updates counters and persists one outcome.
func (p *Pool) record(ctx context.Context, br *batchRun, out workflow.Outcome) {
	br.mu.Lock()
	if out.Succeeded() {
		br.succeeded++
	} else {
		br.failed++
	}
	br.outcomes = append(br.outcomes, out)
	br.mu.Unlock()

	if out.Succeeded() {
		logging.Pool("Batch %d: %s succeeded: %s", br.batch.No, out.Username, out.Message)
	} else {
		logging.PoolWarn("Batch %d: %s %s: %s", br.batch.No, out.Username, out.Status, out.Message)
	}
	if p.opts.Sink != nil {
		if err := p.opts.Sink.RecordOutcome(context.WithoutCancel(ctx), br.batch.No, out); err != nil {
			logging.PoolWarn("Batch %d: failed to record outcome: %v", br.batch.No, err)
		}
	}
}

// ReleaseHeld closes the sessions a finished batch kept open.
func (p *Pool) ReleaseHeld(ctx context.Context, no int) (int, error) {
	br, err := p.batch(no)
	if err != nil {
		return 0, err
	}
	br.mu.Lock()
	held := br.held
	br.held = nil
	br.mu.Unlock()

	var errs []error
	for _, h := range held {
		if err := p.opts.Sessions.Release(ctx, h.cred, br.batch.ID()); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", h.cred, err))
		}
	}
	return len(held), errors.Join(errs...)
}

func (p *Pool) batch(no int) (*batchRun, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	br, ok := p.batches[no]
	if !ok {
		return nil, fmt.Errorf("batch %d: %w", no, ErrUnknownTarget)
	}
	return br, nil
}

// Status returns the state of batch no.
func (p *Pool) Status(no int) (BatchStatus, error) {
	br, err := p.batch(no)
	if err != nil {
		return BatchStatus{}, err
	}
	return br.status(), nil
}

// Batches lists every known batch ordered by number.
func (p *Pool) Batches() []BatchStatus {
	p.mu.RLock()
	runs := make([]*batchRun, 0, len(p.batches))
	for _, br := range p.batches {
		runs = append(runs, br)
	}
	p.mu.RUnlock()

	out := make([]BatchStatus, 0, len(runs))
	for _, br := range runs {
		out = append(out, br.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].No < out[j].No })
	return out
}

// Workflow returns a workflow by id.
func (p *Pool) Workflow(id string) (*workflow.Workflow, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	wf, ok := p.workflows[id]
	return wf, ok
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
