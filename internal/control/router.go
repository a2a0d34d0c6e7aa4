// Package control exposes the operator surface over HTTP: pause, resume and
// terminate addressed to a batch or a workflow, plus read-only views of
// batches, workflows and the outcome ledger.
package control

import (
	"context"

	"coursepilot/internal/pool"
	"coursepilot/internal/store"
	"coursepilot/internal/unit"
	"coursepilot/internal/workflow"

	"github.com/go-chi/chi/v5"
)

// Pool is the part of the session pool the control surface drives.
type Pool interface {
	Start(ctx context.Context, b *pool.Batch) error
	Command(cmd unit.Command, target pool.Target, reason string) ([]pool.CommandResult, error)
	Status(no int) (pool.BatchStatus, error)
	Batches() []pool.BatchStatus
	Workflow(id string) (*workflow.Workflow, bool)
	ReleaseHeld(ctx context.Context, no int) (int, error)
}

// Ledger is the read side of the store. It may be nil, in which case the
// outcome and batch-start routes answer 503.
type Ledger interface {
	LoadBatch(ctx context.Context, no int) (*pool.Batch, error)
	LastRun(ctx context.Context, no int) (pool.BatchStatus, error)
	Outcomes(ctx context.Context, f store.OutcomeFilter) ([]workflow.Outcome, error)
}

// NewRouter creates the chi router with all routes and middleware. Batches
// started over HTTP run on runCtx rather than the request context.
func NewRouter(runCtx context.Context, p Pool, ledger Ledger, apiKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger)
	r.Use(Recovery)

	h := &handler{runCtx: runCtx, pool: p, ledger: ledger}

	r.Get("/health", h.Health)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(apiKey))

		r.Route("/batches", func(r chi.Router) {
			r.Get("/", h.ListBatches)
			r.Get("/{no}", h.GetBatch)
			r.Post("/{no}/start", h.StartBatch)
			r.Post("/{no}/release", h.ReleaseHeld)
			r.Post("/{no}/{command}", h.BatchCommand)
		})

		r.Route("/workflows", func(r chi.Router) {
			r.Get("/{id}", h.GetWorkflow)
			r.Post("/{id}/{command}", h.WorkflowCommand)
		})

		r.Get("/outcomes", h.Outcomes)
	})

	return r
}
