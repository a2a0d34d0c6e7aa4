package unit

import (
	"context"
	"sync"
	"time"
)

// Session is the opaque browser capability handed to every unit. The
// concrete implementation lives outside the engine.
type Session interface {
	ID() string
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Input(ctx context.Context, selector, text string) error
	Text(ctx context.Context, selector string) (string, error)
	Visible(ctx context.Context, selector string) (bool, error)
	Eval(ctx context.Context, js string) (any, error)
}

// SessionConfig is the per-batch browser configuration handed to the
// session manager when a workflow's session is acquired.
type SessionConfig struct {
	StartURL       string `yaml:"start_url,omitempty" json:"start_url,omitempty"`
	UserAgent      string `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
	ViewportWidth  int    `yaml:"viewport_width,omitempty" json:"viewport_width,omitempty"`
	ViewportHeight int    `yaml:"viewport_height,omitempty" json:"viewport_height,omitempty"`
}

// Result is the outcome record of one run of a unit.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Output  map[string]any `json:"output,omitempty"`
}

func (r Result) clone() Result {
	out := Result{Success: r.Success, Message: r.Message}
	if len(r.Output) > 0 {
		out.Output = make(map[string]any, len(r.Output))
		for k, v := range r.Output {
			out.Output[k] = v
		}
	}
	return out
}

// Shared is the workflow-wide context map. Producers append output data
// after each step; consumers read it in later steps.
type Shared struct {
	mu      sync.RWMutex
	values  map[string]any
	results map[int]Result
}

// NewShared returns an empty context map.
func NewShared() *Shared {
	return &Shared{values: map[string]any{}, results: map[int]Result{}}
}

// Get returns the value stored at key.
func (s *Shared) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value.
func (s *Shared) Set(key string, v any) {
	s.mu.Lock()
	s.values[key] = v
	s.mu.Unlock()
}

// Publish records a unit's result and merges its output data.
func (s *Shared) Publish(id int, r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = r.clone()
	for k, v := range r.Output {
		s.values[k] = v
	}
}

// ResultOf returns the last published result of unit id.
func (s *Shared) ResultOf(id int) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[id]
	return r.clone(), ok
}

// Snapshot copies the current values.
func (s *Shared) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Env is what a unit sees while it runs.
type Env struct {
	WorkflowID string
	UnitID     int
	Credential Credential
	Session    Session
	Params     Params

	shared *Shared
	ctl    *Control
	mu     sync.Mutex
	result *Result
}

// Value reads the shared context.
func (e *Env) Value(key string) (any, bool) {
	if e.shared == nil {
		return nil, false
	}
	return e.shared.Get(key)
}

// String reads a string from the shared context.
func (e *Env) String(key string) string {
	v, _ := e.Value(key)
	s, _ := v.(string)
	return s
}

// ResultOf reads a previous unit's result record.
func (e *Env) ResultOf(id int) (Result, bool) {
	if e.shared == nil {
		return Result{}, false
	}
	return e.shared.ResultOf(id)
}

// Output records one output-data entry for downstream units.
func (e *Env) Output(key string, v any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.result.Output == nil {
		e.result.Output = map[string]any{}
	}
	e.result.Output[key] = v
}

// Succeed marks the run successful with a message.
func (e *Env) Succeed(msg string) {
	e.mu.Lock()
	e.result.Success = true
	e.result.Message = msg
	e.mu.Unlock()
}

// Fail marks the run unsuccessful with a message. The message also feeds
// the re-authentication trigger check.
func (e *Env) Fail(msg string) {
	e.mu.Lock()
	e.result.Success = false
	e.result.Message = msg
	e.mu.Unlock()
}

// State returns the unit's lifecycle state.
func (e *Env) State() State { return e.ctl.State() }

// Checkpoint blocks while paused and reports termination.
func (e *Env) Checkpoint(ctx context.Context) error { return e.ctl.Checkpoint(ctx) }

// Wait sleeps in the waiting state while honouring control requests.
func (e *Env) Wait(ctx context.Context, d time.Duration) error { return e.ctl.Wait(ctx, d) }
