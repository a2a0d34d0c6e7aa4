package unit

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle state of a live unit instance.
type State string

const (
	StateReady     State = "ready"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateWaiting   State = "waiting"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Control holds the cooperative pause/terminate flags a running unit polls.
// The engine flips them; the unit observes them through Env.Checkpoint.
type Control struct {
	mu         sync.Mutex
	state      State
	terminated bool
	resumed    chan struct{}
	cancel     context.CancelFunc
}

func newControl() *Control {
	return &Control{state: StateReady}
}

// State returns the current lifecycle state.
func (c *Control) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Control) set(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// begin marks the start of a run. A pause that arrived before the run
// started is kept so the unit blocks at its first checkpoint.
func (c *Control) begin(cancel context.CancelFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel = cancel
	if c.terminated {
		return false
	}
	if c.state != StatePaused {
		c.state = StateRunning
	}
	return true
}

func (c *Control) finish(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	c.cancel = nil
}

// reset clears transient flags between runs.
func (c *Control) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.terminated = false
	if c.resumed != nil {
		close(c.resumed)
		c.resumed = nil
	}
	if c.state == StatePaused || c.state == StateWaiting || c.state == StateRunning {
		c.state = StateReady
	}
}

// pause arms the pause flag in any state. An instance that already ran and
// is the cursor again (after a relogin jump) blocks at its next checkpoint.
func (c *Control) pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StatePaused
	if c.resumed == nil {
		c.resumed = make(chan struct{})
	}
}

func (c *Control) resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StatePaused {
		c.state = StateRunning
	}
	if c.resumed != nil {
		close(c.resumed)
		c.resumed = nil
	}
}

func (c *Control) terminate() {
	c.mu.Lock()
	c.terminated = true
	cancel := c.cancel
	if c.resumed != nil {
		close(c.resumed)
		c.resumed = nil
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Terminated reports whether termination has been requested.
func (c *Control) Terminated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated
}

// Checkpoint blocks while paused and returns ErrTerminated once termination
// has been requested. Units call it between polls.
func (c *Control) Checkpoint(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.terminated {
			c.mu.Unlock()
			return ErrTerminated
		}
		if c.state != StatePaused {
			c.mu.Unlock()
			return ctx.Err()
		}
		wait := c.resumed
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Wait sleeps for d in the waiting state, still honouring pause and
// terminate requests.
func (c *Control) Wait(ctx context.Context, d time.Duration) error {
	if err := c.Checkpoint(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	if c.state == StateRunning {
		c.state = StateWaiting
	}
	c.mu.Unlock()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}

	c.mu.Lock()
	if c.state == StateWaiting {
		c.state = StateRunning
	}
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		if c.Terminated() {
			return ErrTerminated
		}
		return err
	}
	return c.Checkpoint(ctx)
}
