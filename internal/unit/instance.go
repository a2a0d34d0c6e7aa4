package unit

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// Origin records where an instance's implementation came from.
type Origin struct {
	TypeName string
	Source   string
	ModTime  time.Time
	Key      string
}

// Instance is a live unit bound to one workflow. It owns the lifecycle
// state, the result record, and the command table built from the unit's
// capabilities at construction.
type Instance struct {
	Descriptor Descriptor
	Origin     Origin

	bundle   Bundle
	ctl      *Control
	commands map[Command]func(reason string)

	mu     sync.Mutex
	result Result
	runs   int
}

// NewInstance wraps a bundle for the given descriptor.
func NewInstance(d Descriptor, b Bundle, origin Origin) *Instance {
	inst := &Instance{
		Descriptor: d,
		Origin:     origin,
		bundle:     b,
		ctl:        newControl(),
		commands:   map[Command]func(string){},
	}
	if b.Pauser != nil {
		inst.commands[CommandPause] = func(reason string) {
			b.Pauser.Pause(reason)
			inst.ctl.pause()
		}
	}
	if b.Resumer != nil {
		inst.commands[CommandResume] = func(reason string) {
			b.Resumer.Resume(reason)
			inst.ctl.resume()
		}
	}
	if b.Terminator != nil {
		inst.commands[CommandTerminate] = func(reason string) {
			b.Terminator.Terminate(reason, true)
			inst.ctl.terminate()
		}
	}
	return inst
}

// ID returns the descriptor id.
func (i *Instance) ID() int { return i.Descriptor.ID }

// Unit returns the wrapped implementation.
func (i *Instance) Unit() Unit { return i.bundle.Unit }

// Role returns the role the implementation declares.
func (i *Instance) Role() Role { return i.bundle.Unit.Role() }

// State returns the lifecycle state.
func (i *Instance) State() State { return i.ctl.State() }

// Supports reports whether cmd is in the command table.
func (i *Instance) Supports(cmd Command) bool {
	_, ok := i.commands[cmd]
	return ok
}

// Commands lists the supported commands.
func (i *Instance) Commands() []Command { return i.bundle.Commands() }

// Result returns a copy of the last result record.
func (i *Instance) Result() Result {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.result.clone()
}

// Runs returns how many times Run has been invoked on this instance.
func (i *Instance) Runs() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.runs
}

// RunInput carries the per-step values the engine hands to a unit.
type RunInput struct {
	WorkflowID string
	Credential Credential
	Session    Session
	Shared     *Shared
}

// Run invokes the unit once. Panics are converted to errors. The result
// record is reset at the start of every run and never touched by Cleanup.
func (i *Instance) Run(ctx context.Context, in RunInput) (cont bool, err error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	i.mu.Lock()
	i.result = Result{}
	i.runs++
	i.mu.Unlock()

	if !i.ctl.begin(cancel) {
		i.ctl.finish(StateFailed)
		return false, ErrTerminated
	}

	env := &Env{
		WorkflowID: in.WorkflowID,
		UnitID:     i.ID(),
		Credential: in.Credential,
		Session:    in.Session,
		Params:     i.Descriptor.Params,
		shared:     in.Shared,
		ctl:        i.ctl,
	}
	var res Result
	env.result = &res

	defer func() {
		if r := recover(); r != nil {
			cont = false
			err = fmt.Errorf("unit %d panicked: %v\n%s", i.ID(), r, debug.Stack())
		}
		i.mu.Lock()
		i.result = res
		if err != nil && i.result.Message == "" {
			i.result.Message = err.Error()
		}
		i.mu.Unlock()
		if err != nil && !errors.Is(err, ErrSessionExpired) {
			i.ctl.finish(StateFailed)
		} else {
			i.ctl.finish(StateCompleted)
		}
	}()

	return i.bundle.Unit.Run(runCtx, env)
}

// Cleanup calls the unit's Cleanup and resets transient control flags.
// It is safe to call at any time, including before the first Run.
func (i *Instance) Cleanup() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit %d cleanup panicked: %v", i.ID(), r)
		}
		i.ctl.reset()
	}()
	i.bundle.Unit.Cleanup()
	return nil
}

// Pause routes a pause request to the unit.
func (i *Instance) Pause(reason string) error {
	return i.dispatch(CommandPause, reason)
}

// Resume routes a resume request to the unit.
func (i *Instance) Resume(reason string) error {
	return i.dispatch(CommandResume, reason)
}

// Terminate routes a termination request. Only units implementing
// Terminator can be asked; the run context is cancelled after the unit's
// own handler returns so blocking session calls unwind too.
func (i *Instance) Terminate(reason string, stopWorkflow bool) error {
	if i.bundle.Terminator == nil {
		return fmt.Errorf("%s on unit %d: %w", CommandTerminate, i.ID(), ErrUnsupported)
	}
	i.bundle.Terminator.Terminate(reason, stopWorkflow)
	i.ctl.terminate()
	return nil
}

// Command dispatches any control command by name.
func (i *Instance) Command(cmd Command, reason string) error {
	if cmd == CommandTerminate {
		return i.Terminate(reason, true)
	}
	return i.dispatch(cmd, reason)
}

func (i *Instance) dispatch(cmd Command, reason string) error {
	fn, ok := i.commands[cmd]
	if !ok {
		return fmt.Errorf("%s on unit %d: %w", cmd, i.ID(), ErrUnsupported)
	}
	fn(reason)
	return nil
}

// CarryTo copies declared carry-over state into next. A panic in either
// unit's carry hook is returned as an error and next keeps its fresh state.
func (i *Instance) CarryTo(next *Instance) (err error) {
	if i.bundle.Carrier == nil || next.bundle.Carrier == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("carry state of unit %d panicked: %v", i.ID(), r)
		}
	}()
	if state := i.bundle.Carrier.CarryState(); len(state) > 0 {
		next.bundle.Carrier.RestoreState(state)
	}
	return nil
}
