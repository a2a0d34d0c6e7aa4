// Package units holds the compiled-in units templates reference as
// "builtin:<name>". They cover the common shape of a course session: log in
// through a form, open the course, monitor playback until it finishes, sit
// the exam and read the score.
package units

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coursepilot/internal/loader"
	"coursepilot/internal/logging"
	"coursepilot/internal/unit"
)

// Builtin names.
const (
	NameLogin   = "login-form"
	NameCourse  = "open-course"
	NameMonitor = "poll-monitor"
	NameExam    = "submit-exam"
	NameScore   = "read-score"
	NameNoop    = "noop"
)

var errNoSession = errors.New("no browser session bound to workflow")

// Register installs every builtin into reg.
func Register(reg *loader.Registry) error {
	factories := map[string]loader.Factory{
		NameLogin:   func() unit.Unit { return &LoginForm{} },
		NameCourse:  func() unit.Unit { return &OpenCourse{} },
		NameMonitor: func() unit.Unit { return &PollMonitor{} },
		NameExam:    func() unit.Unit { return &SubmitExam{} },
		NameScore:   func() unit.Unit { return &ReadScore{} },
		NameNoop:    func() unit.Unit { return &Noop{} },
	}
	for name, f := range factories {
		if err := reg.Register(name, f); err != nil {
			return err
		}
	}
	return nil
}

// waitVisible polls selector until it is visible or timeout elapses.
// Session errors count as "not yet"; control errors are returned.
func waitVisible(ctx context.Context, env *unit.Env, selector string, timeout, interval time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := env.Session.Visible(ctx, selector)
		if err == nil && ok {
			return true, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			logging.WorkflowDebug("[%s] unit %d: %s not visible yet: %v", env.WorkflowID, env.UnitID, selector, err)
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := env.Wait(ctx, interval); err != nil {
			return false, err
		}
	}
}

func decode(env *unit.Env, name string, out any) error {
	if err := env.Params.Decode(out); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// Noop records a message and continues. Useful as a graph placeholder.
type Noop struct{}

func (Noop) Role() unit.Role { return unit.RoleGeneric }

func (Noop) Run(_ context.Context, env *unit.Env) (bool, error) {
	env.Succeed(env.Params.String("message", "ok"))
	return true, nil
}

func (Noop) Cleanup() {}
