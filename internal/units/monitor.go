package units

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"coursepilot/internal/logging"
	"coursepilot/internal/unit"
)

const (
	defaultPollInterval = 10 * time.Second
	onExpiredRelogin    = "relogin"
	onExpiredStop       = "stop"
)

// PollMonitor watches a progress element until it shows done_text.
//
// When the element shows expired_text the behaviour depends on the
// on_expired param. "relogin" (the default) fails the run with the page
// text and continues, so the workflow's re-authentication trigger can match
// it; "stop" returns unit.ErrSessionExpired. The total number of polls is
// carried across hot swaps.
type PollMonitor struct {
	mu     sync.Mutex
	polls  int
	paused string
}

func (m *PollMonitor) Role() unit.Role { return unit.RoleMonitor }

func (m *PollMonitor) Run(ctx context.Context, env *unit.Env) (bool, error) {
	opts := unit.MonitorOptions{PollInterval: defaultPollInterval}
	if err := decode(env, NameMonitor, &opts); err != nil {
		return false, err
	}
	if opts.ProgressSelector == "" {
		return false, fmt.Errorf("%s: progress_selector is required", NameMonitor)
	}
	if env.Session == nil {
		return false, errNoSession
	}
	onExpired := env.Params.String("on_expired", onExpiredRelogin)
	if onExpired != onExpiredRelogin && onExpired != onExpiredStop {
		return false, fmt.Errorf("%s: on_expired must be %q or %q, got %q", NameMonitor, onExpiredRelogin, onExpiredStop, onExpired)
	}

	for n := 0; opts.MaxPolls == 0 || n < opts.MaxPolls; n++ {
		if err := env.Checkpoint(ctx); err != nil {
			return false, err
		}
		text, err := env.Session.Text(ctx, opts.ProgressSelector)
		total := m.count()
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			logging.WorkflowDebug("[%s] unit %d poll %d: %v", env.WorkflowID, env.UnitID, total, err)
		} else {
			text = strings.TrimSpace(text)
			env.Output("progress", text)
			env.Output("polls", total)
			switch {
			case opts.ExpiredText != "" && strings.Contains(text, opts.ExpiredText):
				if onExpired == onExpiredStop {
					return false, unit.ErrSessionExpired
				}
				env.Fail(text)
				return true, nil
			case opts.DoneText != "" && strings.Contains(text, opts.DoneText):
				env.Succeed("finished: " + text)
				return true, nil
			}
		}
		if err := env.Wait(ctx, opts.PollInterval); err != nil {
			if errors.Is(err, unit.ErrTerminated) {
				env.Fail(fmt.Sprintf("terminated after %d polls", total))
			}
			return false, err
		}
	}

	env.Fail(fmt.Sprintf("gave up after %d polls", opts.MaxPolls))
	return false, nil
}

func (m *PollMonitor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.polls++
	return m.polls
}

// Polls returns how many polls this monitor and its predecessors made.
func (m *PollMonitor) Polls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls
}

func (m *PollMonitor) Pause(reason string) {
	m.mu.Lock()
	m.paused = reason
	m.mu.Unlock()
	logging.WorkflowDebug("poll-monitor paused: %s", reason)
}

func (m *PollMonitor) Resume(reason string) {
	m.mu.Lock()
	m.paused = ""
	m.mu.Unlock()
	logging.WorkflowDebug("poll-monitor resumed: %s", reason)
}

// PauseReason returns the reason of the pending pause, if any.
func (m *PollMonitor) PauseReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused
}

func (m *PollMonitor) Terminate(reason string, _ bool) {
	logging.WorkflowDebug("poll-monitor terminated: %s", reason)
}

func (m *PollMonitor) CarryState() map[string]any {
	return map[string]any{"polls": m.Polls()}
}

func (m *PollMonitor) RestoreState(state map[string]any) {
	n, ok := state["polls"].(int)
	if !ok {
		return
	}
	m.mu.Lock()
	m.polls = n
	m.mu.Unlock()
}

func (m *PollMonitor) Cleanup() {
	m.mu.Lock()
	m.paused = ""
	m.mu.Unlock()
}
