package units

import (
	"context"
	"fmt"
	"time"

	"coursepilot/internal/logging"
	"coursepilot/internal/unit"
)

const loginPoll = 250 * time.Millisecond

func defaultLoginOptions() unit.LoginOptions {
	return unit.LoginOptions{
		UsernameSelector: "input[name=username]",
		PasswordSelector: "input[name=password]",
		SubmitSelector:   "button[type=submit]",
		Timeout:          30 * time.Second,
	}
}

// LoginForm fills a username/password form with the workflow credential.
// When success_selector is set the unit waits for it before reporting
// success; a login that never shows it fails and stops the workflow.
type LoginForm struct{}

func (l *LoginForm) Role() unit.Role { return unit.RoleLogin }

func (l *LoginForm) Run(ctx context.Context, env *unit.Env) (bool, error) {
	opts := defaultLoginOptions()
	if err := decode(env, NameLogin, &opts); err != nil {
		return false, err
	}
	if env.Credential.Empty() {
		env.Fail("no credential bound to workflow")
		return false, nil
	}
	if env.Session == nil {
		return false, errNoSession
	}

	if opts.URL != "" {
		if err := env.Session.Navigate(ctx, opts.URL); err != nil {
			return false, fmt.Errorf("open login page: %w", err)
		}
	}
	if err := env.Checkpoint(ctx); err != nil {
		return false, err
	}
	if err := env.Session.Input(ctx, opts.UsernameSelector, env.Credential.Username); err != nil {
		return false, fmt.Errorf("fill username: %w", err)
	}
	if err := env.Session.Input(ctx, opts.PasswordSelector, env.Credential.Password); err != nil {
		return false, fmt.Errorf("fill password: %w", err)
	}
	if err := env.Session.Click(ctx, opts.SubmitSelector); err != nil {
		return false, fmt.Errorf("submit login: %w", err)
	}

	if opts.SuccessSelector != "" {
		ok, err := waitVisible(ctx, env, opts.SuccessSelector, opts.Timeout, loginPoll)
		if err != nil {
			return false, err
		}
		if !ok {
			env.Fail(fmt.Sprintf("login not confirmed for %s within %s", env.Credential, opts.Timeout))
			return false, nil
		}
	}

	env.Output("logged_in_as", env.Credential.Username)
	env.Succeed("logged in as " + env.Credential.Username)
	return true, nil
}

// Terminate lets an operator abandon a login stuck waiting for the success
// selector. The run context is cancelled by the engine.
func (l *LoginForm) Terminate(reason string, _ bool) {
	logging.WorkflowDebug("login-form terminated: %s", reason)
}

func (l *LoginForm) Cleanup() {}
