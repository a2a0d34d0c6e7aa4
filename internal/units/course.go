package units

import (
	"context"
	"fmt"
	"time"

	"coursepilot/internal/unit"
)

// OpenCourse navigates to a course page. The URL comes from the url param
// or, failing that, from "course_url" in the shared context so an earlier
// unit can pick the course.
type OpenCourse struct{}

func (OpenCourse) Role() unit.Role { return unit.RoleEnterCourse }

func (OpenCourse) Run(ctx context.Context, env *unit.Env) (bool, error) {
	var opts unit.CourseOptions
	if err := decode(env, NameCourse, &opts); err != nil {
		return false, err
	}
	if env.Session == nil {
		return false, errNoSession
	}
	url := opts.URL
	if url == "" {
		url = env.String("course_url")
	}
	if url == "" {
		env.Fail("no course url configured")
		return false, nil
	}

	if err := env.Session.Navigate(ctx, url); err != nil {
		return false, fmt.Errorf("open course: %w", err)
	}
	if opts.EntrySelector != "" {
		if err := env.Session.Click(ctx, opts.EntrySelector); err != nil {
			return false, fmt.Errorf("enter course: %w", err)
		}
	}
	if opts.ReadySelector != "" {
		timeout := env.Params.Duration("timeout", 30*time.Second)
		ok, err := waitVisible(ctx, env, opts.ReadySelector, timeout, loginPoll)
		if err != nil {
			return false, err
		}
		if !ok {
			env.Fail("course page never became ready: " + opts.ReadySelector)
			return false, nil
		}
	}

	env.Output("course_url", url)
	env.Succeed("entered course " + url)
	return true, nil
}

func (OpenCourse) Cleanup() {}
