package workflow

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"coursepilot/internal/loader"
	"coursepilot/internal/unit"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scriptUnit runs a closure; it supports no optional commands.
type scriptUnit struct {
	role unit.Role
	run  func(ctx context.Context, env *unit.Env) (bool, error)
}

func (s *scriptUnit) Role() unit.Role { return s.role }
func (s *scriptUnit) Run(ctx context.Context, env *unit.Env) (bool, error) {
	return s.run(ctx, env)
}
func (s *scriptUnit) Cleanup() {}

// stoppableUnit adds Terminate.
type stoppableUnit struct {
	scriptUnit
	terminations atomic.Int32
}

func (s *stoppableUnit) Terminate(string, bool) { s.terminations.Add(1) }

// pausableUnit adds Pause and Resume.
type pausableUnit struct{ scriptUnit }

func (p *pausableUnit) Pause(string)  {}
func (p *pausableUnit) Resume(string) {}

// countingUnit carries its run counter across hot swaps.
type countingUnit struct {
	scriptUnit
	total int
}

func (c *countingUnit) Run(_ context.Context, env *unit.Env) (bool, error) {
	c.total++
	env.Output("total", c.total)
	env.Succeed("counted")
	return true, nil
}

func (c *countingUnit) CarryState() map[string]any { return map[string]any{"total": c.total} }
func (c *countingUnit) RestoreState(s map[string]any) {
	if n, ok := s["total"].(int); ok {
		c.total = n
	}
}

func succeed(msg string) func(context.Context, *unit.Env) (bool, error) {
	return func(_ context.Context, env *unit.Env) (bool, error) {
		env.Succeed(msg)
		return true, nil
	}
}

func simple(role unit.Role, msg string) func() unit.Unit {
	return func() unit.Unit { return &scriptUnit{role: role, run: succeed(msg)} }
}

// fakeBuilder resolves descriptor sources to factories.
type fakeBuilder struct {
	mu        sync.Mutex
	factories map[string]func() unit.Unit
	errs      map[string]error
	builds    map[string]int
}

func newFakeBuilder() *fakeBuilder {
	return &fakeBuilder{
		factories: map[string]func() unit.Unit{},
		errs:      map[string]error{},
		builds:    map[string]int{},
	}
}

func (b *fakeBuilder) set(source string, f func() unit.Unit) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[source] = f
	delete(b.errs, source)
}

func (b *fakeBuilder) fail(source string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errs[source] = err
}

func (b *fakeBuilder) Build(_ context.Context, d unit.Descriptor) (*unit.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.errs[d.Source]; err != nil {
		return nil, err
	}
	f, ok := b.factories[d.Source]
	if !ok {
		return nil, fmt.Errorf("%s: %w", d.Source, loader.ErrMissingSource)
	}
	b.builds[d.Source]++
	return unit.NewInstance(d, unit.Bind(f()), unit.Origin{
		TypeName: d.Source,
		Source:   d.Source,
		Key:      fmt.Sprintf("%s#%d", d.Source, b.builds[d.Source]),
	}), nil
}

// courseGraph is login(1) -> enter course(2) -> monitor(3), with the
// monitor eligible to re-authenticate at unit 1.
func courseGraph() *Template {
	return &Template{
		ID:    "course",
		Start: 1,
		Units: []unit.Descriptor{
			{ID: 1, Role: unit.RoleLogin, Source: "login", Next: unit.Ref(2)},
			{ID: 2, Role: unit.RoleEnterCourse, Source: "course", Next: unit.Ref(3), Prev: unit.Ref(1)},
			{ID: 3, Role: unit.RoleMonitor, Source: "monitor", Prev: unit.Ref(2), ReloginTarget: unit.Ref(1), HotReload: true},
		},
	}
}

func courseBuilder() *fakeBuilder {
	b := newFakeBuilder()
	b.set("login", simple(unit.RoleLogin, "logged in"))
	b.set("course", simple(unit.RoleEnterCourse, "entered"))
	b.set("monitor", simple(unit.RoleMonitor, "finished"))
	return b
}

var reauthPolicy = Policy{Triggers: []string{"please log in"}, MaxReauth: 1}
