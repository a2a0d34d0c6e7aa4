package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"coursepilot/internal/unit"
	"coursepilot/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, sessions *fakeSessions, b builder, mutate ...func(*Options)) *Pool {
	t.Helper()
	opts := Options{Sessions: sessions, Builder: b}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	return p
}

func TestBatchConcurrencyCapAndStagger(t *testing.T) {
	const interval = 60 * time.Millisecond
	var running, peak atomic.Int32

	sessions := newFakeSessions()
	p := newTestPool(t, sessions, builder{"monitor": func() unit.Unit {
		return &funcUnit{run: func(ctx context.Context, env *unit.Env) (bool, error) {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			defer running.Add(-1)
			select {
			case <-time.After(150 * time.Millisecond):
			case <-ctx.Done():
				return false, ctx.Err()
			}
			env.Succeed("watched")
			return true, nil
		}}
	}})

	st, err := p.Run(context.Background(), &Batch{
		No:          1,
		Template:    singleUnit("monitor", false),
		Credentials: creds("alice", "bob", "carol"),
		Launch:      Launch{Concurrency: 2, LoginInterval: interval},
	})
	require.NoError(t, err)

	assert.Equal(t, BatchCompleted, st.State)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 3, st.Succeeded)
	assert.Equal(t, 0, st.Running)
	assert.LessOrEqual(t, peak.Load(), int32(2))

	calls := sessions.acquisitions()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"alice", "bob", "carol"}, []string{calls[0].username, calls[1].username, calls[2].username})
	assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), interval)
	assert.GreaterOrEqual(t, calls[2].at.Sub(calls[1].at), interval)
	assert.ElementsMatch(t, []string{"alice", "bob", "carol"}, sessions.releases())
}

func TestCommandUnsupportedLeavesWorkflowRunning(t *testing.T) {
	release := make(chan struct{})
	sessions := newFakeSessions()
	p := newTestPool(t, sessions, builder{"monitor": blocking(release)})

	require.NoError(t, p.Start(context.Background(), &Batch{
		No:          2,
		Template:    singleUnit("monitor", false),
		Credentials: creds("alice"),
	}))

	var id string
	require.Eventually(t, func() bool {
		st, err := p.Status(2)
		if err != nil || len(st.Workflows) == 0 {
			return false
		}
		id = st.Workflows[0]
		wf, _ := p.Workflow(id)
		return wf.Snapshot().Status == workflow.StatusRunning
	}, time.Second, 5*time.Millisecond)

	wf, ok := p.Workflow(id)
	require.True(t, ok)
	before := wf.Snapshot()

	results, err := p.Command(unit.CommandTerminate, Target{WorkflowID: id}, "stop please")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Unsupported)
	assert.False(t, results[0].Delivered)
	assert.Equal(t, 1, results[0].Unit)

	after := wf.Snapshot()
	assert.Equal(t, workflow.StatusRunning, after.Status)
	assert.Equal(t, before.Cursor, after.Cursor)
	assert.Equal(t, before.CursorState, after.CursorState)

	close(release)
	st, err := p.Wait(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Succeeded)
}

func TestTerminateBatchStopsLaunching(t *testing.T) {
	sessions := newFakeSessions()
	sink := &fakeSink{}
	p := newTestPool(t, sessions, builder{"monitor": terminable}, func(o *Options) { o.Sink = sink })

	require.NoError(t, p.Start(context.Background(), &Batch{
		No:          3,
		Template:    singleUnit("monitor", false),
		Credentials: creds("alice", "bob", "carol"),
		Launch:      Launch{LoginInterval: 5 * time.Second},
	}))

	require.Eventually(t, func() bool {
		st, _ := p.Status(3)
		return st.Running == 1
	}, time.Second, 5*time.Millisecond)

	results, err := p.Command(unit.CommandTerminate, Target{BatchNo: 3}, "maintenance")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Delivered)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := p.Wait(ctx, 3)
	require.NoError(t, err)

	assert.Equal(t, BatchCancelled, st.State)
	assert.Equal(t, 0, st.Succeeded)
	assert.Equal(t, 3, st.Failed)
	assert.Len(t, sessions.acquisitions(), 1)

	var notLaunched, stopped int
	for _, o := range st.Outcomes {
		switch {
		case o.Message == cancelledBeforeLaunch:
			notLaunched++
		case o.Status == workflow.StatusStopped:
			stopped++
			assert.Contains(t, o.Message, "maintenance")
		}
	}
	assert.Equal(t, 2, notLaunched)
	assert.Equal(t, 1, stopped)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.outcomes[3], 3)
	require.Len(t, sink.batches, 1)
	assert.Equal(t, BatchCancelled, sink.batches[0].State)
}

func TestCancelledContextCountsUnlaunched(t *testing.T) {
	sessions := newFakeSessions()
	p := newTestPool(t, sessions, builder{"monitor": succeeding})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx, &Batch{
		No:          4,
		Template:    singleUnit("monitor", false),
		Credentials: creds("alice", "bob"),
		Launch:      Launch{LoginInterval: 5 * time.Second},
	}))
	require.Eventually(t, func() bool {
		st, _ := p.Status(4)
		return st.Succeeded == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	st, err := p.Wait(context.Background(), 4)
	require.NoError(t, err)
	assert.Equal(t, BatchCancelled, st.State)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.Failed)
}

func TestCredentiallessBatchRunsOnce(t *testing.T) {
	sessions := newFakeSessions()
	p := newTestPool(t, sessions, builder{"monitor": succeeding})

	st, err := p.Run(context.Background(), &Batch{
		No:       5,
		Template: singleUnit("monitor", false),
		Launch:   Launch{Concurrency: 4, LoginInterval: time.Hour},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Succeeded)
	calls := sessions.acquisitions()
	require.Len(t, calls, 1)
	assert.Empty(t, calls[0].username)
	require.Len(t, st.Outcomes, 1)
	assert.Regexp(t, `^batch5-course-[0-9a-f]{8}$`, st.Outcomes[0].WorkflowID)
}

func TestDuplicateCredentialsRunOnce(t *testing.T) {
	sessions := newFakeSessions()
	p := newTestPool(t, sessions, builder{"monitor": succeeding})

	st, err := p.Run(context.Background(), &Batch{
		No:          6,
		Template:    singleUnit("monitor", false),
		Credentials: creds("alice", "bob", "alice"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.Succeeded)
	assert.Len(t, sessions.acquisitions(), 2)
}

func TestAcquireFailureCountsAsFailed(t *testing.T) {
	sessions := newFakeSessions()
	sessions.fail["bob"] = errLoginRejected
	p := newTestPool(t, sessions, builder{"monitor": succeeding})

	st, err := p.Run(context.Background(), &Batch{
		No:          7,
		Template:    singleUnit("monitor", false),
		Credentials: creds("alice", "bob"),
	})
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, st.State)
	assert.Equal(t, 1, st.Succeeded)
	assert.Equal(t, 1, st.Failed)

	for _, o := range st.Outcomes {
		if o.Username == "bob" {
			assert.ErrorIs(t, o.Err, errLoginRejected)
			assert.Contains(t, o.Message, "acquire session")
		}
	}
	assert.Equal(t, []string{"alice"}, sessions.releases())
}

func TestMissingSourceFailsOneWorkflow(t *testing.T) {
	sessions := newFakeSessions()
	p := newTestPool(t, sessions, builder{})

	st, err := p.Run(context.Background(), &Batch{
		No:          8,
		Template:    singleUnit("monitor", false),
		Credentials: creds("alice"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failed)
	assert.Empty(t, st.Workflows)
	assert.Equal(t, []string{"alice"}, sessions.releases())
}

func TestKeepSessionsHoldsUntilReleased(t *testing.T) {
	sessions := newFakeSessions()
	p := newTestPool(t, sessions, builder{"monitor": succeeding})

	st, err := p.Run(context.Background(), &Batch{
		No:          9,
		Template:    singleUnit("monitor", false),
		Credentials: creds("alice", "bob"),
		Launch:      Launch{KeepSessions: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, st.Held)
	assert.Empty(t, sessions.releases())

	n, err := p.ReleaseHeld(context.Background(), 9)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"alice", "bob"}, sessions.releases())

	st, err = p.Status(9)
	require.NoError(t, err)
	assert.Zero(t, st.Held)
}

func TestHotReloadUnitsAreRegistered(t *testing.T) {
	sessions := newFakeSessions()
	reg := &fakeRegistrar{}
	p := newTestPool(t, sessions, builder{"units/monitor.go": succeeding}, func(o *Options) {
		o.Watcher = reg
		o.Resolve = func(s string) string { return "/work/" + s }
	})

	st, err := p.Run(context.Background(), &Batch{
		No:          10,
		Template:    singleUnit("units/monitor.go", true),
		Credentials: creds("alice"),
	})
	require.NoError(t, err)
	require.Len(t, st.Workflows, 1)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	require.Len(t, reg.registered, 1)
	assert.Equal(t, registration{path: "/work/units/monitor.go", unitID: 1, target: st.Workflows[0]}, reg.registered[0])
	assert.Equal(t, []string{st.Workflows[0]}, reg.unregistered)
}

func TestStartRejectsInvalidBatch(t *testing.T) {
	p := newTestPool(t, newFakeSessions(), builder{"monitor": succeeding})

	err := p.Start(context.Background(), &Batch{No: 1, Template: singleUnit("monitor", false), Reauth: workflow.Policy{MaxReauth: -1}})
	assert.ErrorIs(t, err, workflow.ErrConfig)

	err = p.Start(context.Background(), &Batch{No: 0, Template: singleUnit("monitor", false)})
	assert.ErrorIs(t, err, workflow.ErrConfig)

	err = p.Start(context.Background(), &Batch{No: 1, Template: &workflow.Template{ID: "x"}})
	assert.ErrorIs(t, err, workflow.ErrConfig)

	assert.Empty(t, p.Batches())
}

func TestBatchNumberReuse(t *testing.T) {
	release := make(chan struct{})
	p := newTestPool(t, newFakeSessions(), builder{"monitor": blocking(release)})
	b := &Batch{No: 11, Template: singleUnit("monitor", false), Credentials: creds("alice")}

	require.NoError(t, p.Start(context.Background(), b))
	assert.ErrorIs(t, p.Start(context.Background(), b), ErrBatchActive)

	close(release)
	_, err := p.Wait(context.Background(), 11)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), b))
	_, err = p.Wait(context.Background(), 11)
	require.NoError(t, err)
}

func TestCommandUnknownTarget(t *testing.T) {
	p := newTestPool(t, newFakeSessions(), builder{})

	_, err := p.Command(unit.CommandPause, Target{WorkflowID: "nope"}, "")
	assert.ErrorIs(t, err, ErrUnknownTarget)
	_, err = p.Command(unit.CommandPause, Target{BatchNo: 42}, "")
	assert.ErrorIs(t, err, ErrUnknownTarget)
	_, err = p.Status(42)
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Builder: builder{}})
	assert.Error(t, err)
	_, err = New(Options{Sessions: newFakeSessions()})
	assert.Error(t, err)
}

func TestTerminateDuringAcquireDoesNotLaunch(t *testing.T) {
	sessions := newFakeSessions()
	sessions.gate = make(chan struct{})
	sessions.entered = make(chan string, 1)
	p := newTestPool(t, sessions, builder{"monitor": succeeding})

	require.NoError(t, p.Start(context.Background(), &Batch{
		No:          9,
		Template:    singleUnit("monitor", false),
		Credentials: creds("alice"),
	}))

	select {
	case name := <-sessions.entered:
		require.Equal(t, "alice", name)
	case <-time.After(time.Second):
		t.Fatal("session was never requested")
	}

	results, err := p.Command(unit.CommandTerminate, Target{BatchNo: 9}, "maintenance")
	require.NoError(t, err)
	assert.Empty(t, results)
	close(sessions.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := p.Wait(ctx, 9)
	require.NoError(t, err)

	assert.Equal(t, BatchCancelled, st.State)
	assert.Equal(t, 0, st.Succeeded)
	assert.Equal(t, 1, st.Failed)
	assert.Equal(t, 0, st.Running)
	assert.Empty(t, st.Workflows)
	require.Len(t, st.Outcomes, 1)
	assert.Equal(t, cancelledBeforeLaunch, st.Outcomes[0].Message)
	assert.Equal(t, []string{"alice"}, sessions.releases())

	// The credential is free again.
	sessions.gate = nil
	st, err = p.Run(context.Background(), &Batch{
		No:          10,
		Template:    singleUnit("monitor", false),
		Credentials: creds("alice"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, st.Succeeded)
}
