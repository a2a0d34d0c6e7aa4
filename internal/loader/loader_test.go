package loader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"coursepilot/internal/unit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubUnit struct{ role unit.Role }

func (s *stubUnit) Role() unit.Role                              { return s.role }
func (s *stubUnit) Run(context.Context, *unit.Env) (bool, error) { return true, nil }
func (s *stubUnit) Cleanup()                                     {}

type stoppableUnit struct{ stubUnit }

func (s *stoppableUnit) Terminate(string, bool) {}

func candidate(name string, role unit.Role) Candidate {
	return Candidate{Name: name, New: func() unit.Bundle { return unit.Bind(&stubUnit{role: role}) }}
}

type fakeInterpreter struct {
	mu    sync.Mutex
	calls int
	cands map[string][]Candidate
	err   error
}

func (f *fakeInterpreter) Interpret(_ context.Context, src Source) ([]Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]Candidate, len(f.cands[src.Path]))
	copy(out, f.cands[src.Path])
	return out, nil
}

func (f *fakeInterpreter) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeInstaller struct {
	mu    sync.Mutex
	calls int
	got   []Requirement
	err   error
}

func (f *fakeInstaller) Install(_ context.Context, reqs []Requirement, gopath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.got = append(f.got, reqs...)
	return f.err
}

func writeSource(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("package units\n"), 0644))
	return path
}

func newTestLoader(t *testing.T, interp *fakeInterpreter, inst *fakeInstaller) (*Loader, string) {
	t.Helper()
	dir := t.TempDir()
	l := New(Options{
		BaseDir:     dir,
		DepsDir:     filepath.Join(dir, ".deps"),
		Debounce:    500 * time.Millisecond,
		Interpreter: interp,
		Installer:   inst,
	})
	return l, dir
}

func TestLoadCachesByPathAndModTime(t *testing.T) {
	interp := &fakeInterpreter{cands: map[string][]Candidate{}}
	inst := &fakeInstaller{}
	l, dir := newTestLoader(t, interp, inst)

	path := writeSource(t, dir, "login.go")
	interp.cands[path] = []Candidate{candidate("Login", unit.RoleLogin)}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deps.txt"), []byte("example.com/mod==v1.0.0\n"), 0644))

	typ, err := l.Load(context.Background(), "login.go", unit.RoleLogin)
	require.NoError(t, err)
	assert.Equal(t, "Login", typ.Name)
	assert.Equal(t, unit.RoleLogin, typ.Role)

	_, err = l.Load(context.Background(), "login.go", unit.RoleLogin)
	require.NoError(t, err)
	assert.Equal(t, 1, interp.Calls(), "unchanged file must not be re-interpreted")
	assert.Equal(t, 1, inst.calls, "unchanged file must not reinstall")

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	typ2, err := l.Load(context.Background(), "login.go", unit.RoleLogin)
	require.NoError(t, err)
	_, err = l.Load(context.Background(), "login.go", unit.RoleLogin)
	require.NoError(t, err)
	assert.Equal(t, 2, interp.Calls(), "new mtime forces exactly one reload")
	assert.Equal(t, 1, inst.calls, "same manifest is installed once")
	assert.NotEqual(t, typ.Key, typ2.Key)

	st := l.Stats()
	assert.Equal(t, 2, st.Loads)
	assert.Equal(t, 2, st.Hits)
	assert.Equal(t, 1, st.Installs)
}

func TestLoadReinstallsWhenManifestChanges(t *testing.T) {
	interp := &fakeInterpreter{cands: map[string][]Candidate{}}
	inst := &fakeInstaller{}
	l, dir := newTestLoader(t, interp, inst)

	path := writeSource(t, dir, "exam.go")
	interp.cands[path] = []Candidate{candidate("Exam", unit.RoleExam)}
	manifest := filepath.Join(dir, "deps.txt")
	require.NoError(t, os.WriteFile(manifest, []byte("example.com/a==v1.0.0\n"), 0644))

	_, err := l.Load(context.Background(), path, unit.RoleExam)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(manifest, []byte("example.com/a==v1.1.0\n"), 0644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	_, err = l.Load(context.Background(), path, unit.RoleExam)
	require.NoError(t, err)
	assert.Equal(t, 2, inst.calls)
	assert.Equal(t, []Requirement{
		{Module: "example.com/a", Version: "v1.0.0"},
		{Module: "example.com/a", Version: "v1.1.0"},
	}, inst.got)
}

func TestLoadWithoutManifestSkipsInstall(t *testing.T) {
	interp := &fakeInterpreter{cands: map[string][]Candidate{}}
	inst := &fakeInstaller{}
	l, dir := newTestLoader(t, interp, inst)
	path := writeSource(t, dir, "score.go")
	interp.cands[path] = []Candidate{candidate("Score", unit.RoleScore)}

	_, err := l.Load(context.Background(), path, unit.RoleScore)
	require.NoError(t, err)
	assert.Zero(t, inst.calls)
}

func TestLoadInstallFailure(t *testing.T) {
	interp := &fakeInterpreter{cands: map[string][]Candidate{}}
	inst := &fakeInstaller{err: errors.New("proxy unreachable")}
	l, dir := newTestLoader(t, interp, inst)
	path := writeSource(t, dir, "monitor.go")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deps.txt"), []byte("example.com/x==v0.1.0\n"), 0644))

	_, err := l.Load(context.Background(), path, unit.RoleMonitor)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstall)
	assert.Zero(t, interp.Calls())
	assert.Equal(t, 1, l.Stats().Failures)
}

func TestLoadCandidateSelection(t *testing.T) {
	interp := &fakeInterpreter{cands: map[string][]Candidate{}}
	l, dir := newTestLoader(t, interp, &fakeInstaller{})

	path := writeSource(t, dir, "mixed.go")
	interp.cands[path] = []Candidate{
		candidate("Login", unit.RoleLogin),
		candidate("Monitor", unit.RoleMonitor),
	}

	t.Run("single match", func(t *testing.T) {
		typ, err := l.Load(context.Background(), path, unit.RoleMonitor)
		require.NoError(t, err)
		assert.Equal(t, "Monitor", typ.Name)
	})

	t.Run("no match", func(t *testing.T) {
		_, err := l.Load(context.Background(), path, unit.RoleExam)
		var ce *CandidateError
		require.ErrorAs(t, err, &ce)
		assert.ErrorIs(t, err, ErrNoCandidate)
		assert.ElementsMatch(t, []string{"Login(login)", "Monitor(monitor)"}, ce.Candidates)
	})

	t.Run("generic is ambiguous", func(t *testing.T) {
		_, err := l.Load(context.Background(), path, unit.RoleGeneric)
		assert.ErrorIs(t, err, ErrAmbiguous)
		assert.Contains(t, err.Error(), "Login(login)")
	})

	assert.Equal(t, 1, interp.Calls())
}

func TestLoadEmptySourceReportsNoCandidates(t *testing.T) {
	interp := &fakeInterpreter{cands: map[string][]Candidate{}}
	l, dir := newTestLoader(t, interp, &fakeInstaller{})
	path := writeSource(t, dir, "empty.go")

	_, err := l.Load(context.Background(), path, unit.RoleLogin)
	require.ErrorIs(t, err, ErrNoCandidate)
	assert.Contains(t, err.Error(), "candidates: none")
}

func TestLoadMissingSource(t *testing.T) {
	l, _ := newTestLoader(t, &fakeInterpreter{}, &fakeInstaller{})
	_, err := l.Load(context.Background(), "gone.go", unit.RoleLogin)
	assert.ErrorIs(t, err, ErrMissingSource)
}

func TestLoadConcurrentMissesInterpretOnce(t *testing.T) {
	interp := &fakeInterpreter{cands: map[string][]Candidate{}}
	l, dir := newTestLoader(t, interp, &fakeInstaller{})
	path := writeSource(t, dir, "login.go")
	interp.cands[path] = []Candidate{candidate("Login", unit.RoleLogin)}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Load(context.Background(), path, unit.RoleLogin)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	// singleflight collapses simultaneous misses; late arrivals hit the cache.
	assert.Equal(t, 1, interp.Calls())
}

func TestBuildWiresCapabilities(t *testing.T) {
	interp := &fakeInterpreter{cands: map[string][]Candidate{}}
	l, dir := newTestLoader(t, interp, &fakeInstaller{})
	path := writeSource(t, dir, "monitor.go")
	interp.cands[path] = []Candidate{{
		Name: "Monitor",
		New: func() unit.Bundle {
			return unit.Bind(&stoppableUnit{stubUnit{role: unit.RoleMonitor}})
		},
	}}

	inst, err := l.Build(context.Background(), unit.Descriptor{ID: 3, Role: unit.RoleMonitor, Source: "monitor.go"})
	require.NoError(t, err)
	assert.Equal(t, 3, inst.ID())
	assert.Equal(t, "Monitor", inst.Origin.TypeName)
	assert.Equal(t, path, inst.Origin.Source)
	assert.True(t, inst.Supports(unit.CommandTerminate))
	assert.False(t, inst.Supports(unit.CommandPause))
}

func TestBuiltinSources(t *testing.T) {
	l, _ := newTestLoader(t, &fakeInterpreter{}, &fakeInstaller{})
	l.Registry().MustRegister("noop", func() unit.Unit { return &stubUnit{role: unit.RoleGeneric} })

	inst, err := l.Build(context.Background(), unit.Descriptor{ID: 1, Role: unit.RoleGeneric, Source: "builtin:noop"})
	require.NoError(t, err)
	assert.Equal(t, unit.RoleGeneric, inst.Role())
	assert.Equal(t, "builtin:noop", inst.Origin.Source)

	_, err = l.Load(context.Background(), "builtin:noop", unit.RoleLogin)
	assert.ErrorIs(t, err, ErrNoCandidate)

	_, err = l.Load(context.Background(), "builtin:missing", unit.RoleGeneric)
	assert.ErrorIs(t, err, ErrMissingSource)
}

func TestChangedHonoursIndexAndDebounce(t *testing.T) {
	interp := &fakeInterpreter{cands: map[string][]Candidate{}}
	l, dir := newTestLoader(t, interp, &fakeInstaller{})
	path := writeSource(t, dir, "login.go")
	interp.cands[path] = []Candidate{candidate("Login", unit.RoleLogin)}

	clock := time.Now()
	l.now = func() time.Time { return clock }

	_, err := l.Load(context.Background(), path, unit.RoleLogin)
	require.NoError(t, err)

	assert.False(t, l.Changed(path), "same mtime is a spurious event")

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, later, later))

	clock = clock.Add(100 * time.Millisecond)
	assert.False(t, l.Changed(path), "inside debounce window")

	clock = clock.Add(time.Second)
	assert.True(t, l.Changed(path))

	clock = clock.Add(100 * time.Millisecond)
	assert.False(t, l.Changed(path), "second event right after the first")

	l.Forget(path)
	assert.True(t, l.Changed(path), "unknown path counts as changed")
}
