// Package loader resolves unit descriptors into live unit instances. File
// sources are interpreted with yaegi and cached per (path, modification
// time); "builtin:" sources resolve through a compiled-in registry.
package loader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"coursepilot/internal/logging"
	"coursepilot/internal/unit"

	"golang.org/x/sync/singleflight"
)

// Options configures a Loader.
type Options struct {
	// BaseDir resolves relative source paths.
	BaseDir string
	// DepsDir holds one isolated GOPATH per unit source.
	DepsDir string
	// ManifestName is the sibling dependency manifest file name.
	ManifestName string
	// Debounce ignores change notifications this close to the last one.
	Debounce time.Duration

	Interpreter Interpreter
	Installer   Installer
	Registry    *Registry
}

// Type is a resolved, instantiable unit implementation.
type Type struct {
	Name    string
	Role    unit.Role
	Path    string
	ModTime time.Time
	Key     string

	newFn func() unit.Bundle
}

// New constructs a fresh bundle of this type.
func (t *Type) New() unit.Bundle { return t.newFn() }

// Commands lists the control commands instances of this type support.
func (t *Type) Commands() []unit.Command { return t.newFn().Commands() }

// Stats tracks loader activity.
type Stats struct {
	Loads    int
	Hits     int
	Installs int
	Failures int
}

type cached struct {
	key        string
	modTime    time.Time
	candidates []Candidate
}

type revision struct {
	modTime  time.Time
	observed time.Time
}

// Loader resolves and caches unit implementations. It is safe for
// concurrent use by every workflow of a pool.
type Loader struct {
	opts Options

	mu    sync.RWMutex
	cache map[string]*cached   // by absolute path, latest revision only
	index map[string]*revision // modification-time index
	stats Stats
	group singleflight.Group

	now func() time.Time
}

// New creates a Loader.
func New(opts Options) *Loader {
	if opts.ManifestName == "" {
		opts.ManifestName = "deps.txt"
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Interpreter == nil {
		opts.Interpreter = &YaegiInterpreter{}
	}
	if opts.Installer == nil {
		opts.Installer = &GoModInstaller{}
	}
	return &Loader{
		opts:  opts,
		cache: map[string]*cached{},
		index: map[string]*revision{},
		now:   time.Now,
	}
}

// Registry returns the builtin registry.
func (l *Loader) Registry() *Registry { return l.opts.Registry }

// Stats returns a copy of the activity counters.
func (l *Loader) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// Resolve returns the absolute path a source reference names. Builtin
// references are returned unchanged.
func (l *Loader) Resolve(source string) string {
	if strings.HasPrefix(source, unit.BuiltinPrefix) || filepath.IsAbs(source) {
		return source
	}
	return filepath.Join(l.opts.BaseDir, source)
}

func cacheKey(path string, modTime time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", path, modTime.UnixNano())))
	return hex.EncodeToString(sum[:8])
}

func pathKey(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8])
}

// Load resolves the implementation of role in source.
func (l *Loader) Load(ctx context.Context, source string, role unit.Role) (*Type, error) {
	if strings.HasPrefix(source, unit.BuiltinPrefix) {
		return l.loadBuiltin(source, role)
	}

	path := l.Resolve(source)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", path, ErrMissingSource)
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	modTime := info.ModTime()
	key := cacheKey(path, modTime)

	l.mu.Lock()
	if c, ok := l.cache[path]; ok && c.key == key {
		l.stats.Hits++
		l.mu.Unlock()
		return selectType(path, role, c)
	}
	l.mu.Unlock()

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		l.mu.RLock()
		c, ok := l.cache[path]
		l.mu.RUnlock()
		if ok && c.key == key {
			return c, nil
		}
		return l.build(ctx, path, key, modTime)
	})
	if err != nil {
		l.mu.Lock()
		l.stats.Failures++
		l.mu.Unlock()
		return nil, err
	}
	return selectType(path, role, v.(*cached))
}

// build installs dependencies and interprets one revision of a source.
func (l *Loader) build(ctx context.Context, path, key string, modTime time.Time) (*cached, error) {
	timer := logging.StartTimer(logging.CategoryLoader, "load "+path)
	defer timer.StopWithThreshold(2 * time.Second)

	gopath, err := l.ensureDeps(ctx, path)
	if err != nil {
		return nil, err
	}

	cands, err := l.opts.Interpreter.Interpret(ctx, Source{Path: path, Key: key, GoPath: gopath})
	if err != nil {
		logging.LoaderError("Interpret %s failed: %v", path, err)
		return nil, err
	}
	for i := range cands {
		role, err := declaredRole(cands[i])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		cands[i].Role = role
	}

	c := &cached{key: key, modTime: modTime, candidates: cands}
	l.mu.Lock()
	l.cache[path] = c
	l.stats.Loads++
	rev, ok := l.index[path]
	if !ok {
		rev = &revision{}
		l.index[path] = rev
	}
	rev.modTime = modTime
	rev.observed = l.now()
	l.mu.Unlock()

	logging.Loader("Loaded %s (%d candidate types, key %s)", path, len(cands), key)
	return c, nil
}

// declaredRole instantiates a candidate once to read its declared role.
func declaredRole(c Candidate) (role unit.Role, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("constructing %s panicked: %v\n%s", c.Name, r, debug.Stack())
		}
	}()
	b := c.New()
	if b.Unit == nil {
		return "", fmt.Errorf("%s constructed a nil unit", c.Name)
	}
	role = b.Unit.Role()
	if !role.Valid() {
		return "", fmt.Errorf("%s declares unknown role %q", c.Name, role)
	}
	return role, nil
}

// ensureDeps installs the sibling manifest's requirements into the unit's
// isolated GOPATH unless the same manifest content is already installed.
func (l *Loader) ensureDeps(ctx context.Context, path string) (string, error) {
	gopath := filepath.Join(l.opts.DepsDir, pathKey(path))
	if !filepath.IsAbs(gopath) {
		abs, err := filepath.Abs(gopath)
		if err != nil {
			return "", err
		}
		gopath = abs
	}
	if err := os.MkdirAll(filepath.Join(gopath, "src"), 0755); err != nil {
		return "", fmt.Errorf("create deps dir: %w", err)
	}

	manifest, err := ReadManifest(filepath.Join(filepath.Dir(path), l.opts.ManifestName))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInstall, err)
	}
	if manifest == nil || len(manifest.Requirements) == 0 {
		return gopath, nil
	}

	marker := filepath.Join(gopath, ".installed")
	if data, err := os.ReadFile(marker); err == nil && strings.TrimSpace(string(data)) == manifest.Hash {
		logging.LoaderDebug("Dependencies for %s already installed", path)
		return gopath, nil
	}

	logging.Loader("Installing %d requirement(s) for %s", len(manifest.Requirements), path)
	if err := l.opts.Installer.Install(ctx, manifest.Requirements, gopath); err != nil {
		logging.LoaderError("Install for %s failed: %v", path, err)
		return "", fmt.Errorf("%s: %w: %v", path, ErrInstall, err)
	}
	if err := os.WriteFile(marker, []byte(manifest.Hash+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write install marker: %w", err)
	}
	l.mu.Lock()
	l.stats.Installs++
	l.mu.Unlock()
	return gopath, nil
}

func selectType(path string, role unit.Role, c *cached) (*Type, error) {
	var matches []Candidate
	names := make([]string, 0, len(c.candidates))
	for _, cand := range c.candidates {
		names = append(names, fmt.Sprintf("%s(%s)", cand.Name, cand.Role))
		if role.Accepts(cand.Role) {
			matches = append(matches, cand)
		}
	}
	switch len(matches) {
	case 1:
		m := matches[0]
		return &Type{Name: m.Name, Role: m.Role, Path: path, ModTime: c.modTime, Key: c.key, newFn: m.New}, nil
	case 0:
		return nil, &CandidateError{Path: path, Role: role, Candidates: names, Err: ErrNoCandidate}
	default:
		return nil, &CandidateError{Path: path, Role: role, Candidates: names, Err: ErrAmbiguous}
	}
}

func (l *Loader) loadBuiltin(source string, role unit.Role) (*Type, error) {
	factory, ok := l.opts.Registry.Lookup(source)
	if !ok {
		return nil, fmt.Errorf("%s: %w", source, ErrMissingSource)
	}
	u := factory()
	if !role.Accepts(u.Role()) {
		return nil, &CandidateError{
			Path:       source,
			Role:       role,
			Candidates: []string{fmt.Sprintf("%T(%s)", u, u.Role())},
			Err:        ErrNoCandidate,
		}
	}
	return &Type{
		Name:  fmt.Sprintf("%T", u),
		Role:  u.Role(),
		Path:  source,
		Key:   source,
		newFn: func() unit.Bundle { return unit.Bind(factory()) },
	}, nil
}

// Build resolves d and wraps a fresh instance of its type.
func (l *Loader) Build(ctx context.Context, d unit.Descriptor) (*unit.Instance, error) {
	t, err := l.Load(ctx, d.Source, d.Role)
	if err != nil {
		return nil, err
	}
	b, err := instantiate(t)
	if err != nil {
		return nil, err
	}
	return unit.NewInstance(d, b, unit.Origin{
		TypeName: t.Name,
		Source:   t.Path,
		ModTime:  t.ModTime,
		Key:      t.Key,
	}), nil
}

func instantiate(t *Type) (b unit.Bundle, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("constructing %s panicked: %v", t.Name, r)
		}
	}()
	return t.New(), nil
}

// Changed reports whether a filesystem event for source represents new
// content: the modification time must differ from the last load and the
// event must fall outside the debounce window of the previous one.
func (l *Loader) Changed(source string) bool {
	path := l.Resolve(source)
	info, err := os.Stat(path)
	if err != nil {
		// Editors often remove then recreate; the create event follows.
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rev, ok := l.index[path]
	if !ok {
		l.index[path] = &revision{modTime: info.ModTime(), observed: l.now()}
		return true
	}
	if info.ModTime().Equal(rev.modTime) {
		return false
	}
	now := l.now()
	if now.Sub(rev.observed) < l.opts.Debounce {
		return false
	}
	rev.observed = now
	return true
}

// Forget drops a source from the cache and the modification-time index.
func (l *Loader) Forget(source string) {
	path := l.Resolve(source)
	l.mu.Lock()
	delete(l.cache, path)
	delete(l.index, path)
	l.mu.Unlock()
}
