package main

import (
	"context"
	"errors"
	"fmt"

	"coursepilot/internal/browser"
	"coursepilot/internal/config"
	"coursepilot/internal/loader"
	"coursepilot/internal/logging"
	"coursepilot/internal/pool"
	"coursepilot/internal/store"
	"coursepilot/internal/tracing"
	"coursepilot/internal/units"
	"coursepilot/internal/watcher"
	"coursepilot/internal/workflow"

	"github.com/traefik/yaegi/interp"
	"go.uber.org/zap"
)

// The loader drops cached types once no workflow watches their source.
var _ watcher.Forgetter = (*loader.Loader)(nil)

// app is the wired engine shared by run and serve.
type app struct {
	cfg      *config.Config
	loader   *loader.Loader
	watcher  *watcher.Watcher
	sessions *browser.SessionManager
	store    *store.Store
	pool     *pool.Pool

	shutdownTracing func(context.Context) error
}

func newLoader(c *config.Config) (*loader.Loader, error) {
	reg := loader.NewRegistry()
	if err := units.Register(reg); err != nil {
		return nil, err
	}
	return loader.New(loader.Options{
		BaseDir:      workspace,
		DepsDir:      c.Loader.DepsDir,
		ManifestName: c.Loader.ManifestName,
		Debounce:     c.GetDebounce(),
		Interpreter:  &loader.YaegiInterpreter{Use: []interp.Exports{loader.Symbols}},
		Installer:    &loader.GoModInstaller{GoBinary: c.Loader.GoBinary},
		Registry:     reg,
	}), nil
}

func browserConfig(c *config.Config) browser.Config {
	return browser.Config{
		DebuggerURL:         c.Browser.DebuggerURL,
		Launch:              c.Browser.Launch,
		Headless:            c.Browser.Headless,
		ViewportWidth:       c.Browser.ViewportWidth,
		ViewportHeight:      c.Browser.ViewportHeight,
		NavigationTimeoutMs: c.Browser.NavigationTimeoutMs,
	}
}

// batchDefaults maps the engine section onto per-batch defaults.
func batchDefaults(c *config.Config) pool.Defaults {
	return pool.Defaults{
		Launch: pool.Launch{
			LoginInterval: c.GetLoginInterval(),
			KeepSessions:  c.Engine.KeepSessions,
		},
		Reauth: workflow.Policy{
			Triggers:  c.Engine.ReauthTriggers,
			MaxReauth: c.Engine.MaxReauth,
		},
	}
}

func newApp(ctx context.Context, c *config.Config) (*app, error) {
	timer := logging.StartTimer(logging.CategoryBoot, "wire engine")
	defer timer.Stop()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Settings{
		Enabled:  c.Tracing.Enabled,
		Endpoint: c.Tracing.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a := &app{cfg: c, shutdownTracing: shutdownTracing}

	if a.loader, err = newLoader(c); err != nil {
		a.close(ctx)
		return nil, err
	}
	if a.watcher, err = watcher.New(a.loader, c.GetDebounce()); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("watcher: %w", err)
	}
	if a.store, err = store.Open(c.Store.DatabasePath); err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("store: %w", err)
	}
	a.sessions = browser.NewSessionManager(browserConfig(c))

	a.pool, err = pool.New(pool.Options{
		Sessions:       a.sessions,
		Builder:        a.loader,
		Watcher:        a.watcher,
		Resolve:        a.loader.Resolve,
		Sink:           a.store,
		MaxConcurrency: c.Engine.MaxConcurrency,
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.watcher.Start(ctx)
	logging.Boot("Engine wired: store %s, builtins %v", c.Store.DatabasePath, a.loader.Registry().Names())
	logger.Debug("engine wired", zap.String("store", c.Store.DatabasePath))
	return a, nil
}

func (a *app) close(ctx context.Context) {
	var errs []error
	if a.watcher != nil {
		a.watcher.Stop()
	}
	if a.sessions != nil {
		errs = append(errs, a.sessions.Shutdown(ctx))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.shutdownTracing != nil {
		errs = append(errs, a.shutdownTracing(ctx))
	}
	if err := errors.Join(errs...); err != nil {
		logging.BootWarn("Shutdown: %v", err)
	}
}
