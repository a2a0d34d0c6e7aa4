// Package browser provides the Chrome-backed session manager: one isolated
// incognito context per credential, driven through go-rod.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"coursepilot/internal/logging"
	"coursepilot/internal/unit"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

// ErrSessionHeld is returned when a credential already holds a session in
// the same batch.
var ErrSessionHeld = errors.New("session already held")

// Config holds browser configuration.
type Config struct {
	DebuggerURL         string   `json:"debugger_url"`
	Launch              []string `json:"launch"`
	Headless            bool     `json:"headless"`
	ViewportWidth       int      `json:"viewport_width"`
	ViewportHeight      int      `json:"viewport_height"`
	NavigationTimeoutMs int      `json:"navigation_timeout_ms"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            true,
		ViewportWidth:       1920,
		ViewportHeight:      1080,
		NavigationTimeoutMs: 30000,
	}
}

// GetViewportWidth returns viewport width.
func (c Config) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1920
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c Config) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 1080
	}
	return c.ViewportHeight
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// Info describes one held session.
type Info struct {
	ID        string    `json:"id"`
	BatchID   string    `json:"batch_id"`
	Username  string    `json:"username,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type sessionRecord struct {
	meta    Info
	context *rod.Browser // incognito context owning the page
	session *PageSession
}

// SessionManager owns the Chrome instance and the per-credential contexts.
type SessionManager struct {
	cfg        Config
	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord // by sessionKey
	controlURL string
}

// NewSessionManager creates a new session manager. Chrome is started or
// attached lazily on the first Acquire.
func NewSessionManager(cfg Config) *SessionManager {
	return &SessionManager{
		cfg:      cfg,
		sessions: make(map[string]*sessionRecord),
	}
}

func sessionKey(batchID string, cred unit.Credential) string {
	return batchID + "/" + cred.Username
}

// splitFlag turns "--name=value" into its parts.
func splitFlag(raw string) (flags.Flag, string, bool) {
	name, val, hasVal := strings.Cut(strings.TrimLeft(raw, "-"), "=")
	return flags.Flag(name), val, hasVal
}

// Start connects to an existing Chrome or launches a new one.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserWarn("Stale browser connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		m.sessions = make(map[string]*sessionRecord)
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(m.cfg.Headless)
		for _, raw := range m.cfg.Launch[1:] {
			name, val, hasVal := splitFlag(raw)
			if hasVal {
				launch = launch.Set(name, val)
			} else {
				launch = launch.Set(name)
			}
		}
		url, err := launch.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome %s: %w", bin, err)
		}
		controlURL = url
	}
	if controlURL == "" {
		url, err := launcher.New().Headless(m.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(context.WithoutCancel(ctx))
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	m.browser = browser
	m.controlURL = controlURL
	logging.Browser("Connected to Chrome at %s", controlURL)
	return nil
}

func (m *SessionManager) ensureStarted(ctx context.Context) error {
	m.mu.RLock()
	if m.browser != nil {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()
	return m.Start(ctx)
}

// ControlURL returns the WebSocket debugger URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// Acquire opens an isolated incognito context and page for cred.
func (m *SessionManager) Acquire(ctx context.Context, cred unit.Credential, batchID string, sc unit.SessionConfig) (unit.Session, error) {
	if err := m.ensureStarted(ctx); err != nil {
		return nil, err
	}
	key := sessionKey(batchID, cred)

	m.mu.Lock()
	if _, held := m.sessions[key]; held {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", key, ErrSessionHeld)
	}
	browser := m.browser
	// Reserve the key so concurrent acquires for the same credential fail.
	m.sessions[key] = &sessionRecord{}
	m.mu.Unlock()

	rec, err := m.open(ctx, browser, cred, batchID, sc)
	m.mu.Lock()
	if err != nil {
		delete(m.sessions, key)
	} else {
		m.sessions[key] = rec
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	logging.Browser("Session %s opened for %s in %s", rec.meta.ID, cred, batchID)
	return rec.session, nil
}

func (m *SessionManager) open(ctx context.Context, browser *rod.Browser, cred unit.Credential, batchID string, sc unit.SessionConfig) (*sessionRecord, error) {
	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	width, height := m.cfg.GetViewportWidth(), m.cfg.GetViewportHeight()
	if sc.ViewportWidth > 0 && sc.ViewportHeight > 0 {
		width, height = sc.ViewportWidth, sc.ViewportHeight
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		logging.BrowserWarn("Failed to set viewport: %v", err)
	}
	if sc.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: sc.UserAgent}); err != nil {
			logging.BrowserWarn("Failed to set user agent: %v", err)
		}
	}

	session := &PageSession{
		id:         uuid.NewString(),
		page:       page,
		navTimeout: m.cfg.NavigationTimeout(),
	}
	if sc.StartURL != "" {
		if err := session.Navigate(ctx, sc.StartURL); err != nil {
			_ = incognito.Close()
			return nil, fmt.Errorf("open start url: %w", err)
		}
	}

	return &sessionRecord{
		meta: Info{
			ID:        session.id,
			BatchID:   batchID,
			Username:  cred.Username,
			TargetID:  string(page.TargetID),
			CreatedAt: time.Now(),
		},
		context: incognito,
		session: session,
	}, nil
}

// Release closes the context held by cred in batchID. Releasing an unknown
// session is not an error.
func (m *SessionManager) Release(_ context.Context, cred unit.Credential, batchID string) error {
	key := sessionKey(batchID, cred)
	m.mu.Lock()
	rec, ok := m.sessions[key]
	if ok && rec.session != nil {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok || rec.session == nil {
		return nil
	}

	rec.session.close()
	if err := rec.context.Close(); err != nil {
		return fmt.Errorf("close context %s: %w", key, err)
	}
	logging.Browser("Session %s released", rec.meta.ID)
	return nil
}

// IsAlive reports whether s is a session of this manager whose page still
// answers.
func (m *SessionManager) IsAlive(s unit.Session) bool {
	ps, ok := s.(*PageSession)
	if !ok || ps.closed() {
		return false
	}
	if _, err := ps.page.Timeout(5 * time.Second).Info(); err != nil {
		logging.BrowserDebug("Session %s not alive: %v", ps.id, err)
		return false
	}
	return true
}

// List returns metadata for all held sessions.
func (m *SessionManager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, rec := range m.sessions {
		if rec.session != nil {
			out = append(out, rec.meta)
		}
	}
	return out
}

// Shutdown closes every held context and the browser.
func (m *SessionManager) Shutdown(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, rec := range m.sessions {
		if rec.session != nil {
			rec.session.close()
			_ = rec.context.Close()
		}
		delete(m.sessions, key)
	}
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.controlURL = ""
	return err
}
