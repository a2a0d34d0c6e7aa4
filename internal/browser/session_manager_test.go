package browser

import (
	"context"
	"testing"
	"time"

	"coursepilot/internal/unit"

	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	var zero Config
	assert.Equal(t, 1920, zero.GetViewportWidth())
	assert.Equal(t, 1080, zero.GetViewportHeight())
	assert.Equal(t, 30*time.Second, zero.NavigationTimeout())

	cfg := DefaultConfig()
	assert.True(t, cfg.Headless)
	cfg.NavigationTimeoutMs = 1500
	assert.Equal(t, 1500*time.Millisecond, cfg.NavigationTimeout())
}

func TestSplitFlag(t *testing.T) {
	name, val, ok := splitFlag("--window-size=800,600")
	assert.Equal(t, flags.Flag("window-size"), name)
	assert.Equal(t, "800,600", val)
	assert.True(t, ok)

	name, _, ok = splitFlag("--no-sandbox")
	assert.Equal(t, flags.Flag("no-sandbox"), name)
	assert.False(t, ok)
}

type foreignSession struct{ unit.Session }

func TestManagerWithoutBrowser(t *testing.T) {
	m := NewSessionManager(DefaultConfig())

	assert.False(t, m.IsAlive(foreignSession{}))
	assert.False(t, m.IsAlive(nil))
	require.NoError(t, m.Release(context.Background(), unit.Credential{Username: "alice"}, "batch1"))
	assert.Empty(t, m.List())
	assert.Empty(t, m.ControlURL())
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestClosedPageSessionRefusesWork(t *testing.T) {
	s := &PageSession{id: "s1"}
	s.close()

	err := s.Navigate(context.Background(), "https://lms.example.test")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Text(context.Background(), "h1")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Visible(context.Background(), "h1")
	assert.ErrorIs(t, err, ErrClosed)
}
