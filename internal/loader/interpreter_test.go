package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanSourceFindsUnitTypes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "units.go")
	require.NoError(t, os.WriteFile(path, []byte(`package units

type Login struct{}
func (l *Login) Role() string { return "login" }
func (l *Login) Run()         {}
func (l *Login) Cleanup()     {}
func (l *Login) Pause(string) {}

type Score struct{}
func (s Score) Role() string { return "score" }
func (s Score) Run()         {}
func (s Score) Cleanup()     {}

type halfDone struct{}
func (h *halfDone) Run() {}

type Alias = Login
`), 0644))

	decl, err := scanSource(path)
	require.NoError(t, err)
	assert.Equal(t, "units", decl.Package)
	assert.Equal(t, []string{"Login", "Score"}, decl.unitTypes())
	assert.True(t, decl.Methods["Login"]["Pause"])
}

func TestScanSourceSyntaxError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.go")
	require.NoError(t, os.WriteFile(path, []byte("package units\nfunc {"), 0644))
	_, err := scanSource(path)
	assert.Error(t, err)
}

func TestFactorySourceListsCapabilities(t *testing.T) {
	src := factorySource("Monitor", map[string]bool{
		"Role": true, "Run": true, "Cleanup": true,
		"Pause": true, "Terminate": true, "CarryState": true,
	})
	assert.Contains(t, src, "u := &unitsrc.Monitor{}")
	assert.Contains(t, src, "Pauser: u")
	assert.Contains(t, src, "Terminator: u")
	assert.NotContains(t, src, "Resumer")
	assert.NotContains(t, src, "Carrier", "CarryState without RestoreState is not a carrier")
}
