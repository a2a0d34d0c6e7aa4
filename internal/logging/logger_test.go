package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLogs(t *testing.T, dir string, suffix string) string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(dir, ".pilot", "logs"))
	require.NoError(t, err)
	var b strings.Builder
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), suffix) {
			data, err := os.ReadFile(filepath.Join(dir, ".pilot", "logs", e.Name()))
			require.NoError(t, err)
			b.Write(data)
		}
	}
	return b.String()
}

func TestDisabledModeWritesNothing(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Settings{DebugMode: false}))
	t.Cleanup(CloseAll)

	Workflow("should not appear")
	_, err := os.Stat(filepath.Join(dir, ".pilot", "logs"))
	assert.True(t, os.IsNotExist(err))
}

func TestCategoryFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Settings{DebugMode: true, Level: "debug"}))
	t.Cleanup(CloseAll)

	Workflow("step %d done", 3)
	LoaderDebug("cache hit for %s", "login.go")
	Pool("batch %d started", 7)
	CloseAll()

	assert.Contains(t, readLogs(t, dir, "_workflow.log"), "step 3 done")
	assert.Contains(t, readLogs(t, dir, "_loader.log"), "cache hit for login.go")
	assert.Contains(t, readLogs(t, dir, "_pool.log"), "batch 7 started")
}

func TestCategoryFilterAndLevel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Settings{
		DebugMode:  true,
		Level:      "warn",
		Categories: map[string]bool{"browser": false},
	}))
	t.Cleanup(CloseAll)

	assert.False(t, IsCategoryEnabled(CategoryBrowser))
	assert.True(t, IsCategoryEnabled(CategoryWatcher))

	Watcher("info is filtered")
	WatcherWarn("warn is kept")
	BrowserError("category disabled")
	CloseAll()

	logs := readLogs(t, dir, "_watcher.log")
	assert.NotContains(t, logs, "info is filtered")
	assert.Contains(t, logs, "warn is kept")
	assert.Empty(t, readLogs(t, dir, "_browser.log"))
}

func TestJSONFormatAndWith(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Settings{DebugMode: true, JSONFormat: true}))
	t.Cleanup(CloseAll)

	Get(CategoryStore).With("batch", 4).Info("saved")
	CloseAll()

	logs := readLogs(t, dir, "_store.log")
	assert.Contains(t, logs, `"msg":"saved"`)
	assert.Contains(t, logs, `"batch":4`)
}

func TestAuditTrail(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Settings{DebugMode: true}))
	t.Cleanup(func() {
		CloseAudit()
		CloseAll()
	})

	Audit(AuditEvent{Type: AuditHotSwap, WorkflowID: "b1-t1-abc", UnitID: 2, Success: true, Message: "swapped"})
	CloseAudit()

	logs := readLogs(t, dir, "_audit.jsonl")
	assert.Contains(t, logs, `"event":"hot_swap"`)
	assert.Contains(t, logs, `"workflow":"b1-t1-abc"`)
	assert.Contains(t, logs, `"unit":2`)
}
