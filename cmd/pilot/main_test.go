package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"coursepilot/internal/config"
	"coursepilot/internal/control"
	"coursepilot/internal/pool"
	"coursepilot/internal/unit"
	"coursepilot/internal/workflow"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// setupCLI points the package globals at a throwaway workspace.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prevCfg, prevLogger, prevWorkspace := cfg, logger, workspace
	t.Cleanup(func() { cfg, logger, workspace = prevCfg, prevLogger, prevWorkspace })

	workspace = dir
	logger = zap.NewNop()
	cfg = config.DefaultConfig()
	cfg.Resolve(dir)
	return dir
}

func testCommand(out *bytes.Buffer) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetOut(out)
	cmd.SetContext(context.Background())
	return cmd
}

func writeBatch(t *testing.T, dir string) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "course.yaml"), []byte(`
id: course
start: 1
units:
  - {id: 1, role: login, source: builtin:noop, next: 2}
  - {id: 2, role: generic, source: builtin:noop}
`), 0644))
	path := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
no: 4
template: course.yaml
credentials:
  - alice s3cret
  - bob hunter2
  - alice again
`), 0644))
	return path
}

func TestLogSettings(t *testing.T) {
	got := logSettings(config.LoggingConfig{
		DebugMode:  true,
		Level:      "warn",
		JSONFormat: true,
		Categories: map[string]bool{"pool": true},
	})
	assert.True(t, got.DebugMode)
	assert.Equal(t, "warn", got.Level)
	assert.True(t, got.JSONFormat)
	assert.Equal(t, map[string]bool{"pool": true}, got.Categories)
}

func TestBatchDefaults(t *testing.T) {
	c := config.DefaultConfig()
	c.Engine.KeepSessions = true
	c.Engine.MaxReauth = 5

	def := batchDefaults(c)
	assert.Equal(t, 5*time.Second, def.Launch.LoginInterval)
	assert.True(t, def.Launch.KeepSessions)
	assert.Equal(t, 5, def.Reauth.MaxReauth)
	assert.Equal(t, c.Engine.ReauthTriggers, def.Reauth.Triggers)
}

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, pool.BatchStatus{
		No:        3,
		Template:  "course",
		State:     pool.BatchCompleted,
		Total:     2,
		Succeeded: 1,
		Failed:    1,
		Held:      1,
		Outcomes: []workflow.Outcome{
			{WorkflowID: "batch3-course-aa", Username: "alice", Status: workflow.StatusSucceeded, Executed: []int{1, 2}, Message: "done"},
			{WorkflowID: "batch3-course-bb", Status: workflow.StatusFailed, Reauths: 2, Message: "re-auth limit"},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "Batch 3 (course) completed: 1/2 succeeded, 1 failed, 1 session(s) held")
	assert.Contains(t, out, "WORKFLOW")
	assert.Contains(t, out, "1,2")
	assert.Contains(t, out, "re-auth limit")
	assert.Regexp(t, `batch3-course-bb\s+-\s+failed\s+2`, out)
}

func TestPrintCommand(t *testing.T) {
	var buf bytes.Buffer
	printCommand(&buf, &control.CommandResponse{
		Command: unit.CommandPause,
		Target:  "batch 2",
		Results: []pool.CommandResult{
			{WorkflowID: "w1", Unit: 3, Delivered: true},
			{WorkflowID: "w2", Unit: 1, Unsupported: true},
			{WorkflowID: "w3", Finished: true},
		},
	})
	out := buf.String()
	assert.Contains(t, out, "pause -> batch 2: 3 workflow(s)")
	assert.Regexp(t, `w1\s+3\s+delivered`, out)
	assert.Contains(t, out, "unsupported (no-op)")
	assert.Contains(t, out, "already finished")

	buf.Reset()
	printCommand(&buf, &control.CommandResponse{Command: unit.CommandTerminate, Target: "w9"})
	assert.Equal(t, "terminate -> w9: 0 workflow(s)\n", buf.String())
}

func TestCtlClient(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq control.CommandRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/batches/5":
			_ = json.NewEncoder(w).Encode(pool.BatchStatus{No: 5, State: pool.BatchRunning, Total: 2, Running: 2})
		case r.Method == http.MethodPost:
			_ = json.NewDecoder(r.Body).Decode(&gotReq)
			_ = json.NewEncoder(w).Encode(control.CommandResponse{
				Command: unit.CommandTerminate,
				Target:  "batch 5",
				Results: []pool.CommandResult{{WorkflowID: "w1", Unit: 2, Delivered: true}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "unknown batch"})
		}
	}))
	defer srv.Close()

	// Scheme is optional.
	client := newCtlClient(srv.Listener.Addr().String(), "k", time.Second)
	ctx := context.Background()

	st, err := client.Status(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, pool.BatchRunning, st.State)
	assert.Equal(t, "Bearer k", gotAuth)

	resp, err := client.Command(ctx, unit.CommandTerminate, pool.Target{BatchNo: 5}, "maintenance")
	require.NoError(t, err)
	assert.Equal(t, "/batches/5/terminate", gotPath)
	assert.Equal(t, "maintenance", gotReq.Reason)
	want := []pool.CommandResult{{WorkflowID: "w1", Unit: 2, Delivered: true}}
	if diff := cmp.Diff(want, resp.Results); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}

	_, err = client.Command(ctx, unit.CommandPause, pool.Target{BatchNo: 5, WorkflowID: "w1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "/workflows/w1/pause", gotPath)

	_, err = client.Status(ctx, 9)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown batch")
}

func TestRunCtlRequiresTarget(t *testing.T) {
	setupCLI(t)
	ctlBatch, ctlWorkflow = 0, ""
	var buf bytes.Buffer
	err := runCtl(testCommand(&buf), []string{"pause"})
	assert.ErrorContains(t, err, "--batch or --workflow")
}

func TestStoreImportAndList(t *testing.T) {
	dir := setupCLI(t)
	path := writeBatch(t, dir)

	var buf bytes.Buffer
	require.NoError(t, storeImport(testCommand(&buf), []string{path}))
	assert.Contains(t, buf.String(), "Imported batch 4 (template course, 2 credential(s))")

	buf.Reset()
	require.NoError(t, storeList(testCommand(&buf), nil))
	assert.Regexp(t, `4\s+course\s+2`, buf.String())

	buf.Reset()
	outcomeBatch, outcomeStatus, outcomeLimit = 4, "", 10
	require.NoError(t, storeOutcomes(testCommand(&buf), nil))
	assert.Equal(t, "No outcomes recorded\n", buf.String())
}

func TestStoreListEmpty(t *testing.T) {
	setupCLI(t)
	var buf bytes.Buffer
	require.NoError(t, storeList(testCommand(&buf), nil))
	assert.Equal(t, "No batches stored\n", buf.String())
}

func TestStoreImportRejectsBadBatch(t *testing.T) {
	dir := setupCLI(t)
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("no: 1\n"), 0644))

	var buf bytes.Buffer
	err := storeImport(testCommand(&buf), []string{bad})
	assert.ErrorIs(t, err, workflow.ErrConfig)
}

func TestUnitCheck(t *testing.T) {
	setupCLI(t)
	var buf bytes.Buffer

	unitRole = "generic"
	require.NoError(t, unitCheck(testCommand(&buf), []string{"builtin:noop"}))
	assert.Contains(t, buf.String(), "*units.Noop")
	assert.Contains(t, buf.String(), "commands: none")

	buf.Reset()
	unitRole = "monitor"
	require.NoError(t, unitCheck(testCommand(&buf), []string{"builtin:poll-monitor"}))
	assert.Contains(t, buf.String(), "pause, resume, terminate")

	buf.Reset()
	err := unitCheck(testCommand(&buf), []string{"builtin:login-form"})
	require.Error(t, err)
	assert.Contains(t, buf.String(), "candidate: *units.LoginForm(login)")

	unitRole = "bogus"
	assert.Error(t, unitCheck(testCommand(&buf), []string{"builtin:noop"}))
}

func TestUnitCheckRoleHelpListsRoles(t *testing.T) {
	usage := unitCheckCmd.Flags().Lookup("role").Usage
	for _, r := range unit.Roles() {
		assert.Contains(t, usage, string(r))
	}
}
