package pool

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coursepilot/internal/unit"
	"coursepilot/internal/workflow"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCredentials(t *testing.T) {
	got, err := ParseCredentials([]string{
		"alice s3cret",
		"",
		"# seasonal staff",
		"  bob\thunter2  ",
	})
	require.NoError(t, err)
	want := []unit.Credential{{Username: "alice", Password: "s3cret"}, {Username: "bob", Password: "hunter2"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("credentials mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"alice", "alice pw extra"} {
		_, err := ParseCredentials([]string{"ok pw", bad})
		var ce *workflow.ConfigError
		require.ErrorAs(t, err, &ce, bad)
		assert.Equal(t, "credentials[1]", ce.Field)
	}
}

func TestDedup(t *testing.T) {
	in := []unit.Credential{
		{Username: "alice", Password: "first"},
		{Username: "bob", Password: "b"},
		{Username: "alice", Password: "second"},
	}
	got := Dedup(in)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Password)
	assert.Equal(t, "bob", got[1].Username)
}

func TestLoadBatchFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "course.yaml"), []byte(`
id: course
start: 1
units:
  - id: 1
    role: login
    source: builtin:login-form
`), 0644))
	path := filepath.Join(dir, "batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
no: 12
template: course.yaml
credentials:
  - alice s3cret
  - bob hunter2
launch:
  concurrency: 2
  login_interval: 3s
session:
  start_url: https://lms.example.test
`), 0644))

	def := Defaults{
		Launch: Launch{LoginInterval: time.Second},
		Reauth: workflow.Policy{Triggers: []string{"please log in"}, MaxReauth: 2},
	}
	b, err := LoadBatchFile(path, def)
	require.NoError(t, err)
	assert.Equal(t, 12, b.No)
	assert.Equal(t, "batch12", b.ID())
	assert.Equal(t, "course", b.Template.ID)
	assert.Len(t, b.Credentials, 2)
	assert.Equal(t, Launch{Concurrency: 2, LoginInterval: 3 * time.Second}, b.Launch)
	assert.Equal(t, def.Reauth, b.Reauth)
	assert.Equal(t, "https://lms.example.test", b.Session.StartURL)
}

func TestLoadBatchFileRelativeToWorkingDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "batches", "units"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "batches", "units", "monitor.go"), []byte("package units\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "batches", "course.yaml"), []byte(`
id: course
start: 1
units:
  - {id: 1, role: monitor, source: units/monitor.go, hot_reload: true}
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "batches", "b.yaml"), []byte("no: 3\ntemplate: course.yaml\n"), 0644))
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	b, err := LoadBatchFile(filepath.Join("batches", "b.yaml"), Defaults{})
	require.NoError(t, err)
	src := b.Template.Units[0].Source
	assert.True(t, filepath.IsAbs(src), src)
	assert.True(t, strings.HasSuffix(src, filepath.Join("batches", "units", "monitor.go")), src)
	_, err = os.Stat(src)
	assert.NoError(t, err)
}

func TestLoadBatchFileErrors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0644))
		return p
	}
	write("course.yaml", "id: course\nstart: 1\nunits:\n  - {id: 1, role: login, source: builtin:noop}\n")

	_, err := LoadBatchFile(write("no-template.yaml", "no: 1\n"), Defaults{})
	assert.ErrorIs(t, err, workflow.ErrConfig)

	_, err = LoadBatchFile(write("bad-cred.yaml", "no: 1\ntemplate: course.yaml\ncredentials: [alice]\n"), Defaults{})
	assert.ErrorIs(t, err, workflow.ErrConfig)

	_, err = LoadBatchFile(write("bad-no.yaml", "no: 0\ntemplate: course.yaml\n"), Defaults{})
	assert.ErrorIs(t, err, workflow.ErrConfig)

	_, err = LoadBatchFile(filepath.Join(dir, "absent.yaml"), Defaults{})
	assert.Error(t, err)
}
