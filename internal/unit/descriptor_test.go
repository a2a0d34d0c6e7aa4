package unit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{
		"login":        RoleLogin,
		"enter-course": RoleEnterCourse,
		"ENTER_COURSE": RoleEnterCourse,
		" monitor ":    RoleMonitor,
		"generic":      RoleGeneric,
	} {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseRole("quiz")
	assert.Error(t, err)
}

func TestRoleAccepts(t *testing.T) {
	assert.True(t, RoleGeneric.Accepts(RoleLogin))
	assert.True(t, RoleLogin.Accepts(RoleLogin))
	assert.False(t, RoleLogin.Accepts(RoleMonitor))
}

func TestDescriptorYAML(t *testing.T) {
	src := `
id: 3
role: enter-course
source: units/course.go
next: 4
relogin_target: 1
hot_reload: true
params:
  url: https://example.test/course
`
	var d Descriptor
	require.NoError(t, yaml.Unmarshal([]byte(src), &d))
	assert.Equal(t, RoleEnterCourse, d.Role)
	require.NotNil(t, d.Next)
	assert.Equal(t, 4, *d.Next)
	assert.Nil(t, d.Prev)
	assert.True(t, d.ReloginEligible())
	assert.False(t, d.Builtin())
	assert.Equal(t, "https://example.test/course", d.Params.String("url", ""))
}

func TestParamsDecodeTypedOptions(t *testing.T) {
	p := Params{
		"progress_selector": "#bar",
		"done_text":         "100%",
		"poll_interval":     "250ms",
		"max_polls":         12,
		"unrelated":         true,
	}
	var opts MonitorOptions
	require.NoError(t, p.Decode(&opts))
	assert.Equal(t, "#bar", opts.ProgressSelector)
	assert.Equal(t, 250*time.Millisecond, opts.PollInterval)
	assert.Equal(t, 12, opts.MaxPolls)
}

func TestParamsAccessors(t *testing.T) {
	p := Params{"n": "7", "f": 2.0, "d": "2s", "secs": 3}
	assert.Equal(t, 7, p.Int("n", 0))
	assert.Equal(t, 2, p.Int("f", 0))
	assert.Equal(t, 9, p.Int("missing", 9))
	assert.Equal(t, 2*time.Second, p.Duration("d", 0))
	assert.Equal(t, 3*time.Second, p.Duration("secs", 0))
	assert.Equal(t, "fallback", p.String("missing", "fallback"))
}

func TestParseCommand(t *testing.T) {
	c, err := ParseCommand("Terminate")
	require.NoError(t, err)
	assert.Equal(t, CommandTerminate, c)
	_, err = ParseCommand("kill")
	assert.Error(t, err)
}
