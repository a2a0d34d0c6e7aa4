package unit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BuiltinPrefix marks a descriptor source that resolves to a compiled-in
// unit rather than a file on disk.
const BuiltinPrefix = "builtin:"

// Descriptor is the static definition of one node in a workflow graph.
type Descriptor struct {
	ID            int    `yaml:"id" json:"id"`
	Role          Role   `yaml:"role" json:"role"`
	Source        string `yaml:"source" json:"source"`
	Params        Params `yaml:"params,omitempty" json:"params,omitempty"`
	Next          *int   `yaml:"next,omitempty" json:"next,omitempty"`
	Prev          *int   `yaml:"prev,omitempty" json:"prev,omitempty"`
	ReloginTarget *int   `yaml:"relogin_target,omitempty" json:"relogin_target,omitempty"`
	HotReload     bool   `yaml:"hot_reload,omitempty" json:"hot_reload,omitempty"`
}

// Ref returns a pointer to id, for building graph edges in code.
func Ref(id int) *int { return &id }

// Builtin reports whether the descriptor names a compiled-in unit.
func (d Descriptor) Builtin() bool {
	return strings.HasPrefix(d.Source, BuiltinPrefix)
}

// ReloginEligible reports whether the unit may trigger re-authentication.
func (d Descriptor) ReloginEligible() bool {
	return d.ReloginTarget != nil
}

// Credential is one end-user login bound to a workflow.
type Credential struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// Empty reports whether no credential is present.
func (c Credential) Empty() bool { return c.Username == "" }

func (c Credential) String() string {
	if c.Empty() {
		return "<anonymous>"
	}
	return c.Username
}

// Params is the free-form parameter bag of a descriptor. Units decode the
// keys they understand into one of the typed option structs.
type Params map[string]any

// Decode copies the bag into out via a YAML round trip so durations and
// nested maps decode the same way they do from template files.
func (p Params) Decode(out any) error {
	if len(p) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(map[string]any(p))
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// String returns the string at key or def.
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the integer at key or def.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Duration accepts "5s" style strings or integer seconds.
func (p Params) Duration(key string, def time.Duration) time.Duration {
	switch v := p[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	case time.Duration:
		return v
	}
	return def
}

// LoginOptions configures a form-based login unit.
type LoginOptions struct {
	URL              string        `yaml:"url"`
	UsernameSelector string        `yaml:"username_selector"`
	PasswordSelector string        `yaml:"password_selector"`
	SubmitSelector   string        `yaml:"submit_selector"`
	SuccessSelector  string        `yaml:"success_selector"`
	Timeout          time.Duration `yaml:"timeout"`
}

// CourseOptions configures entering a course page.
type CourseOptions struct {
	URL           string `yaml:"url"`
	EntrySelector string `yaml:"entry_selector"`
	ReadySelector string `yaml:"ready_selector"`
}

// MonitorOptions configures a playback/progress monitor.
type MonitorOptions struct {
	ProgressSelector string        `yaml:"progress_selector"`
	DoneText         string        `yaml:"done_text"`
	ExpiredText      string        `yaml:"expired_text"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	MaxPolls         int           `yaml:"max_polls"`
}

// ExamOptions configures an exam unit.
type ExamOptions struct {
	URL              string `yaml:"url"`
	QuestionSelector string `yaml:"question_selector"`
	QuestionLimit    int    `yaml:"question_limit"`
	SubmitSelector   string `yaml:"submit_selector"`
}

// ScoreOptions configures reading a score off a page.
type ScoreOptions struct {
	URL           string `yaml:"url"`
	ScoreSelector string `yaml:"score_selector"`
	OutputKey     string `yaml:"output_key"`
}
