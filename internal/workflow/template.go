package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"coursepilot/internal/unit"

	"gopkg.in/yaml.v3"
)

var (
	// ErrConfig marks configuration errors detected before any unit runs.
	ErrConfig = errors.New("workflow configuration error")

	// ErrReauthExhausted is the terminal error of a workflow whose
	// re-authentication budget ran out.
	ErrReauthExhausted = errors.New("re-authentication attempts exhausted")
)

// ConfigError describes one invalid template or policy field.
type ConfigError struct {
	Field  string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrConfig, e.Field, e.Detail)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

func configErr(field, format string, args ...any) error {
	return &ConfigError{Field: field, Detail: fmt.Sprintf(format, args...)}
}

// Template is the static unit graph a workflow is instantiated from.
type Template struct {
	ID    string            `yaml:"id" json:"id"`
	Name  string            `yaml:"name,omitempty" json:"name,omitempty"`
	Start int               `yaml:"start" json:"start"`
	Units []unit.Descriptor `yaml:"units" json:"units"`
}

// LoadTemplate reads a YAML template file.
func LoadTemplate(path string) (*Template, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve template path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	// Unit sources are relative to the template file.
	dir := filepath.Dir(path)
	for i, d := range t.Units {
		if !d.Builtin() && d.Source != "" && !filepath.IsAbs(d.Source) {
			t.Units[i].Source = filepath.Join(dir, d.Source)
		}
	}
	return &t, t.Validate()
}

// Descriptor returns the descriptor with the given id.
func (t *Template) Descriptor(id int) (unit.Descriptor, bool) {
	for _, d := range t.Units {
		if d.ID == id {
			return d, true
		}
	}
	return unit.Descriptor{}, false
}

// Validate checks the graph: unique ids, a known start, edges and relogin
// targets that resolve, valid roles, and no next-cycle reachable from the
// start unit.
func (t *Template) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return configErr("id", "template id is required")
	}
	if len(t.Units) == 0 {
		return configErr("units", "template %s has no units", t.ID)
	}

	byID := make(map[int]unit.Descriptor, len(t.Units))
	for i, d := range t.Units {
		if _, dup := byID[d.ID]; dup {
			return configErr(fmt.Sprintf("units[%d].id", i), "duplicate unit id %d", d.ID)
		}
		if !d.Role.Valid() {
			return configErr(fmt.Sprintf("units[%d].role", i), "unknown role %q", d.Role)
		}
		if strings.TrimSpace(d.Source) == "" {
			return configErr(fmt.Sprintf("units[%d].source", i), "unit %d has no source", d.ID)
		}
		byID[d.ID] = d
	}

	if _, ok := byID[t.Start]; !ok {
		return configErr("start", "start unit %d does not exist", t.Start)
	}
	for _, d := range t.Units {
		if d.Next != nil {
			if _, ok := byID[*d.Next]; !ok {
				return configErr(fmt.Sprintf("unit %d next", d.ID), "unit %d does not exist", *d.Next)
			}
		}
		if d.Prev != nil {
			if _, ok := byID[*d.Prev]; !ok {
				return configErr(fmt.Sprintf("unit %d prev", d.ID), "unit %d does not exist", *d.Prev)
			}
		}
		if d.ReloginTarget != nil {
			if _, ok := byID[*d.ReloginTarget]; !ok {
				return configErr(fmt.Sprintf("unit %d relogin_target", d.ID), "unit %d does not exist", *d.ReloginTarget)
			}
		}
	}

	seen := map[int]bool{}
	for id := t.Start; ; {
		if seen[id] {
			return configErr("units", "next edges form a cycle at unit %d", id)
		}
		seen[id] = true
		next := byID[id].Next
		if next == nil {
			break
		}
		id = *next
	}
	return nil
}
