package pool

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"coursepilot/internal/unit"
	"coursepilot/internal/workflow"

	"gopkg.in/yaml.v3"
)

// Launch is the concurrency and stagger policy of a batch.
type Launch struct {
	// Concurrency caps simultaneously running workflows. Zero means one
	// worker per credential.
	Concurrency int `yaml:"concurrency" json:"concurrency"`
	// LoginInterval is waited between consecutive launches.
	LoginInterval time.Duration `yaml:"login_interval" json:"login_interval"`
	// KeepSessions leaves sessions open after their workflow finishes.
	KeepSessions bool `yaml:"keep_sessions" json:"keep_sessions"`
}

// Batch is a group of workflows sharing a template.
type Batch struct {
	No          int
	Template    *workflow.Template
	Credentials []unit.Credential
	Launch      Launch
	Reauth      workflow.Policy
	Session     unit.SessionConfig
}

// ID is the batch identifier handed to the session manager and embedded in
// workflow ids.
func (b *Batch) ID() string { return fmt.Sprintf("batch%d", b.No) }

// Validate checks everything that can be checked before a session exists.
func (b *Batch) Validate() error {
	if b.No <= 0 {
		return &workflow.ConfigError{Field: "no", Detail: "batch number must be positive"}
	}
	if b.Template == nil {
		return &workflow.ConfigError{Field: "template", Detail: "template is required"}
	}
	if err := b.Template.Validate(); err != nil {
		return err
	}
	if err := b.Reauth.Validate(); err != nil {
		return err
	}
	if b.Launch.Concurrency < 0 {
		return &workflow.ConfigError{Field: "launch.concurrency", Detail: "must not be negative"}
	}
	if b.Launch.LoginInterval < 0 {
		return &workflow.ConfigError{Field: "launch.login_interval", Detail: "must not be negative"}
	}
	for i, c := range b.Credentials {
		if strings.TrimSpace(c.Username) == "" {
			return &workflow.ConfigError{Field: fmt.Sprintf("credentials[%d]", i), Detail: "username is required"}
		}
	}
	return nil
}

// ParseCredentials parses "username password" lines. Blank lines and lines
// starting with '#' are skipped.
func ParseCredentials(lines []string) ([]unit.Credential, error) {
	var creds []unit.Credential
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, &workflow.ConfigError{
				Field:  fmt.Sprintf("credentials[%d]", i),
				Detail: fmt.Sprintf("expected \"username password\", got %d field(s)", len(fields)),
			}
		}
		creds = append(creds, unit.Credential{Username: fields[0], Password: fields[1]})
	}
	return creds, nil
}

// Dedup drops repeated usernames. The first occurrence wins.
func Dedup(creds []unit.Credential) []unit.Credential {
	seen := make(map[string]bool, len(creds))
	out := make([]unit.Credential, 0, len(creds))
	for _, c := range creds {
		if seen[c.Username] {
			continue
		}
		seen[c.Username] = true
		out = append(out, c)
	}
	return out
}

// Defaults fills the parts of a batch file that were left out.
type Defaults struct {
	Launch Launch
	Reauth workflow.Policy
}

type batchFile struct {
	No          int                `yaml:"no"`
	Template    string             `yaml:"template"`
	Credentials []string           `yaml:"credentials"`
	Launch      *Launch            `yaml:"launch"`
	Reauth      *workflow.Policy   `yaml:"reauth"`
	Session     unit.SessionConfig `yaml:"session"`
}

// LoadBatchFile reads a YAML batch file. The template path is resolved
// relative to the batch file.
func LoadBatchFile(path string, def Defaults) (*Batch, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve batch path: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	var f batchFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse batch %s: %w", path, err)
	}
	if f.Template == "" {
		return nil, &workflow.ConfigError{Field: "template", Detail: "template path is required"}
	}
	tmplPath := f.Template
	if !filepath.IsAbs(tmplPath) {
		tmplPath = filepath.Join(filepath.Dir(path), tmplPath)
	}
	tmpl, err := workflow.LoadTemplate(tmplPath)
	if err != nil {
		return nil, err
	}
	creds, err := ParseCredentials(f.Credentials)
	if err != nil {
		return nil, err
	}

	b := &Batch{
		No:          f.No,
		Template:    tmpl,
		Credentials: creds,
		Launch:      def.Launch,
		Reauth:      def.Reauth,
		Session:     f.Session,
	}
	if f.Launch != nil {
		b.Launch = *f.Launch
	}
	if f.Reauth != nil {
		b.Reauth = *f.Reauth
	}
	return b, b.Validate()
}
