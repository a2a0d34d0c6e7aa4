package workflow

import (
	"strings"

	"golang.org/x/text/cases"
)

// Policy is the bounded re-authentication policy shared by every workflow
// of a batch.
type Policy struct {
	Triggers  []string `yaml:"triggers" json:"triggers"`
	MaxReauth int      `yaml:"max_reauth" json:"max_reauth"`
}

// Validate rejects negative budgets and blank triggers.
func (p Policy) Validate() error {
	if p.MaxReauth < 0 {
		return configErr("policy.max_reauth", "must be >= 0, got %d", p.MaxReauth)
	}
	for i, t := range p.Triggers {
		if strings.TrimSpace(t) == "" {
			return configErr("policy.triggers", "entry %d is blank", i)
		}
	}
	return nil
}

// Match returns the first trigger contained in msg, compared with Unicode
// case folding.
func (p Policy) Match(msg string) (string, bool) {
	if msg == "" || len(p.Triggers) == 0 {
		return "", false
	}
	fold := cases.Fold()
	folded := fold.String(msg)
	for _, t := range p.Triggers {
		if strings.Contains(folded, fold.String(t)) {
			return t, true
		}
	}
	return "", false
}
