package loader

import (
	"errors"
	"fmt"
	"strings"

	"coursepilot/internal/unit"
)

var (
	// ErrMissingSource is returned when a descriptor's source cannot be
	// found. Workflow construction treats it as fatal.
	ErrMissingSource = errors.New("unit source not found")

	// ErrNoCandidate is returned when a source declares no type serving
	// the requested role.
	ErrNoCandidate = errors.New("no unit type matches role")

	// ErrAmbiguous is returned when more than one type serves the role.
	ErrAmbiguous = errors.New("multiple unit types match role")

	// ErrInstall wraps dependency installation failures.
	ErrInstall = errors.New("dependency install failed")
)

// CandidateError reports a failed type selection together with every type
// the source declared.
type CandidateError struct {
	Path       string
	Role       unit.Role
	Candidates []string
	Err        error
}

func (e *CandidateError) Error() string {
	names := "none"
	if len(e.Candidates) > 0 {
		names = strings.Join(e.Candidates, ", ")
	}
	return fmt.Sprintf("%s: %v %q (candidates: %s)", e.Path, e.Err, e.Role, names)
}

func (e *CandidateError) Unwrap() error { return e.Err }
