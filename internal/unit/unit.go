// Package unit defines the contract every schedulable step of a learning
// session implements, and the live Instance the workflow engine drives.
package unit

import (
	"context"
	"fmt"
	"strings"
)

// Role tags the kind of work a unit performs. The set is closed.
type Role string

const (
	RoleLogin       Role = "login"
	RoleEnterCourse Role = "enter_course"
	RoleMonitor     Role = "monitor"
	RoleExam        Role = "exam"
	RoleScore       Role = "score"
	RoleGeneric     Role = "generic"
)

var roles = []Role{RoleLogin, RoleEnterCourse, RoleMonitor, RoleExam, RoleScore, RoleGeneric}

// Roles returns every known role in declaration order.
func Roles() []Role {
	out := make([]Role, len(roles))
	copy(out, roles)
	return out
}

// ParseRole accepts both snake and kebab spellings ("enter-course").
func ParseRole(s string) (Role, error) {
	norm := Role(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, r := range roles {
		if r == norm {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown unit role %q", s)
}

// Valid reports whether r is one of the closed set of roles.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Accepts reports whether a unit declaring role have can serve a descriptor
// that asks for r. Generic descriptors accept any role.
func (r Role) Accepts(have Role) bool {
	return r == RoleGeneric || r == have
}

// UnmarshalText lets roles be decoded from YAML/JSON in either spelling.
func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Unit is the smallest schedulable piece of work.
//
// Run reads the shared context through env, may drive env.Session, and
// records its outcome through env. Returning false stops the workflow.
// Returning ErrSessionExpired stops it gracefully; any other error fails it.
//
// Cleanup runs exactly once after every Run, whatever the outcome. It must
// reset unit-local transient fields and must tolerate being called when Run
// never ran.
type Unit interface {
	Role() Role
	Run(ctx context.Context, env *Env) (bool, error)
	Cleanup()
}

// Pauser is implemented by units that can honour a pause request.
type Pauser interface {
	Pause(reason string)
}

// Resumer is implemented by units that can honour a resume request.
type Resumer interface {
	Resume(reason string)
}

// Terminator is implemented by units that can unwind early on request.
// stopWorkflow asks the engine not to advance past this unit.
type Terminator interface {
	Terminate(reason string, stopWorkflow bool)
}

// StateCarrier declares the fields that survive a hot swap. The engine
// passes what CarryState returns on the retiring instance to RestoreState
// on its replacement; nothing else is copied.
type StateCarrier interface {
	CarryState() map[string]any
	RestoreState(state map[string]any)
}

// Command is a control-plane request routed to a workflow's cursor unit.
type Command string

const (
	CommandPause     Command = "pause"
	CommandResume    Command = "resume"
	CommandTerminate Command = "terminate"
)

// ParseCommand validates a command name.
func ParseCommand(s string) (Command, error) {
	switch c := Command(strings.ToLower(strings.TrimSpace(s))); c {
	case CommandPause, CommandResume, CommandTerminate:
		return c, nil
	default:
		return "", fmt.Errorf("unknown command %q", s)
	}
}

// Bundle is a unit value together with the optional capabilities it
// implements. Interpreted units arrive pre-split because each capability
// needs its own interface wrapper; compiled units go through Bind.
type Bundle struct {
	Unit       Unit
	Pauser     Pauser
	Resumer    Resumer
	Terminator Terminator
	Carrier    StateCarrier
}

// Bind detects the optional capabilities of a compiled unit.
func Bind(u Unit) Bundle {
	b := Bundle{Unit: u}
	b.Pauser, _ = u.(Pauser)
	b.Resumer, _ = u.(Resumer)
	b.Terminator, _ = u.(Terminator)
	b.Carrier, _ = u.(StateCarrier)
	return b
}

// Commands lists the control commands the bundle supports.
func (b Bundle) Commands() []Command {
	var out []Command
	if b.Pauser != nil {
		out = append(out, CommandPause)
	}
	if b.Resumer != nil {
		out = append(out, CommandResume)
	}
	if b.Terminator != nil {
		out = append(out, CommandTerminate)
	}
	return out
}
