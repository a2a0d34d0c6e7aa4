package main

import (
	"errors"
	"fmt"
	"strings"

	"coursepilot/internal/loader"
	"coursepilot/internal/unit"

	"github.com/spf13/cobra"
)

var unitRole string

// unitCmd groups unit authoring helpers
var unitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Unit authoring helpers",
}

var unitCheckCmd = &cobra.Command{
	Use:   "check [path|builtin:name]",
	Short: "Resolve a unit source and report the selected type",
	Long: `Runs the loader on a unit source exactly as a workflow would: installs
manifest dependencies, interprets the file, and selects the single type
matching --role. Prints the type and the control commands it supports, or
the candidates when zero or several types match.

Example:
  pilot unit check units/monitor.go --role monitor`,
	Args: cobra.ExactArgs(1),
	RunE: unitCheck,
}

func init() {
	roles := make([]string, 0, len(unit.Roles()))
	for _, r := range unit.Roles() {
		roles = append(roles, string(r))
	}
	unitCheckCmd.Flags().StringVar(&unitRole, "role", string(unit.RoleGeneric),
		"Role the unit must declare ("+strings.Join(roles, ", ")+")")
	unitCmd.AddCommand(unitCheckCmd)
}

func unitCheck(cmd *cobra.Command, args []string) error {
	role, err := unit.ParseRole(unitRole)
	if err != nil {
		return err
	}
	l, err := newLoader(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	t, err := l.Load(cmdContext(cmd), args[0], role)
	if err != nil {
		var ce *loader.CandidateError
		if errors.As(err, &ce) {
			fmt.Fprintf(out, "%s: no unique %s unit\n", ce.Path, ce.Role)
			for _, c := range ce.Candidates {
				fmt.Fprintf(out, "  candidate: %s\n", c)
			}
		}
		return err
	}

	cmds := make([]string, 0, 3)
	for _, c := range t.Commands() {
		cmds = append(cmds, string(c))
	}
	if len(cmds) == 0 {
		cmds = append(cmds, "none")
	}
	fmt.Fprintf(out, "%s\n  type:     %s\n  role:     %s\n  commands: %s\n", t.Path, t.Name, t.Role, strings.Join(cmds, ", "))
	return nil
}
