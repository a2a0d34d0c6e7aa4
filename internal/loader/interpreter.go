package loader

import (
	"context"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"coursepilot/internal/logging"
	"coursepilot/internal/unit"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// Source is one unit file handed to an Interpreter.
type Source struct {
	Path   string // absolute path of the unit file
	Key    string // cache key of this revision
	GoPath string // isolated dependency tree for this unit
}

// Candidate is a concrete type found in a source that satisfies unit.Unit.
type Candidate struct {
	Name string
	Role unit.Role
	New  func() unit.Bundle
}

// Interpreter turns a unit source file into instantiable candidates.
type Interpreter interface {
	Interpret(ctx context.Context, src Source) ([]Candidate, error)
}

// declaration is what a static scan of a unit source yields.
type declaration struct {
	Package string
	Types   []string
	Methods map[string]map[string]bool
}

// implementsUnit reports whether the named type declares the Unit methods.
func (d *declaration) implementsUnit(name string) bool {
	m := d.Methods[name]
	return m["Role"] && m["Run"] && m["Cleanup"]
}

// unitTypes returns the declared types carrying the Unit method set.
func (d *declaration) unitTypes() []string {
	var out []string
	for _, t := range d.Types {
		if d.implementsUnit(t) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// scanSource parses path and records its type declarations and methods.
func scanSource(path string) (*declaration, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	decl := &declaration{
		Package: file.Name.Name,
		Methods: map[string]map[string]bool{},
	}
	for _, d := range file.Decls {
		switch n := d.(type) {
		case *ast.GenDecl:
			if n.Tok != token.TYPE {
				continue
			}
			for _, spec := range n.Specs {
				ts := spec.(*ast.TypeSpec)
				if _, isStruct := ts.Type.(*ast.StructType); isStruct && ts.TypeParams == nil {
					decl.Types = append(decl.Types, ts.Name.Name)
				}
			}
		case *ast.FuncDecl:
			if n.Recv == nil || len(n.Recv.List) == 0 {
				continue
			}
			recv := receiverName(n.Recv.List[0].Type)
			if recv == "" {
				continue
			}
			if decl.Methods[recv] == nil {
				decl.Methods[recv] = map[string]bool{}
			}
			decl.Methods[recv][n.Name.Name] = true
		}
	}
	return decl, nil
}

func receiverName(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return receiverName(t.X)
	case *ast.Ident:
		return t.Name
	}
	return ""
}

const (
	unitAlias   = "unitsrc"
	engineAlias = "enginepkg"
)

// YaegiInterpreter evaluates unit sources with the yaegi Go interpreter.
// Each source is staged as an importable package inside its own GOPATH so
// that manifest dependencies installed there resolve normally.
type YaegiInterpreter struct {
	// Extra symbol tables made available to unit sources.
	Use []interp.Exports
}

// Interpret implements Interpreter.
func (y *YaegiInterpreter) Interpret(ctx context.Context, src Source) ([]Candidate, error) {
	decl, err := scanSource(src.Path)
	if err != nil {
		return nil, err
	}
	if decl.Package == "main" {
		return nil, fmt.Errorf("%s: unit sources must not be package main", src.Path)
	}
	names := decl.unitTypes()
	if len(names) == 0 {
		return nil, nil
	}

	importPath, err := stage(src)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{GoPath: src.GoPath})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("failed to load stdlib: %w", err)
	}
	if err := i.Use(Symbols); err != nil {
		return nil, fmt.Errorf("failed to load unit symbols: %w", err)
	}
	for _, extra := range y.Use {
		if err := i.Use(extra); err != nil {
			return nil, err
		}
	}

	if _, err := i.EvalWithContext(ctx, fmt.Sprintf("import %s %q", engineAlias, "coursepilot/internal/unit")); err != nil {
		return nil, fmt.Errorf("import unit contract: %w", err)
	}
	if _, err := i.EvalWithContext(ctx, fmt.Sprintf("import %s %q", unitAlias, importPath)); err != nil {
		return nil, fmt.Errorf("interpret %s: %w", src.Path, err)
	}

	var out []Candidate
	for _, name := range names {
		v, err := i.EvalWithContext(ctx, factorySource(name, decl.Methods[name]))
		if err != nil {
			// Method names matched but signatures did not.
			logging.LoaderDebug("Type %s in %s does not satisfy unit.Unit: %v", name, src.Path, err)
			continue
		}
		fn, ok := v.Interface().(func() unit.Bundle)
		if !ok {
			return nil, fmt.Errorf("%s: factory for %s has type %s", src.Path, name, v.Type())
		}
		out = append(out, Candidate{Name: name, New: fn})
	}
	return out, nil
}

// stage copies the source into its GOPATH under a revision-specific import
// path and returns that path.
func stage(src Source) (string, error) {
	importPath := "pilotunits/r" + src.Key
	dir := filepath.Join(src.GoPath, "src", filepath.FromSlash(importPath))
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("stage %s: %w", src.Path, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("stage %s: %w", src.Path, err)
	}
	data, err := os.ReadFile(src.Path)
	if err != nil {
		return "", fmt.Errorf("stage %s: %w", src.Path, err)
	}
	if err := os.WriteFile(filepath.Join(dir, filepath.Base(src.Path)), data, 0644); err != nil {
		return "", fmt.Errorf("stage %s: %w", src.Path, err)
	}
	return importPath, nil
}

// factorySource builds a constructor expression that returns a bundle with
// every capability the type declares.
func factorySource(name string, methods map[string]bool) string {
	fields := []string{"Unit: u"}
	if methods["Pause"] {
		fields = append(fields, "Pauser: u")
	}
	if methods["Resume"] {
		fields = append(fields, "Resumer: u")
	}
	if methods["Terminate"] {
		fields = append(fields, "Terminator: u")
	}
	if methods["CarryState"] && methods["RestoreState"] {
		fields = append(fields, "Carrier: u")
	}
	return fmt.Sprintf("func() %[1]s.Bundle { u := &%[2]s.%[3]s{}; return %[1]s.Bundle{%[4]s} }",
		engineAlias, unitAlias, name, strings.Join(fields, ", "))
}
