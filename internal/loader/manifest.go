package loader

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// Requirement is one third-party module a unit source depends on.
type Requirement struct {
	Module  string
	Version string
}

// String returns the module@version query form.
func (r Requirement) String() string {
	if r.Version == "" {
		return r.Module + "@latest"
	}
	return r.Module + "@" + r.Version
}

// Manifest is a parsed dependency manifest.
type Manifest struct {
	Path         string
	Requirements []Requirement
	Hash         string
}

// ReadManifest parses a manifest of "module==version" lines. Blank lines and
// lines starting with # are ignored. A missing file yields (nil, nil).
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	reqs, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	sum := sha256.Sum256(data)
	return &Manifest{Path: path, Requirements: reqs, Hash: hex.EncodeToString(sum[:])}, nil
}

// ParseManifest parses manifest content.
func ParseManifest(data []byte) ([]Requirement, error) {
	var reqs []Requirement
	seen := map[string]bool{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.Index(line, " #"); i >= 0 {
			line = strings.TrimSpace(line[:i])
		}
		mod, ver, found := strings.Cut(line, "==")
		mod, ver = strings.TrimSpace(mod), strings.TrimSpace(ver)
		if mod == "" || strings.ContainsAny(mod, " \t") {
			return nil, fmt.Errorf("line %d: malformed requirement %q", lineNo, line)
		}
		if found && ver == "" {
			return nil, fmt.Errorf("line %d: empty version for %s", lineNo, mod)
		}
		if seen[mod] {
			return nil, fmt.Errorf("line %d: duplicate requirement %s", lineNo, mod)
		}
		seen[mod] = true
		reqs = append(reqs, Requirement{Module: mod, Version: ver})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return reqs, nil
}
