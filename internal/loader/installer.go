package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"coursepilot/internal/logging"
)

// Installer makes the requirements importable from gopath/src.
type Installer interface {
	Install(ctx context.Context, reqs []Requirement, gopath string) error
}

// GoModInstaller downloads modules with the go tool into a private module
// cache under gopath and links each module root into gopath/src so the
// interpreter can resolve it in GOPATH mode.
type GoModInstaller struct {
	GoBinary string
}

type modDownload struct {
	Path    string
	Version string
	Dir     string
	Error   string
}

// Install implements Installer.
func (g *GoModInstaller) Install(ctx context.Context, reqs []Requirement, gopath string) error {
	bin := g.GoBinary
	if bin == "" {
		bin = "go"
	}
	modcache := filepath.Join(gopath, "pkg", "mod")
	if err := os.MkdirAll(modcache, 0755); err != nil {
		return fmt.Errorf("create module cache: %w", err)
	}

	for _, req := range reqs {
		timer := logging.StartTimer(logging.CategoryLoader, "go mod download "+req.String())

		cmd := exec.CommandContext(ctx, bin, "mod", "download", "-json", req.String())
		cmd.Dir = gopath
		cmd.Env = append(os.Environ(),
			"GOMODCACHE="+modcache,
			"GO111MODULE=on",
			"GOFLAGS=-mod=mod",
		)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		out, runErr := cmd.Output()
		timer.Stop()

		var info modDownload
		if len(out) > 0 {
			if err := json.Unmarshal(out, &info); err != nil {
				return fmt.Errorf("%s: decode go output: %w", req, err)
			}
		}
		if info.Error != "" {
			return fmt.Errorf("%s: %s", req, info.Error)
		}
		if runErr != nil {
			return fmt.Errorf("%s: %w: %s", req, runErr, strings.TrimSpace(stderr.String()))
		}
		if info.Dir == "" {
			return fmt.Errorf("%s: go mod download reported no directory", req)
		}

		link := filepath.Join(gopath, "src", filepath.FromSlash(info.Path))
		if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
			return fmt.Errorf("%s: %w", req, err)
		}
		_ = os.RemoveAll(link)
		if err := os.Symlink(info.Dir, link); err != nil {
			return fmt.Errorf("%s: link into gopath: %w", req, err)
		}
		logging.Loader("Installed %s@%s into %s", info.Path, info.Version, gopath)
	}
	return nil
}
