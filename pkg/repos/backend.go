package repos

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"

	"github.com/ngld/specrun/pkg/calls"
)

// ErrUnknownBackend is returned for backend names that aren't registered
var ErrUnknownBackend = eris.New("unknown backend")

// Source describes what to fetch
type Source struct {
	URL string
	// Branch is optional. Without it, the remote's default branch is used.
	Branch string
	// Sha256 and Strip are only used by the archive backend
	Sha256 string
	Strip  int
}

// Backend implements fetching for one kind of repository
type Backend interface {
	Name() string
	// Clone fetches src into the (missing or empty) directory dest
	Clone(ctx context.Context, src Source, dest string) error
	// Update refreshes an existing checkout in dir
	Update(ctx context.Context, src Source, dir string) error
	// IsCheckout reports whether dir contains a checkout made by this backend
	IsCheckout(dir string) bool
	// Mirror creates or refreshes target as a local copy of store
	Mirror(ctx context.Context, store, target string) error
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Git shells out to the git CLI
type Git struct {
	Runner calls.Runner
}

func (g *Git) Name() string {
	return "git"
}

func (g *Git) IsCheckout(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil
}

func (g *Git) Clone(ctx context.Context, src Source, dest string) error {
	args := []string{"git", "clone"}
	if src.Branch != "" {
		args = append(args, "--branch", src.Branch)
	}
	args = append(args, "--", src.URL, dest)

	return calls.Run(ctx, g.Runner, calls.Cmd{
		Line: calls.Command(args...),
		Dir:  filepath.Dir(dest),
	})
}

func (g *Git) Update(ctx context.Context, src Source, dir string) error {
	args := []string{"git", "pull", "--ff-only"}
	if src.Branch != "" {
		args = append(args, "origin", src.Branch)
	}

	return calls.Run(ctx, g.Runner, calls.Cmd{Line: calls.Command(args...), Dir: dir})
}

func (g *Git) Mirror(ctx context.Context, store, target string) error {
	if g.IsCheckout(target) {
		return g.Update(ctx, Source{URL: store}, target)
	}
	return g.Clone(ctx, Source{URL: store}, target)
}

// Mercurial shells out to the hg CLI
type Mercurial struct {
	Runner calls.Runner
}

func (h *Mercurial) Name() string {
	return "hg"
}

func (h *Mercurial) IsCheckout(dir string) bool {
	return isDir(filepath.Join(dir, ".hg"))
}

func (h *Mercurial) Clone(ctx context.Context, src Source, dest string) error {
	args := []string{"hg", "clone"}
	if src.Branch != "" {
		args = append(args, "--branch", src.Branch)
	}
	args = append(args, "--", src.URL, dest)

	return calls.Run(ctx, h.Runner, calls.Cmd{
		Line: calls.Command(args...),
		Dir:  filepath.Dir(dest),
	})
}

func (h *Mercurial) Update(ctx context.Context, src Source, dir string) error {
	args := []string{"hg", "pull", "--update"}
	if src.Branch != "" {
		args = append(args, "--branch", src.Branch)
	}

	return calls.Run(ctx, h.Runner, calls.Cmd{Line: calls.Command(args...), Dir: dir})
}

func (h *Mercurial) Mirror(ctx context.Context, store, target string) error {
	if h.IsCheckout(target) {
		return h.Update(ctx, Source{URL: store}, target)
	}
	return h.Clone(ctx, Source{URL: store}, target)
}
