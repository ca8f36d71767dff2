package dispatch

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"

	"github.com/ngld/specrun/pkg/spec"
)

// Run carries the state of one spec execution. Handlers use Dir instead of changing
// the process working directory.
type Run struct {
	ID     string
	Spec   spec.Tree
	Dir    string
	Env    map[string]string
	DryRun bool
}

// NewRun prepares a run of tree starting in dir
func NewRun(tree spec.Tree, dir string) (*Run, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve %s", dir)
	}

	return &Run{
		ID:   nanoid.New(),
		Spec: tree,
		Dir:  absDir,
		Env:  map[string]string{},
	}, nil
}

// Path resolves path relative to the run's current directory
func (r *Run) Path(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(r.Dir, path)
}

// Chdir changes the run's current directory. The target has to be an existing
// directory unless this is a dry run.
func (r *Run) Chdir(path string) error {
	target := r.Path(path)

	info, err := os.Stat(target)
	if err != nil {
		if r.DryRun && eris.Is(err, os.ErrNotExist) {
			r.Dir = target
			return nil
		}
		return eris.Wrapf(err, "failed to change into %s", target)
	}

	if !info.IsDir() {
		return eris.Errorf("failed to change into %s: not a directory", target)
	}

	r.Dir = target
	return nil
}

// Setenv adds a variable to the environment of every command started by this run
func (r *Run) Setenv(key, value string) {
	if r.Env == nil {
		r.Env = map[string]string{}
	}
	r.Env[key] = value
}

// EnvKeys returns the names of the extra environment variables in sorted order
func (r *Run) EnvKeys() []string {
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
