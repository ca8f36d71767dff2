// Package autotools drives configure/make/make check builds. Every configuration
// is built out of tree in its own conf<i> directory below the source directory.
package autotools

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/ngld/specrun/pkg"
	"github.com/ngld/specrun/pkg/calls"
	"github.com/ngld/specrun/pkg/srlog"
)

// ErrNoConfigurations is returned by Build if Options.Configurations is empty
var ErrNoConfigurations = eris.New("no configurations")

type Options struct {
	// Configurations holds the configure flags for each build directory. An empty
	// string is a valid configuration without flags.
	Configurations []string
	// Jobs is passed to make as -j if it's greater than zero
	Jobs int
	// Check runs make check after each build
	Check bool
	// Parallel is the number of configurations built at the same time
	Parallel int
	// Bootstrap generates the configure script when necessary
	Bootstrap bool
	// Env is passed to every command
	Env map[string]string
}

// DefaultOptions returns the options used when a spec doesn't override them
func DefaultOptions() Options {
	return Options{
		Check:     true,
		Parallel:  1,
		Bootstrap: true,
	}
}

// BuildDir returns the build directory name of the configuration at idx
func BuildDir(idx int) string {
	return "conf" + strconv.Itoa(idx)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Bootstrap generates the configure script. autogen.sh takes precedence; autoreconf
// is only used if there is no configure script yet.
func Bootstrap(ctx context.Context, runner calls.Runner, srcDir string, env map[string]string) error {
	var line string
	switch {
	case fileExists(filepath.Join(srcDir, "autogen.sh")):
		line = "./autogen.sh"
	case !fileExists(filepath.Join(srcDir, "configure")):
		line = "autoreconf -fi"
	default:
		srlog.Log(ctx).Debug().Str("dir", srcDir).Msg("configure script present, skipping bootstrap")
		return nil
	}

	err := calls.Run(ctx, runner, calls.Cmd{Line: line, Dir: srcDir, Env: env})
	if err != nil {
		return eris.Wrap(err, "bootstrap failed")
	}
	return nil
}

func makeCmd(target string, jobs int) string {
	args := []string{"make"}
	if jobs > 0 {
		args = append(args, "-j"+strconv.Itoa(jobs))
	}
	if target != "" {
		args = append(args, target)
	}
	return calls.Command(args...)
}

// Configure runs configure, make and (optionally) make check for a single configuration
func Configure(ctx context.Context, runner calls.Runner, srcDir string, idx int, flags string, opts Options) error {
	name := BuildDir(idx)
	buildDir := filepath.Join(srcDir, name)
	ctx = srlog.WithFields(ctx, map[string]string{"step": name})

	pkg.PrintSubtask("configuring in " + name)

	// flags are passed through verbatim so they can contain quotes and variables
	configure := "../configure"
	if strings.TrimSpace(flags) != "" {
		configure += " " + flags
	}

	steps := []string{configure, makeCmd("", opts.Jobs)}
	if opts.Check {
		steps = append(steps, makeCmd("check", opts.Jobs))
	}

	for _, line := range steps {
		err := calls.Run(ctx, runner, calls.Cmd{Line: line, Dir: buildDir, Env: opts.Env})
		if err != nil {
			return eris.Wrapf(err, "configuration %s (%q)", name, flags)
		}
	}

	return nil
}

// Build bootstraps srcDir once and then builds every configuration
func Build(ctx context.Context, runner calls.Runner, srcDir string, opts Options) error {
	if len(opts.Configurations) == 0 {
		return ErrNoConfigurations
	}

	if opts.Bootstrap {
		err := Bootstrap(ctx, runner, srcDir, opts.Env)
		if err != nil {
			return err
		}
	}

	if opts.Parallel <= 1 {
		for idx, flags := range opts.Configurations {
			err := Configure(ctx, runner, srcDir, idx, flags, opts)
			if err != nil {
				return err
			}
		}
		return nil
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(opts.Parallel)
	for idx, flags := range opts.Configurations {
		idx, flags := idx, flags
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			return Configure(egCtx, runner, srcDir, idx, flags, opts)
		})
	}

	return eg.Wait()
}
