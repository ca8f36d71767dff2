// Package handlers contains the definition of the build spec format understood by
// specrun run.
package handlers

import (
	"context"
	"path"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"

	"github.com/ngld/specrun/pkg"
	"github.com/ngld/specrun/pkg/autotools"
	"github.com/ngld/specrun/pkg/calls"
	"github.com/ngld/specrun/pkg/dispatch"
	"github.com/ngld/specrun/pkg/repos"
	"github.com/ngld/specrun/pkg/spec"
	"github.com/ngld/specrun/pkg/srlog"
)

// ErrVersionMismatch is returned if the spec requires a different specrun version
var ErrVersionMismatch = eris.New("version requirement not met")

// Env bundles what the default handlers need to do their work
type Env struct {
	Cache   *repos.Cache
	Runner  calls.Runner
	Version string
}

// Default returns the handler for the standard build spec layout
func Default(env Env) *dispatch.Handler {
	return dispatch.New(Definition(env))
}

// Definition returns the definition used by Default
func Definition(env Env) dispatch.Definition {
	return dispatch.Definition{
		{Key: "requires", Node: dispatch.HandlerFunc(env.requires)},
		{Key: "env", Node: dispatch.HandlerFunc(setEnv)},
		{Key: "repo", Node: dispatch.Definition{
			{Key: "backend", Node: dispatch.Required},
			{Key: "branch", Node: dispatch.Optional},
			{Key: "sha256", Node: dispatch.Optional},
			{Key: "strip", Node: dispatch.Optional},
			{Key: "url", Node: dispatch.HandlerFunc(env.url)},
		}},
		{Key: "code", Node: dispatch.Definition{
			{Key: "subdir", Node: dispatch.HandlerFunc(subdir)},
		}},
		{Key: "build", Node: dispatch.Definition{
			{Key: "autotools", Node: dispatch.Definition{
				{Key: "jobs", Node: dispatch.Optional},
				{Key: "check", Node: dispatch.Optional},
				{Key: "parallel", Node: dispatch.Optional},
				{Key: "bootstrap", Node: dispatch.Optional},
				{Key: "configurations", Node: dispatch.HandlerFunc(env.configurations)},
			}},
			{Key: "commands", Node: dispatch.HandlerFunc(env.commands)},
		}},
	}
}

func (e Env) requires(ctx context.Context, run *dispatch.Run, parent spec.Tree, value interface{}) error {
	raw, err := spec.ToString(value)
	if err != nil {
		return err
	}

	constraint, err := semver.NewConstraint(raw)
	if err != nil {
		return eris.Wrapf(err, "invalid version constraint %q", raw)
	}

	version, err := semver.NewVersion(e.Version)
	if err != nil {
		srlog.Log(ctx).Warn().Str("version", e.Version).Msg("can't check version requirement for a development build")
		return nil
	}

	if !constraint.Check(version) {
		return eris.Wrapf(ErrVersionMismatch, "this spec requires specrun %s but this is %s", raw, e.Version)
	}
	return nil
}

func setEnv(ctx context.Context, run *dispatch.Run, parent spec.Tree, value interface{}) error {
	vars, ok := value.(spec.Tree)
	if !ok {
		return eris.Errorf("expected a mapping but found %T", value)
	}

	for _, key := range vars.Keys() {
		str, err := vars.String(key, "")
		if err != nil {
			return err
		}
		run.Setenv(key, str)
	}
	return nil
}

// TargetName returns the directory a repository URL is checked out into
func TargetName(url string) string {
	return path.Base(strings.TrimRight(strings.ReplaceAll(url, "\\", "/"), "/"))
}

func (e Env) url(ctx context.Context, run *dispatch.Run, parent spec.Tree, value interface{}) error {
	url, err := spec.ToString(value)
	if err != nil {
		return err
	}

	backend, err := parent.String("backend", "")
	if err != nil {
		return err
	}

	src := repos.Source{URL: url}
	src.Branch, err = parent.String("branch", "")
	if err != nil {
		return err
	}
	src.Sha256, err = parent.String("sha256", "")
	if err != nil {
		return err
	}
	src.Strip, err = parent.Int("strip", 0)
	if err != nil {
		return err
	}

	repo, err := e.Cache.Repo(backend, src)
	if err != nil {
		return err
	}

	dirname := TargetName(url)
	pkg.PrintTask("Pulling " + url + " to " + dirname)

	target := run.Path(dirname)
	if run.DryRun {
		srlog.Log(ctx).Info().Str("store", repo.Store()).Str("target", target).Msg("skipping clone during dry run")
	} else {
		err = repo.Clone(ctx, target)
		if err != nil {
			return err
		}
	}

	return run.Chdir(dirname)
}

func subdir(ctx context.Context, run *dispatch.Run, parent spec.Tree, value interface{}) error {
	dir, err := spec.ToString(value)
	if err != nil {
		return err
	}

	err = run.Chdir(dir)
	if err != nil {
		return err
	}

	srlog.Log(ctx).Debug().Str("dir", run.Dir).Msg("changed directory")
	return nil
}

func (e Env) configurations(ctx context.Context, run *dispatch.Run, parent spec.Tree, value interface{}) error {
	confs, err := spec.ToStrings(value)
	if err != nil {
		return err
	}

	opts := autotools.DefaultOptions()
	opts.Configurations = confs
	opts.Env = run.Env

	opts.Jobs, err = parent.Int("jobs", opts.Jobs)
	if err != nil {
		return err
	}
	opts.Check, err = parent.Bool("check", opts.Check)
	if err != nil {
		return err
	}
	opts.Parallel, err = parent.Int("parallel", opts.Parallel)
	if err != nil {
		return err
	}
	opts.Bootstrap, err = parent.Bool("bootstrap", opts.Bootstrap)
	if err != nil {
		return err
	}

	pkg.PrintTask("Building " + run.Dir)
	return autotools.Build(ctx, e.Runner, run.Dir, opts)
}

func (e Env) commands(ctx context.Context, run *dispatch.Run, parent spec.Tree, value interface{}) error {
	lines, err := spec.ToStrings(value)
	if err != nil {
		return err
	}

	for _, line := range lines {
		err = calls.Run(ctx, e.Runner, calls.Cmd{Line: line, Dir: run.Dir, Env: run.Env})
		if err != nil {
			return err
		}
	}
	return nil
}
