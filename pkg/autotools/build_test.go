package autotools

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"

	"github.com/ngld/specrun/pkg/calls"
)

type recordingRunner struct {
	lock sync.Mutex
	cmds []calls.Cmd
	// fail maps a command prefix to the exit status it returns
	fail map[string]int
}

func (r *recordingRunner) Exe(ctx context.Context, cmd calls.Cmd) (int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.cmds = append(r.cmds, cmd)
	for prefix, status := range r.fail {
		if strings.HasPrefix(cmd.Line, prefix) {
			return status, nil
		}
	}
	return 0, nil
}

func (r *recordingRunner) lines(base string) []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	result := make([]string, len(r.cmds))
	for idx, cmd := range r.cmds {
		rel, _ := filepath.Rel(base, cmd.Dir)
		result[idx] = filepath.ToSlash(rel) + ": " + cmd.Line
	}
	return result
}

func TestBuildSequence(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "autogen.sh"), []byte("#!/bin/sh\n"), 0o755))

	runner := new(recordingRunner)
	opts := DefaultOptions()
	opts.Configurations = []string{"", "--enable-debug --prefix=/usr"}
	opts.Jobs = 4

	require.NoError(t, Build(context.Background(), runner, src, opts))
	require.Equal(t, []string{
		".: ./autogen.sh",
		"conf0: ../configure",
		"conf0: make -j4",
		"conf0: make -j4 check",
		"conf1: ../configure --enable-debug --prefix=/usr",
		"conf1: make -j4",
		"conf1: make -j4 check",
	}, runner.lines(src))
}

func TestBuildWithoutCheck(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "configure"), []byte("#!/bin/sh\n"), 0o755))

	runner := new(recordingRunner)
	opts := DefaultOptions()
	opts.Configurations = []string{"--disable-shared"}
	opts.Check = false

	require.NoError(t, Build(context.Background(), runner, src, opts))
	require.Equal(t, []string{
		"conf0: ../configure --disable-shared",
		"conf0: make",
	}, runner.lines(src))
}

func TestBootstrapAutoreconf(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	runner := new(recordingRunner)
	require.NoError(t, Bootstrap(context.Background(), runner, src, nil))
	require.Equal(t, []string{".: autoreconf -fi"}, runner.lines(src))
}

func TestBuildNoConfigurations(t *testing.T) {
	t.Parallel()

	err := Build(context.Background(), new(recordingRunner), t.TempDir(), DefaultOptions())
	require.True(t, eris.Is(err, ErrNoConfigurations))
}

func TestBuildStopsAtFailure(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "configure"), nil, 0o755))

	runner := &recordingRunner{fail: map[string]int{"make check": 2, "make -j2 check": 2}}
	opts := DefaultOptions()
	opts.Configurations = []string{"", "--enable-debug"}
	opts.Jobs = 2

	err := Build(context.Background(), runner, src, opts)
	require.Error(t, err)
	require.Contains(t, err.Error(), "conf0")
	require.Contains(t, err.Error(), "exit status 2")

	// conf1 never started
	require.Equal(t, []string{
		"conf0: ../configure",
		"conf0: make -j2",
		"conf0: make -j2 check",
	}, runner.lines(src))
}

func TestBuildParallel(t *testing.T) {
	t.Parallel()

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "configure"), nil, 0o755))

	runner := new(recordingRunner)
	opts := DefaultOptions()
	opts.Configurations = []string{"--a", "--b", "--c"}
	opts.Parallel = 2
	opts.Env = map[string]string{"CFLAGS": "-O2"}

	require.NoError(t, Build(context.Background(), runner, src, opts))

	lines := runner.lines(src)
	sort.Strings(lines)
	require.Equal(t, []string{
		"conf0: ../configure --a",
		"conf0: make",
		"conf0: make check",
		"conf1: ../configure --b",
		"conf1: make",
		"conf1: make check",
		"conf2: ../configure --c",
		"conf2: make",
		"conf2: make check",
	}, lines)

	for _, cmd := range runner.cmds {
		require.Equal(t, "-O2", cmd.Env["CFLAGS"])
	}
}

func TestBuildDir(t *testing.T) {
	require.Equal(t, "conf0", BuildDir(0))
	require.Equal(t, "conf12", BuildDir(12))
}
