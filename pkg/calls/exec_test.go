package calls

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestExecutor() (*Executor, *bytes.Buffer, *bytes.Buffer) {
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)
	return &Executor{Env: map[string]string{}, Stdout: stdout, Stderr: stderr}, stdout, stderr
}

func TestExeOutputAndStatus(t *testing.T) {
	t.Parallel()

	executor, stdout, _ := newTestExecutor()
	dir := t.TempDir()

	status, err := executor.Exe(context.Background(), Cmd{Line: "echo hello", Dir: dir})
	require.NoError(t, err)
	require.Equal(t, 0, status)
	require.Equal(t, "hello\n", stdout.String())

	status, err = executor.Exe(context.Background(), Cmd{Line: "exit 3", Dir: dir})
	require.NoError(t, err)
	require.Equal(t, 3, status)

	// set -e stops at the first failing statement
	stdout.Reset()
	status, err = executor.Exe(context.Background(), Cmd{Line: "false\necho unreachable", Dir: dir})
	require.NoError(t, err)
	require.Equal(t, 1, status)
	require.Empty(t, stdout.String())
}

func TestExeCreatesDirectory(t *testing.T) {
	t.Parallel()

	executor, _, _ := newTestExecutor()
	dir := filepath.Join(t.TempDir(), "conf0", "nested")

	status, err := executor.Exe(context.Background(), Cmd{Line: "echo built > out.txt", Dir: dir})
	require.NoError(t, err)
	require.Equal(t, 0, status)

	content, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "built\n", string(content))

	// an existing directory is fine
	status, err = executor.Exe(context.Background(), Cmd{Line: "true", Dir: dir})
	require.NoError(t, err)
	require.Equal(t, 0, status)
}

func TestExeEnvironment(t *testing.T) {
	t.Parallel()

	executor, stdout, _ := newTestExecutor()
	executor.Env["SPECRUN_BASE"] = "base"
	executor.Env["SPECRUN_OVERRIDE"] = "base"

	status, err := executor.Exe(context.Background(), Cmd{
		Line: `echo "$SPECRUN_BASE $SPECRUN_OVERRIDE $SPECRUN_CALL"`,
		Dir:  t.TempDir(),
		Env:  map[string]string{"SPECRUN_OVERRIDE": "call", "SPECRUN_CALL": "yes"},
	})
	require.NoError(t, err)
	require.Equal(t, 0, status)
	require.Equal(t, "base call yes\n", stdout.String())
}

func TestExeParseError(t *testing.T) {
	t.Parallel()

	executor, _, _ := newTestExecutor()
	_, err := executor.Exe(context.Background(), Cmd{Line: "echo 'unclosed", Dir: t.TempDir()})
	require.Error(t, err)
}

func TestExeMissingProgram(t *testing.T) {
	t.Parallel()

	executor, _, _ := newTestExecutor()
	status, err := executor.Exe(context.Background(), Cmd{Line: "specrun-does-not-exist --flag", Dir: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, 127, status)
}

func TestExeDryRun(t *testing.T) {
	t.Parallel()

	executor, stdout, _ := newTestExecutor()
	executor.DryRun = true
	dir := filepath.Join(t.TempDir(), "never")

	status, err := executor.Exe(context.Background(), Cmd{Line: "echo hi; exit 4", Dir: dir})
	require.NoError(t, err)
	require.Equal(t, 0, status)
	require.Empty(t, stdout.String())
	require.NoDirExists(t, dir)
}

func TestRun(t *testing.T) {
	t.Parallel()

	executor, _, _ := newTestExecutor()
	dir := t.TempDir()

	require.NoError(t, Run(context.Background(), executor, Cmd{Line: "true", Dir: dir}))

	err := Run(context.Background(), executor, Cmd{Line: "exit 2", Dir: dir})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	require.Equal(t, 2, exitErr.Status)
	require.Equal(t, dir, exitErr.Dir)
	require.Contains(t, err.Error(), "exit status 2")
}

func TestCommandQuoting(t *testing.T) {
	t.Parallel()

	require.Equal(t, "git clone -- https://example.com/repo dest", Command("git", "clone", "--", "https://example.com/repo", "dest"))
	require.Equal(t, `hg clone 'with space' ''`, Command("hg", "clone", "with space", ""))
	require.Equal(t, `echo 'it'"'"'s'`, Command("echo", "it's"))
	require.Equal(t, `'A=b' c=d`, Command("A=b", "c=d"))

	args := []string{"plain", "with space", "it's", "$HOME", "*.c", "a;b", "", "'", "--prefix=/usr"}
	executor, stdout, _ := newTestExecutor()
	status, err := executor.Exe(context.Background(), Cmd{
		Line: Command(append([]string{"printf", "%s|"}, args...)...),
		Dir:  t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, 0, status)
	require.Equal(t, strings.Join(args, "|")+"|", stdout.String())
}
