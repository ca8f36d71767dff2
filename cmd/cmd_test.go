package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestConsoleWriter(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := zerolog.New(NewConsoleWriter(buf))

	logger.Info().Str("step", "conf0").Msg("configuring")
	require.Contains(t, buf.String(), "conf0: configuring")

	buf.Reset()
	logger.Info().Str("dir", "/srv/build").Bool("command", true).Msg("make -j4")
	require.Contains(t, buf.String(), "$ make -j4")
	require.Contains(t, buf.String(), "/srv/build")

	buf.Reset()
	logger.Error().Err(eris.New("exit status 2")).Msg("build failed")
	require.Contains(t, buf.String(), "Error: build failed")
	require.Contains(t, buf.String(), "exit status 2")
}

func TestConsoleWriterRejectsGarbage(t *testing.T) {
	_, err := NewConsoleWriter(new(bytes.Buffer)).Write([]byte("not json"))
	require.Error(t, err)
}

func TestSplitArgs(t *testing.T) {
	path, options, err := splitArgs([]string{"build.star", "debug=yes", "prefix=/usr"})
	require.NoError(t, err)
	require.Equal(t, "build.star", path)
	require.Equal(t, map[string]string{"debug": "yes", "prefix": "/usr"}, options)

	_, _, err = splitArgs([]string{"a.yml", "b.yml"})
	require.Error(t, err)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	require.NoError(t, runCmd.Flags().Set("dry", "false"))

	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

// executeIn runs the CLI with a configuration file and cache inside dir
func executeIn(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()

	configPath := filepath.Join(dir, "specrun.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("[log]\nlevel = \"warn\"\n"), 0o644))

	return execute(t, append(args,
		"--config", configPath,
		"--cache-dir", filepath.Join(dir, "cache"),
		"--log-level", "warn",
	)...)
}

func executeCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeIn(t, t.TempDir(), args...)
}

func writeSpec(t *testing.T, dir, content string) string {
	t.Helper()

	path := filepath.Join(dir, "build.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRunCommand(t *testing.T) {
	work := t.TempDir()
	specPath := writeSpec(t, work, `
env:
  GREETING: hello
build:
  commands:
    - echo "$GREETING" > out.txt
`)

	_, err := executeCmd(t, "run", specPath, "--workdir", work)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(work, "out.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(content))
}

func TestRunCommandDry(t *testing.T) {
	work := t.TempDir()
	specPath := writeSpec(t, work, `
build:
  commands: ["echo hi > out.txt"]
`)
	dir := t.TempDir()

	_, err := executeIn(t, dir, "run", specPath, "--workdir", work, "--dry")
	require.NoError(t, err)
	require.NoFileExists(t, filepath.Join(work, "out.txt"))

	// dry runs leave the cache alone
	require.NoDirExists(t, filepath.Join(dir, "cache"))
}

func TestMissingConfigFile(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "keys",
		"--config", filepath.Join(dir, "typo.toml"),
		"--cache-dir", filepath.Join(dir, "cache"),
	)
	require.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	work := t.TempDir()
	specPath := writeSpec(t, work, `
repo:
  url: https://example.com/lib.git
`)

	_, err := executeCmd(t, "validate", specPath)
	require.Error(t, err)
	require.Contains(t, err.Error(), "repo.backend")
}

func TestShowCommand(t *testing.T) {
	work := t.TempDir()
	specPath := writeSpec(t, work, "repo: {backend: git, url: https://example.com/lib.git}\n")

	out, err := executeCmd(t, "show", specPath)
	require.NoError(t, err)
	require.Contains(t, out, "backend: git")
}

func TestKeysCommand(t *testing.T) {
	out, err := executeCmd(t, "keys")
	require.NoError(t, err)
	require.Contains(t, out, "repo.url:")
	require.Contains(t, out, "handler")
	require.Contains(t, out, "required")
}

func TestCachePathCommand(t *testing.T) {
	out, err := executeCmd(t, "cache", "path", "https://example.com/lib.git")
	require.NoError(t, err)
	require.Contains(t, out, "https___example.com_lib.git")
}
