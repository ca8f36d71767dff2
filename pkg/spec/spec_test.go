package spec

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()

	tree, err := LoadYAML(strings.NewReader(`
repo:
  backend: git
  url: https://example.com/foo/bar
code:
  subdir: src
build:
  autotools:
    configurations:
      - ""
      - --enable-debug
    jobs: 4
`), "build.yml")
	require.NoError(t, err)
	require.Equal(t, []string{"build", "code", "repo"}, tree.Keys())

	repo, ok := tree.Map("repo")
	require.True(t, ok)
	backend, err := repo.String("backend", "")
	require.NoError(t, err)
	require.Equal(t, "git", backend)

	build, ok := tree.Map("build")
	require.True(t, ok)
	autotools, ok := build.Map("autotools")
	require.True(t, ok)

	confs, err := autotools.Strings("configurations")
	require.NoError(t, err)
	require.Equal(t, []string{"", "--enable-debug"}, confs)

	jobs, err := autotools.Int("jobs", 1)
	require.NoError(t, err)
	require.Equal(t, 4, jobs)

	check, err := autotools.Bool("check", true)
	require.NoError(t, err)
	require.True(t, check)
}

func TestLoadYAMLEmptyAndInvalid(t *testing.T) {
	t.Parallel()

	tree, err := LoadYAML(strings.NewReader(""), "empty.yml")
	require.NoError(t, err)
	require.Empty(t, tree)

	_, err = LoadYAML(strings.NewReader("- a\n- b\n"), "list.yml")
	require.Error(t, err)
	require.Contains(t, err.Error(), "expected a mapping")

	_, err = LoadYAML(strings.NewReader("repo: [unclosed"), "broken.yml")
	require.Error(t, err)
}

func TestLoadYAMLNonStringKeys(t *testing.T) {
	t.Parallel()

	tree, err := LoadYAML(strings.NewReader("versions:\n  1: one\n  2: two\n"), "keys.yml")
	require.NoError(t, err)

	versions, ok := tree.Map("versions")
	require.True(t, ok)
	require.Equal(t, "one", versions["1"])
}

func TestTreeAccessorErrors(t *testing.T) {
	t.Parallel()

	tree := Tree{"jobs": "many", "check": "yes", "list": Tree{}, "half": 1.5}

	_, err := tree.Int("jobs", 1)
	require.Error(t, err)

	_, err = tree.Int("half", 1)
	require.Error(t, err)

	_, err = tree.Bool("check", false)
	require.Error(t, err)

	_, err = tree.Strings("list")
	require.Error(t, err)

	_, err = tree.String("list", "")
	require.Error(t, err)

	single, err := Tree{"configurations": "--prefix=/usr"}.Strings("configurations")
	require.NoError(t, err)
	require.Equal(t, []string{"--prefix=/usr"}, single)
}

func TestLoadByExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	yamlPath := writeFile(t, dir, "build.yaml", "code:\n  subdir: src\n")
	tree, err := Load(context.Background(), yamlPath, nil)
	require.NoError(t, err)
	require.Contains(t, tree, "code")

	_, err = Load(context.Background(), writeFile(t, dir, "build.json", "{}"), nil)
	require.Error(t, err)

	_, err = Load(context.Background(), filepath.Join(dir, "missing.yml"), nil)
	require.Error(t, err)
}

func TestLoadStarlarkConfigure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, dir, "versions.yml", "autoconf:\n  flags: --enable-debug\n")
	path := writeFile(t, dir, "build.star", `
prefix = option("prefix", "/usr/local", help = "installation prefix")
debug_flag = read_yaml("versions.yml", "autoconf.flags", "")

def configure():
    confs = ["--prefix=" + prefix]
    if isfile("versions.yml"):
        confs.append(debug_flag)
    return {
        "repo": {"backend": "git", "url": "https://example.com/foo/bar"},
        "build": {"autotools": {"configurations": confs, "jobs": 2, "check": False}},
        "empty": None,
    }
`)

	tree, options, err := LoadStarlark(context.Background(), path, map[string]string{"prefix": "/opt"})
	require.NoError(t, err)
	require.Equal(t, "/usr/local", options["prefix"].Default())
	require.Equal(t, "installation prefix", options["prefix"].Help)

	build, ok := tree.Map("build")
	require.True(t, ok)
	autotools, ok := build.Map("autotools")
	require.True(t, ok)
	require.Equal(t, []interface{}{"--prefix=/opt", "--enable-debug"}, autotools["configurations"])
	require.Equal(t, 2, autotools["jobs"])
	require.Equal(t, false, autotools["check"])
	require.Nil(t, tree["empty"])
	require.True(t, tree.Has("empty"))
}

func TestLoadStarlarkGlobalSpec(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeFile(t, dir, "build.star", `spec = {"code": {"subdir": "src"}, "os": OS}`)

	tree, err := Load(context.Background(), path, nil)
	require.NoError(t, err)
	code, ok := tree.Map("code")
	require.True(t, ok)
	require.Equal(t, "src", code["subdir"])
	require.NotEmpty(t, tree["os"])
}

func TestLoadStarlarkErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cases := map[string]string{
		"missing.star":  `x = 1`,
		"notdict.star":  `spec = ["a"]`,
		"notfunc.star":  `configure = 1`,
		"error.star":    `error("unsupported platform")`,
		"lateopt.star":  "def configure():\n    option(\"late\")\n    return {}\n",
		"badkey.star":   `spec = {1: "one"}`,
		"badvalue.star": `spec = {"fn": len}`,
		"syntax.star":   `spec = {`,
	}

	for name, content := range cases {
		path := writeFile(t, dir, name, content)
		_, _, err := LoadStarlark(context.Background(), path, nil)
		require.Error(t, err, name)
	}
}

func TestFind(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	expected := writeFile(t, root, "a/build.star", "spec = {}")
	writeFile(t, root, "build.yml", "{}")

	found, err := Find(nested)
	require.NoError(t, err)
	require.Equal(t, expected, found)

	writeFile(t, root, "a/build.yml", "{}")
	found, err = Find(nested)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "a", "build.yml"), found)
}

func TestFindNothing(t *testing.T) {
	t.Parallel()

	_, err := Find(t.TempDir())
	if err == nil {
		// a build spec somewhere above the temp dir; nothing to check
		t.Skip("found a spec file above the temporary directory")
	}
	require.True(t, eris.Is(err, ErrNotFound))
}

func TestDump(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, Tree{"repo": Tree{"url": "https://example.com/x"}, "a": 1}))
	require.Equal(t, "a: 1\nrepo:\n  url: https://example.com/x\n", buf.String())
}
