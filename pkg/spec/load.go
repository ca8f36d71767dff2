package spec

import (
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Find if no spec file exists in any parent directory
var ErrNotFound = eris.New("no build spec found")

// FileNames lists the spec names Find looks for, in order of preference
var FileNames = []string{"build.yml", "build.yaml", "build.star"}

// Load reads the spec at path. The loader is picked based on the file extension.
// options are only used by Starlark specs.
func Load(ctx context.Context, path string, options map[string]string) (Tree, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		handle, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to open %s", path)
		}
		defer handle.Close()

		return LoadYAML(handle, path)
	case ".star":
		tree, _, err := LoadStarlark(ctx, path, options)
		return tree, err
	}

	return nil, eris.Errorf("unsupported spec format %s", path)
}

// LoadYAML decodes a YAML document. The root of the document has to be a mapping.
func LoadYAML(r io.Reader, name string) (Tree, error) {
	content, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", name)
	}

	var doc interface{}
	err = yaml.Unmarshal(content, &doc)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", name)
	}

	if doc == nil {
		return Tree{}, nil
	}

	tree, ok := normalize(doc).(Tree)
	if !ok {
		return nil, eris.Errorf("%s: expected a mapping at the top level but found %T", name, doc)
	}
	return tree, nil
}

// Find searches dir and its parents for the first spec file
func Find(dir string) (string, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", eris.Wrapf(err, "failed to resolve %s", dir)
	}

	for {
		for _, name := range FileNames {
			specPath := filepath.Join(path, name)
			_, err := os.Stat(specPath)
			if err == nil {
				return specPath, nil
			}
			if !eris.Is(err, os.ErrNotExist) {
				return "", eris.Wrapf(err, "failed to check %s", specPath)
			}
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", eris.Wrapf(ErrNotFound, "searched from %s", dir)
		}
		path = parent
	}
}

// Dump writes the tree as YAML
func Dump(w io.Writer, tree Tree) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)

	err := encoder.Encode(map[string]interface{}(tree))
	if err != nil {
		return eris.Wrap(err, "failed to encode spec")
	}
	return encoder.Close()
}
