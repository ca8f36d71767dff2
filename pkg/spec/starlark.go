package spec

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"

	"github.com/ngld/specrun/pkg/srlog"
)

// ScriptOption is an option declared by a Starlark spec through option()
type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

// Default returns the default value of the option
func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

type scriptCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	yamlCache    map[string]Tree
	filepath     string
	initPhase    bool
}

func getCtx(thread *starlark.Thread) *scriptCtx {
	return thread.Local("scriptCtx").(*scriptCtx)
}

// friendlyPath returns path relative to the working directory if that's shorter
func friendlyPath(path string) string {
	wd, err := os.Getwd()
	if err != nil {
		return path
	}

	rel, err := filepath.Rel(wd, path)
	if err != nil || len(rel) > len(path) {
		return path
	}
	return rel
}

// LoadStarlark executes a Starlark spec and returns the spec it produces together with
// the options it declared. The script either defines a configure() function returning
// a dict or a global dict called spec.
func LoadStarlark(ctx context.Context, filename string, options map[string]string) (Tree, map[string]ScriptOption, error) {
	filename, err := filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	if options == nil {
		options = map[string]string{}
	}

	builtins := starlark.StringDict{
		"OS":        starlark.String(runtime.GOOS),
		"ARCH":      starlark.String(runtime.GOARCH),
		"info":      starlark.NewBuiltin("info", starInfo),
		"warn":      starlark.NewBuiltin("warn", starWarn),
		"error":     starlark.NewBuiltin("error", starError),
		"option":    starlark.NewBuiltin("option", option),
		"getenv":    starlark.NewBuiltin("getenv", getenv),
		"read_yaml": starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":     starlark.NewBuiltin("isdir", starIsdir),
		"isfile":    starlark.NewBuiltin("isfile", starIsfile),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			srlog.Log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := scriptCtx{
		ctx:          ctx,
		filepath:     filename,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		yamlCache:    make(map[string]Tree),
		initPhase:    true,
	}
	thread.SetLocal("scriptCtx", &threadCtx)

	script, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to read file")
	}

	name := friendlyPath(filename)
	globals, err := starlark.ExecFile(thread, name, script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, eris.Errorf("failed to execute %s:\n%s", name, evalError.Backtrace())
		}
		return nil, nil, eris.Wrapf(err, "failed to execute %s", name)
	}

	for key := range threadCtx.optionValues {
		if _, declared := threadCtx.options[key]; !declared {
			srlog.Log(ctx).Warn().Str("option", key).Msgf("%s does not declare option %s", name, key)
		}
	}

	var result starlark.Value
	if configure, ok := globals["configure"]; ok {
		configureFunc, ok := configure.(starlark.Callable)
		if !ok {
			return nil, nil, eris.Errorf("%s did declare a configure value but it's not a function", name)
		}

		threadCtx.initPhase = false
		result, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
		if err != nil {
			if evalError, ok := err.(*starlark.EvalError); ok {
				return nil, nil, eris.New(evalError.Backtrace())
			}
			return nil, nil, eris.Wrapf(err, "failed configure call in %s", name)
		}
	} else if value, ok := globals["spec"]; ok {
		result = value
	} else {
		return nil, nil, eris.Errorf("%s declares neither a configure function nor a spec value", name)
	}

	if _, ok := result.(*starlark.Dict); !ok {
		return nil, nil, eris.Errorf("%s: expected the spec to be a dict but found %s", name, result.Type())
	}

	converted, err := fromStarlark(result)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to convert spec from %s", name)
	}

	return converted.(Tree), threadCtx.options, nil
}

func fromStarlark(value starlark.Value) (interface{}, error) {
	switch value := value.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(value), nil
	case starlark.Int:
		num, ok := value.Int64()
		if !ok {
			return nil, eris.Errorf("integer %s is out of range", value.String())
		}
		return int(num), nil
	case starlark.Float:
		return float64(value), nil
	case starlark.String:
		return value.GoString(), nil
	case *starlark.List:
		return indexableToSlice(value)
	case starlark.Tuple:
		return indexableToSlice(value)
	case *starlark.Dict:
		result := make(Tree, value.Len())
		for _, item := range value.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in dict but only strings are supported", item[0].Type())
			}

			converted, err := fromStarlark(item[1])
			if err != nil {
				return nil, eris.Wrapf(err, "key %s", key.GoString())
			}
			result[key.GoString()] = converted
		}
		return result, nil
	}

	return nil, eris.Errorf("encountered unsupported type %s", value.Type())
}

func indexableToSlice(value starlark.Indexable) ([]interface{}, error) {
	result := make([]interface{}, value.Len())
	for idx := range result {
		converted, err := fromStarlark(value.Index(idx))
		if err != nil {
			return nil, eris.Wrapf(err, "item #%d", idx)
		}
		result[idx] = converted
	}
	return result, nil
}

func toStarlark(value interface{}) (starlark.Value, error) {
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case bool:
		return starlark.Bool(value), nil
	case float64:
		return starlark.Float(value), nil
	case []interface{}:
		items := make([]starlark.Value, len(value))
		for idx, raw := range value {
			item, err := toStarlark(raw)
			if err != nil {
				return nil, err
			}
			items[idx] = item
		}
		return starlark.NewList(items), nil
	case Tree:
		dict := starlark.NewDict(len(value))
		for _, k := range value.Keys() {
			item, err := toStarlark(value[k])
			if err != nil {
				return nil, err
			}

			err = dict.SetKey(starlark.String(k), item)
			if err != nil {
				return nil, err
			}
		}
		return dict, nil
	}

	return nil, eris.Errorf("encountered unsupported type %s", fmt.Sprintf("%T", value))
}
