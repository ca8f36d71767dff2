package spec

import (
	"fmt"
	"math"
	"sort"

	"github.com/rotisserie/eris"
)

// Tree is a decoded build spec. Values are strings, ints, floats, bools, nil,
// []interface{} or nested Trees.
type Tree map[string]interface{}

// Keys returns the keys of the tree in sorted order
func (t Tree) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Has reports whether key is present (even if its value is nil)
func (t Tree) Has(key string) bool {
	_, ok := t[key]
	return ok
}

// Map returns the nested mapping stored under key
func (t Tree) Map(key string) (Tree, bool) {
	value, ok := t[key].(Tree)
	return value, ok
}

// String returns the string value of key or def if the key is missing
func (t Tree) String(key, def string) (string, error) {
	value, ok := t[key]
	if !ok || value == nil {
		return def, nil
	}

	str, err := ToString(value)
	if err != nil {
		return "", eris.Wrapf(err, "invalid value for %s", key)
	}
	return str, nil
}

// Int returns the integer value of key or def if the key is missing
func (t Tree) Int(key string, def int) (int, error) {
	value, ok := t[key]
	if !ok || value == nil {
		return def, nil
	}

	num, err := ToInt(value)
	if err != nil {
		return 0, eris.Wrapf(err, "invalid value for %s", key)
	}
	return num, nil
}

// Bool returns the boolean value of key or def if the key is missing
func (t Tree) Bool(key string, def bool) (bool, error) {
	value, ok := t[key]
	if !ok || value == nil {
		return def, nil
	}

	b, ok := value.(bool)
	if !ok {
		return false, eris.Errorf("invalid value for %s: expected a boolean but found %T", key, value)
	}
	return b, nil
}

// Strings returns the list of strings stored under key
func (t Tree) Strings(key string) ([]string, error) {
	value, ok := t[key]
	if !ok || value == nil {
		return []string{}, nil
	}

	list, err := ToStrings(value)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid value for %s", key)
	}
	return list, nil
}

// ToString converts scalar spec values to a string. Numbers and booleans are
// formatted, nil becomes the empty string.
func ToString(value interface{}) (string, error) {
	switch value := value.(type) {
	case nil:
		return "", nil
	case string:
		return value, nil
	case int, int64, float64, bool:
		return fmt.Sprint(value), nil
	}

	return "", eris.Errorf("expected a string but found %T", value)
}

// ToInt converts integral spec values to an int
func ToInt(value interface{}) (int, error) {
	switch value := value.(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case float64:
		if value == math.Trunc(value) {
			return int(value), nil
		}
	}

	return 0, eris.Errorf("expected an integer but found %v", value)
}

// ToStrings converts a list of scalars (or a single scalar) to a string slice
func ToStrings(value interface{}) ([]string, error) {
	switch value := value.(type) {
	case []interface{}:
		result := make([]string, len(value))
		for idx, item := range value {
			str, err := ToString(item)
			if err != nil {
				return nil, eris.Wrapf(err, "item #%d", idx)
			}
			result[idx] = str
		}
		return result, nil
	case []string:
		return value, nil
	}

	str, err := ToString(value)
	if err != nil {
		return nil, eris.Errorf("expected a list of strings but found %T", value)
	}
	return []string{str}, nil
}

// normalize converts decoder output into Tree/[]interface{} values
func normalize(value interface{}) interface{} {
	switch value := value.(type) {
	case Tree:
		for k, v := range value {
			value[k] = normalize(v)
		}
		return value
	case map[string]interface{}:
		result := make(Tree, len(value))
		for k, v := range value {
			result[k] = normalize(v)
		}
		return result
	case map[interface{}]interface{}:
		result := make(Tree, len(value))
		for k, v := range value {
			result[fmt.Sprint(k)] = normalize(v)
		}
		return result
	case []interface{}:
		for idx, v := range value {
			value[idx] = normalize(v)
		}
		return value
	}

	return value
}
