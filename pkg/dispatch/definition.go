package dispatch

import (
	"context"

	"github.com/ngld/specrun/pkg/spec"
)

// Node is anything that can appear in a Definition
type Node interface {
	node()
}

type sentinel string

func (sentinel) node() {}

const (
	// Required marks keys that have to be present but don't trigger an action themselves
	Required sentinel = "required"
	// Optional marks keys that may be present and are read by a sibling handler
	Optional sentinel = "optional"
)

// HandlerFunc performs the side effect for a key. parent is the mapping that contains
// the key and value is the key's value.
type HandlerFunc func(ctx context.Context, run *Run, parent spec.Tree, value interface{}) error

func (HandlerFunc) node() {}

// Entry binds a key to a node
type Entry struct {
	Key  string
	Node Node
}

// Definition is an ordered list of entries. Entries are processed in order.
type Definition []Entry

func (Definition) node() {}

// Lookup returns the node for key
func (d Definition) Lookup(key string) (Node, bool) {
	for _, entry := range d {
		if entry.Key == key {
			return entry.Node, true
		}
	}
	return nil, false
}

// Keys returns the dotted path of every key in the definition
func (d Definition) Keys() []string {
	return d.keys("")
}

func (d Definition) keys(prefix string) []string {
	result := make([]string, 0, len(d))
	for _, entry := range d {
		path := joinPath(prefix, entry.Key)
		result = append(result, path)

		if sub, ok := entry.Node.(Definition); ok {
			result = append(result, sub.keys(path)...)
		}
	}
	return result
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Kind describes a node for humans
func Kind(n Node) string {
	switch n := n.(type) {
	case sentinel:
		return string(n)
	case Definition:
		return "section"
	case HandlerFunc:
		return "handler"
	}
	return "invalid"
}
