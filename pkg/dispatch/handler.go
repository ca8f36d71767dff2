package dispatch

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/ngld/specrun/pkg/spec"
	"github.com/ngld/specrun/pkg/srlog"
)

var (
	ErrMissingKey        = eris.New("required key is missing")
	ErrInvalidValue      = eris.New("value does not match the definition")
	ErrInvalidDefinition = eris.New("invalid definition")
)

// Handler dispatches the keys of a spec to the handler functions of its definition
type Handler struct {
	definition Definition
}

// New creates a handler for the given definition
func New(definition Definition) *Handler {
	return &Handler{definition: definition}
}

// Definition returns the definition the handler was created with
func (h *Handler) Definition() Definition {
	return h.definition
}

type problem struct {
	path   string
	reason error
}

// Validate checks the spec against the definition without running any handler. All
// missing required keys are reported at once. Required keys inside a section that is
// absent from the spec are not required.
func (h *Handler) Validate(tree spec.Tree) error {
	problems := make([]problem, 0)
	err := validate(h.definition, tree, "", &problems)
	if err != nil {
		return err
	}

	if len(problems) == 0 {
		return nil
	}

	// missing keys take precedence when deciding which sentinel to wrap
	reason := problems[0].reason
	paths := make([]string, len(problems))
	for idx, p := range problems {
		paths[idx] = p.path
		if p.reason == ErrMissingKey {
			reason = ErrMissingKey
		}
	}

	return eris.Wrapf(reason, "invalid spec (%s)", strings.Join(paths, ", "))
}

func validate(def Definition, tree spec.Tree, prefix string, problems *[]problem) error {
	for _, entry := range def {
		path := joinPath(prefix, entry.Key)
		value, present := tree[entry.Key]

		switch node := entry.Node.(type) {
		case sentinel:
			if node == Required && !present {
				*problems = append(*problems, problem{path: path, reason: ErrMissingKey})
			}
		case Definition:
			if !present {
				continue
			}

			sub, ok := section(value)
			if !ok {
				*problems = append(*problems, problem{path: path, reason: ErrInvalidValue})
				continue
			}

			err := validate(node, sub, path, problems)
			if err != nil {
				return err
			}
		case HandlerFunc:
			if node == nil {
				return eris.Wrapf(ErrInvalidDefinition, "%s has a nil handler", path)
			}
		default:
			return eris.Wrapf(ErrInvalidDefinition, "%s has an unsupported node %T", path, entry.Node)
		}
	}

	return nil
}

// section returns value as a mapping. An empty (nil) value counts as an empty mapping.
func section(value interface{}) (spec.Tree, bool) {
	if value == nil {
		return spec.Tree{}, true
	}

	sub, ok := value.(spec.Tree)
	return sub, ok
}

// Run validates run.Spec and then calls the handlers for all keys present in it, in
// definition order.
func (h *Handler) Run(ctx context.Context, run *Run) error {
	err := h.Validate(run.Spec)
	if err != nil {
		return err
	}

	return h.recurse(ctx, run, h.definition, run.Spec, "")
}

func (h *Handler) recurse(ctx context.Context, run *Run, def Definition, tree spec.Tree, prefix string) error {
	for _, key := range tree.Keys() {
		if _, known := def.Lookup(key); !known {
			srlog.Log(ctx).Warn().Str("key", joinPath(prefix, key)).Msg("ignoring unknown key")
		}
	}

	for _, entry := range def {
		if err := ctx.Err(); err != nil {
			return err
		}

		value, present := tree[entry.Key]
		if !present {
			continue
		}

		path := joinPath(prefix, entry.Key)
		switch node := entry.Node.(type) {
		case sentinel:
			// the value is needed later by a sibling but there's nothing to do here
		case Definition:
			sub, _ := section(value)
			err := h.recurse(ctx, run, node, sub, path)
			if err != nil {
				return err
			}
		case HandlerFunc:
			srlog.Log(ctx).Debug().Str("key", path).Msg("dispatching")

			err := node(ctx, run, tree, value)
			if err != nil {
				return eris.Wrapf(err, "%s failed", path)
			}
		}
	}

	return nil
}
