// Package spec loads build specs. A build spec is a nested mapping of keys that
// describes which repository to fetch and how to build it. Specs are written
// in YAML or, when they need a bit of logic, in Starlark.
package spec
