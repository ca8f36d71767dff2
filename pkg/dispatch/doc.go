// Package dispatch walks a build spec against a handler definition. The
// definition mirrors the shape of the spec: nested sections recurse into the
// matching sub-mapping, handler functions are called with the value of their
// key and sentinels mark keys that must (or may) exist but are consumed by a
// sibling handler.
package dispatch
