// Package repos fetches source repositories through a local cache. Every URL gets
// its own store directory below the cache root whose name is derived from the URL.
// Workspaces link (or copy) the store instead of cloning the remote again.
package repos
