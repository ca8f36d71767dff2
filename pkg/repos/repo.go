package repos

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rotisserie/eris"

	"github.com/ngld/specrun/pkg/calls"
	"github.com/ngld/specrun/pkg/srlog"
)

// ErrTargetExists is returned by Repo.Clone if the target is a real directory
var ErrTargetExists = eris.New("target exists and is not a link")

// ErrStoreConflict is returned if two different URLs map to the same store
var ErrStoreConflict = eris.New("store is used by another URL")

// ErrInvalidURL is returned for URLs that don't map to a directory below the cache root
var ErrInvalidURL = eris.New("URL can't be used as a store name")

var unsafeChars = regexp.MustCompile(`[^-_.A-Za-z0-9]`)

// FileName turns url into a name that's safe to use as a directory name. Each unsafe
// character is replaced by an underscore.
func FileName(url string) string {
	return unsafeChars.ReplaceAllString(url, "_")
}

// checkStoreName rejects names that would point at the cache root or its parent
func checkStoreName(name string) error {
	if name == "" || name == "." || name == ".." || filepath.Clean(name) != name || filepath.Base(name) != name {
		return eris.Wrapf(ErrInvalidURL, "store name %q", name)
	}
	return nil
}

// DefaultRoot returns the cache root used if none is configured
func DefaultRoot() string {
	return filepath.Join(os.TempDir(), "repos_cache")
}

// LinkMode controls how Repo.Clone places a checkout. LinkCopy gives every workspace
// its own checkout; LinkSymlink points the workspace at the store itself.
type LinkMode string

const (
	LinkSymlink LinkMode = "symlink"
	LinkCopy    LinkMode = "copy"
)

// RetryPolicy controls how often failed fetches are retried
type RetryPolicy struct {
	// Attempts is the number of retries after the first try
	Attempts uint64
	Initial  time.Duration
	MaxWait  time.Duration
}

func (p RetryPolicy) backoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if p.Initial > 0 {
		eb.InitialInterval = p.Initial
	}
	if p.MaxWait > 0 {
		eb.MaxInterval = p.MaxWait
	}
	eb.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(eb, p.Attempts), ctx)
}

// Cache manages the store directories below Root
type Cache struct {
	Root  string
	Link  LinkMode
	Retry RetryPolicy
	// Index is optional
	Index *Index

	backends map[string]Backend
}

// NewCache returns a cache with the git, hg and archive backends registered
func NewCache(root string, runner calls.Runner) *Cache {
	if root == "" {
		root = DefaultRoot()
	}

	c := &Cache{
		Root: root,
		Link: LinkCopy,
		Retry: RetryPolicy{
			Attempts: 2,
			Initial:  time.Second,
			MaxWait:  10 * time.Second,
		},
		backends: map[string]Backend{},
	}

	c.Register(&Git{Runner: runner})
	c.Register(&Mercurial{Runner: runner})
	c.Register(NewArchive())
	return c
}

// Register adds or replaces a backend
func (c *Cache) Register(b Backend) {
	if c.backends == nil {
		c.backends = map[string]Backend{}
	}
	c.backends[b.Name()] = b
}

func (c *Cache) Backend(name string) (Backend, error) {
	b, ok := c.backends[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownBackend, "backend %q", name)
	}
	return b, nil
}

// Backends returns the sorted names of all registered backends
func (c *Cache) Backends() []string {
	names := make([]string, 0, len(c.backends))
	for name := range c.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StorePath returns the store directory for url
func (c *Cache) StorePath(url string) (string, error) {
	name := FileName(url)
	err := checkStoreName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(c.Root, name), nil
}

func (c *Cache) Repo(backend string, src Source) (*Repo, error) {
	b, err := c.Backend(backend)
	if err != nil {
		return nil, err
	}

	if src.URL == "" {
		return nil, eris.New("missing URL")
	}

	store, err := c.StorePath(src.URL)
	if err != nil {
		return nil, err
	}

	return &Repo{cache: c, backend: b, src: src, store: store}, nil
}

// Clean removes the stores of the passed URLs
func (c *Cache) Clean(ctx context.Context, urls ...string) ([]Entry, error) {
	removed := make([]Entry, 0, len(urls))
	for _, url := range urls {
		entry := Entry{URL: url, Store: FileName(url)}
		if err := checkStoreName(entry.Store); err != nil {
			return removed, err
		}
		if c.Index != nil {
			known, err := c.Index.Get(entry.Store)
			if err != nil {
				return removed, err
			}
			if known != nil {
				entry = *known
			}
		}

		err := c.remove(ctx, entry)
		if err != nil {
			return removed, err
		}
		removed = append(removed, entry)
	}

	return removed, nil
}

// Prune removes all indexed stores that weren't updated within olderThan
func (c *Cache) Prune(ctx context.Context, olderThan time.Duration) ([]Entry, error) {
	if c.Index == nil {
		return nil, eris.New("pruning requires the cache index")
	}

	entries, err := c.Index.List()
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-olderThan)
	removed := make([]Entry, 0)
	for _, entry := range entries {
		if entry.UpdatedAt.After(cutoff) {
			continue
		}

		err = c.remove(ctx, entry)
		if err != nil {
			return removed, err
		}
		removed = append(removed, entry)
	}

	return removed, nil
}

func (c *Cache) remove(ctx context.Context, entry Entry) error {
	err := checkStoreName(entry.Store)
	if err != nil {
		return err
	}

	path := filepath.Join(c.Root, entry.Store)
	srlog.Log(ctx).Info().Str("store", path).Msg("Removing store")

	err = os.RemoveAll(path)
	if err != nil {
		return eris.Wrapf(err, "failed to remove %s", path)
	}

	if c.Index != nil {
		return c.Index.Remove(entry.Store)
	}
	return nil
}

// Repo is a source bound to its store directory
type Repo struct {
	cache   *Cache
	backend Backend
	src     Source
	store   string
}

func (r *Repo) Source() Source {
	return r.src
}

func (r *Repo) Store() string {
	return r.store
}

func (r *Repo) IsCloned() bool {
	return isDir(r.Store()) && r.backend.IsCheckout(r.Store())
}

func (r *Repo) checkStore() error {
	if r.cache.Index == nil {
		return nil
	}

	entry, err := r.cache.Index.Get(FileName(r.src.URL))
	if err != nil {
		return err
	}
	if entry != nil && entry.URL != r.src.URL {
		return eris.Wrapf(ErrStoreConflict, "%s maps to the store of %s", r.src.URL, entry.URL)
	}
	return nil
}

// Fetch makes sure the store contains an up-to-date checkout
func (r *Repo) Fetch(ctx context.Context) error {
	err := r.checkStore()
	if err != nil {
		return err
	}

	store := r.Store()
	wasCloned := r.IsCloned()
	logger := srlog.Log(ctx).With().Str("url", r.src.URL).Str("store", store).Logger()

	attempt := func() error {
		if r.IsCloned() {
			logger.Debug().Msg("Updating store")
			return r.backend.Update(ctx, r.src, store)
		}

		// partial leftovers from a failed clone would make the next clone fail as well
		if _, err := os.Stat(store); err == nil {
			err = os.RemoveAll(store)
			if err != nil {
				return backoff.Permanent(eris.Wrapf(err, "failed to remove incomplete store %s", store))
			}
		}

		logger.Debug().Msg("Cloning into store")
		err := r.backend.Clone(ctx, r.src, store)
		if err != nil && r.IsCloned() {
			logger.Warn().Err(err).Msg("Clone failed, trying to update the existing store instead")
			return r.backend.Update(ctx, r.src, store)
		}
		return err
	}

	err = backoff.RetryNotify(attempt, r.cache.Retry.backoff(ctx), func(err error, wait time.Duration) {
		logger.Warn().Err(err).Dur("retry_in", wait).Msg("Fetch failed")
	})
	if err != nil {
		return eris.Wrapf(err, "failed to fetch %s", r.src.URL)
	}

	if r.cache.Index != nil {
		return r.cache.Index.Record(Entry{
			URL:     r.src.URL,
			Backend: r.backend.Name(),
			Store:   FileName(r.src.URL),
		}, !wasCloned)
	}
	return nil
}

// Clone fetches the store and then places it at target according to the cache's link mode
func (r *Repo) Clone(ctx context.Context, target string) error {
	err := r.Fetch(ctx)
	if err != nil {
		return err
	}

	target, err = filepath.Abs(target)
	if err != nil {
		return eris.Wrapf(err, "failed to resolve %s", target)
	}

	store := r.Store()
	if r.cache.Link == LinkCopy {
		if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
			err = os.Remove(target)
			if err != nil {
				return eris.Wrapf(err, "failed to remove link %s", target)
			}
		}

		err = r.backend.Mirror(ctx, store, target)
		if err != nil {
			return eris.Wrapf(err, "failed to copy %s to %s", store, target)
		}
		return nil
	}

	info, err := os.Lstat(target)
	if err == nil {
		if info.IsDir() {
			return eris.Wrapf(ErrTargetExists, "refusing to replace %s", target)
		}

		err = os.Remove(target)
		if err != nil {
			return eris.Wrapf(err, "failed to remove %s", target)
		}
	} else if !os.IsNotExist(err) {
		return eris.Wrapf(err, "failed to check %s", target)
	}

	err = os.MkdirAll(filepath.Dir(target), 0o755)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", filepath.Dir(target))
	}

	err = os.Symlink(store, target)
	if err != nil {
		return eris.Wrapf(err, "failed to link %s to %s", target, store)
	}
	return nil
}

// Stores lists the store directories below the cache root, including ones the index doesn't know
func (c *Cache) Stores() ([]string, error) {
	items, err := ioutil.ReadDir(c.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, eris.Wrapf(err, "failed to read %s", c.Root)
	}

	result := make([]string, 0, len(items))
	for _, item := range items {
		if item.IsDir() {
			result = append(result, item.Name())
		}
	}
	return result, nil
}
