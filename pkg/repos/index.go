package repos

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	bolt "go.etcd.io/bbolt"
)

var reposBucket = []byte("repos")

// Entry describes one store in the index
type Entry struct {
	URL       string    `json:"url"`
	Backend   string    `json:"backend"`
	Store     string    `json:"store"`
	ClonedAt  time.Time `json:"cloned_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Fetches   int       `json:"fetches"`
}

// Index keeps track of the stores in a cache. Entries are keyed by store name.
type Index struct {
	db *bolt.DB
}

func OpenIndex(path string) (*Index, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open index %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(reposBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, eris.Wrap(err, "failed to initialize index")
	}

	return &Index{db: db}, nil
}

func (i *Index) Close() error {
	return i.db.Close()
}

// Record stores entry. Fetches and the timestamps are maintained by the index; cloned
// resets ClonedAt.
func (i *Index) Record(entry Entry, cloned bool) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(reposBucket)
		now := time.Now().UTC()

		var previous Entry
		if item := bucket.Get([]byte(entry.Store)); item != nil {
			err := json.Unmarshal(item, &previous)
			if err != nil {
				return eris.Wrapf(err, "failed to decode index entry %s", entry.Store)
			}
		}

		entry.Fetches = previous.Fetches + 1
		entry.ClonedAt = previous.ClonedAt
		if cloned || entry.ClonedAt.IsZero() {
			entry.ClonedAt = now
		}
		entry.UpdatedAt = now

		encoded, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(entry.Store), encoded)
	})
}

// Get returns nil if store isn't indexed
func (i *Index) Get(store string) (*Entry, error) {
	var entry *Entry
	err := i.db.View(func(tx *bolt.Tx) error {
		item := tx.Bucket(reposBucket).Get([]byte(store))
		if item == nil {
			return nil
		}

		entry = new(Entry)
		return json.Unmarshal(item, entry)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read index entry %s", store)
	}
	return entry, nil
}

// List returns all entries sorted by store name
func (i *Index) List() ([]Entry, error) {
	result := make([]Entry, 0)
	err := i.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(reposBucket).ForEach(func(k, v []byte) error {
			var entry Entry
			err := json.Unmarshal(v, &entry)
			if err != nil {
				return eris.Wrapf(err, "failed to decode index entry %s", string(k))
			}

			result = append(result, entry)
			return nil
		})
	})
	return result, err
}

func (i *Index) Remove(store string) error {
	return i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(reposBucket).Delete([]byte(store))
	})
}
