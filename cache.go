package autocert

import (
	"errors"
	"fmt"

	"github.com/tidwall/buntdb"
)

// Cache is the opaque keyed store the Manager uses to persist certificate
// bundles and the account key across process restarts. Values are whatever
// bytes the caller stored; the Manager treats cache reads as untrusted past
// the renewal check (stale or malformed bytes are simply treated as absent).
type Cache interface {
	// Get returns the value for key, or ok == false if the key is absent.
	Get(key string) (value []byte, ok bool, err error)
	// Set stores value under key, overwriting any existing value.
	Set(key string, value []byte) error
	// Clear removes every key from the cache.
	Clear() error
	// Keys enumerates every key currently stored.
	Keys() ([]string, error)
}

// fileCache is the default Cache, an embedded key/value store rooted at a
// single file on disk, grounded on the wrap-a-handle-in-a-struct idiom used
// for small embedded stores elsewhere in the pack.
type fileCache struct {
	db *buntdb.DB
}

// NewFileCache opens (creating if absent) an embedded key/value store at
// path for use as a Manager's disk cache.
func NewFileCache(path string) (Cache, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("autocert: could not open cache at %s: %w", path, err)
	}
	return &fileCache{db: db}, nil
}

func (c *fileCache) Get(key string) ([]byte, bool, error) {
	var value string
	err := c.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(value), true, nil
}

func (c *fileCache) Set(key string, value []byte) error {
	return c.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), nil)
		return err
	})
}

func (c *fileCache) Clear() error {
	return c.db.Update(func(tx *buntdb.Tx) error {
		var keys []string
		if err := tx.Ascend("", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		}); err != nil {
			return err
		}
		for _, key := range keys {
			if _, err := tx.Delete(key); err != nil && !errors.Is(err, buntdb.ErrNotFound) {
				return err
			}
		}
		return nil
	})
}

func (c *fileCache) Keys() ([]string, error) {
	var keys []string
	err := c.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("", func(key, _ string) bool {
			keys = append(keys, key)
			return true
		})
	})
	return keys, err
}

// Close closes the underlying store. Safe to call on any Cache value that
// happens to be a *fileCache; other Cache implementations are left alone.
func Close(cache Cache) error {
	if fc, ok := cache.(*fileCache); ok {
		return fc.db.Close()
	}
	return nil
}
