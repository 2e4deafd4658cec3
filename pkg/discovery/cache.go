package discovery

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/esgf-tools/esgfetch/internal/logger"
)

// Cache memoizes fetched THREDDS catalog bodies so repeated discover runs
// against an unchanged federation skip the per-dataset XML round trips.
// Entries expire with a TTL; badger reclaims them on its own.
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenCache opens (or creates) the cache at dir.
func OpenCache(dir string, ttl time.Duration) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog cache at %q: %w", dir, err)
	}
	logger.Debug("Catalog cache opened", "dir", dir, "ttl", ttl.String())
	return &Cache{db: db, ttl: ttl}, nil
}

// Get returns the cached body for url, if present and unexpired.
func (c *Cache) Get(url string) ([]byte, bool) {
	var body []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(url))
		if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			logger.Warn("Catalog cache read failed", logger.KeyURL, url, logger.Err(err))
		}
		return nil, false
	}
	return body, true
}

// Put stores the body for url with the cache TTL. Failures are logged and
// swallowed; the cache is advisory.
func (c *Cache) Put(url string, body []byte) {
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(url), body).WithTTL(c.ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		logger.Warn("Catalog cache write failed", logger.KeyURL, url, logger.Err(err))
	}
}

// Close releases the cache.
func (c *Cache) Close() error {
	return c.db.Close()
}
