// Package invcache is the Badger-backed, TTL-bounded read-through cache that
// sits in front of internal/inventory, caching parsed Remote Inventory
// results rather than raw API responses -- per-node probe timeouts make
// uncached dashboard-style enumeration expensive enough to want a
// bounded-staleness cache in front of it.
package invcache

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
)

// cacheItem is the envelope stored for every key, carrying the TTL so
// expiry can be evaluated at read time without a background sweep.
type cacheItem struct {
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"` // unix nanoseconds
	TTLNanos  int64           `json:"ttl_nanos"`
}

// Cache implements ifaces.Cache over an embedded Badger store.
type Cache struct {
	db     *badger.DB
	logger ifaces.Logger
}

var _ ifaces.Cache = (*Cache)(nil)

// Open opens (creating if necessary) a Badger store at dir. A nil logger
// installs a no-op logger.
func Open(dir string, logger ifaces.Logger) (*Cache, error) {
	if logger == nil {
		logger = ifaces.NoOpLogger{}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create invcache directory: %w", err)
	}

	lockFilePath := dir + "/LOCK"
	if _, err := os.Stat(lockFilePath); err == nil {
		logger.Debug("invcache: found existing lock file at %s, badger will validate it on open", lockFilePath)
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.ValueLogFileSize = 1 << 20

	db, err := badger.Open(opts)
	if err != nil {
		if os.IsExist(err) || isTemporarilyUnavailable(err) {
			return nil, fmt.Errorf("open invcache (likely another process holds it): %w", err)
		}
		return nil, fmt.Errorf("open invcache: %w", err)
	}

	c := &Cache{db: db, logger: logger}
	go c.runGC()
	return c, nil
}

func (c *Cache) runGC() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		if err := c.db.RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
			c.logger.Debug("invcache: value log GC failed: %v", err)
		}
	}
}

func isTemporarilyUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if pathErr, ok := err.(*os.PathError); ok {
		if errno, ok := pathErr.Err.(syscall.Errno); ok {
			return errno == syscall.EAGAIN || errno == syscall.EWOULDBLOCK
		}
	}
	return err.Error() == "resource temporarily unavailable"
}

// Get reads key into dest, returning false if absent or expired. An expired
// entry is lazily deleted in a follow-up transaction.
func (c *Cache) Get(key string, dest interface{}) (bool, error) {
	var found bool
	var raw json.RawMessage

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invcache get: %w", err)
		}

		return item.Value(func(val []byte) error {
			var ci cacheItem
			if err := json.Unmarshal(val, &ci); err != nil {
				return fmt.Errorf("unmarshal cache item: %w", err)
			}
			if ci.TTLNanos > 0 && time.Now().UnixNano()-ci.Timestamp > ci.TTLNanos {
				return nil
			}
			found = true
			raw = ci.Data
			return nil
		})
	})
	if err != nil {
		return false, err
	}

	if !found {
		_ = c.Delete(key)
		return false, nil
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("unmarshal into destination: %w", err)
	}
	c.logger.Debug("invcache: hit %s", key)
	return true, nil
}

// Set stores value under key with the given TTL. ttl <= 0 means "never
// expires".
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	ci := cacheItem{Data: data, Timestamp: time.Now().UnixNano(), TTLNanos: int64(ttl)}
	bytes, err := json.Marshal(ci)
	if err != nil {
		return fmt.Errorf("marshal cache item: %w", err)
	}

	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), bytes)
	})
	if err != nil {
		return fmt.Errorf("invcache set: %w", err)
	}
	c.logger.Debug("invcache: set %s ttl=%s", key, ttl)
	return nil
}

// Delete removes key, if present.
func (c *Cache) Delete(key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("invcache delete: %w", err)
	}
	return nil
}

// Clear drops every entry.
func (c *Cache) Clear() error {
	return c.db.DropAll()
}

// Close releases the underlying Badger handle.
func (c *Cache) Close() error {
	return c.db.Close()
}
