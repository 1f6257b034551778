// Package cache is a small TTL cache on bbolt. It holds fetched script
// resources keyed by URL so foreground contexts can read them back with
// GetFromCache.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

const DefaultTTL = 10 * time.Minute

var (
	bucketValues = []byte("values")

	ErrNotFound = errors.New("cache: not found")
)

// Cache stores values with an absolute expiry. Each record is an 8-byte
// big-endian expiry (unix nanoseconds, 0 for never) followed by the value.
type Cache struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	ttl    time.Duration
}

type Option func(*Cache)

func WithLogger(l *slog.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithNow sets the clock, for tests.
func WithNow(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// WithDefaultTTL sets the TTL used by Put when ttl is zero.
func WithDefaultTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// Open opens or creates the cache file at path.
func Open(path string, opts ...Option) (*Cache, error) {
	c := &Cache{
		logger: slog.Default(),
		now:    time.Now,
		ttl:    DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketValues)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}
	c.db = db
	c.logger = c.logger.With("component", "cache")
	c.logger.Debug("opened cache", "path", path)
	return c, nil
}

func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Get returns the value for key, or ErrNotFound if it is missing or expired.
func (c *Cache) Get(key string) ([]byte, error) {
	var out []byte
	err := c.db.View(func(tx *bbolt.Tx) error {
		rec := tx.Bucket(bucketValues).Get([]byte(key))
		if rec == nil || c.expired(rec) {
			return ErrNotFound
		}
		out = make([]byte, len(rec)-8)
		copy(out, rec[8:])
		return nil
	})
	return out, err
}

// Put stores value under key. A zero ttl uses the default TTL; a negative
// ttl stores the value without expiry.
func (c *Cache) Put(key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("cache: empty key")
	}
	if ttl == 0 {
		ttl = c.ttl
	}
	var expires int64
	if ttl > 0 {
		expires = c.now().Add(ttl).UnixNano()
	}

	rec := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(rec, uint64(expires))
	copy(rec[8:], value)

	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketValues).Put([]byte(key), rec); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
		return nil
	})
}

// Delete removes key. Missing keys are not an error.
func (c *Cache) Delete(key string) error {
	return c.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).Delete([]byte(key))
	})
}

// Sweep deletes expired records and returns how many were removed.
func (c *Cache) Sweep() (int, error) {
	removed := 0
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketValues)
		var stale [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			if c.expired(v) {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("delete %s: %w", k, err)
			}
		}
		removed = len(stale)
		return nil
	})
	if removed > 0 {
		c.logger.Debug("swept expired cache entries", "removed", removed)
	}
	return removed, err
}

func (c *Cache) expired(rec []byte) bool {
	if len(rec) < 8 {
		return true
	}
	expires := int64(binary.BigEndian.Uint64(rec))
	return expires != 0 && c.now().UnixNano() >= expires
}
