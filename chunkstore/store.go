// Package chunkstore persists downloaded artifact chunks keyed by
// (url, version, index) so that interrupted or repeated transfers do not
// re-fetch bytes they already hold.
//
// A Cache layers the chunk record format (timestamps, optional
// compression, blake3 integrity digest) over a raw key/value Backend.
// Two backends are provided: Badger for durable storage and an
// in-process map for tests and ephemeral runs.
package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pithecene-io/circuitd/clock"
	"github.com/pithecene-io/circuitd/log"
)

var (
	// ErrNotFound is returned when no live entry exists for a key.
	ErrNotFound = errors.New("chunk not found")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("chunk store closed")
)

// Store is the chunk persistence contract used by the loader.
type Store interface {
	// Get returns a private copy of the chunk data. When ttl > 0 and the
	// entry is older than ttl, the entry is evicted and ErrNotFound is
	// returned.
	Get(ctx context.Context, key Key, ttl time.Duration) ([]byte, error)
	// Put writes data under key, replacing any previous entry.
	Put(ctx context.Context, key Key, data []byte) error
	// EvictByPrefix removes every entry whose key string starts with prefix.
	EvictByPrefix(ctx context.Context, prefix string) (int, error)
	// EvictStaleVersions removes entries stored for url under any version
	// other than version.
	EvictStaleVersions(ctx context.Context, url, version string) (int, error)
	// Close releases the underlying backend.
	Close() error
}

// Entry is a decoded chunk with its storage timestamp.
type Entry struct {
	Key      Key
	Data     []byte
	StoredAt time.Time
}

// Options configures a Cache.
type Options struct {
	// Compression applied to chunk data on Put.
	Compression Compression
	// Clock used for StoredAt and TTL checks. Nil means the real clock.
	Clock clock.Clock
	// Logger receives eviction diagnostics. Nil discards.
	Logger *log.Logger
}

// Cache implements Store over a Backend.
type Cache struct {
	backend     Backend
	compression Compression
	clock       clock.Clock
	logger      *log.Logger
	closed      atomic.Bool
}

var _ Store = (*Cache)(nil)

// New returns a Cache over backend. The Cache owns the backend and
// closes it on Close.
func New(backend Backend, opts Options) *Cache {
	return &Cache{
		backend:     backend,
		compression: opts.Compression,
		clock:       clock.OrReal(opts.Clock),
		logger:      opts.Logger,
	}
}

func (c *Cache) check(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

// Lookup returns the full entry for key, honoring ttl as Get does.
// Entries that fail integrity verification are evicted and reported
// as ErrNotFound.
func (c *Cache) Lookup(ctx context.Context, key Key, ttl time.Duration) (Entry, error) {
	if err := c.check(ctx); err != nil {
		return Entry{}, err
	}

	k := []byte(key.String())
	raw, err := c.backend.Get(k)
	if err != nil {
		return Entry{}, err
	}

	rec, err := decodeRecord(raw)
	if err == nil {
		storedAt := time.UnixMilli(rec.StoredAt)
		if ttl > 0 && c.clock.Now().Sub(storedAt) > ttl {
			c.evict(k, "expired")
			return Entry{}, ErrNotFound
		}
		var data []byte
		if data, err = rec.payload(); err == nil {
			return Entry{Key: key, Data: data, StoredAt: storedAt}, nil
		}
	}

	c.logger.Warn("dropping unreadable chunk", map[string]any{
		"key":   key.String(),
		"error": err.Error(),
	})
	c.evict(k, "corrupt")
	return Entry{}, ErrNotFound
}

func (c *Cache) evict(k []byte, reason string) {
	if err := c.backend.Delete([][]byte{k}); err != nil {
		c.logger.Warn("chunk eviction failed", map[string]any{
			"key":    string(k),
			"reason": reason,
			"error":  err.Error(),
		})
	}
}

// Get implements Store.
func (c *Cache) Get(ctx context.Context, key Key, ttl time.Duration) ([]byte, error) {
	entry, err := c.Lookup(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	return entry.Data, nil
}

// Put implements Store.
func (c *Cache) Put(ctx context.Context, key Key, data []byte) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	raw, err := encodeRecord(key, data, c.clock.Now().UnixMilli(), c.compression)
	if err != nil {
		return err
	}
	if err := c.backend.Set([]byte(key.String()), raw); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// EvictByPrefix implements Store.
func (c *Cache) EvictByPrefix(ctx context.Context, prefix string) (int, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	var doomed [][]byte
	err := c.backend.Scan([]byte(prefix), func(key, _ []byte) error {
		doomed = append(doomed, key)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan %q: %w", prefix, err)
	}
	return c.deleteAll(doomed)
}

// EvictStaleVersions implements Store. Ownership is decided from the
// persisted record rather than the key string, so an entry for a URL
// that merely extends url is left alone and a version that extends
// version ("1-rc" against "1") is still evicted.
func (c *Cache) EvictStaleVersions(ctx context.Context, url, version string) (int, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	var doomed [][]byte
	err := c.backend.Scan([]byte(ArtifactPrefix(url)), func(key, value []byte) error {
		rec, err := decodeRecord(value)
		if err != nil {
			// Unreadable entries under this prefix are garbage either way.
			doomed = append(doomed, key)
			return nil
		}
		if rec.URL == url && rec.Version != version {
			doomed = append(doomed, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan versions of %s: %w", url, err)
	}
	return c.deleteAll(doomed)
}

func (c *Cache) deleteAll(keys [][]byte) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.backend.Delete(keys); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close implements Store. It is safe to call more than once.
func (c *Cache) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.backend.Close()
}
