// Package names resolves human device names through an in-memory TTL
// cache, a persistent SQLite store and finally the backend.
package names

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomd/internal/clock"
	"github.com/dokzlo13/roomd/internal/device"
)

// Lookup fetches a name from the backend.
type Lookup interface {
	DeviceName(ctx context.Context, id string) (string, error)
}

// Refresh holds the randomized refresh windows.
type Refresh struct {
	Visible device.Window
	Hidden  device.Window
}

// DefaultRefresh refreshes visible names every 5-6 minutes and hidden
// ones every 15-17 minutes.
func DefaultRefresh() Refresh {
	return Refresh{
		Visible: device.Window{Min: 5 * time.Minute, Max: 6 * time.Minute},
		Hidden:  device.Window{Min: 15 * time.Minute, Max: 17 * time.Minute},
	}
}

// Cache implements device.NameSource.
type Cache struct {
	lookup  Lookup
	store   *Store
	clock   clock.Clock
	refresh Refresh
	mem     *ttlcache.Cache[string, string]
}

// NewCache creates a cache. store may be nil for memory-only operation.
func NewCache(lookup Lookup, store *Store, clk clock.Clock, refresh Refresh) *Cache {
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		lookup:  lookup,
		store:   store,
		clock:   clk,
		refresh: refresh,
		mem: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

// Start runs the expiry loop of the in-memory layer until Stop.
func (c *Cache) Start() {
	go c.mem.Start()
}

// Stop ends the expiry loop.
func (c *Cache) Stop() {
	c.mem.Stop()
}

func (c *Cache) window(visible bool) device.Window {
	if visible {
		return c.refresh.Visible
	}
	return c.refresh.Hidden
}

// Resolve returns the name of id and how long it stays fresh.
//
// A fresh persisted entry is promoted to memory without a backend call.
// When the backend lookup fails a stale persisted name is still returned.
func (c *Cache) Resolve(ctx context.Context, id string, visible bool) (string, time.Duration, error) {
	now := c.clock.Now()
	// An entry written on the hidden cadence must not delay a visible refresh.
	maxTTL := c.window(visible).Max

	if item := c.mem.Get(id); item != nil {
		if ttl := item.ExpiresAt().Sub(time.Now()); ttl > 0 {
			return item.Value(), min(ttl, maxTTL), nil
		}
	}

	var stale *Entry
	if c.store != nil {
		e, ok, err := c.store.Get(id)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("device", id).Msg("Failed to read name cache")
		case ok && !e.Expired(now):
			ttl := e.ExpiresAt.Sub(now)
			c.mem.Set(id, e.Name, ttl)
			log.Debug().Str("device", id).Str("name", e.Name).Msg("Name cache hit")
			return e.Name, min(ttl, maxTTL), nil
		case ok:
			stale = &e
		}
	}

	name, err := c.lookup.DeviceName(ctx, id)
	if err != nil {
		if stale != nil {
			log.Debug().Err(err).Str("device", id).Msg("Name lookup failed, using stale name")
			return stale.Name, c.window(visible).Min, nil
		}
		return "", 0, fmt.Errorf("failed to resolve name of %s: %w", id, err)
	}

	ttl := c.window(visible).Pick()
	c.mem.Set(id, name, ttl)
	if c.store != nil {
		entry := Entry{DeviceID: id, Name: name, ExpiresAt: now.Add(ttl)}
		if err := c.store.Put(entry, now); err != nil {
			log.Warn().Err(err).Str("device", id).Msg("Failed to persist name")
		}
	}

	return name, ttl, nil
}

// Forget drops id from both layers so the next Resolve asks the backend.
func (c *Cache) Forget(id string) {
	c.mem.Delete(id)
	if c.store != nil {
		if err := c.store.Delete(id); err != nil {
			log.Warn().Err(err).Str("device", id).Msg("Failed to forget name")
		}
	}
}
