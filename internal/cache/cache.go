// Package cache implements the gateway's bounded, TTL-aware in-memory
// caches: tap-event buffering for upload, route config and blacklist
// staleness tracking, tap debounce, pending tap-in-out trips, and the
// backend card-profile cache.
package cache

import (
	"taptransit-gateway/internal/model"
)

// EventBuffer is a bounded FIFO of tap events awaiting upload. It
// rejects new pushes once full rather than evicting.
type EventBuffer struct {
	maxLen int
	events []model.TapEvent
}

func NewEventBuffer(maxLen int) *EventBuffer {
	return &EventBuffer{maxLen: maxLen}
}

func (b *EventBuffer) Len() int { return len(b.events) }

func (b *EventBuffer) IsFull() bool { return len(b.events) >= b.maxLen }

// Push appends an event, returning false if the buffer is already full.
func (b *EventBuffer) Push(e model.TapEvent) bool {
	if b.IsFull() {
		return false
	}
	b.events = append(b.events, e)
	return true
}

// DrainBatch removes and returns up to limit events from the front.
func (b *EventBuffer) DrainBatch(limit int) []model.TapEvent {
	take := limit
	if take > len(b.events) {
		take = len(b.events)
	}
	out := append([]model.TapEvent(nil), b.events[:take]...)
	b.events = b.events[take:]
	return out
}

// Clear empties the buffer, used after a fully-accepted batch upload.
func (b *EventBuffer) Clear() {
	b.events = b.events[:0]
}

// ConfigCache holds the most recently fetched route configuration and
// its fetch time, for TTL-based staleness checks.
type ConfigCache struct {
	Route     *model.RouteConfig
	FetchedAt uint64
	TTLSecs   uint32
}

func NewConfigCache(ttlSecs uint32) *ConfigCache {
	return &ConfigCache{TTLSecs: ttlSecs}
}

func (c *ConfigCache) IsExpired(now uint64) bool {
	if c.Route == nil {
		return true
	}
	return saturatingSub(now, c.FetchedAt) > uint64(c.TTLSecs)
}

func (c *ConfigCache) Update(route model.RouteConfig, now uint64) {
	c.Route = &route
	c.FetchedAt = now
}

// BlacklistCache is the TTL-bounded set of backend-reported blocked
// card ids.
type BlacklistCache struct {
	cards     map[string]struct{}
	FetchedAt uint64
	TTLSecs   uint32
}

func NewBlacklistCache(ttlSecs uint32) *BlacklistCache {
	return &BlacklistCache{cards: make(map[string]struct{}), TTLSecs: ttlSecs}
}

func (c *BlacklistCache) IsExpired(now uint64) bool {
	return saturatingSub(now, c.FetchedAt) > uint64(c.TTLSecs)
}

func (c *BlacklistCache) Replace(cardIDs []string, now uint64) {
	c.cards = make(map[string]struct{}, len(cardIDs))
	for _, id := range cardIDs {
		c.cards[id] = struct{}{}
	}
	c.FetchedAt = now
}

func (c *BlacklistCache) IsBlocked(cardID string) bool {
	_, ok := c.cards[cardID]
	return ok
}

// Add inserts a single card id into the blacklist without waiting for
// the next backend refresh — used for the best-effort local write-back
// when a blocked card is seen before the next sync.
func (c *BlacklistCache) Add(cardID string) {
	if c.cards == nil {
		c.cards = make(map[string]struct{})
	}
	c.cards[cardID] = struct{}{}
}

func saturatingSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
