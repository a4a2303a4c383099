package cache

import "taptransit-gateway/internal/model"

// ActiveTripCache maps a card id to its pending tap-in event while a
// tap-in-out trip is open, TTL-bounded so an abandoned boarding tap
// does not linger forever.
type ActiveTripCache struct {
	ttlSecs uint32
	entries []activeTrip
}

type activeTrip struct {
	cardID   string
	event    model.TapEvent
	lastSeen uint64
}

func NewActiveTripCache(ttlSecs uint32) *ActiveTripCache {
	return &ActiveTripCache{ttlSecs: ttlSecs}
}

// Insert records a new pending trip, replacing any existing one for the
// same card id (a stray second tap-in restarts the trip rather than
// stacking).
func (c *ActiveTripCache) Insert(event model.TapEvent, now uint64) {
	c.purgeExpired(now)
	kept := c.entries[:0]
	for _, e := range c.entries {
		if e.cardID != event.CardID {
			kept = append(kept, e)
		}
	}
	c.entries = append(kept, activeTrip{cardID: event.CardID, event: event, lastSeen: now})
}

// Take removes and returns the pending trip for cardID, if any and not
// expired.
func (c *ActiveTripCache) Take(cardID string, now uint64) (model.TapEvent, bool) {
	c.purgeExpired(now)
	for i, e := range c.entries {
		if e.cardID == cardID {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return e.event, true
		}
	}
	return model.TapEvent{}, false
}

func (c *ActiveTripCache) purgeExpired(now uint64) {
	ttl := uint64(c.ttlSecs)
	kept := c.entries[:0]
	for _, e := range c.entries {
		if saturatingSub(now, e.lastSeen) <= ttl {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}
