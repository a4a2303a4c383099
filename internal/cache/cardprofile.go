package cache

// CardProfile is the backend's view of a card, as last fetched by a
// card-lookup network command.
type CardProfile struct {
	CardType        *string
	Status          *string
	DiscountRate    *float32
	DiscountAmount  *float32
	BalanceCents    *uint32
	UpdatedAtMillis uint64
}

// CardProfileCache caches backend card lookups, capped at a fixed size
// with oldest-by-timestamp eviction — a simple size cap rather than a
// generic LRU, since lookups happen once per tap and the working set is
// naturally small.
type CardProfileCache struct {
	cap      int
	profiles map[string]CardProfile
}

func NewCardProfileCache(capacity int) *CardProfileCache {
	return &CardProfileCache{cap: capacity, profiles: make(map[string]CardProfile)}
}

// Update inserts or replaces a card's cached profile, evicting the
// single oldest-by-timestamp entry first if the cache is full and the
// card id is new.
func (c *CardProfileCache) Update(cardID string, profile CardProfile) {
	if _, exists := c.profiles[cardID]; !exists && len(c.profiles) >= c.cap {
		var oldestID string
		var oldestAt uint64
		first := true
		for id, p := range c.profiles {
			if first || p.UpdatedAtMillis < oldestAt {
				oldestID = id
				oldestAt = p.UpdatedAtMillis
				first = false
			}
		}
		if !first {
			delete(c.profiles, oldestID)
		}
	}
	c.profiles[cardID] = profile
}

// Get returns the cached profile for cardID, and whether it is present
// and not older than the 10-minute TTL.
func (c *CardProfileCache) Get(cardID string, nowMillis uint64) (CardProfile, bool) {
	const ttlMillis = 10 * 60 * 1000
	p, ok := c.profiles[cardID]
	if !ok {
		return CardProfile{}, false
	}
	if saturatingSub(nowMillis, p.UpdatedAtMillis) > ttlMillis {
		return CardProfile{}, false
	}
	return p, true
}

// Len reports the number of cached profiles.
func (c *CardProfileCache) Len() int { return len(c.profiles) }
