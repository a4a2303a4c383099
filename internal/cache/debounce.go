package cache

// TapDebounce suppresses re-processing the same card within a window.
// It is a bounded, evict-oldest-on-full list rather than a map so the
// eviction behaviour matches a genuinely bounded device (no unbounded
// growth under a card-id-spoofing attacker).
type TapDebounce struct {
	windowSecs uint32
	maxLen     int
	entries    []tapSeen
}

type tapSeen struct {
	cardID   string
	lastSeen uint64
}

func NewTapDebounce(windowSecs uint32, maxLen int) *TapDebounce {
	return &TapDebounce{windowSecs: windowSecs, maxLen: maxLen}
}

// Allow reports whether a tap for cardID may proceed: it purges expired
// entries first, then either refreshes an existing entry (outside the
// window) or admits a new one (evicting the oldest if at capacity).
func (d *TapDebounce) Allow(cardID string, now uint64) bool {
	d.purgeExpired(now)

	for i := range d.entries {
		if d.entries[i].cardID == cardID {
			if saturatingSub(now, d.entries[i].lastSeen) <= uint64(d.windowSecs) {
				return false
			}
			d.entries[i].lastSeen = now
			return true
		}
	}

	if len(d.entries) >= d.maxLen {
		d.dropOldest()
	}
	d.entries = append(d.entries, tapSeen{cardID: cardID, lastSeen: now})
	return true
}

// Len reports the current entry count, used by tests asserting the
// capacity bound.
func (d *TapDebounce) Len() int { return len(d.entries) }

func (d *TapDebounce) purgeExpired(now uint64) {
	window := uint64(d.windowSecs)
	kept := d.entries[:0]
	for _, e := range d.entries {
		if saturatingSub(now, e.lastSeen) <= window {
			kept = append(kept, e)
		}
	}
	d.entries = kept
}

func (d *TapDebounce) dropOldest() {
	if len(d.entries) == 0 {
		return
	}
	oldest := 0
	for i := range d.entries {
		if d.entries[i].lastSeen < d.entries[oldest].lastSeen {
			oldest = i
		}
	}
	d.entries = append(d.entries[:oldest], d.entries[oldest+1:]...)
}
