package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"taptransit-gateway/internal/model"
)

func TestEventBufferRejectsOnOverflow(t *testing.T) {
	b := NewEventBuffer(2)
	assert.True(t, b.Push(model.TapEvent{CardID: "a"}))
	assert.True(t, b.Push(model.TapEvent{CardID: "b"}))
	assert.False(t, b.Push(model.TapEvent{CardID: "c"}))
	assert.Equal(t, 2, b.Len())
}

func TestEventBufferDrainAndClear(t *testing.T) {
	b := NewEventBuffer(5)
	b.Push(model.TapEvent{CardID: "a"})
	b.Push(model.TapEvent{CardID: "b"})
	drained := b.DrainBatch(1)
	assert.Len(t, drained, 1)
	assert.Equal(t, 1, b.Len())
	b.Clear()
	assert.Equal(t, 0, b.Len())
}

func TestBlacklistCacheTTLAndLookup(t *testing.T) {
	c := NewBlacklistCache(10)
	c.Replace([]string{"card1"}, 100)
	assert.True(t, c.IsBlocked("card1"))
	assert.False(t, c.IsBlocked("card2"))
	assert.False(t, c.IsExpired(109))
	assert.True(t, c.IsExpired(111))
}

func TestTapDebounceWindow(t *testing.T) {
	d := NewTapDebounce(2, 2)
	assert.True(t, d.Allow("a", 0))
	assert.False(t, d.Allow("a", 1))
	assert.True(t, d.Allow("a", 3))
}

func TestTapDebounceNeverExceedsCapacity(t *testing.T) {
	d := NewTapDebounce(100, 3)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		d.Allow(id, uint64(i))
		assert.LessOrEqual(t, d.Len(), 3)
	}
}

func TestActiveTripCacheInsertTakeAndTTL(t *testing.T) {
	c := NewActiveTripCache(5)
	ev := model.TapEvent{CardID: "card1", StationID: 1}
	c.Insert(ev, 0)
	got, ok := c.Take("card1", 2)
	assert.True(t, ok)
	assert.Equal(t, ev.StationID, got.StationID)

	c.Insert(ev, 0)
	_, ok = c.Take("card1", 10)
	assert.False(t, ok)
}

func TestActiveTripCacheReinsertOnFailedTapOut(t *testing.T) {
	c := NewActiveTripCache(3600)
	ev := model.TapEvent{CardID: "card1", StationID: 1}
	c.Insert(ev, 0)
	got, ok := c.Take("card1", 5)
	assert.True(t, ok)
	// Simulate insufficient-balance rollback: re-insert the taken trip.
	c.Insert(got, 5)
	_, ok = c.Take("card1", 10)
	assert.True(t, ok)
}

func TestCardProfileCacheEvictsOldest(t *testing.T) {
	c := NewCardProfileCache(2)
	c.Update("a", CardProfile{UpdatedAtMillis: 1})
	c.Update("b", CardProfile{UpdatedAtMillis: 2})
	c.Update("c", CardProfile{UpdatedAtMillis: 3})
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a", 3)
	assert.False(t, ok)
	_, ok = c.Get("c", 3)
	assert.True(t, ok)
}

func TestCardProfileCacheTTL(t *testing.T) {
	c := NewCardProfileCache(10)
	c.Update("a", CardProfile{UpdatedAtMillis: 0})
	_, ok := c.Get("a", 10*60*1000+1)
	assert.False(t, ok)
}

func TestSnapshotBufferRejectsOnOverflow(t *testing.T) {
	b := NewSnapshotBuffer(1)
	assert.True(t, b.Push(CardSnapshot{CardID: "a"}))
	assert.False(t, b.Push(CardSnapshot{CardID: "b"}))
}
