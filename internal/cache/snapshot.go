package cache

// CardSnapshot is a post-write view of an on-card record, queued for
// backend reconciliation after a successful card rewrite.
type CardSnapshot struct {
	CardID              string  `json:"card_id"`
	BalanceCents        uint32  `json:"balance_cents"`
	CardStatus          string  `json:"card_status"`
	EntryStationID      *uint16 `json:"entry_station_id,omitempty"`
	LastRouteID         *uint16 `json:"last_route_id,omitempty"`
	LastDirection       *string `json:"last_direction,omitempty"`
	LastBoardStationID  *uint16 `json:"last_board_station_id,omitempty"`
	LastAlightStationID *uint16 `json:"last_alight_station_id,omitempty"`
	UpdatedAt           uint64  `json:"updated_at"`
	Source              string  `json:"source"`
}

// SnapshotBuffer is a bounded FIFO of card-state snapshots awaiting a
// batch POST to the backend; like EventBuffer it rejects on overflow
// rather than evicting, since a dropped snapshot would desync the
// backend's view of card state.
type SnapshotBuffer struct {
	maxLen int
	items  []CardSnapshot
}

func NewSnapshotBuffer(maxLen int) *SnapshotBuffer {
	return &SnapshotBuffer{maxLen: maxLen}
}

func (b *SnapshotBuffer) Len() int { return len(b.items) }

func (b *SnapshotBuffer) IsFull() bool { return len(b.items) >= b.maxLen }

func (b *SnapshotBuffer) Push(s CardSnapshot) bool {
	if b.IsFull() {
		return false
	}
	b.items = append(b.items, s)
	return true
}

func (b *SnapshotBuffer) DrainBatch(limit int) []CardSnapshot {
	take := limit
	if take > len(b.items) {
		take = len(b.items)
	}
	out := append([]CardSnapshot(nil), b.items[:take]...)
	b.items = b.items[take:]
	return out
}
