// Package engine implements the gateway's decision engine: a single
// mutex-guarded state object that turns a raw reader frame into an
// accept/reject decision, an optional card rewrite, an optional backend
// upload record, and an optional registration payload.
package engine

import (
	"fmt"
	"sync"

	"taptransit-gateway/internal/cache"
	"taptransit-gateway/internal/carddata"
	"taptransit-gateway/internal/model"
)

const cardCacheTTLMillis = 10 * 60 * 1000

// RouteState is the gateway's current position on its route. It is
// mutated only by the decision engine, under the state lock.
type RouteState struct {
	RouteID     uint16
	StationID   uint16
	StationName string
	Direction   model.Direction
}

// rechargeMode holds an operator-initiated top-up amount that the next
// tap will apply to the card.
type rechargeMode struct {
	AmountCents uint32
	ExpiresAtMs uint64
}

// registerMode marks that the next tap should provision a blank card
// instead of processing a normal trip.
type registerMode struct {
	ExpiresAtMs uint64
}

// writeContext records why a write-request was issued, so a failed
// write can choose the right operator-facing message.
type writeContext string

const (
	writeContextTapIn     writeContext = "tap_in"
	writeContextTapOut    writeContext = "tap_out"
	writeContextRecharge  writeContext = "recharge"
	writeContextRegister  writeContext = "register"
	writeContextBlacklist writeContext = "blacklist"
)

// pendingWrite is the single outstanding card rewrite: the reader link
// is half-duplex with one peer, so at most one write is ever in flight.
// It carries the full written record so a successful result can queue
// a backend reconciliation snapshot without the caller re-deriving it.
type pendingWrite struct {
	cardID  string
	context writeContext
	written carddata.Data
}

// State is the gateway's entire mutable domain state, behind one mutex.
// Every entry point locks, computes, and unlocks before any I/O, per the
// single-writer design: the decision engine is the only hot writer and
// its critical sections never block.
type State struct {
	mu sync.Mutex

	Settings model.GatewaySettings
	Route    RouteState

	configCache    *cache.ConfigCache
	blacklist      *cache.BlacklistCache
	tapCache       *cache.EventBuffer
	debounce       *cache.TapDebounce
	activeTrips    *cache.ActiveTripCache
	cardProfiles   *cache.CardProfileCache
	snapshots      *cache.SnapshotBuffer

	wifiConnected    bool
	backendReachable bool
	backendBaseURL   string

	lastCardID            string
	lastTapNonce          uint32
	lastMessageDeadlineMs uint64
	lastPassengerTone     model.PassengerTone
	lastPassengerMessage  string
	lastFareBase          *float32
	lastFare              *float32
	lastFareLabel         string
	lastTapType           *model.TapType

	recharge *rechargeMode
	register *registerMode
	pending  *pendingWrite

	recordSeq uint32
}

// Bootstrap constructs a State with fresh caches sized from settings,
// the way a gateway is wired up at boot.
func Bootstrap(settings model.GatewaySettings) *State {
	return &State{
		Settings: settings,
		Route: RouteState{
			StationName: "未设置",
			Direction:   model.Up,
		},
		configCache:          cache.NewConfigCache(settings.ConfigTTLSecs),
		blacklist:            cache.NewBlacklistCache(settings.BlacklistTTLSecs),
		tapCache:             cache.NewEventBuffer(settings.TapCacheMax),
		debounce:             cache.NewTapDebounce(settings.DebounceWindowSecs, settings.DebounceCapacity),
		activeTrips:          cache.NewActiveTripCache(settings.ActiveTripTTLSecs),
		cardProfiles:         cache.NewCardProfileCache(settings.CardProfileCacheCap),
		snapshots:            cache.NewSnapshotBuffer(settings.TapCacheMax),
		lastPassengerTone:    model.ToneNormal,
		lastPassengerMessage: "等待刷卡",
		lastFareLabel:        "应付",
	}
}

// Lock/Unlock are exposed so callers needing a consistent multi-field
// read (e.g. the status snapshot) can hold the same lock the engine
// uses, without exposing field access outside the package.
func (s *State) Lock()   { s.mu.Lock() }
func (s *State) Unlock() { s.mu.Unlock() }

// UpdateRoute sets the route/station/direction directly, used by the
// operator "set route", "set station", "set direction" commands.
func (s *State) UpdateRoute(routeID, stationID uint16, stationName string, direction model.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Route = RouteState{RouteID: routeID, StationID: stationID, StationName: stationName, Direction: direction}
}

// SetDirection flips the line-of-travel without touching route/station.
func (s *State) SetDirection(direction model.Direction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Route.Direction = direction
}

// SetBackendBaseURL overrides the compile-time default backend URL.
func (s *State) SetBackendBaseURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendBaseURL = url
}

// BackendBaseURL resolves the configured backend URL, falling back to
// the compile-time default when the runtime override is empty.
func (s *State) BackendBaseURL(compileTimeDefault string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backendBaseURL != "" {
		return s.backendBaseURL
	}
	return compileTimeDefault
}

// UpdateHealth records the latest connectivity flags; nil leaves a flag
// unchanged.
func (s *State) UpdateHealth(wifiConnected, backendReachable *bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wifiConnected != nil {
		s.wifiConnected = *wifiConnected
	}
	if backendReachable != nil {
		s.backendReachable = *backendReachable
	}
}

// UpdateRouteConfig installs a freshly fetched route config and
// re-aligns the current station: kept if still present in the new
// config (name refreshed), otherwise snapped to the lowest-sequence
// station, else 0/"未设置".
func (s *State) UpdateRouteConfig(cfg model.RouteConfig, now uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configCache.Update(cfg, now)

	stillPresent := cfg.StationByID(s.Route.StationID) != nil
	s.Route.RouteID = cfg.RouteID
	if !stillPresent {
		if station := lowestSequenceStation(cfg.Stations); station != nil {
			s.Route.StationID = station.ID
			s.Route.StationName = station.Name
		} else {
			s.Route.StationID = 0
			s.Route.StationName = "未设置"
		}
		return
	}
	if station := cfg.StationByID(s.Route.StationID); station != nil {
		s.Route.StationName = station.Name
	}
}

func lowestSequenceStation(stations []model.StationConfig) *model.StationConfig {
	var best *model.StationConfig
	for i := range stations {
		if best == nil || stations[i].Sequence < best.Sequence {
			best = &stations[i]
		}
	}
	return best
}

// UpdateBlacklist replaces the cached blocked-card set after a refresh.
func (s *State) UpdateBlacklist(cardIDs []string, now uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist.Replace(cardIDs, now)
}

// SetStationByID jumps directly to a known station id, used by the
// operator UI's station picker. Returns false if the station is not in
// the cached config.
func (s *State) SetStationByID(stationID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configCache.Route == nil {
		return false
	}
	station := s.configCache.Route.StationByID(stationID)
	if station == nil {
		return false
	}
	s.Route.StationID = station.ID
	s.Route.StationName = station.Name
	return true
}

// StepStation moves one station forward or backward along the route's
// sequence order.
func (s *State) StepStation(forward bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.configCache.Route == nil {
		return false
	}
	stations := append([]model.StationConfig(nil), s.configCache.Route.Stations...)
	sortStationsBySequence(stations)

	pos := -1
	for i := range stations {
		if stations[i].ID == s.Route.StationID {
			pos = i
			break
		}
	}
	if pos < 0 {
		return false
	}
	next := pos
	if forward {
		next = pos + 1
	} else if pos > 0 {
		next = pos - 1
	}
	if next < 0 || next >= len(stations) {
		return false
	}
	s.Route.StationID = stations[next].ID
	s.Route.StationName = stations[next].Name
	return true
}

func sortStationsBySequence(stations []model.StationConfig) {
	for i := 1; i < len(stations); i++ {
		for j := i; j > 0 && stations[j].Sequence < stations[j-1].Sequence; j-- {
			stations[j], stations[j-1] = stations[j-1], stations[j]
		}
	}
}

// SetRecharge arms recharge mode: the next tap credits the card with
// amountCents, expiring after ~60s if no tap arrives.
func (s *State) SetRecharge(amountCents uint32, nowMs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.register = nil
	s.recharge = &rechargeMode{AmountCents: amountCents, ExpiresAtMs: nowMs + 60000}
}

// ClearRecharge disarms recharge mode (operator "recharge-off").
func (s *State) ClearRecharge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recharge = nil
}

// SetRegister arms register mode: the next tap provisions a blank card.
func (s *State) SetRegister(nowMs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recharge = nil
	s.register = &registerMode{ExpiresAtMs: nowMs + 60000}
}

// ClearRegister disarms register mode (operator "register-off").
func (s *State) ClearRegister() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.register = nil
}

func (s *State) rechargeActive(nowMs uint64) (rechargeMode, bool) {
	if s.recharge == nil {
		return rechargeMode{}, false
	}
	if nowMs >= s.recharge.ExpiresAtMs {
		s.recharge = nil
		return rechargeMode{}, false
	}
	return *s.recharge, true
}

func (s *State) registerActive(nowMs uint64) bool {
	if s.register == nil {
		return false
	}
	if nowMs >= s.register.ExpiresAtMs {
		s.register = nil
		return false
	}
	return true
}

// nextRecordID mints a monotonic {gateway-id}-{epoch-sec}-{seq} id.
func (s *State) nextRecordID(now uint64) string {
	seq := s.recordSeq
	s.recordSeq++
	return fmt.Sprintf("%s-%d-%d", s.Settings.GatewayID, now, seq)
}

// standardFareLocked returns the cached route's minimum positive base
// price, rounded, or nil if no config is cached or no price is positive.
func (s *State) standardFareLocked() *float32 {
	if s.configCache.Route == nil {
		return nil
	}
	fare := s.configCache.Route.StandardFare()
	if fare == nil {
		return nil
	}
	v := model.RoundCurrency(*fare)
	return &v
}

// UpdateCardCache records a freshly fetched backend card profile.
func (s *State) UpdateCardCache(cardID string, cardType, status *string, discountRate, discountAmount *float32, balanceCents *uint32, nowMs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cardProfiles.Update(cardID, cache.CardProfile{
		CardType:        cardType,
		Status:          status,
		DiscountRate:    discountRate,
		DiscountAmount:  discountAmount,
		BalanceCents:    balanceCents,
		UpdatedAtMillis: nowMs,
	})
}

// LastCardID reports the most recently processed card id, used by the
// network coordinator to decide whether a delayed lookup result still
// applies to the card on the reader.
func (s *State) LastCardID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCardID
}

// SnapshotStatus is an immutable view of the gateway's current display
// state, the shape an external operator UI would render.
type SnapshotStatus struct {
	RouteID           uint16
	StationID         uint16
	StationName       string
	Direction         model.Direction
	TapMode           model.TapMode
	FareType          model.FareType
	CardCacheCount    int
	WifiConnected     bool
	BackendReachable  bool
	PassengerTone     model.PassengerTone
	PassengerMessage  string
	StandardFare      *float32
	ActualFare        *float32
	FareLabel         string
	RechargeActive    bool
	RegisterActive    bool
}

// Status builds a SnapshotStatus for the operator UI / health endpoint.
func (s *State) Status(nowMs uint64) SnapshotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	tapMode := model.SingleTap
	fareType := model.Uniform
	if s.configCache.Route != nil {
		tapMode = s.configCache.Route.TapMode
		fareType = s.configCache.Route.FareType
	}

	_, rechargeActive := s.rechargeActive(nowMs)

	return SnapshotStatus{
		RouteID:          s.Route.RouteID,
		StationID:        s.Route.StationID,
		StationName:      s.Route.StationName,
		Direction:        s.Route.Direction,
		TapMode:          tapMode,
		FareType:         fareType,
		CardCacheCount:   s.cardProfiles.Len(),
		WifiConnected:    s.wifiConnected,
		BackendReachable: s.backendReachable,
		PassengerTone:    s.lastPassengerTone,
		PassengerMessage: s.lastPassengerMessage,
		StandardFare:     s.standardFareLocked(),
		ActualFare:       s.lastFare,
		FareLabel:        s.lastFareLabel,
		RechargeActive:   rechargeActive,
		RegisterActive:   s.registerActive(nowMs),
	}
}

// DrainUploadBatch removes and returns up to limit buffered tap events
// from the front of the event buffer.
func (s *State) DrainUploadBatch(limit int) []model.TapEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tapCache.DrainBatch(limit)
}

// pushTapEventLocked buffers a tap event for upload, honoring the bounded
// event-buffer capacity.
func (s *State) pushTapEventLocked(e model.TapEvent) bool {
	return s.tapCache.Push(e)
}

// ClearTapCache empties the event buffer, called after a fully accepted
// batch upload.
func (s *State) ClearTapCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tapCache.Clear()
}

// DrainSnapshotBatch hands up to limit buffered card-state snapshots to
// the network coordinator.
func (s *State) DrainSnapshotBatch(limit int) []cache.CardSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshots.DrainBatch(limit)
}

// BlacklistCard adds cardID to the local blacklist ahead of the next
// backend refresh, used when a card-state batch response reports the
// exact reason "card blocked".
func (s *State) BlacklistCard(cardID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blacklist.Add(cardID)
}
