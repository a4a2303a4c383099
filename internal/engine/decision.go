package engine

import (
	"taptransit-gateway/internal/cache"
	"taptransit-gateway/internal/carddata"
	"taptransit-gateway/internal/model"
	"taptransit-gateway/internal/proto"
)

// RegistrationPayload is the backend card-register request body emitted
// when register mode provisions a blank card.
type RegistrationPayload struct {
	CardID       string
	BalanceCents uint32
	Status       string
	RegisteredAt uint64
	GatewayID    string
}

// Decision is the full result of processing one card-detected frame.
// Every field is computed inside a single critical section with no
// blocking I/O; at most one of TapEvent/Registration is ever non-nil,
// and a rejected Ack always carries a nil TapEvent and UploadRecord.
type Decision struct {
	Ack          proto.CardAck
	TapEvent     *model.TapEvent
	UploadRecord *model.UploadRecord
	WriteRequest *proto.CardWriteRequest
	Registration *RegistrationPayload
}

// HandleCardDetected is the decision engine's sole hot-path entry
// point: given a raw reader frame and the current epoch-seconds clock,
// it returns the full Decision in one locked critical section. now is
// epoch-seconds; UI deadlines derive epoch-millis from it.
func (s *State) HandleCardDetected(detected proto.CardDetected, now uint64) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowMs := now * 1000

	// 1. Bump the LED/UI nonce.
	s.lastTapNonce++

	// 2. Diagnostics: raw card-id, data length and prefix are available
	// to the caller directly off detected for logging; the engine only
	// remembers the card-id for downstream lookups.
	cardID := detected.CardID
	s.lastCardID = cardID

	// 3. Debounce filter.
	if !s.debounce.Allow(cardID, now) {
		return s.rejectLocked(nowMs, "刷卡过快", 1000)
	}

	// 4. Parse card-data; a UID mismatch discards the parsed value.
	parsed := parseCardData(cardID, detected.CardData)

	// 6. Blacklist check (best-effort write-back to flip on-card status).
	if s.blacklist.IsBlocked(cardID) {
		decision := s.rejectLocked(nowMs, "卡已冻结", 1000)
		if parsed != nil && parsed.Status != carddata.StatusBlocked {
			blocked := *parsed
			blocked.Status = carddata.StatusBlocked
			wr := s.buildWriteRequestLocked(cardID, blocked, writeContextBlacklist)
			decision.WriteRequest = &wr
		}
		return decision
	}

	// 7. Register mode.
	if s.registerActive(nowMs) {
		return s.handleRegisterLocked(cardID, parsed, nowMs)
	}

	// 8. Recharge mode.
	if recharge, active := s.rechargeActive(nowMs); active {
		return s.handleRechargeLocked(cardID, parsed, recharge, nowMs)
	}

	// 9. Resolve a usable card (on-card data, or cached backend profile).
	card, rejectMessage, ok := s.resolveCardForTapLocked(cardID, parsed, nowMs)
	if !ok {
		return s.rejectLocked(nowMs, rejectMessage, 1000)
	}

	// 10. Tap-mode branch.
	return s.handleNormalTapLocked(cardID, card, detected.TapTime, now, nowMs)
}

// parseCardData decodes the on-card record and discards it if the
// embedded UID does not match the UID decoded from the hex card-id.
func parseCardData(cardID string, raw []byte) *carddata.Data {
	if len(raw) < carddata.Len {
		return nil
	}
	card, err := carddata.Decode(raw)
	if err != nil {
		return nil
	}
	uid, err := carddata.DecodeUIDHex(cardID)
	if err != nil || uid != card.UID {
		return nil
	}
	return &card
}

func (s *State) rejectLocked(nowMs uint64, message string, deadlineMs uint64) Decision {
	s.lastPassengerTone = model.ToneError
	s.lastPassengerMessage = message
	s.lastFareBase = nil
	s.lastFare = nil
	s.lastMessageDeadlineMs = nowMs + deadlineMs
	return Decision{Ack: proto.Rejected()}
}

func (s *State) buildWriteRequestLocked(cardID string, card carddata.Data, ctx writeContext) proto.CardWriteRequest {
	encoded := card.Encode()
	s.pending = &pendingWrite{cardID: cardID, context: ctx, written: card}
	return proto.CardWriteRequest{
		CardID:     cardID,
		Data:       append([]byte(nil), encoded[:]...),
		BlockStart: carddata.BlockStart,
		BlockCount: carddata.BlockCount,
	}
}

// handleRegisterLocked implements step 7: a valid UID is required;
// an already-registered (parseable) card is rejected; otherwise a blank
// card is written and a registration payload emitted for the backend.
func (s *State) handleRegisterLocked(cardID string, parsed *carddata.Data, nowMs uint64) Decision {
	uid, err := carddata.DecodeUIDHex(cardID)
	if err != nil {
		return s.rejectLocked(nowMs, "卡未注册", 1000)
	}
	if parsed != nil {
		return s.rejectLocked(nowMs, "卡已注册", 3000)
	}

	blank := carddata.New(uid)
	wr := s.buildWriteRequestLocked(cardID, blank, writeContextRegister)

	s.lastPassengerTone = model.ToneNormal
	s.lastPassengerMessage = "注册成功"
	s.lastFareBase = nil
	s.lastFare = nil
	s.lastMessageDeadlineMs = nowMs + 3000

	return Decision{
		Ack:          proto.Accepted(),
		WriteRequest: &wr,
		Registration: &RegistrationPayload{
			CardID:       cardID,
			BalanceCents: 0,
			Status:       carddata.StatusIdle.String(),
			RegisteredAt: nowMs / 1000,
			GatewayID:    s.Settings.GatewayID,
		},
	}
}

// handleRechargeLocked implements step 8: the card must be parseable,
// or else a cached backend profile must prove it is a registered card;
// it must be idle; the recharge amount is added with a saturating
// ceiling.
func (s *State) handleRechargeLocked(cardID string, parsed *carddata.Data, recharge rechargeMode, nowMs uint64) Decision {
	var card carddata.Data
	if parsed != nil {
		card = *parsed
	} else {
		resolved, message, ok := s.synthesizeCardFromProfileLocked(cardID, nowMs)
		if !ok {
			return s.rejectLocked(nowMs, message, 1000)
		}
		card = resolved
	}

	switch card.Status {
	case carddata.StatusBlocked:
		return s.rejectLocked(nowMs, "卡已冻结", 1000)
	case carddata.StatusInTrip:
		return s.rejectLocked(nowMs, "行程未结束", 1000)
	}

	card.BalanceCents = saturatingAddU32(card.BalanceCents, recharge.AmountCents)
	wr := s.buildWriteRequestLocked(cardID, card, writeContextRecharge)

	s.lastPassengerTone = model.ToneNormal
	s.lastPassengerMessage = "充值成功"
	s.lastFareBase = nil
	s.lastFare = nil
	s.lastMessageDeadlineMs = nowMs + 3000

	return Decision{Ack: proto.Accepted(), WriteRequest: &wr}
}

// synthesizeCardFromProfileLocked builds a stand-in card record from a
// cached backend profile when the on-card data itself is unparseable —
// used by both the recharge path and the normal tap path.
func (s *State) synthesizeCardFromProfileLocked(cardID string, nowMs uint64) (carddata.Data, string, bool) {
	profile, ok := s.cardProfiles.Get(cardID, nowMs)
	if !ok {
		return carddata.Data{}, "卡未注册", false
	}
	if profile.Status != nil {
		switch *profile.Status {
		case "blocked":
			return carddata.Data{}, "卡已冻结", false
		case "lost":
			return carddata.Data{}, "卡已挂失", false
		}
	}
	uid, err := carddata.DecodeUIDHex(cardID)
	if err != nil {
		return carddata.Data{}, "卡未注册", false
	}
	card := carddata.New(uid)
	if profile.BalanceCents != nil {
		card.BalanceCents = *profile.BalanceCents
	}
	return card, "", true
}

// resolveCardForTapLocked implements step 9: parseable on-card data is
// used as-is; otherwise a cached backend profile stands in. Either way,
// blocked/lost statuses are rejected explicitly.
func (s *State) resolveCardForTapLocked(cardID string, parsed *carddata.Data, nowMs uint64) (carddata.Data, string, bool) {
	var card carddata.Data
	if parsed != nil {
		card = *parsed
	} else {
		resolved, message, ok := s.synthesizeCardFromProfileLocked(cardID, nowMs)
		if !ok {
			return carddata.Data{}, message, false
		}
		card = resolved
	}

	switch card.Status {
	case carddata.StatusBlocked:
		return carddata.Data{}, "卡已冻结", false
	}
	return card, "", true
}

// handleNormalTapLocked implements step 10 (single-tap / tap-in-out
// branching, fare deduction or trip opening) and step 11 (cached-profile
// tone/discount application, success message). The card-state snapshot
// is queued later, by HandleWriteResult, once the write succeeds.
func (s *State) handleNormalTapLocked(cardID string, card carddata.Data, tapTimeSec, now, nowMs uint64) Decision {
	tapMode := model.SingleTap
	if s.configCache.Route != nil {
		tapMode = s.configCache.Route.TapMode
	}

	var boardEvent *model.TapEvent
	tapType := model.TapIn
	if tapMode == model.TapInOut {
		if prev, ok := s.activeTrips.Take(cardID, now); ok {
			boardEvent = &prev
			tapType = model.TapOut
		}
	}

	recordID := s.nextRecordID(now)
	event := model.TapEvent{
		RecordID:    recordID,
		CardID:      cardID,
		RouteID:     s.Route.RouteID,
		StationID:   s.Route.StationID,
		StationName: s.Route.StationName,
		TapType:     tapType,
		TapTime:     tapTimeSec,
		GatewayID:   s.Settings.GatewayID,
	}

	standardFare := s.standardFareLocked()

	switch {
	case tapMode == model.SingleTap:
		fare := standardFare
		if fare == nil {
			zero := float32(0)
			fare = &zero
		}
		feeCents := centsFromFare(*fare)
		if card.BalanceCents < feeCents {
			return s.rejectLocked(nowMs, "余额不足", 1000)
		}
		card.BalanceCents = saturatingSubU32(card.BalanceCents, feeCents)
		card.Status = carddata.StatusIdle
		card.EntryStationID = nil
		card.LastRouteID = &event.RouteID
		dir := s.Route.Direction
		card.LastDirection = &dir
		card.LastBoardStationID = &event.StationID

		wr := s.buildWriteRequestLocked(cardID, card, writeContextTapIn)
		upload := model.NewUploadFromTapIn(event)

		s.lastFareBase = standardFare
		s.lastFare = standardFare
		s.lastFareLabel = "应付"
		s.lastTapType = &tapType
		s.finishSuccessfulTapLocked(cardID, event, nowMs)

		return Decision{
			Ack:          proto.Accepted(),
			TapEvent:     &event,
			UploadRecord: &upload,
			WriteRequest: &wr,
		}

	case tapMode == model.TapInOut && tapType == model.TapIn:
		s.activeTrips.Insert(event, now)
		upload := model.NewUploadFromTapIn(event)

		entryStation := event.StationID
		card.Status = carddata.StatusInTrip
		card.EntryStationID = &entryStation
		wr := s.buildWriteRequestLocked(cardID, card, writeContextTapIn)

		fare := s.estimateTripFareLocked(event.StationID, event.StationID)
		if fare == nil {
			fare = standardFare
		}
		s.lastFareBase = fare
		s.lastFare = fare
		s.lastFareLabel = "起步价"
		s.lastTapType = &tapType
		s.finishSuccessfulTapLocked(cardID, event, nowMs)

		return Decision{
			Ack:          proto.Accepted(),
			TapEvent:     &event,
			UploadRecord: &upload,
			WriteRequest: &wr,
		}

	default: // tapMode == TapInOut && tapType == TapOut
		board := *boardEvent
		fare := s.estimateTripFareLocked(board.StationID, event.StationID)
		if fare == nil {
			fare = standardFare
		}
		feeFare := float32(0)
		if fare != nil {
			feeFare = *fare
		}
		feeCents := centsFromFare(feeFare)

		if card.BalanceCents < feeCents {
			// Re-insert the pending trip so the card remains debitable later.
			s.activeTrips.Insert(board, now)
			return s.rejectLocked(nowMs, "余额不足", 1000)
		}
		card.BalanceCents = saturatingSubU32(card.BalanceCents, feeCents)
		card.EntryStationID = nil
		card.Status = carddata.StatusIdle
		card.LastRouteID = &event.RouteID
		dir := s.Route.Direction
		card.LastDirection = &dir
		boardStation := board.StationID
		card.LastBoardStationID = &boardStation
		alightStation := event.StationID
		card.LastAlightStationID = &alightStation

		wr := s.buildWriteRequestLocked(cardID, card, writeContextTapOut)
		boardStationName := board.StationName
		upload := model.NewUploadFromTapOut(event, board.TapTime, &boardStation, &boardStationName)

		s.lastFareBase = fare
		s.lastFare = fare
		s.lastFareLabel = "结算价"
		s.lastTapType = &tapType
		s.finishSuccessfulTapLocked(cardID, event, nowMs)

		return Decision{
			Ack:          proto.Accepted(),
			TapEvent:     &event,
			UploadRecord: &upload,
			WriteRequest: &wr,
		}
	}
}

// finishSuccessfulTapLocked is the shared tail of step 11: records the
// tap in the bookkeeping cache, applies the cached backend profile
// (tone + discount), and sets the default success message/deadline.
func (s *State) finishSuccessfulTapLocked(cardID string, event model.TapEvent, nowMs uint64) {
	s.pushTapEventLocked(event)
	s.lastPassengerTone = model.ToneNormal
	s.lastPassengerMessage = "刷卡成功"
	s.lastMessageDeadlineMs = nowMs + 2000
	s.applyCachedProfileLocked(cardID, nowMs)
}

// HandleWriteResult implements the write-result handler. A non-zero
// result is a success: a recharge/register mode that triggered the write
// is cleared and a snapshot of the written record is queued for the
// backend. A zero result is a failure: the passenger tone is set to
// error and a context-specific message is shown. Either way the pending
// write is discarded. The state keeps no displayed-balance field, so
// neither outcome updates a displayed balance.
func (s *State) HandleWriteResult(result proto.CardWriteResult, nowMs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := s.pending
	s.pending = nil
	if pending == nil {
		return
	}

	if result.Result != 0 {
		switch pending.context {
		case writeContextRecharge:
			s.recharge = nil
		case writeContextRegister:
			s.register = nil
		}
		s.snapshots.Push(cardSnapshotFromWrite(pending, nowMs))
		return
	}

	s.lastPassengerTone = model.ToneError
	switch pending.context {
	case writeContextRecharge:
		s.lastPassengerMessage = "充值写卡失败"
	case writeContextRegister:
		s.lastPassengerMessage = "注册写卡失败"
	case writeContextBlacklist:
		s.lastPassengerMessage = "冻结写卡失败"
	default:
		s.lastPassengerMessage = "写卡失败"
	}
	s.lastMessageDeadlineMs = nowMs + 3000
}

// cardSnapshotFromWrite converts a confirmed card rewrite into the
// backend reconciliation record queued for the next card-state batch.
func cardSnapshotFromWrite(pending *pendingWrite, nowMs uint64) cache.CardSnapshot {
	card := pending.written
	var direction *string
	if card.LastDirection != nil {
		d := card.LastDirection.String()
		direction = &d
	}
	return cache.CardSnapshot{
		CardID:              pending.cardID,
		BalanceCents:        card.BalanceCents,
		CardStatus:          card.Status.String(),
		EntryStationID:      card.EntryStationID,
		LastRouteID:         card.LastRouteID,
		LastDirection:       direction,
		LastBoardStationID:  card.LastBoardStationID,
		LastAlightStationID: card.LastAlightStationID,
		UpdatedAt:           nowMs,
		Source:              string(pending.context),
	}
}

func centsFromFare(fare float32) uint32 {
	cents := int64(fare*100 + 0.5)
	if cents < 0 {
		return 0
	}
	return uint32(cents)
}

func saturatingSubU32(a, b uint32) uint32 {
	if a < b {
		return 0
	}
	return a - b
}

func saturatingAddU32(a, b uint32) uint32 {
	sum := uint64(a) + uint64(b)
	if sum > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(sum)
}
