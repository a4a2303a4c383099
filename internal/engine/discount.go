package engine

import "taptransit-gateway/internal/model"

// estimateTripFareLocked implements estimate_trip_fare(start, end):
// a named start/end fare rule wins outright; otherwise uniform routes
// charge the standard fare and segment/distance routes price by station
// distance against the route's "default" (start=end=0) rule.
func (s *State) estimateTripFareLocked(startStationID, endStationID uint16) *float32 {
	cfg := s.configCache.Route
	if cfg == nil {
		return nil
	}
	if startStationID == 0 || endStationID == 0 {
		return s.standardFareLocked()
	}

	for i := range cfg.Fares {
		rule := cfg.Fares[i]
		if rule.StartStation != nil && rule.EndStation != nil &&
			*rule.StartStation == startStationID && *rule.EndStation == endStationID &&
			rule.BasePrice > 0 {
			v := model.RoundCurrency(rule.BasePrice)
			return &v
		}
	}

	switch cfg.FareType {
	case model.Uniform:
		return s.standardFareLocked()
	case model.Segment, model.Distance:
		startStation := cfg.StationByID(startStationID)
		endStation := cfg.StationByID(endStationID)
		if startStation == nil || endStation == nil {
			return nil
		}
		var diff uint16
		if startStation.Sequence >= endStation.Sequence {
			diff = startStation.Sequence - endStation.Sequence
		} else {
			diff = endStation.Sequence - startStation.Sequence
		}

		baseRule := defaultFareRule(cfg.Fares)
		basePrice := float32(0)
		if baseRule != nil {
			basePrice = baseRule.BasePrice
		}
		if basePrice <= 0 {
			return s.standardFareLocked()
		}
		extra := float32(0)
		if baseRule != nil && baseRule.ExtraPrice != nil {
			extra = *baseRule.ExtraPrice
		}
		included := uint16(1)
		if baseRule != nil && baseRule.SegmentCount != nil {
			included = *baseRule.SegmentCount
		}
		if diff <= included || extra <= 0 {
			v := model.RoundCurrency(basePrice)
			return &v
		}
		extraSegments := float32(diff - included)
		v := model.RoundCurrency(basePrice + extra*extraSegments)
		return &v
	default:
		return s.standardFareLocked()
	}
}

func defaultFareRule(fares []model.FareRule) *model.FareRule {
	for i := range fares {
		start := uint16(0)
		if fares[i].StartStation != nil {
			start = *fares[i].StartStation
		}
		end := uint16(0)
		if fares[i].EndStation != nil {
			end = *fares[i].EndStation
		}
		if start == 0 && end == 0 {
			return &fares[i]
		}
	}
	return nil
}

// discountLabel picks the display label for a discounted fare based on
// tap mode and which side of the trip just completed.
func (s *State) discountLabel() string {
	tapMode := model.SingleTap
	if s.configCache.Route != nil {
		tapMode = s.configCache.Route.TapMode
	}
	if tapMode != model.TapInOut {
		return "优惠票价"
	}
	if s.lastTapType == nil {
		return "优惠票价"
	}
	if *s.lastTapType == model.TapIn {
		return "优惠起步价"
	}
	return "优惠结算价"
}

// applyDiscountPolicyLocked implements the backend-priority discount
// rule: an explicit discount_amount wins (capped at the base fare);
// else a discount_rate in [0,1] scales the base; else a known card type
// gets its default (student 50% off, elder/disabled free). Applying no
// policy and no known type leaves the fare untouched.
func (s *State) applyDiscountPolicyLocked(cardType string, discountRate, discountAmount *float32) {
	base := s.lastFareBase
	if base == nil {
		base = s.lastFare
	}
	if base == nil {
		return
	}

	hasPolicy := discountRate != nil || discountAmount != nil
	var discount float32
	if discountAmount != nil && *discountAmount > 0 {
		discount = *discountAmount
	}
	if discount == 0 && discountRate != nil && *discountRate >= 0 {
		rate := clamp01(*discountRate)
		discount = *base * rate
	}
	if discount == 0 && !hasPolicy {
		s.applyDefaultCardTypeDiscountLocked(cardType)
		return
	}
	if discount > *base {
		discount = *base
	}
	value := *base - discount
	discounted := model.RoundCurrency(value)
	s.lastFare = &discounted
	s.lastFareLabel = s.discountLabel()
}

// applyDefaultCardTypeDiscountLocked applies the fallback discount when
// the backend sent no explicit rate/amount but the card type is known.
func (s *State) applyDefaultCardTypeDiscountLocked(cardType string) {
	base := s.lastFareBase
	if base == nil {
		base = s.lastFare
	}
	if base == nil {
		return
	}
	var rate float32
	switch cardType {
	case "student":
		rate = 0.50
	case "elder", "disabled":
		rate = 1.00
	default:
		return
	}
	rate = clamp01(rate)
	discounted := model.RoundCurrency(*base * (1 - rate))
	s.lastFare = &discounted
	s.lastFareLabel = s.discountLabel()
}

// applyCachedProfileLocked folds a cached backend profile into the
// current display state: a blocked/lost status wins outright (tone
// error, fare cleared); otherwise a known card type sets the passenger
// tone and triggers the discount policy.
func (s *State) applyCachedProfileLocked(cardID string, nowMs uint64) {
	profile, ok := s.cardProfiles.Get(cardID, nowMs)
	if !ok {
		return
	}
	if profile.Status != nil {
		switch *profile.Status {
		case "blocked":
			s.lastPassengerTone = model.ToneError
			s.lastPassengerMessage = "卡已冻结"
			s.lastFareBase = nil
			s.lastFare = nil
			return
		case "lost":
			s.lastPassengerTone = model.ToneError
			s.lastPassengerMessage = "卡已挂失"
			s.lastFareBase = nil
			s.lastFare = nil
			return
		}
	}
	if profile.CardType != nil {
		switch *profile.CardType {
		case "student":
			s.lastPassengerTone = model.ToneStudent
		case "elder":
			s.lastPassengerTone = model.ToneElder
		case "disabled":
			s.lastPassengerTone = model.ToneDisabled
		}
		s.applyDiscountPolicyLocked(*profile.CardType, profile.DiscountRate, profile.DiscountAmount)
	}
}

// ApplyCardProfile folds a freshly fetched backend profile into the
// currently displayed tap result, but only if cardID is still the most
// recently processed card — a network lookup that completes after the
// passenger has already tapped again must not clobber the newer result.
func (s *State) ApplyCardProfile(cardID string, nowMs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastCardID != cardID {
		return
	}
	s.applyCachedProfileLocked(cardID, nowMs)
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
