package netsync

import "taptransit-gateway/internal/model"

// ApiResponse is the backend's uniform success/data/message envelope,
// used by every endpoint in this package.
type ApiResponse[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Message string `json:"message,omitempty"`
}

// RouteConfigResponse is the wire shape of GET /api/v1/bus/config.
type RouteConfigResponse struct {
	RouteID   uint16                `json:"route_id"`
	RouteName string                `json:"route_name"`
	FareType  *string               `json:"fare_type"`
	TapMode   *string               `json:"tap_mode"`
	MaxFare   *float32              `json:"max_fare"`
	Stations  []StationResponse     `json:"stations"`
	Fares     []FareRuleResponse    `json:"fares"`
}

// StationResponse is one entry in a RouteConfigResponse's station list.
type StationResponse struct {
	ID         *uint16 `json:"id"`
	Name       string  `json:"name"`
	Sequence   uint16  `json:"sequence"`
	ZoneID     *uint16 `json:"zone_id"`
	IsTransfer *bool   `json:"is_transfer"`
}

// FareRuleResponse is one entry in a RouteConfigResponse's fare table.
type FareRuleResponse struct {
	BasePrice    *float32 `json:"base_price"`
	FareType     *string  `json:"fare_type"`
	SegmentCount *uint16  `json:"segment_count"`
	ExtraPrice   *float32 `json:"extra_price"`
	StartStation *uint16  `json:"start_station"`
	EndStation   *uint16  `json:"end_station"`
}

// CardResponse is one entry returned by GET /api/v1/cards.
type CardResponse struct {
	CardID         string   `json:"card_id"`
	CardType       *string  `json:"card_type"`
	Status         *string  `json:"status"`
	DiscountRate   *float32 `json:"discount_rate"`
	DiscountAmount *float32 `json:"discount_amount"`
	BalanceCents   *uint32  `json:"balance_cents"`
}

// BatchRejection is one rejected entry in a card-state batch response.
type BatchRejection struct {
	CardID string  `json:"card_id"`
	Reason *string `json:"reason"`
}

// BatchResult is the data payload of a card-state batch response.
type BatchResult struct {
	Accepted *int             `json:"accepted"`
	Rejected []BatchRejection `json:"rejected"`
}

// ToRouteConfig converts the backend's wire shape into the domain
// RouteConfig, applying the same defaults the reference client does:
// an absent fare_type/tap_mode means uniform/single-tap, an absent
// station id means 0, an absent is_transfer means false, and an absent
// fare base_price means 0.0 (never an error).
func (r RouteConfigResponse) ToRouteConfig() model.RouteConfig {
	stations := make([]model.StationConfig, 0, len(r.Stations))
	for _, s := range r.Stations {
		id := uint16(0)
		if s.ID != nil {
			id = *s.ID
		}
		isTransfer := false
		if s.IsTransfer != nil {
			isTransfer = *s.IsTransfer
		}
		stations = append(stations, model.StationConfig{
			ID:         id,
			Name:       s.Name,
			Sequence:   s.Sequence,
			ZoneID:     s.ZoneID,
			IsTransfer: isTransfer,
		})
	}

	fares := make([]model.FareRule, 0, len(r.Fares))
	for _, f := range r.Fares {
		basePrice := float32(0)
		if f.BasePrice != nil {
			basePrice = *f.BasePrice
		}
		fares = append(fares, model.FareRule{
			BasePrice:    basePrice,
			FareType:     f.FareType,
			SegmentCount: f.SegmentCount,
			ExtraPrice:   f.ExtraPrice,
			StartStation: f.StartStation,
			EndStation:   f.EndStation,
		})
	}

	fareType := model.Uniform
	if r.FareType != nil {
		fareType = model.ParseFareType(*r.FareType)
	}
	tapMode := model.SingleTap
	if r.TapMode != nil {
		tapMode = model.ParseTapMode(*r.TapMode)
	}

	return model.RouteConfig{
		RouteID:   r.RouteID,
		RouteName: r.RouteName,
		FareType:  fareType,
		TapMode:   tapMode,
		MaxFare:   r.MaxFare,
		Stations:  stations,
		Fares:     fares,
	}
}
