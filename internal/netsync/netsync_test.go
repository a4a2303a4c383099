package netsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taptransit-gateway/internal/carddata"
	"taptransit-gateway/internal/engine"
	"taptransit-gateway/internal/model"
	"taptransit-gateway/internal/proto"
)

func uniformRoute() model.RouteConfig {
	return model.RouteConfig{
		RouteID:  1,
		TapMode:  model.SingleTap,
		FareType: model.Uniform,
		Stations: []model.StationConfig{{ID: 1, Name: "Central", Sequence: 0}},
		Fares:    []model.FareRule{{BasePrice: 2.00}},
	}
}

func cardWithBalance(t *testing.T, uidHex string, balanceCents uint32) []byte {
	t.Helper()
	uid, err := carddata.DecodeUIDHex(uidHex)
	require.NoError(t, err)
	card := carddata.New(uid)
	card.BalanceCents = balanceCents
	encoded := card.Encode()
	return encoded[:]
}

func testSettings() model.GatewaySettings {
	s := model.DefaultGatewaySettings("gw-1")
	s.BatchSize = 2
	return s
}

func TestRouteConfigResponseAppliesDefaults(t *testing.T) {
	resp := RouteConfigResponse{
		RouteID:   7,
		RouteName: "Line 7",
		Stations: []StationResponse{
			{Name: "Depot", Sequence: 0},
		},
		Fares: []FareRuleResponse{
			{},
		},
	}
	cfg := resp.ToRouteConfig()

	assert.Equal(t, model.Uniform, cfg.FareType)
	assert.Equal(t, model.SingleTap, cfg.TapMode)
	require.Len(t, cfg.Stations, 1)
	assert.Equal(t, uint16(0), cfg.Stations[0].ID)
	assert.False(t, cfg.Stations[0].IsTransfer)
	require.Len(t, cfg.Fares, 1)
	assert.Equal(t, float32(0), cfg.Fares[0].BasePrice)
}

func TestRouteConfigResponseHonorsExplicitFields(t *testing.T) {
	fareType := "distance"
	tapMode := "tap_in_out"
	id := uint16(3)
	transfer := true
	base := float32(2.5)
	resp := RouteConfigResponse{
		RouteID:  7,
		FareType: &fareType,
		TapMode:  &tapMode,
		Stations: []StationResponse{
			{ID: &id, Name: "B", Sequence: 1, IsTransfer: &transfer},
		},
		Fares: []FareRuleResponse{{BasePrice: &base}},
	}
	cfg := resp.ToRouteConfig()

	assert.Equal(t, model.Distance, cfg.FareType)
	assert.Equal(t, model.TapInOut, cfg.TapMode)
	assert.Equal(t, uint16(3), cfg.Stations[0].ID)
	assert.True(t, cfg.Stations[0].IsTransfer)
	assert.InDelta(t, 2.5, cfg.Fares[0].BasePrice, 0.001)
}

func jsonOK(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestFetchRouteConfigOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/bus/config", r.URL.Path)
		assert.Equal(t, "101", r.URL.Query().Get("route_id"))
		jsonOK(w, ApiResponse[RouteConfigResponse]{
			Success: true,
			Data:    RouteConfigResponse{RouteID: 101, RouteName: "Line 101"},
		})
	}))
	defer srv.Close()

	cfg, err := fetchRouteConfig(srv.URL, 101)
	require.NoError(t, err)
	assert.Equal(t, uint16(101), cfg.RouteID)
	assert.Equal(t, "Line 101", cfg.RouteName)
}

func TestFetchBlacklist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "blocked", r.URL.Query().Get("status"))
		jsonOK(w, ApiResponse[[]CardResponse]{
			Success: true,
			Data:    []CardResponse{{CardID: "AABBCCDD"}, {CardID: "11223344"}},
		})
	}))
	defer srv.Close()

	ids, err := fetchBlacklist(srv.URL)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AABBCCDD", "11223344"}, ids)
}

func TestPostBatchRecordsSuccessAndFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	records := []model.UploadRecord{{RecordID: "r1", CardID: "AABBCCDD"}}
	err := postBatchRecords(srv.URL, records)
	assert.Error(t, err)

	err = postBatchRecords(srv.URL, records)
	assert.NoError(t, err)
}

func TestCoordinatorFlushesUploadBatchOnSize(t *testing.T) {
	var gotRecords []model.UploadRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/bus/batchRecords":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotRecords))
			w.WriteHeader(http.StatusOK)
		case "/api/v1/cards":
			jsonOK(w, ApiResponse[[]CardResponse]{Success: true, Data: nil})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	state := engine.Bootstrap(testSettings())
	commands := make(chan Command, 4)
	uploads := make(chan model.UploadRecord, 4)
	coord := NewCoordinator(state, commands, uploads, srv.URL, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	uploads <- model.UploadRecord{RecordID: "r1", CardID: "AABBCCDD"}
	uploads <- model.UploadRecord{RecordID: "r2", CardID: "11223344"}

	require.Eventually(t, func() bool {
		return len(gotRecords) == 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.True(t, state.Status(0).BackendReachable)
}

func TestCoordinatorLookupCardAppliesProfileWhenStillCurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/cards":
			studentType := "student"
			jsonOK(w, ApiResponse[[]CardResponse]{
				Success: true,
				Data:    []CardResponse{{CardID: "AABBCCDD", CardType: &studentType}},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	state := engine.Bootstrap(testSettings())
	state.HandleCardDetected(proto.CardDetected{CardID: "AABBCCDD", TapTime: 1}, 1)

	commands := make(chan Command, 1)
	uploads := make(chan model.UploadRecord, 1)
	coord := NewCoordinator(state, commands, uploads, srv.URL, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	commands <- LookupCard("AABBCCDD")

	require.Eventually(t, func() bool {
		return state.Status(2000).PassengerTone == model.ToneStudent
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestCoordinatorCardStateBatchBlacklistsOnExactReason(t *testing.T) {
	reason := "card blocked"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/bus/cardStateBatch":
			jsonOK(w, ApiResponse[BatchResult]{
				Success: true,
				Data:    BatchResult{Rejected: []BatchRejection{{CardID: "AABBCCDD", Reason: &reason}}},
			})
		case "/api/v1/cards":
			jsonOK(w, ApiResponse[[]CardResponse]{Success: true, Data: nil})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	state := engine.Bootstrap(testSettings())
	state.UpdateRouteConfig(uniformRoute(), 0)
	d := state.HandleCardDetected(proto.CardDetected{
		CardID:   "AABBCCDD",
		TapTime:  1,
		CardData: cardWithBalance(t, "AABBCCDD", 500),
	}, 1)
	require.NotNil(t, d.WriteRequest)
	state.HandleWriteResult(proto.CardWriteResult{Result: 1}, 1000)

	commands := make(chan Command, 1)
	uploads := make(chan model.UploadRecord, 1)
	coord := NewCoordinator(state, commands, uploads, srv.URL, 10)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		coord.Run(ctx)
		close(done)
	}()

	commands <- UploadNow()
	time.Sleep(300 * time.Millisecond)

	cancel()
	<-done

	retap := state.HandleCardDetected(proto.CardDetected{
		CardID:   "AABBCCDD",
		TapTime:  2,
		CardData: cardWithBalance(t, "AABBCCDD", 500),
	}, 10000)
	assert.Equal(t, byte(0), retap.Ack.Result)
	assert.Equal(t, "卡已冻结", state.Status(10000000).PassengerMessage)
}
