package netsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"taptransit-gateway/internal/cache"
	"taptransit-gateway/internal/engine"
	"taptransit-gateway/internal/model"
)

// Backend endpoint paths, grounded on the reference client's path
// constants — canonical and not configurable.
const (
	configPath         = "/api/v1/bus/config"
	batchRecordsPath   = "/api/v1/bus/batchRecords"
	cardsPath          = "/api/v1/cards"
	cardStateBatchPath = "/api/v1/bus/cardStateBatch"
	cardRegisterPath   = "/api/v1/bus/cardRegister"
)

const httpTimeout = 5 * time.Second

// newClient returns a fresh HTTP client per call, sidestepping
// long-lived socket/connection-pool state on a constrained runtime —
// the same tradeoff the reference network loop makes by opening a
// request-scoped client instead of holding one for the process
// lifetime.
func newClient() *http.Client {
	return &http.Client{Timeout: httpTimeout}
}

func readAPIResponse[T any](resp *http.Response) (ApiResponse[T], error) {
	defer resp.Body.Close()
	var out ApiResponse[T]
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("netsync: decode response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, fmt.Errorf("netsync: http status %d", resp.StatusCode)
	}
	if !out.Success {
		return out, fmt.Errorf("netsync: backend reported failure: %s", out.Message)
	}
	return out, nil
}

// fetchRouteConfig fetches the current route config from the backend.
func fetchRouteConfig(baseURL string, routeID uint16) (model.RouteConfig, error) {
	url := fmt.Sprintf("%s%s?route_id=%d", baseURL, configPath, routeID)
	resp, err := newClient().Get(url)
	if err != nil {
		return model.RouteConfig{}, fmt.Errorf("netsync: fetch route config: %w", err)
	}
	out, err := readAPIResponse[RouteConfigResponse](resp)
	if err != nil {
		return model.RouteConfig{}, err
	}
	return out.Data.ToRouteConfig(), nil
}

// fetchBlacklist fetches the set of blocked card ids.
func fetchBlacklist(baseURL string) ([]string, error) {
	url := baseURL + cardsPath + "?status=blocked"
	resp, err := newClient().Get(url)
	if err != nil {
		return nil, fmt.Errorf("netsync: fetch blacklist: %w", err)
	}
	out, err := readAPIResponse[[]CardResponse](resp)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(out.Data))
	for _, c := range out.Data {
		ids = append(ids, c.CardID)
	}
	return ids, nil
}

// fetchCardProfile fetches a single card's backend profile. ok is false
// if the backend returned no matching entry.
func fetchCardProfile(baseURL, cardID string) (CardResponse, bool, error) {
	url := baseURL + cardsPath + "?card_id=" + cardID
	resp, err := newClient().Get(url)
	if err != nil {
		return CardResponse{}, false, fmt.Errorf("netsync: fetch card profile: %w", err)
	}
	out, err := readAPIResponse[[]CardResponse](resp)
	if err != nil {
		return CardResponse{}, false, err
	}
	if len(out.Data) == 0 {
		return CardResponse{}, false, nil
	}
	return out.Data[0], true, nil
}

// postJSON posts a JSON body and returns the raw response for the
// caller to unwrap, since the three POST endpoints disagree on the
// shape of `data`.
func postJSON(url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("netsync: encode request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("netsync: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Length", strconv.Itoa(len(payload)))
	resp, err := newClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("netsync: post %s: %w", url, err)
	}
	return resp, nil
}

// postBatchRecords uploads a batch of tap records. 2xx means the whole
// batch is accepted; any other outcome leaves the caller's buffer
// intact for a later retry.
func postBatchRecords(baseURL string, records []model.UploadRecord) error {
	resp, err := postJSON(baseURL+batchRecordsPath, records)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("netsync: batch records http status %d", resp.StatusCode)
	}
	return nil
}

// postCardStateBatch uploads a batch of post-write card snapshots and
// returns the per-card rejection reasons, if any.
func postCardStateBatch(baseURL string, snapshots []cache.CardSnapshot) (BatchResult, error) {
	resp, err := postJSON(baseURL+cardStateBatchPath, snapshots)
	if err != nil {
		return BatchResult{}, err
	}
	out, err := readAPIResponse[BatchResult](resp)
	if err != nil {
		// readAPIResponse failed (decode error, non-2xx status or
		// success=false); return whatever data it parsed with the error.
		return out.Data, err
	}
	return out.Data, nil
}

// cardRegisterRequest is the body of POST /api/v1/bus/cardRegister.
type cardRegisterRequest struct {
	CardID       string `json:"card_id"`
	BalanceCents uint32 `json:"balance_cents"`
	Status       string `json:"status"`
	RegisteredAt uint64 `json:"registered_at"`
	GatewayID    string `json:"gateway_id"`
}

// postCardRegister reports a freshly provisioned card to the backend.
func postCardRegister(baseURL string, payload engine.RegistrationPayload) error {
	resp, err := postJSON(baseURL+cardRegisterPath, cardRegisterRequest{
		CardID:       payload.CardID,
		BalanceCents: payload.BalanceCents,
		Status:       payload.Status,
		RegisteredAt: payload.RegisteredAt,
		GatewayID:    payload.GatewayID,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("netsync: card register http status %d", resp.StatusCode)
	}
	return nil
}
