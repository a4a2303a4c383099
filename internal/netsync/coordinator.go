package netsync

import (
	"context"
	"log"
	"time"

	"taptransit-gateway/internal/engine"
	"taptransit-gateway/internal/model"
)

const (
	defaultRefreshSecs = 300
	uploadPollTimeout  = 200 * time.Millisecond
	maxBatchAge        = 5 * time.Second
)

// Coordinator is the single worker that owns the backend HTTP link. It
// drains inline commands, refreshes route/blacklist caches on a
// TTL-aligned timer, and batches tap-upload and card-snapshot records
// for periodic POSTs.
type Coordinator struct {
	state                 *engine.State
	commands              <-chan Command
	uploads               <-chan model.UploadRecord
	compileDefaultBaseURL string
	batchSize             int

	routeID *uint16
	buffer  []model.UploadRecord
	oldest  time.Time
}

// NewCoordinator wires a coordinator to its state and inbound channels.
// compileDefaultBaseURL is the build-time fallback used whenever the
// operator hasn't overridden the backend URL at runtime.
func NewCoordinator(state *engine.State, commands <-chan Command, uploads <-chan model.UploadRecord, compileDefaultBaseURL string, batchSize int) *Coordinator {
	return &Coordinator{
		state:                 state,
		commands:              commands,
		uploads:               uploads,
		compileDefaultBaseURL: compileDefaultBaseURL,
		batchSize:             batchSize,
	}
}

// Run blocks, servicing commands and uploads until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	refreshSecs := c.state.Settings.ConfigTTLSecs
	if c.state.Settings.BlacklistTTLSecs < refreshSecs {
		refreshSecs = c.state.Settings.BlacklistTTLSecs
	}
	if refreshSecs == 0 {
		refreshSecs = defaultRefreshSecs
	}
	nextRefresh := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.drainCommands()

		if !time.Now().Before(nextRefresh) {
			wifiConnected := checkNetworkConnectivity()
			c.state.UpdateHealth(&wifiConnected, nil)
			c.syncConfigAndBlacklist()
			nextRefresh = time.Now().Add(time.Duration(refreshSecs) * time.Second)
		}

		select {
		case rec, ok := <-c.uploads:
			if !ok {
				return
			}
			if len(c.buffer) == 0 {
				c.oldest = time.Now()
			}
			c.buffer = append(c.buffer, rec)
		case <-time.After(uploadPollTimeout):
		case <-ctx.Done():
			return
		}

		c.flushSnapshotsIfAny()

		if len(c.buffer) == 0 {
			continue
		}
		if len(c.buffer) >= c.batchSize || time.Since(c.oldest) >= maxBatchAge {
			c.flushUploadBuffer()
		}
	}
}

// drainCommands services every command currently queued without
// blocking, so a burst of operator actions never stalls the refresh
// timer or the upload poll.
func (c *Coordinator) drainCommands() {
	for {
		select {
		case cmd, ok := <-c.commands:
			if !ok {
				return
			}
			c.handleCommand(cmd)
		default:
			return
		}
	}
}

func (c *Coordinator) handleCommand(cmd Command) {
	switch cmd.Kind {
	case CmdSyncConfig:
		routeID := cmd.RouteID
		c.routeID = &routeID
		c.syncConfigAndBlacklist()
	case CmdUploadNow:
		c.flushUploadBuffer()
		c.flushSnapshotsIfAny()
	case CmdSetBackend:
		c.state.SetBackendBaseURL(cmd.BaseURL)
	case CmdLookupCard:
		c.lookupCard(cmd.CardID)
	case CmdRegisterCard:
		c.registerCard(cmd.Registration)
	}
}

func (c *Coordinator) baseURL() string {
	return c.state.BackendBaseURL(c.compileDefaultBaseURL)
}

// syncConfigAndBlacklist refreshes whichever of route config and
// blacklist can be fetched; either succeeding marks the backend
// reachable, matching the reference loop's "ok if either succeeds"
// health semantics.
func (c *Coordinator) syncConfigAndBlacklist() {
	baseURL := c.baseURL()
	nowSecs := uint64(time.Now().Unix())
	reachable := false

	if c.routeID != nil {
		cfg, err := fetchRouteConfig(baseURL, *c.routeID)
		if err != nil {
			log.Printf("netsync: sync config failed: %v", err)
		} else {
			c.state.UpdateRouteConfig(cfg, nowSecs)
			reachable = true
		}
	}

	ids, err := fetchBlacklist(baseURL)
	if err != nil {
		log.Printf("netsync: sync blacklist failed: %v", err)
	} else {
		c.state.UpdateBlacklist(ids, nowSecs)
		reachable = true
	}

	c.state.UpdateHealth(nil, &reachable)
}

func (c *Coordinator) lookupCard(cardID string) {
	profile, found, err := fetchCardProfile(c.baseURL(), cardID)
	if err != nil {
		log.Printf("netsync: card lookup failed for %s: %v", cardID, err)
		return
	}
	if !found {
		return
	}
	nowMs := uint64(time.Now().UnixMilli())
	c.state.UpdateCardCache(cardID, profile.CardType, profile.Status, profile.DiscountRate, profile.DiscountAmount, profile.BalanceCents, nowMs)
	c.state.ApplyCardProfile(cardID, nowMs)
}

func (c *Coordinator) registerCard(payload engine.RegistrationPayload) {
	if err := postCardRegister(c.baseURL(), payload); err != nil {
		log.Printf("netsync: card register failed for %s: %v", payload.CardID, err)
	}
}

// flushUploadBuffer posts the buffered tap records. The buffer is
// all-or-nothing: it clears on a 2xx response and is left untouched on
// any other outcome, so nothing is lost and the next flush retries the
// whole batch.
func (c *Coordinator) flushUploadBuffer() {
	if len(c.buffer) == 0 {
		return
	}
	err := postBatchRecords(c.baseURL(), c.buffer)
	if err != nil {
		reachable := false
		c.state.UpdateHealth(nil, &reachable)
		log.Printf("netsync: batch upload failed, %d records kept for retry: %v", len(c.buffer), err)
		return
	}
	c.buffer = c.buffer[:0]
	c.state.ClearTapCache()
	reachable := true
	c.state.UpdateHealth(nil, &reachable)
}

// flushSnapshotsIfAny posts whatever post-write card snapshots are
// buffered. Unlike the tap-record batch this is best-effort: the
// backend contract has no analogous snapshot endpoint in the reference
// implementation, so a failed post is logged and the snapshots are not
// requeued — the physical card already carries the authoritative
// state, only the backend's reconciliation view lags until the next
// write touches the same card.
func (c *Coordinator) flushSnapshotsIfAny() {
	batch := c.state.DrainSnapshotBatch(c.batchSize)
	if len(batch) == 0 {
		return
	}
	result, err := postCardStateBatch(c.baseURL(), batch)
	if err != nil {
		log.Printf("netsync: card-state batch failed (%d snapshots dropped): %v", len(batch), err)
		return
	}
	for _, rej := range result.Rejected {
		if rej.Reason != nil && *rej.Reason == "card blocked" {
			c.state.BlacklistCard(rej.CardID)
		}
	}
}
