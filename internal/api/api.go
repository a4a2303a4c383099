// Package api exposes the gateway's state snapshot and operator
// command surface over HTTP, thin enough for an external UI server to
// mount directly: it renders no HTML, it only wraps the decision
// engine's status struct and the netsync command channel.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"taptransit-gateway/internal/config"
	"taptransit-gateway/internal/engine"
	"taptransit-gateway/internal/model"
	"taptransit-gateway/internal/netsync"
)

// Router wires the gateway's status and action handlers into a
// *mux.Router, the same router construction the teacher uses for its
// own API surface.
type Router struct {
	state  *engine.State
	netCmd chan<- netsync.Command
}

// NewRouter returns a Router bound to state and the channel the
// network coordinator listens on for operator-issued commands.
func NewRouter(state *engine.State, netCmd chan<- netsync.Command) *Router {
	return &Router{state: state, netCmd: netCmd}
}

// Mount registers the status and action endpoints on r.
func (a *Router) Mount(r *mux.Router) {
	r.HandleFunc("/status", a.statusHandler).Methods(http.MethodGet)
	r.HandleFunc("/action", a.actionHandler).Methods(http.MethodGet)
}

func (a *Router) statusHandler(w http.ResponseWriter, r *http.Request) {
	nowMs := uint64(time.Now().UnixMilli())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(a.state.Status(nowMs)); err != nil {
		log.Printf("api: failed to encode status: %v", err)
	}
}

// actionHandler implements the operator command surface: GET
// /action?type=...&value=... applies one DriverAction and redirects
// back to "/", matching the reference UI's request/redirect pattern
// even though HTML rendering itself lives outside this module.
func (a *Router) actionHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	action := q.Get("type")
	value := q.Get("value")
	nowMs := uint64(time.Now().UnixMilli())

	switch action {
	case "set-route":
		routeID, err := parseUint16(value)
		if err != nil {
			http.Error(w, "invalid route id", http.StatusBadRequest)
			return
		}
		status := a.state.Status(nowMs)
		a.state.UpdateRoute(routeID, status.StationID, status.StationName, status.Direction)
		a.sendNetCmd(netsync.SyncConfig(routeID))
	case "set-direction":
		status := a.state.Status(nowMs)
		a.state.UpdateRoute(status.RouteID, status.StationID, status.StationName, model.ParseDirection(value))
	case "set-station":
		stationID, err := parseUint16(value)
		if err != nil {
			http.Error(w, "invalid station id", http.StatusBadRequest)
			return
		}
		a.state.SetStationByID(stationID)
	case "next":
		a.state.StepStation(true)
	case "prev":
		a.state.StepStation(false)
	case "sync-config":
		status := a.state.Status(nowMs)
		a.sendNetCmd(netsync.SyncConfig(status.RouteID))
	case "upload-now":
		a.sendNetCmd(netsync.UploadNow())
	case "set-backend":
		a.state.SetBackendBaseURL(value)
		if err := config.SetBackendOverride(value); err != nil {
			log.Printf("api: failed to persist backend override: %v", err)
		}
		a.sendNetCmd(netsync.SetBackend(value))
	case "recharge":
		amountYuan, err := strconv.ParseFloat(value, 64)
		if err != nil {
			http.Error(w, "invalid recharge amount", http.StatusBadRequest)
			return
		}
		a.state.SetRecharge(uint32(amountYuan*100+0.5), nowMs)
	case "recharge-off":
		a.state.ClearRecharge()
	case "register-on":
		a.state.SetRegister(nowMs)
	case "register-off":
		a.state.ClearRegister()
	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (a *Router) sendNetCmd(cmd netsync.Command) {
	select {
	case a.netCmd <- cmd:
	default:
		log.Printf("api: net command queue full, dropping command")
	}
}

func parseUint16(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return uint16(v), nil
}
