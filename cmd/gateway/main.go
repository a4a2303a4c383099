package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gorilla/mux"

	"taptransit-gateway/internal/api"
	"taptransit-gateway/internal/config"
	"taptransit-gateway/internal/dotenv"
	"taptransit-gateway/internal/engine"
	"taptransit-gateway/internal/model"
	"taptransit-gateway/internal/netsync"
	"taptransit-gateway/internal/serialio"
)

const version = "1.0.0"

func main() {
	os.Args[0] = "taptransit-gateway"

	env := dotenv.Load(".env")
	config.Init()
	device := config.Get()

	gatewayID := device.GatewayID
	settings := model.DefaultGatewaySettings(gatewayID)
	state := engine.Bootstrap(settings)

	if device.BackendOverride != "" {
		state.SetBackendBaseURL(device.BackendOverride)
	}

	backendBaseURL := env[dotenv.BackendBaseURL]
	routeID := device.RouteID
	if routeID == 0 {
		if raw := env[dotenv.DefaultRouteID]; raw != "" {
			if v, err := strconv.ParseUint(raw, 10, 16); err == nil {
				routeID = uint16(v)
			}
		}
	}

	portPath := device.SerialPort
	if portPath == "" {
		portPath = "/dev/ttyUSB0"
	}
	port, err := serialio.OpenPort(serialio.DefaultPortConfig(portPath))
	if err != nil {
		log.Fatalf("gateway: failed to open reader link on %s: %v", portPath, err)
	}
	defer port.Close()

	ch := serialio.NewChannels()
	coord := netsync.NewCoordinator(state, ch.NetCmd, ch.Upload, backendBaseURL, settings.BatchSize)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go serialio.RunRX(ctx, port, ch)
	go serialio.RunTX(ctx, port, ch)
	go serialio.RunProcessor(ctx, state, ch)
	go serialio.RunWriteResultLoop(ctx, state, ch)
	go coord.Run(ctx)

	if routeID != 0 {
		ch.NetCmd <- netsync.SyncConfig(routeID)
	}

	router := api.NewRouter(state, ch.NetCmd)
	r := mux.NewRouter()
	router.Mount(r)

	srv := &http.Server{Addr: ":8081", Handler: r}
	go func() {
		log.Printf("gateway: status API listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("gateway: HTTP server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Println("gateway: shutting down")
	cancel()
	_ = srv.Close()
}
