package netsync

import (
	"net"
	"time"
)

const connectivityProbeTimeout = 3 * time.Second

// checkNetworkConnectivity reports whether the gateway currently has a
// route to the outside world, independent of whether the configured
// backend itself is reachable — a DNS resolver is a cheap, stable
// target that doesn't depend on the backend's own uptime.
func checkNetworkConnectivity() bool {
	conn, err := net.DialTimeout("tcp", "8.8.8.8:53", connectivityProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
