// Package applicationserver holds the process-wide application-server
// client pool, shared by every package that needs to call back into an
// application server (the device-queue, uplink and downlink-ack paths).
package applicationserver

import "github.com/brocaar/chirpstack-network-server/internal/api/client/asclient"

var pool asclient.Pool

// SetPool sets the process-wide application-server client pool. In this
// tree only the test-suites call it, to inject a fake pool; the binary's
// startup path does not set a pool.
func SetPool(p asclient.Pool) {
	pool = p
}

// Pool returns the process-wide application-server client pool.
func Pool() asclient.Pool {
	return pool
}
