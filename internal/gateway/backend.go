package gateway

import "github.com/brocaar/chirpstack-network-server/api/gw"

// backend is the process-wide Frame Bus handle, set once at start-up so the
// downlink packages can publish a gw.DownlinkFrame without threading the
// concrete backend through every function signature, mirroring
// applicationserver.SetPool/Pool's singleton shape.
var backend Backend

// SetBackend sets the process-wide Frame Bus backend.
func SetBackend(b Backend) {
	backend = b
}

// GetBackend returns the process-wide Frame Bus backend.
func GetBackend() Backend {
	return backend
}

// SendDownlinkFrame publishes frame on the configured backend.
func SendDownlinkFrame(frame gw.DownlinkFrame) error {
	return backend.SendDownlinkFrame(frame)
}
