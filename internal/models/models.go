// Package models holds the in-process representation of an uplink frame
// as it flows through the dedup collector, the uplink router and the
// per-frame-type handlers.
package models

import (
	"time"

	"github.com/gofrs/uuid"

	"github.com/brocaar/chirpstack-network-server/api/gw"
	"github.com/brocaar/lorawan"
)

// RXInfo wraps a single gateway's reception report for an uplink, adding
// the fields the network server computes itself (the raw protobuf only
// carries what the gateway measured).
type RXInfo struct {
	GatewayID lorawan.EUI64
	UplinkID  uuid.UUID
	RXInfo    *gw.UplinkRXInfo
}

// RXPacket is the dedup collector's output: a single decoded PHYPayload
// plus the rx-info of every gateway that reported receiving it.
type RXPacket struct {
	// PHYPayload holds the decoded LoRaWAN frame.
	PHYPayload lorawan.PHYPayload

	// TXInfo holds the (assumed identical across gateways) radio parameters
	// the device transmitted with.
	TXInfo *gw.UplinkTXInfo

	// RXInfoSet holds one entry per gateway that received this frame.
	RXInfoSet []*gw.UplinkRXInfo

	// DR is the data-rate index derived from TXInfo.
	DR int

	// ContextVars carry free-form state between pipeline stages of a
	// single uplink (the relay handler keeps its "relay_hops" count here).
	ContextVars map[string]interface{}

	// ReceivedAt is the time the dedup collector first admitted this frame.
	ReceivedAt time.Time
}

// UplinkFrameSet groups the raw per-gateway gw.UplinkFrame values collected
// for a single PHYPayload during the dedup window, before they are merged
// into an RXPacket.
type UplinkFrameSet struct {
	ID         uuid.UUID
	PHYPayload lorawan.PHYPayload
	TXInfo     *gw.UplinkTXInfo
	RXInfoSet  []*gw.UplinkRXInfo
}
