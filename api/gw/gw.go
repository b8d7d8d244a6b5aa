// Package gw holds the Frame Bus wire-format types exchanged with gateway
// bridges (uplink/downlink frames, stats, tx acks), hand-authored to the
// shape of gw.proto's generated structs.
package gw

import "github.com/brocaar/chirpstack-network-server/api/common"

// Modulation mirrors common.Modulation for the frames that need it inline.
type Modulation = common.Modulation

// UplinkTXInfo describes the radio parameters the end-device transmitted
// with, as observed (and possibly only partially known) by the gateway.
type UplinkTXInfo struct {
	Frequency  uint32
	Modulation Modulation

	// LoRa modulation info.
	SpreadingFactor uint32
	Bandwidth       uint32
	CodeRate        string

	// FSK modulation info.
	Datarate uint32
}

// UplinkRXInfo describes one gateway's reception of an uplink frame.
type UplinkRXInfo struct {
	GatewayId         []byte
	Time              int64 // unix nano, 0 when unknown
	TimeSinceGPSEpoch int64 // nanoseconds, 0 when unknown
	Rssi              int32
	LoraSnr           float64
	Channel           uint32
	RfChain           uint32
	Board             uint32
	Antenna           uint32
	Location          *common.Location
	Context           []byte // opaque gateway-side state echoed back on downlink (e.g. legacy timestamp)
	CrcStatus         CRCStatus
}

// CRCStatus enumerates the PHYPayload CRC check outcome reported by the
// gateway's concentrator.
type CRCStatus int32

// Supported CRC status values.
const (
	CRCStatus_NO_CRC   CRCStatus = 0
	CRCStatus_BAD_CRC  CRCStatus = 1
	CRCStatus_CRC_OK   CRCStatus = 2
)

// UplinkFrame is one gateway's report of a received PHYPayload.
type UplinkFrame struct {
	PhyPayload []byte
	TxInfo     *UplinkTXInfo
	RxInfo     *UplinkRXInfo
}

// DownlinkTXInfo describes how a downlink frame must be transmitted.
type DownlinkTXInfo struct {
	GatewayId  []byte
	Frequency  uint32
	Power      int32
	Modulation Modulation

	SpreadingFactor uint32
	Bandwidth       uint32
	CodeRate        string
	Datarate        uint32

	Board   uint32
	Antenna uint32

	Timing      DownlinkTiming
	TimingDelay int64 // nanoseconds, used with DownlinkTiming_DELAY
	TimeSinceGPSEpoch int64 // nanoseconds, used with DownlinkTiming_GPS_EPOCH

	Context []byte
}

// DownlinkTiming enumerates the downlink scheduling strategies a gateway
// bridge supports.
type DownlinkTiming int32

// Supported downlink timing strategies.
const (
	DownlinkTiming_IMMEDIATELY DownlinkTiming = 0
	DownlinkTiming_DELAY       DownlinkTiming = 1
	DownlinkTiming_GPS_EPOCH   DownlinkTiming = 2
)

// DownlinkFrameItem is one transmission attempt within a DownlinkFrame
// (RX1 and RX2 are sent as two items, the gateway bridge picks whichever
// succeeds first).
type DownlinkFrameItem struct {
	PhyPayload []byte
	TxInfo     *DownlinkTXInfo
}

// DownlinkFrame is the network server's scheduled transmission, handed to
// the Frame Bus for delivery to the gateway.
type DownlinkFrame struct {
	DownlinkId []byte
	DownlinkFrameItems   []*DownlinkFrameItem
	GatewayId  []byte
}

// DownlinkTXAckItem reports the per-item outcome of a DownlinkFrame.
type DownlinkTXAckItem struct {
	Status TxAckStatus
}

// TxAckStatus enumerates why a downlink transmission attempt did or didn't
// go out over the air.
type TxAckStatus int32

// Supported tx ack statuses.
const (
	TxAckStatus_IGNORED          TxAckStatus = 0
	TxAckStatus_OK               TxAckStatus = 1
	TxAckStatus_TOO_LATE         TxAckStatus = 2
	TxAckStatus_TOO_EARLY        TxAckStatus = 3
	TxAckStatus_COLLISION_PACKET TxAckStatus = 4
	TxAckStatus_COLLISION_BEACON TxAckStatus = 5
	TxAckStatus_TX_FREQ          TxAckStatus = 6
	TxAckStatus_TX_POWER         TxAckStatus = 7
	TxAckStatus_GPS_UNLOCKED     TxAckStatus = 8
	TxAckStatus_QUEUE_FULL       TxAckStatus = 9
)

// DownlinkTXAck reports the gateway bridge's outcome for a DownlinkFrame,
// one item per scheduled attempt.
type DownlinkTXAck struct {
	DownlinkId []byte
	GatewayId  []byte
	Items      []*DownlinkTXAckItem
}

// GatewayStats reports a gateway's periodic statistics frame.
type GatewayStats struct {
	GatewayId       []byte
	Time            int64
	Location        *common.Location
	RxPacketsReceived   uint32
	RxPacketsReceivedOK uint32
	TxPacketsReceived   uint32
	TxPacketsEmitted    uint32
}
