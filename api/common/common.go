// Package common holds the wire-format types shared across the gw, as and
// nc gRPC API packages. In the real project these are protoc-generated from
// common.proto; here they are hand-authored to the same field shapes since
// no protoc toolchain runs in this tree (see DESIGN.md).
package common

// KeyEnvelope wraps a session key, optionally wrapped with a KEK for
// transport to a roaming partner (LoRaWAN Backend Interfaces KeyEnvelope).
type KeyEnvelope struct {
	KekLabel string
	AesKey   []byte
}

// Modulation enumerates the supported PHY modulations.
type Modulation int32

// Supported modulations.
const (
	Modulation_LORA Modulation = 0
	Modulation_FSK  Modulation = 1
)

// Location holds a device or gateway's geographic position.
type Location struct {
	Latitude  float64
	Longitude float64
	Altitude  float64
	Source    LocationSource
	Accuracy  uint32
}

// LocationSource enumerates how a Location value was obtained.
type LocationSource int32

// Supported location sources.
const (
	LocationSource_UNKNOWN            LocationSource = 0
	LocationSource_GPS                LocationSource = 1
	LocationSource_CONFIG             LocationSource = 2
	LocationSource_GEO_RESOLVER_TDOA  LocationSource = 3
	LocationSource_GEO_RESOLVER_RSSI  LocationSource = 4
)

// Aggregation enumerates how a metric value is aggregated over time.
type Aggregation int32

// Supported aggregations.
const (
	Aggregation_HOUR  Aggregation = 0
	Aggregation_DAY   Aggregation = 1
	Aggregation_MONTH Aggregation = 2
)
