// Package adr implements the pluggable ADR engine (spec §4.7): a registry
// of algorithms behind one interface, and the default history-based
// algorithm.
package adr

import (
	"fmt"
	"sync"

	"github.com/brocaar/lorawan"
)

// UplinkHistoryEntry mirrors storage.UplinkHistory, kept decoupled from
// the storage package so this package has no import-cycle on it.
type UplinkHistoryEntry struct {
	FCnt         uint32
	MaxSNR       float64
	TXPowerIndex int
	GatewayCount int
}

// Request is the input to an ADR algorithm's Handle method.
type Request struct {
	RegionName      string
	DevEUI          lorawan.EUI64
	MACVersion      string
	RegParamsRevision string
	ADR             bool

	DR           int
	TXPowerIndex int
	NbTrans      uint8

	MaxDR           int
	MaxTXPowerIndex int

	RequiredSNRForDR   float64
	InstallationMargin float64

	UplinkHistory []UplinkHistoryEntry

	SkipFCntCheck bool
}

// Response is an ADR algorithm's decision.
type Response struct {
	DR           int
	TXPowerIndex int
	NbTrans      uint8
}

// Algorithm is the interface every ADR algorithm implements (spec §4.7).
type Algorithm interface {
	ID() string
	Name() string
	Handle(req Request) (Response, error)
}

var (
	mu        sync.RWMutex
	registry  = map[string]Algorithm{}
)

// Register adds an algorithm to the process-wide registry.
func Register(a Algorithm) {
	mu.Lock()
	defer mu.Unlock()
	registry[a.ID()] = a
}

// Get returns the registered algorithm for id.
func Get(id string) (Algorithm, error) {
	mu.RLock()
	defer mu.RUnlock()
	a, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("adr: unknown algorithm: %s", id)
	}
	return a, nil
}

func init() {
	Register(&DefaultAlgorithm{})
}
