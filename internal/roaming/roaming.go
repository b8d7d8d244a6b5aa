// Package roaming resolves and caches the LoRaWAN Backend Interfaces client
// used for passive roaming (spec §4.6): one configured peer per home NetID,
// reached over the same HTTP/JSON transport used to talk to join-servers.
package roaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-network-server/api/common"
	"github.com/brocaar/chirpstack-network-server/api/gw"
	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

// ErrNoAgreement is returned by GetClientForNetID when no roaming server is
// configured for the given NetID.
var ErrNoAgreement = errors.New("roaming: no agreement for net-id")

var (
	mux         sync.RWMutex
	netID       lorawan.NetID
	servers     []config.RoamingServer
	clientCache = make(map[lorawan.NetID]backend.Client)
)

// Setup configures the roaming peer table from conf.
func Setup(conf config.Config) error {
	mux.Lock()
	defer mux.Unlock()

	if err := netID.UnmarshalText([]byte(conf.NetworkServer.NetID)); err != nil {
		return errors.Wrap(err, "unmarshal net-id error")
	}
	servers = conf.Roaming.Servers
	clientCache = make(map[lorawan.NetID]backend.Client)

	return nil
}

// GetClientForNetID returns the Backend Interfaces client configured for the
// given (home) NetID, or ErrNoAgreement when no roaming server covers it.
func GetClientForNetID(id lorawan.NetID) (backend.Client, error) {
	mux.Lock()
	defer mux.Unlock()

	if c, ok := clientCache[id]; ok {
		return c, nil
	}

	for _, s := range servers {
		var sNetID lorawan.NetID
		if err := sNetID.UnmarshalText([]byte(s.NetID)); err != nil {
			continue
		}
		if sNetID != id || !s.PassiveRoaming {
			continue
		}

		c, err := backend.NewClient(backend.ClientConfig{
			SenderID:   netID.String(),
			ReceiverID: sNetID.String(),
			Server:     s.Server,
			CACert:     s.CACert,
			TLSCert:    s.TLSCert,
			TLSKey:     s.TLSKey,
		})
		if err != nil {
			return nil, errors.Wrap(err, "new backend client error")
		}

		clientCache[id] = c
		return c, nil
	}

	return nil, ErrNoAgreement
}

// NetIDForDevAddr returns the configured roaming peer NetID whose address
// space devAddr falls in, by re-applying each candidate NetID's address
// prefix and checking whether devAddr is unchanged. This mirrors the
// allocation side (storage.GetRandomDevAddr uses the same SetAddrPrefix
// method) without needing to reimplement the per-NetID-type prefix bit
// widths here.
func NetIDForDevAddr(devAddr lorawan.DevAddr) (lorawan.NetID, bool) {
	mux.RLock()
	defer mux.RUnlock()

	for _, s := range servers {
		var sNetID lorawan.NetID
		if err := sNetID.UnmarshalText([]byte(s.NetID)); err != nil {
			continue
		}
		if !s.PassiveRoaming {
			continue
		}

		candidate := devAddr
		candidate.SetAddrPrefix(sNetID)
		if candidate == devAddr {
			return sNetID, true
		}
	}

	return lorawan.NetID{}, false
}

// ServerConfigForNetID returns the configured roaming peer entry for id, as
// used by the sNS side to find the KEK it shares with that peer.
func ServerConfigForNetID(id lorawan.NetID) (config.RoamingServer, bool) {
	mux.RLock()
	defer mux.RUnlock()

	for _, s := range servers {
		var sNetID lorawan.NetID
		if err := sNetID.UnmarshalText([]byte(s.NetID)); err != nil {
			continue
		}
		if sNetID == id {
			return s, true
		}
	}

	return config.RoamingServer{}, false
}

// LifetimeForNetID returns the configured passive-roaming session lifetime
// for the given NetID, falling back to zero (no expiry) when unconfigured.
func LifetimeForNetID(id lorawan.NetID) time.Duration {
	mux.RLock()
	defer mux.RUnlock()

	for _, s := range servers {
		var sNetID lorawan.NetID
		if err := sNetID.UnmarshalText([]byte(s.NetID)); err != nil {
			continue
		}
		if sNetID == id {
			return s.PassiveRoamingLifetime
		}
	}
	return 0
}

// RecvTimeFromRXInfo returns the reception time of the first entry in
// rxInfoSet that has one (the current time when none has), for use as a
// PRStartReq/XmitDataReq RecvTime.
func RecvTimeFromRXInfo(rxInfoSet []*gw.UplinkRXInfo) backend.ISO8601Time {
	for _, rxInfo := range rxInfoSet {
		if rxInfo.Time != 0 {
			return backend.ISO8601Time(time.Unix(0, rxInfo.Time))
		}
	}
	return backend.ISO8601Time(time.Now())
}

// RXInfoToGWInfo turns the gateways that received an uplink into Backend
// Interfaces GWInfoElement entries. The per-gateway ULToken is the
// json-encoded UplinkRXInfo, echoed back unparsed so it can be round-tripped
// into the matching downlink's FNSULToken without the roaming peer needing
// to understand its shape.
func RXInfoToGWInfo(rxInfoSet []*gw.UplinkRXInfo) ([]backend.GWInfoElement, error) {
	out := make([]backend.GWInfoElement, 0, len(rxInfoSet))

	for _, rxInfo := range rxInfoSet {
		token, err := json.Marshal(rxInfo)
		if err != nil {
			return nil, errors.Wrap(err, "marshal rx-info error")
		}

		rssi := int(rxInfo.Rssi)
		snr := rxInfo.LoraSnr

		elem := backend.GWInfoElement{
			ID:      backend.HEXBytes(rxInfo.GatewayId),
			RSSI:    &rssi,
			SNR:     &snr,
			ULToken: backend.HEXBytes(token),
		}

		if loc := rxInfo.Location; loc != nil && loc.Source != common.LocationSource_UNKNOWN {
			lat := loc.Latitude
			lon := loc.Longitude
			elem.Lat = &lat
			elem.Lon = &lon
		}

		out = append(out, elem)
	}

	return out, nil
}

// GWInfoToRXInfo decodes a downlink FNSULToken (as produced by
// RXInfoToGWInfo) back into the UplinkRXInfo it was built from, so an sNS
// can schedule the downlink on the originating gateway/context.
func GWInfoToRXInfo(token []byte) (*gw.UplinkRXInfo, error) {
	var rxInfo gw.UplinkRXInfo
	if err := json.Unmarshal(token, &rxInfo); err != nil {
		return nil, errors.Wrap(err, "unmarshal rx-info error")
	}
	return &rxInfo, nil
}
