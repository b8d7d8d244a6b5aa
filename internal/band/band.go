// Package band wraps github.com/brocaar/lorawan/band as a process-wide
// singleton, configured once at start-up from internal/config and read by
// every other package through Band().
package band

import (
	"github.com/pkg/errors"

	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"

	"github.com/brocaar/chirpstack-network-server/internal/config"
)

var band loraband.Band

// Setup configures the region band singleton from conf.NetworkServer.Band.
// It must be called once, before any call to Band().
func Setup(conf config.Config) error {
	b, err := loraband.GetConfig(loraband.Name(conf.NetworkServer.Band), false, lorawan.DwellTimeNoLimit)
	if err != nil {
		return errors.Wrap(err, "get band config error")
	}
	band = b
	return nil
}

// Band returns the configured region band. Panics if Setup was never
// called, mirroring the teacher's "programmer error, not a runtime error"
// treatment of this singleton.
func Band() loraband.Band {
	if band == nil {
		panic("band: Setup must be called before Band")
	}
	return band
}
