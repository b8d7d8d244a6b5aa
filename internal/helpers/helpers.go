// Package helpers holds small conversions shared across the uplink and
// downlink packages that don't deserve a package of their own.
package helpers

import (
	"github.com/pkg/errors"

	loraband "github.com/brocaar/lorawan/band"

	"github.com/brocaar/chirpstack-network-server/api/common"
	"github.com/brocaar/chirpstack-network-server/api/gw"
)

// SetUplinkTXInfoDataRate sets the modulation fields of the given
// gw.UplinkTXInfo to match the given data-rate index within the given band.
func SetUplinkTXInfoDataRate(txInfo *gw.UplinkTXInfo, dr int, b loraband.Band) error {
	d, err := b.GetDataRate(dr)
	if err != nil {
		return errors.Wrap(err, "get data-rate error")
	}

	switch d.Modulation {
	case loraband.LoRaModulation:
		txInfo.Modulation = common.Modulation_LORA
		txInfo.SpreadingFactor = uint32(d.SpreadFactor)
		txInfo.Bandwidth = uint32(d.Bandwidth)
		txInfo.CodeRate = "4/5"
	case loraband.FSKModulation:
		txInfo.Modulation = common.Modulation_FSK
		txInfo.Datarate = uint32(d.BitRate)
	default:
		return errors.New("unknown modulation")
	}

	return nil
}

// GetDataRateIndex returns the data-rate index matching the modulation
// parameters set on the given gw.UplinkTXInfo.
func GetDataRateIndex(uplink bool, txInfo *gw.UplinkTXInfo, b loraband.Band) (int, error) {
	var dr loraband.DataRate

	switch txInfo.Modulation {
	case common.Modulation_LORA:
		dr.Modulation = loraband.LoRaModulation
		dr.SpreadFactor = int(txInfo.SpreadingFactor)
		dr.Bandwidth = int(txInfo.Bandwidth)
	case common.Modulation_FSK:
		dr.Modulation = loraband.FSKModulation
		dr.BitRate = int(txInfo.Datarate)
	default:
		return 0, errors.New("unknown modulation")
	}

	i, err := b.GetDataRateIndex(uplink, dr)
	if err != nil {
		return 0, errors.Wrap(err, "get data-rate index error")
	}

	return i, nil
}
