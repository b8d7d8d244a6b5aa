// Package roaming sends the downlink a passive-roaming hNS returned in a
// PRStartAns/XmitDataReq's DLMetaData (spec §4.6), scheduling it on the
// gateway/context its matching uplink's FNSULToken identifies.
package roaming

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"

	"github.com/brocaar/chirpstack-network-server/api/common"
	"github.com/brocaar/chirpstack-network-server/api/gw"
	"github.com/brocaar/chirpstack-network-server/internal/band"
	"github.com/brocaar/chirpstack-network-server/internal/gateway"
	"github.com/brocaar/chirpstack-network-server/internal/models"
	nsroaming "github.com/brocaar/chirpstack-network-server/internal/roaming"
	loraband "github.com/brocaar/lorawan/band"
	"github.com/brocaar/lorawan/backend"
)

// EmitPRDownlink schedules a passive-roaming downlink on behalf of an hNS,
// using dlMeta's DLFreq1/2, RXDelay1 and DataRate1/2 to build the RX1/RX2
// gw.DownlinkTXInfo pair. It falls back to the uplink's own RXInfoSet /
// gateway for ULToken-less answers (e.g. in tests), but prefers the
// per-gateway FNSULToken/GWInfo the hNS echoed back when present.
func EmitPRDownlink(ctx context.Context, rxPacket models.RXPacket, phyPayload backend.HEXBytes, dlMeta backend.DLMetaData) error {
	if dlMeta.DLFreq1 == nil && dlMeta.DLFreq2 == nil {
		return errors.New("roaming: DLMetaData has neither DLFreq1 nor DLFreq2")
	}

	rxInfo, err := resolveRXInfo(rxPacket, dlMeta)
	if err != nil {
		return errors.Wrap(err, "resolve rx-info error")
	}

	var items []*gw.DownlinkFrameItem

	if dlMeta.DLFreq1 != nil && dlMeta.DataRate1 != nil {
		txInfo := &gw.DownlinkTXInfo{
			GatewayId: rxInfo.GatewayId,
			Frequency: uint32(*dlMeta.DLFreq1 * 1000000),
			Power:     int32(band.Band().GetDownlinkTXPower(int(*dlMeta.DLFreq1 * 1000000))),
			Context:   rxInfo.Context,
			Timing:    gw.DownlinkTiming_DELAY,
		}
		if dlMeta.RXDelay1 != nil {
			txInfo.TimingDelay = int64(*dlMeta.RXDelay1) * 1e9
		}
		setDataRate(txInfo, *dlMeta.DataRate1)
		items = append(items, &gw.DownlinkFrameItem{PhyPayload: phyPayload, TxInfo: txInfo})
	}

	if dlMeta.DLFreq2 != nil && dlMeta.DataRate2 != nil {
		txInfo := &gw.DownlinkTXInfo{
			GatewayId: rxInfo.GatewayId,
			Frequency: uint32(*dlMeta.DLFreq2 * 1000000),
			Power:     int32(band.Band().GetDownlinkTXPower(int(*dlMeta.DLFreq2 * 1000000))),
			Context:   rxInfo.Context,
			Timing:    gw.DownlinkTiming_DELAY,
		}
		if dlMeta.RXDelay1 != nil {
			txInfo.TimingDelay = (int64(*dlMeta.RXDelay1) + 1) * 1e9
		}
		setDataRate(txInfo, *dlMeta.DataRate2)
		items = append(items, &gw.DownlinkFrameItem{PhyPayload: phyPayload, TxInfo: txInfo})
	}

	if len(items) == 0 {
		return errors.New("roaming: could not build any downlink frame item")
	}

	downlinkID, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "new uuid error")
	}

	df := gw.DownlinkFrame{
		DownlinkId:         downlinkID.Bytes(),
		GatewayId:          rxInfo.GatewayId,
		DownlinkFrameItems: items,
	}

	return gateway.SendDownlinkFrame(df)
}

// resolveRXInfo picks the gateway/context the downlink must go out on: the
// FNSULToken of the first GWInfo entry when the hNS echoed one back (it was
// built by roaming.RXInfoToGWInfo on the uplink side), otherwise the best
// gateway from the uplink's own RXInfoSet.
func resolveRXInfo(rxPacket models.RXPacket, dlMeta backend.DLMetaData) (*gw.UplinkRXInfo, error) {
	for _, gwInfo := range dlMeta.GWInfo {
		if len(gwInfo.ULToken) == 0 {
			continue
		}
		rxInfo, err := nsroaming.GWInfoToRXInfo(gwInfo.ULToken)
		if err == nil {
			return rxInfo, nil
		}
	}

	if len(rxPacket.RXInfoSet) == 0 {
		return nil, errors.New("rx-info set is empty")
	}
	best := rxPacket.RXInfoSet[0]
	for _, rx := range rxPacket.RXInfoSet {
		if rx.LoraSnr > best.LoraSnr {
			best = rx
		}
	}
	return best, nil
}

func setDataRate(txInfo *gw.DownlinkTXInfo, dr int) {
	d, err := band.Band().GetDataRate(dr)
	if err != nil {
		return
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
	}
}
