// Package data implements the Data Uplink Handler (spec §4.4): session
// resolution, frame-counter validation, decryption, MAC-command processing,
// ADR, persistence, event emission and the Class-A downlink opportunity.
package data

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/api/as"
	"github.com/brocaar/chirpstack-network-server/internal/adr"
	"github.com/brocaar/chirpstack-network-server/internal/applayer/clocksync"
	"github.com/brocaar/chirpstack-network-server/internal/band"
	"github.com/brocaar/chirpstack-network-server/internal/config"
	downlinkdata "github.com/brocaar/chirpstack-network-server/internal/downlink/data"
	"github.com/brocaar/chirpstack-network-server/internal/maccommand"
	"github.com/brocaar/chirpstack-network-server/internal/models"
	uplinkroaming "github.com/brocaar/chirpstack-network-server/internal/uplink/roaming"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan"
)

var (
	deviceLockDuration time.Duration
	adrAlgorithmID     string
	installationMargin float64
)

// Setup configures the data package from conf.
func Setup(conf config.Config) error {
	deviceLockDuration = conf.NetworkServer.DeviceLockDuration
	adrAlgorithmID = conf.NetworkServer.NetworkSettings.ADR.DefaultAlgorithm
	installationMargin = conf.NetworkServer.NetworkSettings.InstallationMargin

	if err := clocksync.Setup(conf); err != nil {
		return errors.Wrap(err, "setup clocksync error")
	}

	return nil
}

// Handle runs the 8-step data uplink pipeline (spec §4.4) for a decoded,
// deduplicated data-uplink frame.
func Handle(ctx context.Context, rxPacket models.RXPacket) error {
	macPL, ok := rxPacket.PHYPayload.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return errors.Errorf("expected *lorawan.MACPayload, got: %T", rxPacket.PHYPayload.MACPayload)
	}

	txCh, err := band.Band().GetUplinkChannelIndex(int(rxPacket.TXInfo.Frequency), true)
	if err != nil {
		txCh, err = band.Band().GetUplinkChannelIndex(int(rxPacket.TXInfo.Frequency), false)
		if err != nil {
			return errors.Wrap(err, "get uplink channel index error")
		}
	}

	ds, err := storage.GetDeviceSessionForPHYPayload(ctx, storage.RedisPool(), rxPacket.PHYPayload, rxPacket.DR, txCh)
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExistOrFCntOrMICInvalid {
			if roamErr := uplinkroaming.HandleUplink(ctx, rxPacket, macPL.FHDR.DevAddr); roamErr == nil {
				return nil
			}
		}
		return errors.Wrap(err, "get device-session error")
	}

	locked, err := storage.GetDeviceSessionLock(ctx, storage.RedisPool(), ds.DevEUI, deviceLockDuration)
	if err != nil {
		return errors.Wrap(err, "get device-session lock error")
	}
	if !locked {
		return errors.New("uplink/data: device-session is locked, dropping frame")
	}
	defer func() {
		if err := storage.ReleaseDeviceSessionLock(ctx, storage.RedisPool(), ds.DevEUI); err != nil {
			log.WithError(err).Error("uplink/data: release device-session lock error")
		}
	}()

	// GetDeviceSessionForPHYPayload already rewrote macPL.FHDR.FCnt to the
	// full 32 bit counter as a side-effect of MIC validation.
	fullFCnt := macPL.FHDR.FCnt
	retransmission := fullFCnt == ds.FCntUp && len(ds.UplinkHistory) > 0
	ds.FCntUp = fullFCnt

	if err := rxPacket.PHYPayload.DecryptFOpts(ds.NwkSEncKey); err != nil {
		return errors.Wrap(err, "decrypt fopts error")
	}

	var macCommands []lorawan.MACCommand
	for _, pl := range macPL.FHDR.FOpts {
		if cmd, ok := pl.(*lorawan.MACCommand); ok {
			macCommands = append(macCommands, *cmd)
		}
	}

	var appPayload []byte
	if macPL.FPort != nil && *macPL.FPort == 0 {
		if err := rxPacket.PHYPayload.DecryptFRMPayload(ds.NwkSEncKey); err != nil {
			return errors.Wrap(err, "decrypt frmpayload error")
		}
		for _, pl := range macPL.FRMPayload {
			if cmd, ok := pl.(*lorawan.MACCommand); ok {
				macCommands = append(macCommands, *cmd)
			}
		}
	} else if macPL.FPort != nil && *macPL.FPort == clocksync.FPort() && len(macPL.FRMPayload) == 1 {
		if err := rxPacket.PHYPayload.DecryptFRMPayload(ds.NwkSEncKey); err != nil {
			return errors.Wrap(err, "decrypt frmpayload error")
		}
		if dp, ok := macPL.FRMPayload[0].(*lorawan.DataPayload); ok {
			if err := clocksync.HandleUplink(ctx, storage.DB(), ds, rxTime(rxPacket), dp.Bytes); err != nil {
				log.WithError(err).Error("uplink/data: handle clock-sync uplink error")
			}
		}
	} else if macPL.FPort != nil && len(macPL.FRMPayload) == 1 {
		// application payload is encrypted end-to-end with AppSKey, which
		// the network server never holds; the ciphertext is forwarded
		// as-is to the application server.
		if dp, ok := macPL.FRMPayload[0].(*lorawan.DataPayload); ok {
			appPayload = dp.Bytes
		}
	}

	macBlock, err := maccommand.Handle(&ds, macCommands)
	if err != nil {
		return errors.Wrap(err, "handle mac commands error")
	}

	if !retransmission {
		var maxSNR float64
		for i, rx := range rxPacket.RXInfoSet {
			if i == 0 || rx.LoraSnr > maxSNR {
				maxSNR = rx.LoraSnr
			}
		}

		ds.AppendUplinkHistory(storage.UplinkHistory{
			FCnt:         ds.FCntUp,
			MaxSNR:       maxSNR,
			TXPowerIndex: ds.TXPowerIndex,
			GatewayCount: len(rxPacket.RXInfoSet),
		})

		if err := runADR(&ds, macPL.FHDR.FCtrl.ADR); err != nil {
			log.WithError(err).Error("uplink/data: run adr error")
		}
	}

	if err := storage.SaveDeviceSession(ctx, storage.RedisPool(), ds); err != nil {
		return errors.Wrap(err, "save device-session error")
	}

	var gwRXInfo storage.DeviceGatewayRXInfoSet
	gwRXInfo.DevEUI = ds.DevEUI
	gwRXInfo.DR = rxPacket.DR
	for _, rx := range rxPacket.RXInfoSet {
		var gwID lorawan.EUI64
		copy(gwID[:], rx.GatewayId)
		gwRXInfo.Items = append(gwRXInfo.Items, storage.DeviceGatewayRXInfo{
			GatewayID: gwID,
			RSSI:      int(rx.Rssi),
			LoRaSNR:   rx.LoraSnr,
			Antenna:   rx.Antenna,
			Board:     rx.Board,
			Context:   rx.Context,
		})
	}
	if err := storage.SaveDeviceGatewayRXInfoSet(ctx, storage.RedisPool(), gwRXInfo); err != nil {
		return errors.Wrap(err, "save device gateway rx-info error")
	}

	if !retransmission && macPL.FPort != nil && *macPL.FPort > 0 {
		if err := emitUplinkEvent(ctx, ds, rxPacket, *macPL.FPort, appPayload); err != nil {
			log.WithError(err).Error("uplink/data: emit uplink event error")
		}
	}

	ackUplink := rxPacket.PHYPayload.MHDR.MType == lorawan.ConfirmedDataUp
	if err := downlinkdata.HandleResponse(ctx, rxPacket, &ds, ackUplink, macBlock, false); err != nil {
		return errors.Wrap(err, "downlink response error")
	}

	return nil
}

// requiredSNRTable holds the LoRaWAN demodulation floor (dB) per spreading
// factor, used by the ADR algorithm's link-margin calculation.
var requiredSNRTable = map[int]float64{
	6: -5, 7: -7.5, 8: -10, 9: -12.5, 10: -15, 11: -17.5, 12: -20,
}

// rxTime returns the best available receive time for rxPacket: the first
// gateway-reported timestamp, or time.Now() when none of the gateways
// include one.
func rxTime(rxPacket models.RXPacket) time.Time {
	for _, rx := range rxPacket.RXInfoSet {
		if rx.Time != 0 {
			return time.Unix(0, rx.Time)
		}
	}
	return time.Now()
}

func maxDataRateIndex() int {
	max := 0
	for dr := 0; dr < 16; dr++ {
		if _, err := band.Band().GetDataRate(dr); err != nil {
			break
		}
		max = dr
	}
	return max
}

func runADR(ds *storage.DeviceSession, adrEnabled bool) error {
	algo, err := adr.Get(adrAlgorithmID)
	if err != nil {
		algo, err = adr.Get("default")
		if err != nil {
			return err
		}
	}

	var history []adr.UplinkHistoryEntry
	for _, h := range ds.UplinkHistory {
		history = append(history, adr.UplinkHistoryEntry{
			FCnt:         h.FCnt,
			MaxSNR:       h.MaxSNR,
			TXPowerIndex: h.TXPowerIndex,
			GatewayCount: h.GatewayCount,
		})
	}

	requiredSNR := requiredSNRTable[12]
	if rate, err := band.Band().GetDataRate(ds.DR); err == nil {
		if snr, ok := requiredSNRTable[rate.SpreadFactor]; ok {
			requiredSNR = snr
		}
	}

	resp, err := algo.Handle(adr.Request{
		DevEUI:             ds.DevEUI,
		MACVersion:         ds.MACVersion,
		ADR:                adrEnabled,
		DR:                 ds.DR,
		TXPowerIndex:       ds.TXPowerIndex,
		NbTrans:            ds.NbTrans,
		MaxDR:              maxDataRateIndex(),
		MaxTXPowerIndex:    ds.MaxSupportedTXPowerIndex,
		RequiredSNRForDR:   requiredSNR,
		InstallationMargin: installationMargin,
		UplinkHistory:      history,
	})
	if err != nil {
		return err
	}

	if resp.DR != ds.DR || resp.TXPowerIndex != ds.TXPowerIndex || resp.NbTrans != ds.NbTrans {
		ds.DR = resp.DR
		ds.TXPowerIndex = resp.TXPowerIndex
		ds.NbTrans = resp.NbTrans
	}

	return nil
}

func emitUplinkEvent(ctx context.Context, ds storage.DeviceSession, rxPacket models.RXPacket, fPort uint8, data []byte) error {
	client, err := storage.GetApplicationServerClient(ctx, ds.RoutingProfileID)
	if err != nil {
		return err
	}

	_, err = client.HandleUplinkData(ctx, &as.HandleUplinkDataRequest{
		DevEui:          ds.DevEUI[:],
		JoinEui:         ds.JoinEUI[:],
		FCnt:            ds.FCntUp,
		FPort:           uint32(fPort),
		Dr:              uint32(rxPacket.DR),
		Data:            data,
		ConfirmedUplink: rxPacket.PHYPayload.MHDR.MType == lorawan.ConfirmedDataUp,
	})
	return err
}
