// Package join implements the Join Uplink Handler (spec §4.5): validates
// an incoming join-request, resolves its key material (locally or via an
// external join-server), allocates a DevAddr, replaces any existing
// device-session and schedules the join-accept downlink.
package join

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/api/common"
	"github.com/brocaar/chirpstack-network-server/api/gw"
	"github.com/brocaar/chirpstack-network-server/internal/backend/joinserver"
	"github.com/brocaar/chirpstack-network-server/internal/band"
	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/chirpstack-network-server/internal/gateway"
	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/models"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// ErrAbort tells the caller a join-request was valid but could not be
// completed (e.g. no roaming agreement covers the device's home network)
// and nothing further should be attempted for it.
var ErrAbort = errors.New("join: aborted")

var netID lorawan.NetID

// Setup configures the join handler and its joinserver dependency from conf.
func Setup(conf config.Config) error {
	if err := netID.UnmarshalText([]byte(conf.NetworkServer.NetID)); err != nil {
		return errors.Wrap(err, "unmarshal net-id error")
	}
	return joinserver.Setup(conf)
}

// HandleJoinRequest validates and processes a join-request frame, creating
// a fresh device-session and scheduling the join-accept on success.
func HandleJoinRequest(ctx context.Context, rxPacket models.RXPacket) error {
	jrPL, ok := rxPacket.PHYPayload.MACPayload.(*lorawan.JoinRequestPayload)
	if !ok {
		return errors.Errorf("join: expected *lorawan.JoinRequestPayload, got %T", rxPacket.PHYPayload.MACPayload)
	}

	device, err := storage.GetDevice(ctx, storage.DB(), jrPL.DevEUI)
	if err != nil {
		if errors.Cause(err) == storage.ErrDoesNotExist {
			return StartPRFNS(ctx, rxPacket, jrPL)
		}
		return errors.Wrap(err, "get device error")
	}
	if device.IsDisabled {
		return errors.New("join: device is disabled")
	}

	dp, err := storage.GetDeviceProfile(ctx, storage.DB(), device.DeviceProfileID)
	if err != nil {
		return errors.Wrap(err, "get device-profile error")
	}
	if !dp.SupportsJoin {
		return errors.New("join: device-profile does not support join (ABP device)")
	}

	devAddr, err := storage.GetRandomDevAddr(netID)
	if err != nil {
		return errors.Wrap(err, "get random devaddr error")
	}

	result, err := joinserver.HandleJoinRequest(ctx, rxPacket.PHYPayload, netID, jrPL.JoinEUI, jrPL.DevEUI, devAddr)
	if err != nil {
		return errors.Wrap(err, "resolve join-server error")
	}

	if err := finishJoin(ctx, rxPacket, device, dp, jrPL.JoinEUI, devAddr, result); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"dev_eui":  jrPL.DevEUI,
		"dev_addr": devAddr,
		"ctx_id":   ctx.Value(logging.ContextIDKey),
	}).Info("join/join: device joined")

	return nil
}

// HandleRejoin rederives session keys and a new DevAddr for an already
// joined device, reusing its existing device/profile records.
func HandleRejoin(ctx context.Context, rxPacket models.RXPacket, devEUI lorawan.EUI64) error {
	device, err := storage.GetDevice(ctx, storage.DB(), devEUI)
	if err != nil {
		return errors.Wrap(err, "get device error")
	}

	dp, err := storage.GetDeviceProfile(ctx, storage.DB(), device.DeviceProfileID)
	if err != nil {
		return errors.Wrap(err, "get device-profile error")
	}

	prevSession, err := storage.GetDeviceSession(ctx, storage.RedisPool(), devEUI)
	if err != nil {
		return errors.Wrap(err, "get device-session error")
	}

	devAddr, err := storage.GetRandomDevAddr(netID)
	if err != nil {
		return errors.Wrap(err, "get random devaddr error")
	}

	devNonce := lorawan.DevNonce(uint16(prevSession.RejoinCount0))

	result, err := joinserver.RekeyForRejoin(ctx, netID, prevSession.JoinEUI, devEUI, devAddr, devNonce)
	if err != nil {
		return errors.Wrap(err, "rekey for rejoin error")
	}

	if err := finishJoin(ctx, rxPacket, device, dp, prevSession.JoinEUI, devAddr, result); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"dev_eui":  devEUI,
		"dev_addr": devAddr,
		"ctx_id":   ctx.Value(logging.ContextIDKey),
	}).Info("join/join: device rejoined")

	return nil
}

// finishJoin replaces the device-session and schedules the (re)join-accept
// downlink, shared by both HandleJoinRequest and HandleRejoin.
func finishJoin(ctx context.Context, rxPacket models.RXPacket, device storage.Device, dp storage.DeviceProfile, joinEUI lorawan.EUI64, devAddr lorawan.DevAddr, result joinserver.KeyDerivationResult) error {
	var appSKeyEnvelope *storage.KeyEnvelope
	if result.AppSKey != nil {
		appSKeyEnvelope = &storage.KeyEnvelope{KEKLabel: result.AppSKey.KEKLabel, AESKey: result.AppSKey.AESKey}
	}

	if err := storage.DeleteDeviceSession(ctx, storage.RedisPool(), device.DevEUI); err != nil && errors.Cause(err) != storage.ErrDoesNotExist {
		return errors.Wrap(err, "delete existing device-session error")
	}

	ds := storage.DeviceSession{
		MACVersion:       dp.MACVersion,
		DeviceProfileID:  device.DeviceProfileID,
		ServiceProfileID: device.ServiceProfileID,
		RoutingProfileID: device.RoutingProfileID,

		DevAddr:        devAddr,
		DevEUI:         device.DevEUI,
		JoinEUI:        joinEUI,
		FNwkSIntKey:    result.FNwkSIntKey,
		SNwkSIntKey:    result.SNwkSIntKey,
		NwkSEncKey:     result.NwkSEncKey,
		AppSKeyEvelope: appSKeyEnvelope,

		RXDelay:      uint8(dp.RXDelay1),
		RX1DROffset:  uint8(dp.RXDROffset1),
		RX2DR:        uint8(dp.RXDataRate2),
		RX2Frequency: int(dp.RXFreq2),

		ADR:                      true,
		MinSupportedTXPowerIndex: 0,
		MaxSupportedTXPowerIndex: 0,
		NbTrans:                  1,

		EnabledUplinkChannels: band.Band().GetStandardUplinkChannelIndices(),
		ExtraUplinkChannels:   make(map[int]loraband.Channel),

		PingSlotDR:        int(dp.PingSlotDR),
		PingSlotFrequency: int(dp.PingSlotFreq),
	}
	if dp.PingSlotPeriod != 0 {
		ds.PingSlotNb = (1 << 12) / int(dp.PingSlotPeriod)
	}

	if err := storage.SaveDeviceSession(ctx, storage.RedisPool(), ds); err != nil {
		return errors.Wrap(err, "save device-session error")
	}

	if err := scheduleJoinAccept(ctx, rxPacket, result.PHYPayload, ds); err != nil {
		return errors.Wrap(err, "schedule join-accept error")
	}

	return nil
}

// scheduleJoinAccept sends the join-accept on the gateway that received the
// join-request, in RX1 and RX2, delayed by JoinAcceptDelay1/2 rather than
// the data-downlink ReceiveDelay1/2 the device uses once joined.
func scheduleJoinAccept(ctx context.Context, rxPacket models.RXPacket, phy lorawan.PHYPayload, ds storage.DeviceSession) error {
	if len(rxPacket.RXInfoSet) == 0 {
		return errors.New("rx-info set is empty")
	}
	rxInfo := rxPacket.RXInfoSet[0]
	for _, rx := range rxPacket.RXInfoSet {
		if rx.LoraSnr > rxInfo.LoraSnr {
			rxInfo = rx
		}
	}

	defaults := band.Band().GetDefaults()

	freq, err := band.Band().GetRX1FrequencyForUplinkFrequency(int(rxPacket.TXInfo.Frequency))
	if err != nil {
		return errors.Wrap(err, "get rx1 frequency error")
	}
	dr, err := band.Band().GetRX1DataRateIndex(rxPacket.DR, 0)
	if err != nil {
		return errors.Wrap(err, "get rx1 data-rate index error")
	}

	rx1 := &gw.DownlinkTXInfo{
		GatewayId:   rxInfo.GatewayId,
		Frequency:   uint32(freq),
		Power:       int32(band.Band().GetDownlinkTXPower(freq)),
		Context:     rxInfo.Context,
		Timing:      gw.DownlinkTiming_DELAY,
		TimingDelay: int64(defaults.JoinAcceptDelay1 / time.Nanosecond),
	}
	setDataRate(rx1, dr)

	rx2 := &gw.DownlinkTXInfo{
		GatewayId:   rxInfo.GatewayId,
		Frequency:   uint32(defaults.RX2Frequency),
		Power:       int32(band.Band().GetDownlinkTXPower(defaults.RX2Frequency)),
		Context:     rxInfo.Context,
		Timing:      gw.DownlinkTiming_DELAY,
		TimingDelay: int64(defaults.JoinAcceptDelay2 / time.Nanosecond),
	}
	setDataRate(rx2, defaults.RX2DataRate)

	phyBytes, err := phy.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phypayload error")
	}

	downlinkID, err := uuid.NewV4()
	if err != nil {
		return errors.Wrap(err, "new uuid error")
	}

	df := gw.DownlinkFrame{
		DownlinkId: downlinkID.Bytes(),
		GatewayId:  rxInfo.GatewayId,
		DownlinkFrameItems: []*gw.DownlinkFrameItem{
			{PhyPayload: phyBytes, TxInfo: rx1},
			{PhyPayload: phyBytes, TxInfo: rx2},
		},
	}

	return gateway.SendDownlinkFrame(df)
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
