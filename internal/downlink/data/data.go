// Package data implements the downlink builder (spec §4.8): given a
// device-session and the MAC block the MAC engine wants piggy-backed, it
// dequeues the next application payload, assembles and encrypts the
// PHYPayload, picks a gateway and RX window, and hands the result to the
// Frame Bus.
package data

import (
	"context"
	"encoding/binary"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/api/common"
	"github.com/brocaar/chirpstack-network-server/api/gw"
	"github.com/brocaar/chirpstack-network-server/internal/band"
	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/chirpstack-network-server/internal/gateway"
	"github.com/brocaar/chirpstack-network-server/internal/helpers"
	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/maccommand"
	"github.com/brocaar/chirpstack-network-server/internal/models"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

var gatewayPreferMinMargin float64

// Setup configures the downlink/data package from conf.
func Setup(conf config.Config) error {
	gatewayPreferMinMargin = conf.NetworkServer.Scheduler.GatewayPreferMinMargin
	return nil
}

// HandleResponse builds and schedules the Class-A downlink opportunity that
// follows the given uplink, if there is anything to send: a confirmed-uplink
// ack, pending MAC commands, or a queued application payload. Returns
// without emitting anything when none of those apply and ADR did not
// request a change, matching the "respond only when needed" rule of
// spec §4.8.
func HandleResponse(ctx context.Context, rxPacket models.RXPacket, ds *storage.DeviceSession, ackUplink bool, macBlock maccommand.Block, devModeChanged bool) error {
	qi, err := storage.GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt(
		ctx, storage.DB(), ds.DevEUI, maxPayloadSize(*ds), ds.NFCntDown, ds.RoutingProfileID,
	)
	hasQueueItem := true
	if err != nil {
		if errors.Cause(err) != storage.ErrDoesNotExist {
			return errors.Wrap(err, "get next device-queue item error")
		}
		hasQueueItem = false
	}

	macSize, err := maccommand.SizeOfBlock(macBlock)
	if err != nil {
		return errors.Wrap(err, "size of mac block error")
	}

	if !ackUplink && !hasQueueItem && macSize == 0 {
		// nothing to send and nothing to acknowledge: RX1/RX2 stay silent.
		return nil
	}

	if macSize > 15 {
		// the MAC commands fill the FPort=0 FRMPayload, so the queue item
		// is not sent on this frame and stays in the queue.
		hasQueueItem = false
	}

	rxInfo, err := bestGateway(ctx, rxPacket.RXInfoSet)
	if err != nil {
		return errors.Wrap(err, "select gateway error")
	}

	frame, downlinkID, err := build(ctx, ds, qi, hasQueueItem, macBlock, ackUplink)
	if err != nil {
		return errors.Wrap(err, "build downlink frame error")
	}

	txInfo, err := rx1TXInfo(rxPacket.TXInfo, rxInfo, *ds)
	if err != nil {
		return errors.Wrap(err, "build rx1 tx-info error")
	}
	rx2 := rx2TXInfo(rxInfo, *ds)

	phyBytes, err := frame.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phypayload error")
	}

	df := gw.DownlinkFrame{
		DownlinkId: downlinkID.Bytes(),
		GatewayId:  rxInfo.GatewayId,
		DownlinkFrameItems: []*gw.DownlinkFrameItem{
			{PhyPayload: phyBytes, TxInfo: txInfo},
			{PhyPayload: phyBytes, TxInfo: rx2},
		},
	}

	if err := gateway.SendDownlinkFrame(df); err != nil {
		return errors.Wrap(err, "send downlink frame error")
	}

	var gatewayID lorawan.EUI64
	copy(gatewayID[:], rxInfo.GatewayId)
	if err := persistPendingAck(ctx, *ds, downlinkID, gatewayID, qi, hasQueueItem, macBlock); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"dev_eui":     ds.DevEUI,
		"gateway_id":  rxInfo.GatewayId,
		"downlink_id": downlinkID,
		"ctx_id":      ctx.Value(logging.ContextIDKey),
	}).Info("downlink/data: class-a downlink scheduled")

	return nil
}

// HandleClassC builds and sends the next immediate downlink for a Class-C
// device, using the gateway that received its last uplink.
func HandleClassC(ctx context.Context, ds *storage.DeviceSession) error {
	qi, err := storage.GetNextDeviceQueueItemForDevEUIMaxPayloadSizeAndFCnt(
		ctx, storage.DB(), ds.DevEUI, maxPayloadSize(*ds), ds.NFCntDown, ds.RoutingProfileID,
	)
	if err != nil {
		return errors.Wrap(err, "get next device-queue item error")
	}

	rxSet, err := storage.GetDeviceGatewayRXInfoSet(ctx, storage.RedisPool(), ds.DevEUI)
	if err != nil {
		return errors.Wrap(err, "get device gateway rx-info error")
	}
	if len(rxSet.Items) == 0 {
		return errors.New("downlink/data: no known gateway for class-c device")
	}
	best := rxSet.Items[0]
	for _, i := range rxSet.Items {
		if i.LoRaSNR > best.LoRaSNR {
			best = i
		}
	}

	frame, downlinkID, err := build(ctx, ds, qi, true, nil, false)
	if err != nil {
		return errors.Wrap(err, "build downlink frame error")
	}

	phyBytes, err := frame.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phypayload error")
	}

	txInfo := &gw.DownlinkTXInfo{
		GatewayId: best.GatewayID[:],
		Frequency: uint32(ds.RX2Frequency),
		Power:     int32(band.Band().GetDownlinkTXPower(ds.RX2Frequency)),
		Timing:    gw.DownlinkTiming_IMMEDIATELY,
	}
	setDownlinkDataRate(txInfo, int(ds.RX2DR))

	df := gw.DownlinkFrame{
		DownlinkId: downlinkID.Bytes(),
		GatewayId:  best.GatewayID[:],
		DownlinkFrameItems: []*gw.DownlinkFrameItem{
			{PhyPayload: phyBytes, TxInfo: txInfo},
		},
	}

	if err := gateway.SendDownlinkFrame(df); err != nil {
		return errors.Wrap(err, "send downlink frame error")
	}

	return persistPendingAck(ctx, *ds, downlinkID, best.GatewayID, qi, true, nil)
}

func maxPayloadSize(ds storage.DeviceSession) int {
	mps, err := band.Band().GetMaxPayloadSizeForDataRateIndex("", "", ds.DR)
	if err != nil {
		return 0
	}
	return mps.N
}

// build assembles the downlink PHYPayload: MAC commands go in FOpts when
// they fit (max 15 bytes), next to the application payload if there is
// one, otherwise in an FPort=0 FRMPayload (which then precludes an
// application payload on the same frame).
func build(ctx context.Context, ds *storage.DeviceSession, qi storage.DeviceQueueItem, hasQueueItem bool, macBlock maccommand.Block, ackUplink bool) (lorawan.PHYPayload, uuid.UUID, error) {
	downlinkID, err := uuid.NewV4()
	if err != nil {
		return lorawan.PHYPayload{}, downlinkID, errors.Wrap(err, "new uuid error")
	}

	macSize, err := maccommand.SizeOfBlock(macBlock)
	if err != nil {
		return lorawan.PHYPayload{}, downlinkID, err
	}

	fCnt := ds.NFCntDown
	ds.NFCntDown++

	fhdr := lorawan.FHDR{
		DevAddr: ds.DevAddr,
		FCnt:    fCnt,
		FCtrl: lorawan.FCtrl{
			ACK: ackUplink,
		},
	}

	var fPort *uint8
	var frmPayload []lorawan.Payload
	mType := lorawan.UnconfirmedDataDown

	switch {
	case macSize > 15:
		port := uint8(0)
		fPort = &port
		raw, err := marshalMACCommands(macBlock)
		if err != nil {
			return lorawan.PHYPayload{}, downlinkID, err
		}
		enc, err := lorawan.EncryptFRMPayload(ds.NwkSEncKey, false, ds.DevAddr, fCnt, raw)
		if err != nil {
			return lorawan.PHYPayload{}, downlinkID, errors.Wrap(err, "encrypt frmpayload error")
		}
		frmPayload = []lorawan.Payload{&lorawan.DataPayload{Bytes: enc}}
	default:
		if macSize > 0 {
			fOpts, err := encryptedFOpts(*ds, macBlock)
			if err != nil {
				return lorawan.PHYPayload{}, downlinkID, err
			}
			fhdr.FOpts = []lorawan.Payload{&lorawan.DataPayload{Bytes: fOpts}}
		}
		if hasQueueItem {
			port := qi.FPort
			fPort = &port
			frmPayload = []lorawan.Payload{&lorawan.DataPayload{Bytes: qi.FRMPayload}}
			if qi.Confirmed {
				mType = lorawan.ConfirmedDataDown
			}
		}
	}

	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: mType,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.MACPayload{
			FHDR:       fhdr,
			FPort:      fPort,
			FRMPayload: frmPayload,
		},
	}

	if err := phy.SetDownlinkDataMIC(ds.GetMACVersion(), ds.ConfFCnt, ds.SNwkSIntKey); err != nil {
		return lorawan.PHYPayload{}, downlinkID, errors.Wrap(err, "set downlink data mic error")
	}

	return phy, downlinkID, nil
}

func encryptedFOpts(ds storage.DeviceSession, b maccommand.Block) ([]byte, error) {
	raw, err := marshalMACCommands(b)
	if err != nil {
		return nil, err
	}
	if ds.GetMACVersion() == lorawan.LoRaWAN1_0 {
		return raw, nil
	}
	// FOpts are always encrypted with aFCntDown=false and the session's
	// NFCntDown, also when the frame carries an application FPort.
	return lorawan.EncryptFOpts(ds.NwkSEncKey, false, false, ds.DevAddr, ds.NFCntDown, raw)
}

func marshalMACCommands(b maccommand.Block) ([]byte, error) {
	var out []byte
	for _, cmd := range b {
		raw, err := cmd.MarshalBinary()
		if err != nil {
			return nil, errors.Wrap(err, "marshal mac command error")
		}
		out = append(out, raw...)
	}
	return out, nil
}

// bestGateway picks a reporting gateway that is not configured as
// private-downlink (spec §4.1 tenant-privacy rule): the first eligible
// gateway is kept unless another one's SNR exceeds it by more than
// gatewayPreferMinMargin.
func bestGateway(ctx context.Context, rxInfoSet []*gw.UplinkRXInfo) (*gw.UplinkRXInfo, error) {
	if len(rxInfoSet) == 0 {
		return nil, errors.New("rx-info set is empty")
	}

	var ids []lorawan.EUI64
	for _, rx := range rxInfoSet {
		var id lorawan.EUI64
		copy(id[:], rx.GatewayId)
		ids = append(ids, id)
	}

	gateways, err := storage.GetGatewaysForIDs(ctx, storage.DB(), ids)
	if err != nil {
		return nil, errors.Wrap(err, "get gateways error")
	}
	privateDown := make(map[lorawan.EUI64]bool)
	for _, gw := range gateways {
		privateDown[gw.GatewayID] = gw.IsPrivateDown
	}

	var best *gw.UplinkRXInfo
	for _, rx := range rxInfoSet {
		var id lorawan.EUI64
		copy(id[:], rx.GatewayId)
		if privateDown[id] {
			continue
		}
		if best == nil || rx.LoraSnr > best.LoraSnr+gatewayPreferMinMargin {
			best = rx
		}
	}
	if best == nil {
		return nil, errors.New("no eligible (non-private-downlink) gateway in rx-info set")
	}

	return best, nil
}

func rx1TXInfo(uplinkTXInfo *gw.UplinkTXInfo, rxInfo *gw.UplinkRXInfo, ds storage.DeviceSession) (*gw.DownlinkTXInfo, error) {
	freq, err := band.Band().GetRX1FrequencyForUplinkFrequency(int(uplinkTXInfo.Frequency))
	if err != nil {
		return nil, errors.Wrap(err, "get rx1 frequency error")
	}

	uplinkDR, err := helpers.GetDataRateIndex(true, uplinkTXInfo, band.Band())
	if err != nil {
		return nil, errors.Wrap(err, "get uplink data-rate index error")
	}

	dr, err := band.Band().GetRX1DataRateIndex(uplinkDR, int(ds.RX1DROffset))
	if err != nil {
		return nil, errors.Wrap(err, "get rx1 data-rate index error")
	}

	txInfo := &gw.DownlinkTXInfo{
		GatewayId: rxInfo.GatewayId,
		Frequency: uint32(freq),
		Power:     int32(band.Band().GetDownlinkTXPower(freq)),
		Context:   rxInfo.Context,
		Timing:    gw.DownlinkTiming_DELAY,
	}
	setDownlinkDataRate(txInfo, dr)

	return txInfo, nil
}

func rx2TXInfo(rxInfo *gw.UplinkRXInfo, ds storage.DeviceSession) *gw.DownlinkTXInfo {
	txInfo := &gw.DownlinkTXInfo{
		GatewayId: rxInfo.GatewayId,
		Frequency: uint32(ds.RX2Frequency),
		Power:     int32(band.Band().GetDownlinkTXPower(ds.RX2Frequency)),
		Context:   rxInfo.Context,
		Timing:    gw.DownlinkTiming_DELAY,
		TimingDelay: int64(1e9), // RX2 follows one second after RX1
	}
	setDownlinkDataRate(txInfo, int(ds.RX2DR))
	return txInfo
}

func setDownlinkDataRate(txInfo *gw.DownlinkTXInfo, dr int) {
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

func persistPendingAck(ctx context.Context, ds storage.DeviceSession, downlinkID uuid.UUID, gatewayID lorawan.EUI64, qi storage.DeviceQueueItem, hasQueueItem bool, macBlock maccommand.Block) error {
	df := storage.DownlinkFrame{
		DownlinkID:       downlinkID,
		DevEUI:           ds.DevEUI,
		GatewayID:        gatewayID,
		RoutingProfileID: ds.RoutingProfileID,
		NwkSEncKey:       ds.NwkSEncKey,
		FCnt:             ds.NFCntDown - 1,
	}

	if hasQueueItem {
		df.DeviceQueueItemID = qi.ID
		df.Confirmed = qi.Confirmed
		qi.IsPending = true
		if err := storage.UpdateDeviceQueueItem(ctx, storage.DB(), &qi); err != nil {
			return errors.Wrap(err, "update device-queue item error")
		}
	}

	if err := storage.SaveDownlinkFrame(ctx, storage.RedisPool(), df); err != nil {
		return err
	}

	if len(macBlock) > 0 {
		idBytes := downlinkID.Bytes()
		if err := maccommand.FlushPending(&ds, binary.BigEndian.Uint32(idBytes[:4]), macBlock); err != nil {
			return err
		}
	}

	return storage.SaveDeviceSession(ctx, storage.RedisPool(), ds)
}
