// Package multicast implements the Multicast Coordinator (spec §4.9):
// given an application downlink addressed to a multicast group, it
// computes the minimum set of gateways that together cover every member
// device and enqueues one queue item per gateway; a scheduler tick then
// drains due queue items to the Frame Bus.
package multicast

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/api/common"
	"github.com/brocaar/chirpstack-network-server/api/gw"
	"github.com/brocaar/chirpstack-network-server/internal/band"
	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/chirpstack-network-server/internal/gateway"
	"github.com/brocaar/chirpstack-network-server/internal/gps"
	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

var batchSize int

// Setup configures the multicast coordinator from conf.
func Setup(conf config.Config) error {
	batchSize = conf.NetworkServer.Scheduler.BatchSize
	return nil
}

// Enqueue computes the minimum gateway-set covering every device currently
// in the group and creates one MulticastGroupQueueItem per gateway, all
// sharing the group's next FCnt, per spec §4.9.
func Enqueue(ctx context.Context, db sqlx.Ext, groupID uuid.UUID, fPort uint8, data []byte) error {
	mg, err := storage.GetMulticastGroup(ctx, db, groupID)
	if err != nil {
		return errors.Wrap(err, "get multicast-group error")
	}

	if len(mg.GatewayIDs) == 0 {
		gatewayIDs, err := storage.GetGatewayIDsForMulticastGroup(ctx, db, groupID)
		if err != nil {
			return errors.Wrap(err, "get multicast-group gateways error")
		}
		mg.GatewayIDs = gatewayIDs
	}

	if len(mg.GatewayIDs) == 0 {
		gatewayIDs, err := minimumGatewaySet(ctx, db, groupID)
		if err != nil {
			return errors.Wrap(err, "compute minimum gateway-set error")
		}
		mg.GatewayIDs = gatewayIDs
	}
	if len(mg.GatewayIDs) == 0 {
		return errors.New("multicast: no gateway covers any member device")
	}

	fCnt, err := storage.GetNextMulticastGroupFCnt(ctx, db, groupID)
	if err != nil {
		return errors.Wrap(err, "get next multicast-group fcnt error")
	}

	var emitAt *time.Duration
	if mg.GroupType == storage.MulticastGroupC && mg.ClassCScheduling == storage.MulticastSchedulingGPSEpoch {
		d := gps.Time(time.Now()).TimeSinceGPSEpoch()
		emitAt = &d
	}

	for _, gwID := range mg.GatewayIDs {
		qi := storage.MulticastGroupQueueItem{
			MulticastGroupID:        groupID,
			GatewayID:               gwID,
			FCnt:                    fCnt,
			FPort:                   fPort,
			FRMPayload:              data,
			EmitAtTimeSinceGPSEpoch: emitAt,
		}
		if err := storage.CreateMulticastGroupQueueItem(ctx, db, &qi); err != nil {
			return errors.Wrap(err, "create multicast-group queue item error")
		}
	}

	return nil
}

// minimumGatewaySet greedily picks gateways, each time taking the one
// covering the most not-yet-covered member devices, until every device
// with at least one reporting gateway is covered. This is the standard
// greedy approximation to minimum set-cover (the exact problem is
// NP-hard); spec §4.9 names "minimum gateway-set" without mandating an
// exact algorithm.
func minimumGatewaySet(ctx context.Context, db sqlx.Ext, groupID uuid.UUID) ([]lorawan.EUI64, error) {
	devEUIs, err := storage.GetDevEUIsForMulticastGroup(ctx, db, groupID)
	if err != nil {
		return nil, errors.Wrap(err, "get deveuis for multicast-group error")
	}
	if len(devEUIs) == 0 {
		return nil, nil
	}

	rxSets, err := storage.GetDeviceGatewayRXInfoSetForDevEUIs(ctx, storage.RedisPool(), devEUIs)
	if err != nil {
		return nil, errors.Wrap(err, "get device gateway rx-info error")
	}

	coverage := make(map[lorawan.EUI64]map[lorawan.EUI64]bool) // gatewayID -> set of covered devEUIs
	uncovered := make(map[lorawan.EUI64]bool, len(devEUIs))
	for _, devEUI := range devEUIs {
		uncovered[devEUI] = true
	}

	for _, rxSet := range rxSets {
		for _, item := range rxSet.Items {
			if coverage[item.GatewayID] == nil {
				coverage[item.GatewayID] = make(map[lorawan.EUI64]bool)
			}
			coverage[item.GatewayID][rxSet.DevEUI] = true
		}
	}

	var selected []lorawan.EUI64
	for len(uncovered) > 0 {
		var bestGW lorawan.EUI64
		bestCount := 0
		for gwID, covered := range coverage {
			count := 0
			for devEUI := range covered {
				if uncovered[devEUI] {
					count++
				}
			}
			if count > bestCount {
				bestCount = count
				bestGW = gwID
			}
		}
		if bestCount == 0 {
			// remaining devices are not reachable by any known gateway.
			break
		}

		selected = append(selected, bestGW)
		for devEUI := range coverage[bestGW] {
			delete(uncovered, devEUI)
		}
		delete(coverage, bestGW)
	}

	return selected, nil
}

// Tick drains due multicast-group queue items to the Frame Bus. Class-C
// items without an emit time go out immediately; GPS-epoch items go out
// once their scheduled time has passed.
func Tick(ctx context.Context) error {
	return storage.Transaction(func(tx sqlx.Ext) error {
		items, err := storage.GetSchedulableMulticastGroupQueueItems(ctx, tx, batchSize, gps.Time(time.Now()).TimeSinceGPSEpoch().Seconds())
		if err != nil {
			return errors.Wrap(err, "get schedulable multicast-group queue items error")
		}

		for _, qi := range items {
			if err := send(ctx, tx, qi); err != nil {
				log.WithFields(log.Fields{
					"id":     qi.ID,
					"ctx_id": ctx.Value(logging.ContextIDKey),
				}).WithError(err).Error("multicast: send queue item error")
				continue
			}
			if err := storage.DeleteMulticastGroupQueueItem(ctx, tx, qi.ID); err != nil {
				return errors.Wrap(err, "delete multicast-group queue item error")
			}
		}

		return nil
	})
}

func send(ctx context.Context, db sqlx.Ext, qi storage.MulticastGroupQueueItem) error {
	mg, err := storage.GetMulticastGroup(ctx, db, qi.MulticastGroupID)
	if err != nil {
		return errors.Wrap(err, "get multicast-group error")
	}

	enc, err := lorawan.EncryptFRMPayload(mg.McAppSKey, false, mg.McAddr, qi.FCnt, qi.FRMPayload)
	if err != nil {
		return errors.Wrap(err, "encrypt frmpayload error")
	}

	fPort := qi.FPort
	phy := lorawan.PHYPayload{
		MHDR: lorawan.MHDR{
			MType: lorawan.UnconfirmedDataDown,
			Major: lorawan.LoRaWANR1,
		},
		MACPayload: &lorawan.MACPayload{
			FHDR: lorawan.FHDR{
				DevAddr: mg.McAddr,
				FCnt:    qi.FCnt,
			},
			FPort:      &fPort,
			FRMPayload: []lorawan.Payload{&lorawan.DataPayload{Bytes: enc}},
		},
	}

	if err := phy.SetDownlinkDataMIC(lorawan.LoRaWAN1_0, 0, mg.McNwkSKey); err != nil {
		return errors.Wrap(err, "set downlink data mic error")
	}

	phyBytes, err := phy.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phypayload error")
	}

	txInfo := &gw.DownlinkTXInfo{
		GatewayId: qi.GatewayID[:],
		Frequency: uint32(mg.Frequency),
		Power:     int32(band.Band().GetDownlinkTXPower(mg.Frequency)),
	}
	if qi.EmitAtTimeSinceGPSEpoch != nil {
		txInfo.Timing = gw.DownlinkTiming_GPS_EPOCH
		txInfo.TimeSinceGPSEpoch = int64(*qi.EmitAtTimeSinceGPSEpoch / time.Nanosecond)
	} else {
		txInfo.Timing = gw.DownlinkTiming_IMMEDIATELY
	}
	setDataRate(txInfo, mg.DR)

	df := gw.DownlinkFrame{
		DownlinkId: qi.MulticastGroupID.Bytes(),
		GatewayId:  qi.GatewayID[:],
		DownlinkFrameItems: []*gw.DownlinkFrameItem{
			{PhyPayload: phyBytes, TxInfo: txInfo},
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
