// Package roaming implements the uplink side of the FNS role (spec §4.11):
// when the Data Uplink Handler finds no local device-session for an
// uplink's DevAddr, this package checks whether that DevAddr belongs to a
// roaming partner and, if so, forwards the frame over Backend Interfaces
// instead of dropping it.
package roaming

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/band"
	dlroaming "github.com/brocaar/chirpstack-network-server/internal/downlink/roaming"
	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/models"
	nsroaming "github.com/brocaar/chirpstack-network-server/internal/roaming"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

// HandleUplink forwards rxPacket as FNS for a DevAddr this network server
// has no local session for: via a cached PRStartAns session's XmitDataReq
// when one exists, or by starting one with PRStartReq otherwise. Returns an
// error (logged and dropped by the caller) when devAddr matches no
// configured roaming peer.
func HandleUplink(ctx context.Context, rxPacket models.RXPacket, devAddr lorawan.DevAddr) error {
	sess, err := storage.GetPassiveRoamingFNSSession(ctx, storage.RedisPool(), devAddr)
	if err == nil {
		return forward(ctx, rxPacket, sess)
	}
	if errors.Cause(err) != storage.ErrDoesNotExist {
		return errors.Wrap(err, "get passive-roaming fns session error")
	}

	netID, ok := nsroaming.NetIDForDevAddr(devAddr)
	if !ok {
		return errors.New("uplink/roaming: devaddr matches no roaming agreement")
	}

	client, err := nsroaming.GetClientForNetID(netID)
	if err != nil {
		return errors.Wrap(err, "get client for net-id error")
	}

	ulMeta, err := uplinkMetaData(rxPacket, &devAddr, nil)
	if err != nil {
		return err
	}

	phyB, err := rxPacket.PHYPayload.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phypayload error")
	}

	ans, err := client.PRStartReq(ctx, backend.PRStartReqPayload{
		PHYPayload: backend.HEXBytes(phyB),
		ULMetaData: *ulMeta,
	})
	if err != nil {
		return errors.Wrap(err, "PRStartReq error")
	}
	if ans.Result.ResultCode != backend.Success {
		return errors.Errorf("uplink/roaming: PRStartReq refused: %s", ans.Result.ResultCode)
	}

	lifetime := nsroaming.LifetimeForNetID(netID)
	if ans.Lifetime != nil {
		lifetime = time.Duration(*ans.Lifetime) * time.Second
	}
	if lifetime > 0 {
		if err := storage.SavePassiveRoamingFNSSession(ctx, storage.RedisPool(), storage.PassiveRoamingFNSSession{
			DevAddr:  devAddr,
			NetID:    netID,
			Lifetime: time.Now().Add(lifetime),
		}); err != nil {
			log.WithFields(log.Fields{
				"dev_addr": devAddr,
				"ctx_id":   ctx.Value(logging.ContextIDKey),
			}).WithError(err).Error("uplink/roaming: save passive-roaming fns session error")
		}
	}

	if ans.DLMetaData != nil {
		if err := dlroaming.EmitPRDownlink(ctx, rxPacket, ans.PHYPayload, *ans.DLMetaData); err != nil {
			return errors.Wrap(err, "send passive-roaming downlink error")
		}
	}

	return nil
}

func forward(ctx context.Context, rxPacket models.RXPacket, sess storage.PassiveRoamingFNSSession) error {
	client, err := nsroaming.GetClientForNetID(sess.NetID)
	if err != nil {
		return errors.Wrap(err, "get client for net-id error")
	}

	ulMeta, err := uplinkMetaData(rxPacket, &sess.DevAddr, nil)
	if err != nil {
		return err
	}

	phyB, err := rxPacket.PHYPayload.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phypayload error")
	}

	ans, err := client.XmitDataReq(ctx, backend.XmitDataReqPayload{
		PHYPayload: backend.HEXBytes(phyB),
		ULMetaData: ulMeta,
	})
	if err != nil {
		return errors.Wrap(err, "XmitDataReq error")
	}
	if ans.Result.ResultCode != backend.Success {
		return errors.Errorf("uplink/roaming: XmitDataReq refused: %s", ans.Result.ResultCode)
	}

	return nil
}

func uplinkMetaData(rxPacket models.RXPacket, devAddr *lorawan.DevAddr, devEUI *lorawan.EUI64) (*backend.ULMetaData, error) {
	gwInfo, err := nsroaming.RXInfoToGWInfo(rxPacket.RXInfoSet)
	if err != nil {
		return nil, errors.Wrap(err, "rxinfo to gwinfo error")
	}

	gwCnt := len(rxPacket.RXInfoSet)
	ulFreq := float64(rxPacket.TXInfo.Frequency) / 1000000
	dr := rxPacket.DR

	return &backend.ULMetaData{
		DevAddr:  devAddr,
		DevEUI:   devEUI,
		DataRate: &dr,
		ULFreq:   &ulFreq,
		RecvTime: nsroaming.RecvTimeFromRXInfo(rxPacket.RXInfoSet),
		RFRegion: band.Band().Name(),
		GWCnt:    &gwCnt,
		GWInfo:   gwInfo,
	}, nil
}
