package join

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/backend/joinserver"
	"github.com/brocaar/chirpstack-network-server/internal/band"
	dlroaming "github.com/brocaar/chirpstack-network-server/internal/downlink/roaming"
	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/models"
	"github.com/brocaar/chirpstack-network-server/internal/roaming"
	"github.com/brocaar/lorawan"
	"github.com/brocaar/lorawan/backend"
)

type startPRFNSContext struct {
	ctx                context.Context
	rxPacket           models.RXPacket
	joinRequestPayload *lorawan.JoinRequestPayload
	homeNetID          lorawan.NetID
	nsClient           backend.Client
}

// StartPRFNS handles a join-request for a DevEUI this network server has no
// local device record for, by asking the join-server which NetID is home to
// it and, when a passive-roaming agreement covers that NetID, forwarding the
// join-request there as fNS (spec §4.6). Devices with neither a local
// record nor a roaming agreement are dropped.
func StartPRFNS(ctx context.Context, rxPacket models.RXPacket, jrPL *lorawan.JoinRequestPayload) error {
	cctx := startPRFNSContext{
		ctx:                ctx,
		rxPacket:           rxPacket,
		joinRequestPayload: jrPL,
	}

	for _, f := range []func() error{
		cctx.getHomeNetID,
		cctx.getNSClient,
		cctx.startRoaming,
	} {
		if err := f(); err != nil {
			if err == ErrAbort {
				return nil
			}
			return err
		}
	}

	return nil
}

func (c *startPRFNSContext) getHomeNetID() error {
	jsClient, err := joinserver.GetClientForJoinEUI(c.joinRequestPayload.JoinEUI)
	if err != nil {
		return errors.Wrap(err, "get js client for joineui error")
	}

	nsReq := backend.HomeNSReqPayload{
		DevEUI: c.joinRequestPayload.DevEUI,
	}
	nsAns, err := jsClient.HomeNSReq(c.ctx, nsReq)
	if err != nil {
		return errors.Wrap(err, "request home netid error")
	}

	log.WithFields(log.Fields{
		"ctx_id":   c.ctx.Value(logging.ContextIDKey),
		"net_id":   nsAns.HNetID,
		"join_eui": c.joinRequestPayload.JoinEUI,
		"dev_eui":  c.joinRequestPayload.DevEUI,
	}).Info("join/join_roaming_fns: resolved joineui to netid")

	c.homeNetID = nsAns.HNetID

	return nil
}

func (c *startPRFNSContext) getNSClient() error {
	client, err := roaming.GetClientForNetID(c.homeNetID)
	if err != nil {
		if err == roaming.ErrNoAgreement {
			log.WithFields(log.Fields{
				"net_id":  c.homeNetID,
				"ctx_id":  c.ctx.Value(logging.ContextIDKey),
				"dev_eui": c.joinRequestPayload.DevEUI,
			}).Warning("join/join_roaming_fns: no roaming agreement for netid")
			return ErrAbort
		}
		return err
	}

	c.nsClient = client
	return nil
}

func (c *startPRFNSContext) startRoaming() error {
	phyB, err := c.rxPacket.PHYPayload.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal phypayload error")
	}

	gwCnt := len(c.rxPacket.RXInfoSet)
	gwInfo, err := roaming.RXInfoToGWInfo(c.rxPacket.RXInfoSet)
	if err != nil {
		return errors.Wrap(err, "rxinfo to gwinfo error")
	}

	ulFreq := float64(c.rxPacket.TXInfo.Frequency) / 1000000
	dr := c.rxPacket.DR

	prReq := backend.PRStartReqPayload{
		PHYPayload: backend.HEXBytes(phyB),
		ULMetaData: backend.ULMetaData{
			DevEUI:   &c.joinRequestPayload.DevEUI,
			ULFreq:   &ulFreq,
			DataRate: &dr,
			RecvTime: roaming.RecvTimeFromRXInfo(c.rxPacket.RXInfoSet),
			RFRegion: band.Band().Name(),
			GWCnt:    &gwCnt,
			GWInfo:   gwInfo,
		},
	}

	jrAns, err := c.nsClient.PRStartReq(c.ctx, prReq)
	if err != nil {
		return errors.Wrap(err, "PRStartReq error")
	}

	if jrAns.DLMetaData == nil {
		return errors.New("DLMetaData must not be nil")
	}

	if err := dlroaming.EmitPRDownlink(c.ctx, c.rxPacket, jrAns.PHYPayload, *jrAns.DLMetaData); err != nil {
		return errors.Wrap(err, "send passive-roaming downlink error")
	}

	return nil
}
