// Package uplink implements the Frame Bus consumer: deduplication (see
// collect.go) followed by the Uplink Router (spec §4.3), which dispatches
// every deduplicated frame to its frame-type handler.
package uplink

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/api/gw"
	"github.com/brocaar/chirpstack-network-server/internal/band"
	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/chirpstack-network-server/internal/helpers"
	uplinkdata "github.com/brocaar/chirpstack-network-server/internal/uplink/data"
	"github.com/brocaar/chirpstack-network-server/internal/uplink/join"
	"github.com/brocaar/chirpstack-network-server/internal/uplink/proprietary"
	"github.com/brocaar/chirpstack-network-server/internal/uplink/rejoin"
	"github.com/brocaar/chirpstack-network-server/internal/uplink/relay"
	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/models"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan"
)

var relayFPort uint8

// Setup configures the uplink package and every frame-type handler it
// dispatches to.
func Setup(conf config.Config) error {
	deduplicationDelay = conf.NetworkServer.DeduplicationDelay
	relayFPort = conf.NetworkServer.RelayFPort

	if err := uplinkdata.Setup(conf); err != nil {
		return errors.Wrap(err, "setup uplink data handler error")
	}
	if err := join.Setup(conf); err != nil {
		return errors.Wrap(err, "setup join handler error")
	}

	return nil
}

// HandleUplinkFrame is the Frame Bus entry point: it collects the frame for
// the dedup window (collect.go) and, for the first gateway to report
// it, dispatches the merged packet once the window closes.
func HandleUplinkFrame(ctx context.Context, frame gw.UplinkFrame) error {
	return collectAndCallOnce(storage.RedisPool(), frame, func(rxPacket models.RXPacket) error {
		return routeUplinkFrame(ctx, rxPacket)
	})
}

// routeUplinkFrame implements the §4.3 dispatch table. Failures here are
// reported but never block subsequent uplinks.
func routeUplinkFrame(ctx context.Context, rxPacket models.RXPacket) error {
	if rxPacket.TXInfo != nil {
		dr, err := helpers.GetDataRateIndex(true, rxPacket.TXInfo, band.Band())
		if err != nil {
			return errors.Wrap(err, "get data-rate index error")
		}
		rxPacket.DR = dr
	}

	logFields := log.Fields{
		"mtype":  rxPacket.PHYPayload.MHDR.MType,
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}

	switch rxPacket.PHYPayload.MHDR.MType {
	case lorawan.JoinRequest:
		if err := join.HandleJoinRequest(ctx, rxPacket); err != nil {
			log.WithFields(logFields).WithError(err).Error("handle join-request error")
		}
	case lorawan.RejoinRequest:
		if err := rejoin.HandleRejoinRequest(ctx, rxPacket); err != nil {
			log.WithFields(logFields).WithError(err).Error("handle rejoin-request error")
		}
	case lorawan.UnconfirmedDataUp, lorawan.ConfirmedDataUp:
		macPL, ok := rxPacket.PHYPayload.MACPayload.(*lorawan.MACPayload)
		if !ok {
			log.WithFields(logFields).Error("expected *lorawan.MACPayload")
			return nil
		}

		if macPL.FPort != nil && *macPL.FPort == relayFPort {
			if err := relay.HandleRelayedFrame(ctx, rxPacket, routeUplinkFrame); err != nil {
				log.WithFields(logFields).WithError(err).Error("handle relayed frame error")
			}
			return nil
		}

		if err := uplinkdata.Handle(ctx, rxPacket); err != nil {
			log.WithFields(logFields).WithError(err).Error("handle data uplink error")
		}
	case lorawan.Proprietary:
		if err := proprietary.HandleProprietaryUplink(ctx, rxPacket); err != nil {
			log.WithFields(logFields).WithError(err).Error("handle proprietary uplink error")
		}
	default:
		log.WithFields(logFields).Warning("unexpected uplink mtype, dropping frame")
	}

	return nil
}
