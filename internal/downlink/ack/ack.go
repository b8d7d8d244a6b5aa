// Package ack processes the gateway bridge's tx ack (spec §4.12): whether
// a previously scheduled DownlinkFrame actually went out over the air.
package ack

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/api/as"
	"github.com/brocaar/chirpstack-network-server/api/gw"
	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan"
)

// HandleDownlinkTXAck resolves the DownlinkFrame the gateway bridge is
// reporting on and updates device-queue / multicast-queue state and the
// application server accordingly.
func HandleDownlinkTXAck(ctx context.Context, txAck gw.DownlinkTXAck) error {
	downlinkID, err := uuid.FromBytes(txAck.DownlinkId)
	if err != nil {
		return errors.Wrap(err, "unmarshal downlink id error")
	}

	df, err := storage.GetDownlinkFrame(ctx, storage.RedisPool(), downlinkID)
	if err != nil {
		if err == storage.ErrDoesNotExist {
			log.WithFields(log.Fields{
				"downlink_id": downlinkID,
				"ctx_id":      ctx.Value(logging.ContextIDKey),
			}).Warning("downlink-frame for tx ack not found, already expired or handled")
			return nil
		}
		return errors.Wrap(err, "get downlink-frame error")
	}

	if err := storage.DeleteDownlinkFrame(ctx, storage.RedisPool(), downlinkID); err != nil {
		log.WithError(err).Error("delete downlink-frame error")
	}

	ok := false
	var status gw.TxAckStatus
	for _, item := range txAck.Items {
		if item == nil {
			continue
		}
		status = item.Status
		if item.Status == gw.TxAckStatus_OK {
			ok = true
			break
		}
	}

	var gatewayID lorawan.EUI64
	copy(gatewayID[:], txAck.GatewayId)

	if df.IsMulticast {
		return handleMulticastAck(ctx, df, ok, status, gatewayID)
	}
	return handleDeviceAck(ctx, df, ok, status, gatewayID)
}

func handleDeviceAck(ctx context.Context, df storage.DownlinkFrame, ok bool, status gw.TxAckStatus, gatewayID lorawan.EUI64) error {
	logFields := log.Fields{
		"downlink_id": df.DownlinkID,
		"dev_eui":     df.DevEUI,
		"gateway_id":  gatewayID,
		"status":      status,
		"ctx_id":      ctx.Value(logging.ContextIDKey),
	}

	if !ok {
		log.WithFields(logFields).Warning("gateway did not transmit downlink frame")

		if df.DeviceQueueItemID != 0 {
			qi, err := storage.GetDeviceQueueItem(ctx, storage.DB(), df.DeviceQueueItemID)
			if err == nil {
				qi.IsPending = false
				if err := storage.UpdateDeviceQueueItem(ctx, storage.DB(), &qi); err != nil {
					log.WithError(err).Error("unpend device-queue item error")
				}
			} else if err != storage.ErrDoesNotExist {
				log.WithError(err).Error("get device-queue item error")
			}

			msg := fmt.Sprintf("gateway did not transmit downlink frame, status: %d", status)
			if err := storage.ReportDeviceQueueItemError(ctx, df.RoutingProfileID, df.DevEUI, df.FCnt, as.ErrorType_UNKNOWN, msg); err != nil {
				log.WithError(err).Error("report device-queue item error to application-server error")
			}
		}

		return nil
	}

	log.WithFields(logFields).Info("gateway acknowledged downlink frame transmission")

	if df.Confirmed {
		// the device's own ack for a confirmed frame arrives on its next
		// uplink and is handled there, not here.
		return nil
	}

	if df.DeviceQueueItemID != 0 {
		if err := storage.ReportDownlinkACK(ctx, df.RoutingProfileID, df.DevEUI, df.FCnt, true); err != nil {
			log.WithError(err).Error("report downlink ack to application-server error")
		}
		if err := storage.DeleteDeviceQueueItem(ctx, storage.DB(), df.DeviceQueueItemID); err != nil && err != storage.ErrDoesNotExist {
			log.WithError(err).Error("delete device-queue item error")
		}
	}

	return nil
}

func handleMulticastAck(ctx context.Context, df storage.DownlinkFrame, ok bool, status gw.TxAckStatus, gatewayID lorawan.EUI64) error {
	logFields := log.Fields{
		"downlink_id":         df.DownlinkID,
		"multicast_group_id":  df.MulticastGroupID,
		"gateway_id":          gatewayID,
		"status":              status,
		"ctx_id":              ctx.Value(logging.ContextIDKey),
	}

	if !ok {
		// multicast frames are scheduled to a minimal covering set of
		// gateways (internal/downlink/multicast); a single gateway's
		// failure to transmit is not retried here.
		log.WithFields(logFields).Warning("gateway did not transmit multicast downlink frame")
		return nil
	}

	log.WithFields(logFields).Info("gateway acknowledged multicast downlink frame transmission")

	if df.MulticastQueueItemID != 0 {
		if err := storage.DeleteMulticastGroupQueueItem(ctx, storage.DB(), df.MulticastQueueItemID); err != nil && err != storage.ErrDoesNotExist {
			log.WithError(err).Error("delete multicast-group queue item error")
		}
	}

	return nil
}
