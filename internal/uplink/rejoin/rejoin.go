// Package rejoin implements the Rejoin Uplink Handler (spec §4.3's
// dispatch table names it, without further detail): a rejoin-request
// triggers the same key-rederivation and DevAddr-reallocation as a fresh
// join. Only the JoinEUI is carried over from the existing device-session;
// the session is replaced by a fresh one with default ADR and channel
// state.
//
// LoRaWAN 1.1 defines a dedicated JSIntKey/JSEncKey pair for securing the
// rejoin-accept, independent of the session's NwkKey-derived keys. Local
// key derivation in internal/backend/joinserver only implements the 1.0.x
// rules (see that package), so this handler treats a rejoin exactly like a
// fresh join-request for key material purposes; JSIntKey/JSEncKey support
// is not implemented.
package rejoin

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/models"
	"github.com/brocaar/chirpstack-network-server/internal/uplink/join"
	"github.com/brocaar/lorawan"
)

// HandleRejoinRequest validates the rejoin-request type and re-enters it
// through the join handler to rederive session keys and DevAddr.
func HandleRejoinRequest(ctx context.Context, rxPacket models.RXPacket) error {
	var devEUI lorawan.EUI64

	switch v := rxPacket.PHYPayload.MACPayload.(type) {
	case *lorawan.RejoinRequestType02Payload:
		devEUI = v.DevEUI
	case *lorawan.RejoinRequestType1Payload:
		devEUI = v.DevEUI
	default:
		return errors.Errorf("rejoin: expected rejoin-request payload, got %T", rxPacket.PHYPayload.MACPayload)
	}

	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("rejoin/rejoin: rejoin-request received, rederiving session")

	return join.HandleRejoin(ctx, rxPacket, devEUI)
}
