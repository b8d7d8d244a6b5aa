// Package relay unwraps relay-forwarded uplink frames (SPEC_FULL.md
// "Supplemented features"): a relay device forwards an end-device's frame
// inside the FRMPayload of its own data uplink, using a well-known FPort.
// The enclosed frame is re-entered into the uplink router as if it had
// been received directly, bounding relay hops to avoid forwarding loops.
package relay

import (
	"context"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/models"
	"github.com/brocaar/lorawan"
)

// maxHops bounds how many times a single frame may be re-wrapped and
// re-forwarded by successive relays before the network server drops it.
const maxHops = 3

// HandleRelayedFrame unwraps the enclosed PHYPayload carried in the
// relayed frame's FRMPayload and re-enters it into the router via next,
// decrementing the hop budget carried in rxPacket.ContextVars.
func HandleRelayedFrame(ctx context.Context, rxPacket models.RXPacket, next func(context.Context, models.RXPacket) error) error {
	macPL, ok := rxPacket.PHYPayload.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return errors.Errorf("relay: expected *lorawan.MACPayload, got %T", rxPacket.PHYPayload.MACPayload)
	}
	if len(macPL.FRMPayload) != 1 {
		return errors.New("relay: expected exactly one FRMPayload item")
	}
	dp, ok := macPL.FRMPayload[0].(*lorawan.DataPayload)
	if !ok {
		return errors.Errorf("relay: expected *lorawan.DataPayload, got %T", macPL.FRMPayload[0])
	}

	hops, _ := rxPacket.ContextVars["relay_hops"].(int)
	if hops >= maxHops {
		log.WithFields(log.Fields{"ctx_id": ctx.Value(logging.ContextIDKey)}).Warning("relay: max hop count exceeded, dropping frame")
		return nil
	}

	var enclosed lorawan.PHYPayload
	if err := enclosed.UnmarshalBinary(dp.Bytes); err != nil {
		return errors.Wrap(err, "unmarshal enclosed phypayload error")
	}

	enclosedPacket := rxPacket
	enclosedPacket.PHYPayload = enclosed
	enclosedPacket.ContextVars = make(map[string]interface{}, len(rxPacket.ContextVars)+1)
	for k, v := range rxPacket.ContextVars {
		enclosedPacket.ContextVars[k] = v
	}
	enclosedPacket.ContextVars["relay_hops"] = hops + 1

	return next(ctx, enclosedPacket)
}
