// Package proprietary handles uplink frames using the Proprietary MHDR
// MType (spec §4.3's dispatch table names it; the network server has no
// vendor-specific codec for it, so it is logged and dropped).
package proprietary

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/models"
)

// HandleProprietaryUplink logs and drops a proprietary uplink frame.
func HandleProprietaryUplink(ctx context.Context, rxPacket models.RXPacket) error {
	log.WithFields(log.Fields{
		"ctx_id": ctx.Value(logging.ContextIDKey),
	}).Debug("proprietary/proprietary: dropping proprietary uplink frame")
	return nil
}
