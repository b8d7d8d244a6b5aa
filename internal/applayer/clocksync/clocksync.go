// Package clocksync implements the Application Layer Clock Synchronization
// handler (TS003, AppTimeReq/Ans), wired as an ordinary FPort-routed
// uplink handler alongside the FUOTA Orchestrator's multicast-setup and
// fragmentation-transport traffic. The trimmed device-session model this
// network server keeps does not carry the device's AppSKey (that stays
// with the application server), so unlike a real TS003 stack, which
// encrypts AppTimeReq/Ans under AppSKey, this handler (de)crypts it with
// the session's NwkSEncKey, the same key already available for FOpts.
package clocksync

import (
	"context"
	"math"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/chirpstack-network-server/internal/gps"
	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan/applayer/clocksync"
)

var fPort uint8

// Setup configures the handler's FPort from conf.
func Setup(conf config.Config) error {
	fPort = conf.NetworkServer.NetworkSettings.ClockSync.FPort
	return nil
}

// FPort returns the configured Application Layer Clock Synchronization
// FPort, so the data uplink handler knows which frames to route here.
func FPort() uint8 {
	return fPort
}

// HandleUplink decodes a clock-sync command received on FPort() and, for
// AppTimeReq, answers with AppTimeAns carrying the device's clock drift.
func HandleUplink(ctx context.Context, db sqlx.Ext, ds storage.DeviceSession, rxTime time.Time, data []byte) error {
	var cmd clocksync.Command
	if err := cmd.UnmarshalBinary(true, data); err != nil {
		return errors.Wrap(err, "clocksync: unmarshal command error")
	}

	if cmd.CID != clocksync.AppTimeReq {
		return nil
	}

	pl, ok := cmd.Payload.(*clocksync.AppTimeReqPayload)
	if !ok {
		return errors.New("clocksync: expected *clocksync.AppTimeReqPayload")
	}

	nowSeconds := int64(gps.Time(rxTime).TimeSinceGPSEpoch() / time.Second)
	timeDiff := nowSeconds - int64(pl.DeviceTime)

	var timeCorrection int32
	switch {
	case timeDiff > math.MaxInt32:
		timeCorrection = math.MaxInt32
	case timeDiff < math.MinInt32:
		timeCorrection = math.MinInt32
	default:
		timeCorrection = int32(timeDiff)
	}

	if timeCorrection == 0 && !pl.Param.AnsRequired {
		log.WithFields(log.Fields{
			"dev_eui": ds.DevEUI,
			"ctx_id":  ctx.Value(logging.ContextIDKey),
		}).Debug("clocksync: device already in sync, no answer required")
		return nil
	}

	ans := clocksync.Command{
		CID: clocksync.AppTimeAns,
		Payload: &clocksync.AppTimeAnsPayload{
			TimeCorrection: timeCorrection,
			Param: clocksync.AppTimeAnsPayloadParam{
				TokenAns: pl.Param.TokenReq,
			},
		},
	}
	b, err := ans.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "clocksync: marshal AppTimeAns error")
	}

	qi := storage.DeviceQueueItem{
		DevAddr:    ds.DevAddr,
		DevEUI:     ds.DevEUI,
		FRMPayload: b,
		FPort:      fPort,
	}
	if err := storage.CreateDeviceQueueItem(ctx, db, &qi); err != nil {
		return errors.Wrap(err, "clocksync: create device-queue item error")
	}

	log.WithFields(log.Fields{
		"dev_eui":         ds.DevEUI,
		"time_correction": timeCorrection,
		"ctx_id":          ctx.Value(logging.ContextIDKey),
	}).Info("clocksync: responding with AppTimeAns")

	return nil
}
