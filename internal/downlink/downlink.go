// Package downlink runs the Class-B / Class-C downlink scheduler (spec
// §4.8): a ticker that periodically looks for devices with a pending
// device-queue item ready to be scheduled outside of an RX1/RX2 window.
package downlink

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/config"
	"github.com/brocaar/chirpstack-network-server/internal/downlink/data"
	"github.com/brocaar/chirpstack-network-server/internal/downlink/multicast"
	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
)

var (
	schedulerInterval time.Duration
	schedulerBatchSize int
)

// Setup configures the scheduler and the downlink builder it drives.
func Setup(conf config.Config) error {
	schedulerInterval = conf.NetworkServer.Scheduler.Interval
	schedulerBatchSize = conf.NetworkServer.Scheduler.BatchSize

	if err := data.Setup(conf); err != nil {
		return errors.Wrap(err, "setup downlink data error")
	}
	if err := multicast.Setup(conf); err != nil {
		return errors.Wrap(err, "setup multicast error")
	}

	return nil
}

// Start launches the scheduler loop in its own goroutine and returns
// immediately; call it once from main.
func Start() {
	go schedulerLoop()
}

func schedulerLoop() {
	for range time.Tick(schedulerInterval) {
		ctx := context.Background()
		if err := tick(ctx); err != nil {
			log.WithError(err).Error("downlink scheduler tick error")
		}
		if err := multicast.Tick(ctx); err != nil {
			log.WithError(err).Error("multicast scheduler tick error")
		}
	}
}

// tick claims a batch of Class-B/Class-C devices with a schedulable
// device-queue item and hands each to the downlink builder.
func tick(ctx context.Context) error {
	return storage.Transaction(func(tx sqlx.Ext) error {
		devices, err := storage.GetDevicesWithClassBOrClassCDeviceQueueItems(ctx, tx, schedulerBatchSize)
		if err != nil {
			return errors.Wrap(err, "get devices with class-b or class-c queue items error")
		}

		for _, d := range devices {
			locked, err := storage.GetDeviceSessionLock(ctx, storage.RedisPool(), d.DevEUI, schedulerInterval)
			if err != nil {
				log.WithFields(log.Fields{
					"dev_eui": d.DevEUI,
					"ctx_id":  ctx.Value(logging.ContextIDKey),
				}).WithError(err).Error("get device-session lock error")
				continue
			}
			if !locked {
				continue
			}

			ds, err := storage.GetDeviceSession(ctx, storage.RedisPool(), d.DevEUI)
			if err != nil {
				log.WithFields(log.Fields{
					"dev_eui": d.DevEUI,
					"ctx_id":  ctx.Value(logging.ContextIDKey),
				}).WithError(err).Error("get device-session error")
				storage.ReleaseDeviceSessionLock(ctx, storage.RedisPool(), d.DevEUI)
				continue
			}

			if err := data.HandleClassC(ctx, &ds); err != nil {
				log.WithFields(log.Fields{
					"dev_eui": d.DevEUI,
					"ctx_id":  ctx.Value(logging.ContextIDKey),
				}).WithError(err).Error("schedule class-b/class-c downlink error")
			}
		}

		return nil
	})
}
