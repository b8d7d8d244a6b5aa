package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/lorawan"
)

// downlinkFrameKeyTempl holds a DownlinkFrame record, keyed by the downlink
// id the network server assigned when it scheduled the frame. It is looked
// up again once the gateway bridge reports the tx ack.
const downlinkFrameKeyTempl = "lora:ns:downlink:frame:%s"

// downlinkFrameTTL bounds how long a scheduled-but-unacknowledged frame is
// kept around. A tx ack arriving after this window is logged and dropped,
// the way a MAC answer arriving after MACCommandErrorCountThreshold retries
// is dropped rather than chased indefinitely.
const downlinkFrameTTL = time.Minute

// DownlinkFrame is the bookkeeping record the downlink builder writes right
// before handing a frame to the Frame Bus, so that TxAck processing
// (spec §4.12) can resolve which device-queue item / multicast-queue item
// the gateway's ack or nack refers to.
type DownlinkFrame struct {
	DownlinkID           uuid.UUID
	DevEUI               lorawan.EUI64
	GatewayID            lorawan.EUI64
	RoutingProfileID      uuid.UUID
	DeviceQueueItemID    int64
	MulticastGroupID     uuid.UUID
	MulticastQueueItemID int64
	IsMulticast          bool
	Confirmed            bool
	NwkSEncKey           lorawan.AES128Key
	FCnt                 uint32
}

// SaveDownlinkFrame stores the given pending-ack record, keyed by its
// DownlinkID, with a short TTL.
func SaveDownlinkFrame(ctx context.Context, p *redis.Pool, df DownlinkFrame) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&df); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	c := p.Get()
	defer c.Close()

	exp := int64(downlinkFrameTTL / time.Millisecond)
	_, err := c.Do("PSETEX", fmt.Sprintf(downlinkFrameKeyTempl, df.DownlinkID), exp, buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "psetex error")
	}

	log.WithFields(log.Fields{
		"downlink_id": df.DownlinkID,
		"dev_eui":     df.DevEUI,
		"gateway_id":  df.GatewayID,
		"ctx_id":      ctx.Value(logging.ContextIDKey),
	}).Info("downlink-frame saved")

	return nil
}

// GetDownlinkFrame returns the pending-ack record for the given downlink id.
func GetDownlinkFrame(ctx context.Context, p *redis.Pool, downlinkID uuid.UUID) (DownlinkFrame, error) {
	var df DownlinkFrame

	c := p.Get()
	defer c.Close()

	val, err := redis.Bytes(c.Do("GET", fmt.Sprintf(downlinkFrameKeyTempl, downlinkID)))
	if err != nil {
		if err == redis.ErrNil {
			return df, ErrDoesNotExist
		}
		return df, errors.Wrap(err, "get error")
	}

	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&df); err != nil {
		return df, errors.Wrap(err, "gob decode error")
	}

	return df, nil
}

// DeleteDownlinkFrame removes the pending-ack record for the given downlink
// id, once its tx ack (or nack) has been processed.
func DeleteDownlinkFrame(ctx context.Context, p *redis.Pool, downlinkID uuid.UUID) error {
	c := p.Get()
	defer c.Close()

	_, err := c.Do("DEL", fmt.Sprintf(downlinkFrameKeyTempl, downlinkID))
	if err != nil {
		return errors.Wrap(err, "del error")
	}
	return nil
}
