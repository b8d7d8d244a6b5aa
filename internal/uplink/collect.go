package uplink

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/api/gw"
	"github.com/brocaar/chirpstack-network-server/internal/models"
	"github.com/brocaar/lorawan"
)

// deduplicationDelay is configured by Setup in uplink.go;
// deduplicationTTL is fixed at 5 seconds.
var (
	deduplicationDelay time.Duration
	deduplicationTTL   = time.Millisecond * 5000
)

// collectAndCallOnce collects the given gateway's observation of an uplink
// frame in Redis, keyed by the raw PHYPayload bytes, and invokes the given
// callback exactly once per unique frame, DeduplicationDelay after the
// first gateway reported it, with the RXInfoSet of every gateway (deduped
// by gateway ID) that reported the same frame within that window.
func collectAndCallOnce(p *redis.Pool, rxPacket gw.UplinkFrame, cb func(packet models.RXPacket) error) error {
	key := collectKey(rxPacket.PhyPayload)

	isFirst, err := collect(p, key, rxPacket)
	if err != nil {
		return errors.Wrap(err, "collect uplink frame error")
	}

	if !isFirst {
		return nil
	}

	time.Sleep(deduplicationDelay)

	frames, err := readCollected(p, key)
	if err != nil {
		return errors.Wrap(err, "read collected uplink frames error")
	}
	if len(frames) == 0 {
		return nil
	}

	rxPacketOut, err := mergeUplinkFrames(frames)
	if err != nil {
		return errors.Wrap(err, "merge uplink frames error")
	}

	return cb(rxPacketOut)
}

func collectKey(phyPayload []byte) string {
	sum := sha256.Sum256(phyPayload)
	return fmt.Sprintf("lora:ns:uplink:collect:%x", sum)
}

// collect appends the given frame to the collection set for key, returning
// true when this call is the first (and therefore responsible for waiting
// out the dedup window and calling back).
func collect(p *redis.Pool, key string, rxPacket gw.UplinkFrame) (bool, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rxPacket); err != nil {
		return false, errors.Wrap(err, "gob encode error")
	}

	c := p.Get()
	defer c.Close()

	n, err := redis.Int(c.Do("RPUSH", key, buf.Bytes()))
	if err != nil {
		return false, errors.Wrap(err, "rpush error")
	}

	if _, err := c.Do("PEXPIRE", key, int64(deduplicationTTL/time.Millisecond)); err != nil {
		return false, errors.Wrap(err, "pexpire error")
	}

	return n == 1, nil
}

func readCollected(p *redis.Pool, key string) ([]gw.UplinkFrame, error) {
	c := p.Get()
	defer c.Close()

	values, err := redis.ByteSlices(c.Do("LRANGE", key, 0, -1))
	if err != nil {
		return nil, errors.Wrap(err, "lrange error")
	}

	if _, err := c.Do("DEL", key); err != nil {
		log.WithError(err).Error("uplink/collect: delete collect key error")
	}

	var out []gw.UplinkFrame
	for _, v := range values {
		var f gw.UplinkFrame
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&f); err != nil {
			return nil, errors.Wrap(err, "gob decode error")
		}
		out = append(out, f)
	}

	return out, nil
}

func mergeUplinkFrames(frames []gw.UplinkFrame) (models.RXPacket, error) {
	var phy lorawan.PHYPayload
	if err := phy.UnmarshalBinary(frames[0].PhyPayload); err != nil {
		return models.RXPacket{}, errors.Wrap(err, "unmarshal phypayload error")
	}

	seen := make(map[string]bool)
	var rxInfoSet []*gw.UplinkRXInfo
	var txInfo *gw.UplinkTXInfo

	for _, f := range frames {
		if txInfo == nil {
			txInfo = f.TxInfo
		}

		if f.RxInfo == nil {
			continue
		}

		gwID := string(f.RxInfo.GatewayId)
		if seen[gwID] {
			continue
		}
		seen[gwID] = true

		rxInfoSet = append(rxInfoSet, f.RxInfo)
	}

	return models.RXPacket{
		PHYPayload: phy,
		TXInfo:     txInfo,
		RXInfoSet:  rxInfoSet,
		ReceivedAt: time.Now(),
	}, nil
}
