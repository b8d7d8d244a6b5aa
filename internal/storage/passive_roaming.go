package storage

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/lorawan"
)

const passiveRoamingFNSSessionKeyTempl = "lora:ns:pr:fns:%s" // DevAddr -> cached FNS roaming session

// PassiveRoamingFNSSession is the FNS-side cache of a PRStartAns success: it
// lets subsequent uplinks for the same DevAddr skip straight to XmitDataReq
// instead of re-running PRStartReq, until Lifetime passes (spec §4.11).
type PassiveRoamingFNSSession struct {
	DevAddr  lorawan.DevAddr
	NetID    lorawan.NetID
	Lifetime time.Time
}

// SavePassiveRoamingFNSSession caches sess until its Lifetime, keyed by DevAddr.
func SavePassiveRoamingFNSSession(ctx context.Context, p *redis.Pool, sess PassiveRoamingFNSSession) error {
	ttl := time.Until(sess.Lifetime)
	if ttl <= 0 {
		return errors.New("passive-roaming session lifetime is in the past")
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&sess); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	c := p.Get()
	defer c.Close()

	_, err := c.Do("PSETEX", fmt.Sprintf(passiveRoamingFNSSessionKeyTempl, sess.DevAddr), int64(ttl/time.Millisecond), buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "psetex error")
	}

	log.WithFields(log.Fields{
		"dev_addr": sess.DevAddr,
		"net_id":   sess.NetID,
		"ctx_id":   ctx.Value(logging.ContextIDKey),
	}).Info("passive-roaming fns session saved")

	return nil
}

// GetPassiveRoamingFNSSession returns the cached FNS session for devAddr, or
// ErrDoesNotExist when none is cached (or it already expired).
func GetPassiveRoamingFNSSession(ctx context.Context, p *redis.Pool, devAddr lorawan.DevAddr) (PassiveRoamingFNSSession, error) {
	var sess PassiveRoamingFNSSession

	c := p.Get()
	defer c.Close()

	val, err := redis.Bytes(c.Do("GET", fmt.Sprintf(passiveRoamingFNSSessionKeyTempl, devAddr)))
	if err != nil {
		if err == redis.ErrNil {
			return sess, ErrDoesNotExist
		}
		return sess, errors.Wrap(err, "get error")
	}

	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&sess); err != nil {
		return sess, errors.Wrap(err, "gob decode error")
	}

	return sess, nil
}
