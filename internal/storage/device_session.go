package storage

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/gob"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gomodule/redigo/redis"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/band"
	"github.com/brocaar/chirpstack-network-server/internal/logging"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

const (
	devAddrKeyTempl                = "lora:ns:devaddr:%s"     // contains a set of DevEUIs using this DevAddr
	deviceSessionKeyTempl          = "lora:ns:device:%s"      // contains the session of a DevEUI
	deviceGatewayRXInfoSetKeyTempl = "lora:ns:device:%s:gwrx" // contains gateway meta-data from the last uplink
)

// UplinkHistorySize contains the number of frames to store.
const UplinkHistorySize = 20

// RXWindow defines the RX window option.
type RXWindow int8

// Available RX window options.
const (
	RX1 = iota
	RX2
)

// DeviceGatewayRXInfoSet contains the rx-info set of the receiving gateways
// for the last uplink.
type DeviceGatewayRXInfoSet struct {
	DevEUI lorawan.EUI64
	DR     int
	Items  []DeviceGatewayRXInfo
}

// DeviceGatewayRXInfo holds the meta-data of a gateway receiving the last
// uplink message.
type DeviceGatewayRXInfo struct {
	GatewayID lorawan.EUI64
	RSSI      int
	LoRaSNR   float64
	Antenna   uint32
	Board     uint32
	Context   []byte
}

// UplinkHistory contains the meta-data of an uplink transmission.
type UplinkHistory struct {
	FCnt         uint32
	MaxSNR       float64
	TXPowerIndex int
	GatewayCount int
}

// KeyEnvelope defines a wrapped session key, optionally KEK-wrapped for
// transport to a roaming partner.
type KeyEnvelope struct {
	KEKLabel string
	AESKey   []byte
}

// DeviceSession defines a device-session.
type DeviceSession struct {
	// MAC version
	MACVersion string

	// profile ids
	DeviceProfileID  uuid.UUID
	ServiceProfileID uuid.UUID
	RoutingProfileID uuid.UUID

	// session data
	DevAddr        lorawan.DevAddr
	DevEUI         lorawan.EUI64
	JoinEUI        lorawan.EUI64
	FNwkSIntKey    lorawan.AES128Key
	SNwkSIntKey    lorawan.AES128Key
	NwkSEncKey     lorawan.AES128Key
	AppSKeyEvelope *KeyEnvelope
	FCntUp         uint32
	NFCntDown      uint32
	AFCntDown      uint32
	ConfFCnt       uint32

	// Only used by ABP activation.
	SkipFCntValidation bool

	RXWindow     RXWindow
	RXDelay      uint8
	RX1DROffset  uint8
	RX2DR        uint8
	RX2Frequency int

	// TXPowerIndex which the node is using, controlled by the ADR engine.
	TXPowerIndex int

	// DR defines the (last known) data-rate at which the node is operating,
	// controlled by the ADR engine.
	DR int

	// ADR defines if the device has ADR enabled.
	ADR bool

	MinSupportedTXPowerIndex int
	MaxSupportedTXPowerIndex int

	// NbTrans defines the number of transmissions for each unconfirmed
	// uplink frame. 0 means the default value is used.
	NbTrans uint8

	EnabledUplinkChannels []int                    // channels that are activated on the node
	ExtraUplinkChannels   map[int]loraband.Channel // extra uplink channels, configured by the user
	ChannelFrequencies    []int                    // frequency of each channel
	UplinkHistory         []UplinkHistory          // last UplinkHistorySize transmissions

	LastDevStatusRequested time.Time
	LastDownlinkTX         time.Time

	// Class-B related configuration.
	BeaconLocked      bool
	PingSlotNb        int
	PingSlotDR        int
	PingSlotFrequency int

	RejoinRequestEnabled   bool
	RejoinRequestMaxCountN int
	RejoinRequestMaxTimeN  int

	RejoinCount0               uint16
	PendingRejoinDeviceSession *DeviceSession

	ReferenceAltitude float64

	UplinkDwellTime400ms   bool
	DownlinkDwellTime400ms bool
	UplinkMaxEIRPIndex     uint8

	// MAC command pending-block discipline (spec §4.6). The block is stored
	// verbatim (CID + marshaled payload) at the moment the downlink builder
	// flushes it, keyed by that downlink's id, and matched by CID against
	// the answers found in the next uplink.
	PendingMACCommands           []PendingMACCommand
	PendingMACCommandsDownlinkID uint32
	MACCommandErrorCount         map[lorawan.CID]int
}

// PendingMACCommand is one command of a flushed downlink MAC block, kept
// around until the matching answer (or timeout) arrives.
type PendingMACCommand struct {
	CID     lorawan.CID
	Payload []byte
}

// AppendUplinkHistory appends an UplinkHistory item and makes sure the list
// never exceeds UplinkHistorySize records. In case of a re-transmission
// (same FCnt as the last entry), it is ignored.
func (s *DeviceSession) AppendUplinkHistory(up UplinkHistory) {
	if count := len(s.UplinkHistory); count > 0 {
		if s.UplinkHistory[count-1].FCnt == up.FCnt {
			return
		}
	}

	s.UplinkHistory = append(s.UplinkHistory, up)
	if count := len(s.UplinkHistory); count > UplinkHistorySize {
		s.UplinkHistory = s.UplinkHistory[count-UplinkHistorySize : count]
	}
}

// GetPacketLossPercentage returns the percentage of packet-loss over the
// records stored in UplinkHistory. Returns 0 when the history table hasn't
// been filled yet, to avoid reporting a skewed percentage early on.
func (s DeviceSession) GetPacketLossPercentage() float64 {
	if len(s.UplinkHistory) < UplinkHistorySize {
		return 0
	}

	var lostPackets uint32
	var previousFCnt uint32

	for i, uh := range s.UplinkHistory {
		if i == 0 {
			previousFCnt = uh.FCnt
			continue
		}
		lostPackets += uh.FCnt - previousFCnt - 1
		previousFCnt = uh.FCnt
	}

	return float64(lostPackets) / float64(len(s.UplinkHistory)) * 100
}

// MACCommandErrorCountThreshold is the number of un-acked retransmissions
// of a single CID the server tolerates before it gives up retransmitting it.
const MACCommandErrorCountThreshold = 3

// IncrementMACCommandErrorCount increments the per-CID error counter and
// returns the new value.
func (s *DeviceSession) IncrementMACCommandErrorCount(cid lorawan.CID) int {
	if s.MACCommandErrorCount == nil {
		s.MACCommandErrorCount = make(map[lorawan.CID]int)
	}
	s.MACCommandErrorCount[cid]++
	return s.MACCommandErrorCount[cid]
}

// ResetMACCommandErrorCount clears the per-CID error counter, e.g. after a
// successful ack.
func (s *DeviceSession) ResetMACCommandErrorCount(cid lorawan.CID) {
	delete(s.MACCommandErrorCount, cid)
}

// MACCommandBlocked returns true when the per-CID error count has exceeded
// MACCommandErrorCountThreshold and the server should stop retransmitting it.
func (s DeviceSession) MACCommandBlocked(cid lorawan.CID) bool {
	return s.MACCommandErrorCount[cid] > MACCommandErrorCountThreshold
}

// GetMACVersion returns the LoRaWAN MAC version.
func (s DeviceSession) GetMACVersion() lorawan.MACVersion {
	if strings.HasPrefix(s.MACVersion, "1.1") {
		return lorawan.LoRaWAN1_1
	}
	return lorawan.LoRaWAN1_0
}

// ResetToBootParameters resets the device-session to the device boot
// parameters as defined by the given device-profile.
func (s *DeviceSession) ResetToBootParameters(dp DeviceProfile) {
	if dp.SupportsJoin {
		return
	}

	var channelFrequencies []int
	for _, f := range dp.FactoryPresetFreqs {
		channelFrequencies = append(channelFrequencies, int(f))
	}

	s.TXPowerIndex = 0
	s.MinSupportedTXPowerIndex = 0
	s.MaxSupportedTXPowerIndex = 0
	s.ExtraUplinkChannels = make(map[int]loraband.Channel)
	s.RXDelay = uint8(dp.RXDelay1)
	s.RX1DROffset = uint8(dp.RXDROffset1)
	s.RX2DR = uint8(dp.RXDataRate2)
	s.RX2Frequency = int(dp.RXFreq2)
	s.EnabledUplinkChannels = band.Band().GetStandardUplinkChannelIndices()
	s.ChannelFrequencies = channelFrequencies
	s.PingSlotDR = dp.PingSlotDR
	s.PingSlotFrequency = int(dp.PingSlotFreq)
	s.NbTrans = 1

	if dp.PingSlotPeriod != 0 {
		s.PingSlotNb = (1 << 12) / dp.PingSlotPeriod
	}
}

// GetRandomDevAddr returns a random DevAddr, prefixed with NwkID based on
// the given NetID.
func GetRandomDevAddr(netID lorawan.NetID) (lorawan.DevAddr, error) {
	var d lorawan.DevAddr
	b := make([]byte, len(d))
	if _, err := rand.Read(b); err != nil {
		return d, errors.Wrap(err, "read random bytes error")
	}
	copy(d[:], b)
	d.SetAddrPrefix(netID)

	return d, nil
}

// ValidateAndGetFullFCntUp validates if the given fCntUp is valid and
// returns the full 32 bit frame-counter. The LoRaWAN packet only contains
// the 16 LSB, so to validate the MIC the full 32 bit counter must be
// restored first.
func ValidateAndGetFullFCntUp(s DeviceSession, fCntUp uint32) (uint32, bool) {
	gap := uint32(uint16(fCntUp) - uint16(s.FCntUp%65536))
	if gap < band.Band().GetDefaults().MaxFCntGap {
		return s.FCntUp + gap, true
	}
	return 0, false
}

// SaveDeviceSession saves the device-session. In case it doesn't exist yet
// it will be created. The record is gob-encoded rather than protobuf: this
// store has no code-generation step in this tree. Gob is the only format
// this package reads or writes.
func SaveDeviceSession(ctx context.Context, p *redis.Pool, s DeviceSession) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&s); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	c := p.Get()
	defer c.Close()
	exp := int64(deviceSessionTTL) / int64(time.Millisecond)

	c.Send("MULTI")
	c.Send("PSETEX", fmt.Sprintf(deviceSessionKeyTempl, s.DevEUI), exp, buf.Bytes())
	c.Send("SADD", fmt.Sprintf(devAddrKeyTempl, s.DevAddr), s.DevEUI[:])
	c.Send("PEXPIRE", fmt.Sprintf(devAddrKeyTempl, s.DevAddr), exp)
	if s.PendingRejoinDeviceSession != nil {
		c.Send("SADD", fmt.Sprintf(devAddrKeyTempl, s.PendingRejoinDeviceSession.DevAddr), s.DevEUI[:])
		c.Send("PEXPIRE", fmt.Sprintf(devAddrKeyTempl, s.PendingRejoinDeviceSession.DevAddr), exp)
	}
	if _, err := c.Do("EXEC"); err != nil {
		return errors.Wrap(err, "exec error")
	}

	log.WithFields(log.Fields{
		"dev_eui":  s.DevEUI,
		"dev_addr": s.DevAddr,
		"ctx_id":   ctx.Value(logging.ContextIDKey),
	}).Info("device-session saved")

	return nil
}

// GetDeviceSession returns the device-session for the given DevEUI.
func GetDeviceSession(ctx context.Context, p *redis.Pool, devEUI lorawan.EUI64) (DeviceSession, error) {
	var s DeviceSession

	c := p.Get()
	defer c.Close()

	val, err := redis.Bytes(c.Do("GET", fmt.Sprintf(deviceSessionKeyTempl, devEUI)))
	if err != nil {
		if err == redis.ErrNil {
			return DeviceSession{}, ErrDoesNotExist
		}
		return DeviceSession{}, errors.Wrap(err, "get error")
	}

	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&s); err != nil {
		return DeviceSession{}, errors.Wrap(err, "gob decode error")
	}

	return s, nil
}

// DeleteDeviceSession deletes the device-session matching the given DevEUI.
func DeleteDeviceSession(ctx context.Context, p *redis.Pool, devEUI lorawan.EUI64) error {
	c := p.Get()
	defer c.Close()

	val, err := redis.Int(c.Do("DEL", fmt.Sprintf(deviceSessionKeyTempl, devEUI)))
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	if val == 0 {
		return ErrDoesNotExist
	}
	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("device-session deleted")
	return nil
}

// DeviceSessionExists returns a bool indicating if a device session exists.
func DeviceSessionExists(ctx context.Context, p *redis.Pool, devEUI lorawan.EUI64) (bool, error) {
	c := p.Get()
	defer c.Close()

	r, err := redis.Int(c.Do("EXISTS", fmt.Sprintf(deviceSessionKeyTempl, devEUI)))
	if err != nil {
		return false, errors.Wrap(err, "get exists error")
	}
	return r == 1, nil
}

// GetDeviceSessionsForDevAddr returns a slice of device-sessions using the
// given DevAddr. When no device-session is using it, this returns an empty
// slice.
func GetDeviceSessionsForDevAddr(ctx context.Context, p *redis.Pool, devAddr lorawan.DevAddr) ([]DeviceSession, error) {
	var items []DeviceSession

	c := p.Get()
	defer c.Close()

	devEUIs, err := redis.ByteSlices(c.Do("SMEMBERS", fmt.Sprintf(devAddrKeyTempl, devAddr)))
	if err != nil {
		if err == redis.ErrNil {
			return items, nil
		}
		return nil, errors.Wrap(err, "get members error")
	}

	for _, b := range devEUIs {
		var devEUI lorawan.EUI64
		copy(devEUI[:], b)

		s, err := GetDeviceSession(ctx, p, devEUI)
		if err != nil {
			log.WithFields(log.Fields{
				"dev_addr": devAddr,
				"dev_eui":  devEUI,
				"ctx_id":   ctx.Value(logging.ContextIDKey),
			}).Warningf("get device-sessions for dev_addr error: %s", err)
			continue
		}

		if s.DevAddr == devAddr {
			items = append(items, s)
		}

		if s.PendingRejoinDeviceSession != nil && s.PendingRejoinDeviceSession.DevAddr == devAddr {
			items = append(items, *s.PendingRejoinDeviceSession)
		}
	}

	return items, nil
}

// GetDeviceSessionForPHYPayload returns the device-session matching the
// given PHYPayload. It fetches all device-sessions associated with the
// used DevAddr and decides which one to use based on FCnt and MIC.
func GetDeviceSessionForPHYPayload(ctx context.Context, p *redis.Pool, phy lorawan.PHYPayload, txDR, txCh int) (DeviceSession, error) {
	macPL, ok := phy.MACPayload.(*lorawan.MACPayload)
	if !ok {
		return DeviceSession{}, fmt.Errorf("expected *lorawan.MACPayload, got: %T", phy.MACPayload)
	}
	originalFCnt := macPL.FHDR.FCnt

	sessions, err := GetDeviceSessionsForDevAddr(ctx, p, macPL.FHDR.DevAddr)
	if err != nil {
		return DeviceSession{}, err
	}

	for _, s := range sessions {
		macPL.FHDR.FCnt = originalFCnt
		fullFCnt, ok := ValidateAndGetFullFCntUp(s, macPL.FHDR.FCnt)
		if !ok {
			if s.SkipFCntValidation {
				fullFCnt = macPL.FHDR.FCnt
				s.FCntUp = macPL.FHDR.FCnt
				s.UplinkHistory = []UplinkHistory{}

				micOK, err := phy.ValidateUplinkDataMIC(s.GetMACVersion(), s.ConfFCnt, uint8(txDR), uint8(txCh), s.FNwkSIntKey, s.SNwkSIntKey)
				if err != nil {
					return DeviceSession{}, errors.Wrap(err, "validate mic error")
				}

				if micOK {
					if err := SaveDeviceSession(ctx, p, s); err != nil {
						return DeviceSession{}, err
					}
					log.WithFields(log.Fields{
						"dev_addr": macPL.FHDR.DevAddr,
						"dev_eui":  s.DevEUI,
						"ctx_id":   ctx.Value(logging.ContextIDKey),
					}).Warning("frame counters reset")
					return s, nil
				}
			}
			continue
		}

		macPL.FHDR.FCnt = fullFCnt
		micOK, err := phy.ValidateUplinkDataMIC(s.GetMACVersion(), s.ConfFCnt, uint8(txDR), uint8(txCh), s.FNwkSIntKey, s.SNwkSIntKey)
		if err != nil {
			return DeviceSession{}, errors.Wrap(err, "validate mic error")
		}
		if micOK {
			return s, nil
		}
	}

	return DeviceSession{}, ErrDoesNotExistOrFCntOrMICInvalid
}

// SaveDeviceGatewayRXInfoSet saves the given DeviceGatewayRXInfoSet.
func SaveDeviceGatewayRXInfoSet(ctx context.Context, p *redis.Pool, rxInfoSet DeviceGatewayRXInfoSet) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&rxInfoSet); err != nil {
		return errors.Wrap(err, "gob encode error")
	}

	c := p.Get()
	defer c.Close()
	exp := int64(deviceSessionTTL / time.Millisecond)
	_, err := c.Do("PSETEX", fmt.Sprintf(deviceGatewayRXInfoSetKeyTempl, rxInfoSet.DevEUI), exp, buf.Bytes())
	if err != nil {
		return errors.Wrap(err, "psetex error")
	}

	log.WithFields(log.Fields{
		"dev_eui": rxInfoSet.DevEUI,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("device gateway rx-info meta-data saved")

	return nil
}

// DeleteDeviceGatewayRXInfoSet deletes the device gateway rx-info meta-data
// for the given Device EUI.
func DeleteDeviceGatewayRXInfoSet(ctx context.Context, p *redis.Pool, devEUI lorawan.EUI64) error {
	c := p.Get()
	defer c.Close()

	val, err := redis.Int(c.Do("DEL", fmt.Sprintf(deviceGatewayRXInfoSetKeyTempl, devEUI)))
	if err != nil {
		return errors.Wrap(err, "delete error")
	}
	if val == 0 {
		return ErrDoesNotExist
	}
	log.WithFields(log.Fields{
		"dev_eui": devEUI,
		"ctx_id":  ctx.Value(logging.ContextIDKey),
	}).Info("device gateway rx-info meta-data deleted")
	return nil
}

// GetDeviceGatewayRXInfoSet returns the DeviceGatewayRXInfoSet for the given
// Device EUI.
func GetDeviceGatewayRXInfoSet(ctx context.Context, p *redis.Pool, devEUI lorawan.EUI64) (DeviceGatewayRXInfoSet, error) {
	var out DeviceGatewayRXInfoSet

	c := p.Get()
	defer c.Close()

	val, err := redis.Bytes(c.Do("GET", fmt.Sprintf(deviceGatewayRXInfoSetKeyTempl, devEUI)))
	if err != nil {
		if err == redis.ErrNil {
			return DeviceGatewayRXInfoSet{}, ErrDoesNotExist
		}
		return DeviceGatewayRXInfoSet{}, errors.Wrap(err, "get error")
	}

	if err := gob.NewDecoder(bytes.NewReader(val)).Decode(&out); err != nil {
		return DeviceGatewayRXInfoSet{}, errors.Wrap(err, "gob decode error")
	}

	return out, nil
}

// GetDeviceGatewayRXInfoSetForDevEUIs returns the DeviceGatewayRXInfoSet
// objects for the given Device EUIs.
func GetDeviceGatewayRXInfoSetForDevEUIs(ctx context.Context, p *redis.Pool, devEUIs []lorawan.EUI64) ([]DeviceGatewayRXInfoSet, error) {
	if len(devEUIs) == 0 {
		return nil, nil
	}

	var keys []interface{}
	for _, d := range devEUIs {
		keys = append(keys, fmt.Sprintf(deviceGatewayRXInfoSetKeyTempl, d))
	}

	c := p.Get()
	defer c.Close()

	bs, err := redis.ByteSlices(c.Do("MGET", keys...))
	if err != nil {
		return nil, errors.Wrap(err, "get byte slices error")
	}

	var out []DeviceGatewayRXInfoSet
	for _, b := range bs {
		if len(b) == 0 {
			continue
		}

		var rxInfoSet DeviceGatewayRXInfoSet
		if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&rxInfoSet); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"ctx_id": ctx.Value(logging.ContextIDKey),
			}).Error("gob decode error")
			continue
		}

		out = append(out, rxInfoSet)
	}

	return out, nil
}

const deviceSessionLockKeyTempl = "lora:ns:device:%s:lock"

// GetDeviceSessionLock claims an exclusive, short-lived lock for the given
// DevEUI, so the uplink data handler and the downlink scheduler never race
// on the same device-session. It returns false (without error) when the
// lock is already held.
func GetDeviceSessionLock(ctx context.Context, p *redis.Pool, devEUI lorawan.EUI64, duration time.Duration) (bool, error) {
	c := p.Get()
	defer c.Close()

	v, err := redis.String(c.Do("SET", fmt.Sprintf(deviceSessionLockKeyTempl, devEUI), "1", "PX", int64(duration/time.Millisecond), "NX"))
	if err != nil {
		if err == redis.ErrNil {
			return false, nil
		}
		return false, errors.Wrap(err, "set lock error")
	}

	return v == "OK", nil
}

// ReleaseDeviceSessionLock releases the lock claimed by GetDeviceSessionLock.
func ReleaseDeviceSessionLock(ctx context.Context, p *redis.Pool, devEUI lorawan.EUI64) error {
	c := p.Get()
	defer c.Close()

	_, err := c.Do("DEL", fmt.Sprintf(deviceSessionLockKeyTempl, devEUI))
	if err != nil {
		return errors.Wrap(err, "del lock error")
	}
	return nil
}
