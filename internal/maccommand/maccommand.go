// Package maccommand implements the MAC-command engine (spec §4.6): a
// registry keyed by CID, pending-block discipline against the session's
// PendingMACCommands, and the NewChannelReq channel-reconciliation diff.
package maccommand

import (
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/brocaar/chirpstack-network-server/internal/band"
	"github.com/brocaar/chirpstack-network-server/internal/storage"
	"github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// Block is a set of MAC commands to be queued in a single downlink (FOpts
// or FPort=0 FRMPayload, the builder decides which).
type Block []lorawan.MACCommand

// Handle processes the MAC commands found in an uplink frame (FOpts and/or
// FPort=0 FRMPayload), reconciles them against the session's pending block,
// and returns the response block to schedule on this frame's downlink.
//
// The downlink id the pending block was flushed under is not consulted:
// answers are matched against the stored block by CID only.
func Handle(s *storage.DeviceSession, cmds []lorawan.MACCommand) (Block, error) {
	pending := indexPending(s)

	for _, cmd := range cmds {
		if err := handleAnswer(s, pending, cmd); err != nil {
			log.WithFields(log.Fields{
				"cid": cmd.CID,
			}).WithError(err).Warning("maccommand: handle answer error")
		}
	}

	// Anything left in pending was not answered in this frame: count it as
	// an un-acked retransmission attempt.
	for cid := range pending {
		s.IncrementMACCommandErrorCount(cid)
	}
	s.PendingMACCommands = nil

	return buildRequests(s), nil
}

// indexPending groups the session's pending commands by CID, so multi-CID
// blocks (e.g. LinkADRReq sent alongside NewChannelReq) can each be matched
// against their own answer independently.
func indexPending(s *storage.DeviceSession) map[lorawan.CID][]storage.PendingMACCommand {
	out := make(map[lorawan.CID][]storage.PendingMACCommand)
	for _, p := range s.PendingMACCommands {
		out[p.CID] = append(out[p.CID], p)
	}
	return out
}

// handleAnswer reconciles one answer MAC command against the pending
// commands of the same CID, clearing the error counter on a positive ack.
func handleAnswer(s *storage.DeviceSession, pending map[lorawan.CID][]storage.PendingMACCommand, ans lorawan.MACCommand) error {
	reqs, ok := pending[ans.CID]
	if !ok {
		// unsolicited answer, nothing pending for this CID: drop it.
		return nil
	}
	delete(pending, ans.CID)

	switch ans.CID {
	case lorawan.LinkADRAns:
		p, ok := ans.Payload.(*lorawan.LinkADRAnsPayload)
		if !ok {
			return errors.New("expected *LinkADRAnsPayload")
		}
		if p.ChannelMaskACK && p.DataRateACK && p.PowerACK {
			s.ResetMACCommandErrorCount(lorawan.LinkADRAns)
			applyLinkADRReq(s, reqs)
		} else {
			s.IncrementMACCommandErrorCount(lorawan.LinkADRAns)
		}

	case lorawan.NewChannelAns:
		p, ok := ans.Payload.(*lorawan.NewChannelAnsPayload)
		if !ok {
			return errors.New("expected *NewChannelAnsPayload")
		}
		if p.ChannelFrequencyOK && p.DataRateRangeOK {
			s.ResetMACCommandErrorCount(lorawan.NewChannelAns)
		} else {
			s.IncrementMACCommandErrorCount(lorawan.NewChannelAns)
		}

	case lorawan.RXTimingSetupAns:
		s.ResetMACCommandErrorCount(lorawan.RXTimingSetupAns)

	case lorawan.TXParamSetupAns:
		s.ResetMACCommandErrorCount(lorawan.TXParamSetupAns)

	case lorawan.DevStatusAns:
		if _, ok := ans.Payload.(*lorawan.DevStatusAnsPayload); !ok {
			return errors.New("expected *DevStatusAnsPayload")
		}
		s.ResetMACCommandErrorCount(lorawan.DevStatusAns)
	}

	return nil
}

// applyLinkADRReq commits a LinkADRReq's channel mask / redundancy onto the
// session once the matching LinkADRAns acked it.
func applyLinkADRReq(s *storage.DeviceSession, reqs []storage.PendingMACCommand) {
	for _, pm := range reqs {
		var cmd lorawan.MACCommand
		if err := cmd.UnmarshalBinary(false, pm.Payload); err != nil {
			continue
		}
		p, ok := cmd.Payload.(*lorawan.LinkADRReqPayload)
		if !ok {
			continue
		}

		s.DR = int(p.DataRate)
		s.TXPowerIndex = int(p.TXPower)
		if p.Redundancy.NbRep > 0 {
			s.NbTrans = p.Redundancy.NbRep
		}

		var enabled []int
		for i, on := range p.ChMask {
			if on {
				enabled = append(enabled, i)
			}
		}
		if len(enabled) > 0 {
			s.EnabledUplinkChannels = enabled
		}
	}
}

// buildRequests builds the response block for this frame's downlink: the
// NewChannelReq diff, if the enabled channel set needs reconciling. It
// does not modify the session; the downlink builder stores the block as
// the new pending block when it flushes the downlink.
func buildRequests(s *storage.DeviceSession) Block {
	var block Block

	for _, cmd := range NewChannelReqDiff(s, band.Band()) {
		block = append(block, cmd)
	}

	return block
}

// NewChannelReqDiff computes `wanted - current` over channel index ->
// {frequency, DR range} and returns one NewChannelReq per differing index,
// capped at maxChannelsPerFrame (spec §4.6).
func NewChannelReqDiff(s *storage.DeviceSession, b loraband.Band) []lorawan.MACCommand {
	const maxChannelsPerFrame = 3

	wanted := wantedChannels(b)
	current := currentChannels(s)

	indices := make(map[int]bool)
	for i := range wanted {
		indices[i] = true
	}
	for i := range current {
		indices[i] = true
	}

	var sorted []int
	for i := range indices {
		if i >= 3 { // indices 0-2 are the region's mandatory channels, never reconfigured
			sorted = append(sorted, i)
		}
	}
	sort.Ints(sorted)

	var out []lorawan.MACCommand
	for _, i := range sorted {
		w, wantOK := wanted[i]
		c, curOK := current[i]

		if wantOK && !curOk(curOK, c, w) {
			out = append(out, lorawan.MACCommand{
				CID: lorawan.NewChannelReq,
				Payload: &lorawan.NewChannelReqPayload{
					ChIndex: uint8(i),
					Freq:    uint32(w.Frequency),
					MinDR:   uint8(w.MinDR),
					MaxDR:   uint8(w.MaxDR),
				},
			})
		}

		if len(out) >= maxChannelsPerFrame {
			break
		}
	}

	return out
}

func curOk(exists bool, c, w loraband.Channel) bool {
	return exists && c.Frequency == w.Frequency && c.MinDR == w.MinDR && c.MaxDR == w.MaxDR
}

func wantedChannels(b loraband.Band) map[int]loraband.Channel {
	out := make(map[int]loraband.Channel)
	for _, i := range b.GetUplinkChannelIndices() {
		ch, err := b.GetUplinkChannel(i)
		if err != nil {
			continue
		}
		out[i] = ch
	}
	return out
}

func currentChannels(s *storage.DeviceSession) map[int]loraband.Channel {
	out := make(map[int]loraband.Channel)
	for i, ch := range s.ExtraUplinkChannels {
		out[i] = ch
	}
	return out
}

// RequestDevStatus returns a DevStatusReq MAC command.
func RequestDevStatus() lorawan.MACCommand {
	return lorawan.MACCommand{CID: lorawan.DevStatusReq}
}

// RequestRXTimingSetup returns an RXTimingSetupReq for the given delay
// (seconds, 0 meaning the default 1 s).
func RequestRXTimingSetup(delaySeconds uint8) lorawan.MACCommand {
	return lorawan.MACCommand{
		CID:     lorawan.RXTimingSetupReq,
		Payload: &lorawan.RXTimingSetupReqPayload{Delay: delaySeconds},
	}
}

// RequestTXParamSetup returns a TXParamSetupReq, only meaningful for
// regions that implement it (AS923 family).
func RequestTXParamSetup(uplinkDwellTime, downlinkDwellTime lorawan.DwellTime, maxEIRP uint8) lorawan.MACCommand {
	return lorawan.MACCommand{
		CID: lorawan.TXParamSetupReq,
		Payload: &lorawan.TXParamSetupReqPayload{
			UplinkDwellTime:   uplinkDwellTime,
			DownlinkDwelltime: downlinkDwellTime,
			MaxEIRP:           maxEIRP,
		},
	}
}

// RequestLinkADR returns a LinkADRReq for the given DR/TXPower/NbTrans and
// enabled-channel mask.
func RequestLinkADR(dr, txPower int, nbTrans uint8, enabledChannels []int) lorawan.MACCommand {
	var chMask lorawan.ChMask
	for _, c := range enabledChannels {
		if c >= 0 && c < len(chMask) {
			chMask[c] = true
		}
	}

	return lorawan.MACCommand{
		CID: lorawan.LinkADRReq,
		Payload: &lorawan.LinkADRReqPayload{
			DataRate: uint8(dr),
			TXPower:  uint8(txPower),
			ChMask:   chMask,
			Redundancy: lorawan.Redundancy{
				NbRep: nbTrans,
			},
		},
	}
}

// SizeOfBlock returns the marshaled byte size of the given block, used by
// the downlink builder to decide whether it fits in FOpts (max 15 bytes)
// or must go in FRMPayload with FPort=0.
func SizeOfBlock(b Block) (int, error) {
	var n int
	for _, cmd := range b {
		raw, err := cmd.MarshalBinary()
		if err != nil {
			return 0, errors.Wrap(err, "marshal mac command error")
		}
		n += len(raw)
	}
	return n, nil
}

// FlushPending stores block as the session's pending MAC block, keyed by
// downlinkID, ready to be reconciled against the next uplink's answers
// (spec §4.6 pending-command discipline).
func FlushPending(s *storage.DeviceSession, downlinkID uint32, b Block) error {
	var pending []storage.PendingMACCommand
	for _, cmd := range b {
		if s.MACCommandBlocked(cmd.CID) {
			continue
		}

		raw, err := cmd.MarshalBinary()
		if err != nil {
			return errors.Wrap(err, "marshal mac command error")
		}
		pending = append(pending, storage.PendingMACCommand{CID: cmd.CID, Payload: raw})
	}

	s.PendingMACCommands = pending
	s.PendingMACCommandsDownlinkID = downlinkID
	return nil
}
