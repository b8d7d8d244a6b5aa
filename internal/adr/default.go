package adr

import (
	"math"
)

// DefaultAlgorithm implements the standard LoRaWAN ADR algorithm described
// in spec §4.7: SNR-margin-driven DR/TxPower steps plus a packet-loss
// driven NbTrans table.
type DefaultAlgorithm struct{}

// ID implements Algorithm.
func (a *DefaultAlgorithm) ID() string { return "default" }

// Name implements Algorithm.
func (a *DefaultAlgorithm) Name() string { return "Default ADR algorithm" }

// HistoryWindowSize is the number of uplink history entries the algorithm
// expects to have available before it permits a negative-step (power
// increase) decision.
const HistoryWindowSize = 20

// nbTransTable maps (loss-bucket, current NbTrans - 1) -> new NbTrans.
// Loss buckets: <5%, <10%, <30%, >=30%.
var nbTransTable = [4][3]uint8{
	{1, 1, 2},
	{1, 2, 3},
	{2, 3, 3},
	{3, 3, 3},
}

// Handle implements Algorithm.
func (a *DefaultAlgorithm) Handle(req Request) (Response, error) {
	resp := Response{
		DR:           req.DR,
		TXPowerIndex: req.TXPowerIndex,
		NbTrans:      req.NbTrans,
	}
	if resp.NbTrans == 0 {
		resp.NbTrans = 1
	}

	if !req.ADR {
		return resp, nil
	}

	if req.DR > req.MaxDR {
		resp.DR = req.MaxDR
	}

	resp.NbTrans = nbTransForLossRate(lossRate(req.UplinkHistory), resp.NbTrans)

	if len(req.UplinkHistory) == 0 {
		return resp, nil
	}

	var maxSNR float64 = -math.MaxFloat64
	for _, h := range req.UplinkHistory {
		if h.MaxSNR > maxSNR {
			maxSNR = h.MaxSNR
		}
	}

	margin := maxSNR - req.RequiredSNRForDR - req.InstallationMargin
	nStep := int(math.Floor(margin / 3))

	if nStep > 0 {
		resp.DR, nStep = stepUpDR(resp.DR, req.MaxDR, nStep)
		resp.TXPowerIndex, nStep = stepDownTXPowerIndex(resp.TXPowerIndex, req.MaxTXPowerIndex, nStep)
		return resp, nil
	}

	if nStep < 0 {
		if !fullHistoryOfIdenticalTXPowerIndex(req.UplinkHistory, req.TXPowerIndex) {
			// anti-oscillation: a partially-filled (or mixed) history must
			// not be treated as grounds for raising TX power.
			return resp, nil
		}
		resp.TXPowerIndex = stepUpTXPowerIndex(resp.TXPowerIndex, req.MaxTXPowerIndex, -nStep)
	}

	return resp, nil
}

// stepUpDR raises dr by up to nStep steps, capped at maxDR, and returns the
// number of steps still unconsumed (to be applied to TX power).
func stepUpDR(dr, maxDR, nStep int) (int, int) {
	for nStep > 0 && dr < maxDR {
		dr++
		nStep--
	}
	return dr, nStep
}

// stepDownTXPowerIndex lowers TX power (raises the index) by up to nStep
// steps, capped at maxTXPowerIndex, and returns the number of steps still
// unconsumed.
func stepDownTXPowerIndex(txPowerIndex, maxTXPowerIndex, nStep int) (int, int) {
	for nStep > 0 && txPowerIndex < maxTXPowerIndex {
		txPowerIndex++
		nStep--
	}
	return txPowerIndex, nStep
}

// stepUpTXPowerIndex raises TX power (lowers the index) by up to nStep
// steps, clamped at 0.
func stepUpTXPowerIndex(txPowerIndex, maxTXPowerIndex int, nStep int) int {
	for i := 0; i < nStep && txPowerIndex > 0; i++ {
		txPowerIndex--
	}
	if txPowerIndex > maxTXPowerIndex {
		txPowerIndex = maxTXPowerIndex
	}
	return txPowerIndex
}

// lossRate derives the packet-loss percentage from FCnt gaps within the
// history window.
func lossRate(history []UplinkHistoryEntry) float64 {
	if len(history) < 2 {
		return 0
	}

	var lost uint32
	for i := 1; i < len(history); i++ {
		gap := history[i].FCnt - history[i-1].FCnt
		if gap > 1 {
			lost += gap - 1
		}
	}

	return float64(lost) / float64(len(history)) * 100
}

func nbTransForLossRate(lossPct float64, currentNbTrans uint8) uint8 {
	var bucket int
	switch {
	case lossPct < 5:
		bucket = 0
	case lossPct < 10:
		bucket = 1
	case lossPct < 30:
		bucket = 2
	default:
		bucket = 3
	}

	col := int(currentNbTrans) - 1
	if col < 0 {
		col = 0
	}
	if col > 2 {
		col = 2
	}

	return nbTransTable[bucket][col]
}

// fullHistoryOfIdenticalTXPowerIndex reports whether history is a complete
// (HistoryWindowSize-entry) window, all entries recorded at the same
// TXPowerIndex. A partially filled window never qualifies (spec §9 open
// question).
func fullHistoryOfIdenticalTXPowerIndex(history []UplinkHistoryEntry, txPowerIndex int) bool {
	if len(history) < HistoryWindowSize {
		return false
	}
	for _, h := range history {
		if h.TXPowerIndex != txPowerIndex {
			return false
		}
	}
	return true
}
