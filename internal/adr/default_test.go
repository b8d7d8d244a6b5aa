package adr

import "testing"

func historyOf(n int, txPowerIndex int, maxSNR float64) []UplinkHistoryEntry {
	var out []UplinkHistoryEntry
	for i := 0; i < n; i++ {
		out = append(out, UplinkHistoryEntry{
			FCnt:         uint32(i),
			MaxSNR:       maxSNR,
			TXPowerIndex: txPowerIndex,
			GatewayCount: 1,
		})
	}
	return out
}

// Class-A data uplink + ADR step up (spec §8 scenario 2).
func TestDefaultAlgorithmStepUp(t *testing.T) {
	algo := &DefaultAlgorithm{}

	req := Request{
		ADR:                true,
		DR:                  0,
		TXPowerIndex:        0,
		NbTrans:             1,
		MaxDR:               5,
		MaxTXPowerIndex:     7,
		RequiredSNRForDR:    -20,
		InstallationMargin:  10,
		UplinkHistory:       historyOf(HistoryWindowSize, 0, -5),
	}

	resp, err := algo.Handle(req)
	if err != nil {
		t.Fatal(err)
	}

	if resp.DR != 1 {
		t.Errorf("expected DR 1, got %d", resp.DR)
	}
	if resp.TXPowerIndex != 0 {
		t.Errorf("expected TXPowerIndex 0, got %d", resp.TXPowerIndex)
	}
	if resp.NbTrans != 1 {
		t.Errorf("expected NbTrans 1, got %d", resp.NbTrans)
	}
}

// For n_step >= 0, DR after the call must be >= DR before (spec §8).
func TestDefaultAlgorithmDRNeverDecreasesOnPositiveMargin(t *testing.T) {
	algo := &DefaultAlgorithm{}

	req := Request{
		ADR:                true,
		DR:                  2,
		TXPowerIndex:        3,
		NbTrans:             1,
		MaxDR:               5,
		MaxTXPowerIndex:     7,
		RequiredSNRForDR:    -15,
		InstallationMargin:  5,
		UplinkHistory:       historyOf(HistoryWindowSize, 3, 0),
	}

	resp, err := algo.Handle(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.DR < req.DR {
		t.Errorf("DR decreased: before=%d after=%d", req.DR, resp.DR)
	}
}

// Negative margin: DR must never decrease, and a partially-filled history
// must not trigger a TX power increase (anti-oscillation, spec §9).
func TestDefaultAlgorithmAntiOscillationPartialHistory(t *testing.T) {
	algo := &DefaultAlgorithm{}

	req := Request{
		ADR:                true,
		DR:                  3,
		TXPowerIndex:        2,
		NbTrans:             1,
		MaxDR:               5,
		MaxTXPowerIndex:     7,
		RequiredSNRForDR:    0,
		InstallationMargin:  10,
		// Only 5 entries: not a full 20-entry window.
		UplinkHistory: historyOf(5, 2, -25),
	}

	resp, err := algo.Handle(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.DR != req.DR {
		t.Errorf("DR must not change on negative margin, before=%d after=%d", req.DR, resp.DR)
	}
	if resp.TXPowerIndex != req.TXPowerIndex {
		t.Errorf("partial history must not raise TX power, before=%d after=%d", req.TXPowerIndex, resp.TXPowerIndex)
	}
}

// Negative margin with a full, identical-TXPowerIndex history: TX power may
// rise (index decreases), clamped at 0, and DR must still not change.
func TestDefaultAlgorithmNegativeStepFullHistory(t *testing.T) {
	algo := &DefaultAlgorithm{}

	req := Request{
		ADR:                true,
		DR:                  3,
		TXPowerIndex:        2,
		NbTrans:             1,
		MaxDR:               5,
		MaxTXPowerIndex:     7,
		RequiredSNRForDR:    0,
		InstallationMargin:  10,
		UplinkHistory:       historyOf(HistoryWindowSize, 2, -25),
	}

	resp, err := algo.Handle(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.DR != req.DR {
		t.Errorf("DR must not change on negative margin, before=%d after=%d", req.DR, resp.DR)
	}
	if resp.TXPowerIndex >= req.TXPowerIndex {
		t.Errorf("expected TXPowerIndex to decrease, before=%d after=%d", req.TXPowerIndex, resp.TXPowerIndex)
	}
	if resp.TXPowerIndex < 0 {
		t.Errorf("TXPowerIndex must be clamped at 0, got %d", resp.TXPowerIndex)
	}
}
