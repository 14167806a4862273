package udpeng

// Algo selects which rate-search algorithm drives index adjustment.
type Algo uint8

// Algorithm identifiers, mirroring wire.AlgoB/wire.AlgoC.
const (
	AlgoB Algo = iota
	AlgoC
)

// hsDeltaBackup multiplies HighSpeedDelta for the large backoff applied
// the first time bad conditions are seen below the high-speed threshold
// (the original's HS_DELTA_BACKUP).
const hsDeltaBackup = 3

// retryThreshInit and retryThreshIncrement seed and grow Algorithm C's
// retry threshold (the original's RETRY_THRESH_ALGOC and its growth step).
const (
	retryThreshInit      = 2
	retryThreshIncrement = 2
)

// RateAdjustParams are the per-cycle inputs to Adjust, all sourced from
// the connection's negotiated parameters and the current cycle's
// feedback (spec §4.8).
type RateAdjustParams struct {
	Algo               Algo
	Index              int
	HighSpeedThreshold int
	TableLen           int

	Errors uint64 // sequence-error total for the cycle
	Delay  uint32 // latest RTT sample or average one-way delay variation, per mode

	SeqErrThresh   uint64
	LowThresh      uint32
	UpperThresh    uint32
	HighSpeedDelta int

	// Static, when true, holds Index regardless of feedback (spec §4.8
	// "static mode": configured sr-index neither auto nor starting point).
	Static bool
}

// RateAdjustState carries the mutable per-connection state that persists
// across Adjust calls: slow-adjust counter (Algorithm B), and Algorithm
// C's alternate-cycle toggle plus retry bookkeeping.
type RateAdjustState struct {
	SlowAdjCount  int
	SlowAdjThresh int

	algoCUpdate     bool // toggles each good cycle; only true half double
	algoCRetryCount int
	algoCRetryThresh int
}

// NewRateAdjustState returns a state initialized for a test with the given
// slow-adjust threshold, its retry threshold seeded per
// retryThreshInit (Algorithm C only consults it when selected).
func NewRateAdjustState(slowAdjThresh int) *RateAdjustState {
	return &RateAdjustState{
		SlowAdjThresh:    slowAdjThresh,
		algoCRetryThresh: retryThreshInit,
	}
}

// good reports whether a cycle's feedback counts as "clean" for the
// purposes of both algorithms: errors within threshold and delay below
// the low mark.
func good(p RateAdjustParams) bool {
	return p.Errors <= p.SeqErrThresh && p.Delay < p.LowThresh
}

// bad reports whether a cycle's feedback crosses into backoff territory:
// errors over threshold or delay over the upper mark.
func bad(p RateAdjustParams) bool {
	return p.Errors > p.SeqErrThresh || p.Delay > p.UpperThresh
}

func clampIndex(idx, tableLen int) int {
	if idx < 0 {
		return 0
	}
	if idx >= tableLen {
		return tableLen - 1
	}
	return idx
}

// Adjust runs one rate-search cycle and returns the next index, per spec
// §4.8 and the original's adjust_sending_rate(). s is mutated in place.
func Adjust(p RateAdjustParams, s *RateAdjustState) int {
	if p.Static {
		return p.Index
	}
	switch p.Algo {
	case AlgoC:
		return adjustC(p, s)
	default:
		return adjustB(p, s)
	}
}

// adjustB implements Algorithm B: additive/threshold-based, with
// high-speed-delta jumps while below the high-speed threshold and a
// slow-adjust counter gating those jumps.
func adjustB(p RateAdjustParams, s *RateAdjustState) int {
	idx := p.Index
	switch {
	case good(p):
		if idx < p.HighSpeedThreshold && s.SlowAdjCount < s.SlowAdjThresh {
			step := p.HighSpeedDelta
			if room := p.HighSpeedThreshold - idx; step > room {
				step = room
			}
			idx += step
			s.SlowAdjCount = 0
		} else {
			idx++
		}
	case bad(p):
		s.SlowAdjCount++
		if idx < p.HighSpeedThreshold && s.SlowAdjCount == s.SlowAdjThresh {
			idx -= p.HighSpeedDelta * hsDeltaBackup
			if idx < 0 {
				idx = 0
			}
		} else {
			idx--
		}
	default:
		// hold
	}
	return clampIndex(idx, p.TableLen)
}

// adjustC implements Algorithm C: multiplicative doubling below the
// high-speed threshold (only every other good cycle, via algoCUpdate),
// unit growth with retry escalation above it, and backoff with a
// retry-counter escape back into fast ramp on bad cycles.
func adjustC(p RateAdjustParams, s *RateAdjustState) int {
	idx := p.Index
	switch {
	case good(p):
		if idx < p.HighSpeedThreshold && s.SlowAdjCount < s.SlowAdjThresh {
			if s.algoCUpdate {
				doubled := idx * 2
				if doubled > p.HighSpeedThreshold {
					doubled = p.HighSpeedThreshold
				}
				if doubled <= idx {
					doubled = idx + 1
				}
				idx = doubled
			}
			s.algoCUpdate = !s.algoCUpdate
			s.SlowAdjCount = 0 // reset congestion detection counter
		} else {
			idx++
			s.algoCRetryCount++
			if s.algoCRetryCount >= s.algoCRetryThresh {
				s.SlowAdjCount = 0
				s.algoCRetryCount = 0
				s.algoCRetryThresh += retryThreshIncrement
			}
		}
	case bad(p):
		if idx < p.HighSpeedThreshold {
			idx -= p.HighSpeedDelta * hsDeltaBackup
			if idx < 0 {
				idx = 0
			}
		} else {
			idx--
			s.algoCRetryCount++
			if s.algoCRetryCount >= s.algoCRetryThresh {
				idx = p.HighSpeedThreshold - 1
				if idx < 0 {
					idx = 0
				}
				s.algoCRetryCount = 0
			}
		}
	default:
		// hold
	}
	return clampIndex(idx, p.TableLen)
}
