package udpeng

// Per-layer overhead added to the declared UDP payload size to derive
// Mbps at each protocol layer (spec §4.9 "using the appropriate fixed
// overhead per layer, plus the IPv6 delta").
const (
	l4Overhead = 8          // UDP header
	l3Overhead = 20         // IPv4 header (add ipv6Delta under IPv6)
	l2Overhead = 14         // Ethernet header
	l1Overhead = 20         // preamble + IFG
	ipv6Delta  = 20
)

// SubIntervalRecord is one sub-interval's merged statistics across all
// member connections of an aggregate connection (spec §4.9, §3 "Test
// Summary").
type SubIntervalRecord struct {
	SeqNo         uint32
	DeltaTimeMs   uint32
	RxDatagrams   uint64
	RxBytes       uint64
	Loss          uint64
	Ooo           uint64
	Dup           uint64
	DelayVarMin   uint32
	DelayVarMax   uint32
	DelayVarSum   uint64
	DelayVarCnt   uint32
	RttMin        uint32
	RttMax        uint32
	ClockDeltaMin uint32

	RateL3Mbps float64
	RateL2Mbps float64
	RateL1Mbps float64
	RateL0Mbps float64
}

// Summary accumulates running sums across all sub-intervals of a test,
// plus the bimodal maximum tracking of spec §4.9.
type Summary struct {
	Records []SubIntervalRecord

	Delivered uint64
	Lost      uint64
	Ooo       uint64
	Dup       uint64

	DelayVarMin uint32
	delayVarSum uint64
	delayVarCnt uint64
	DelayVarMax uint32

	RttMin uint32
	RttMax uint32

	// Bimodal splits the test into a first segment of BimodalSplit
	// sub-intervals and a remainder segment, each with its own at-max
	// snapshot (spec §4.9 "bimodal mode").
	Bimodal      bool
	BimodalSplit int
	MaxSegment1  *SubIntervalRecord
	MaxSegment2  *SubIntervalRecord
}

const sentinelDelay = ^uint32(0)

// NewSummary returns a Summary ready to accumulate records. When bimodal is
// true, split sets the sub-interval count boundary between the two
// segments.
func NewSummary(bimodal bool, split int) *Summary {
	return &Summary{
		DelayVarMin:  sentinelDelay,
		RttMin:       sentinelDelay,
		Bimodal:      bimodal,
		BimodalSplit: split,
	}
}

// Merge folds one sub-interval's cross-connection merge into the running
// summary and updates the bimodal maximum snapshots.
func (s *Summary) Merge(rec SubIntervalRecord) {
	s.Records = append(s.Records, rec)

	s.Delivered += rec.RxDatagrams
	s.Lost += rec.Loss
	s.Ooo += rec.Ooo
	s.Dup += rec.Dup

	if rec.DelayVarCnt > 0 {
		if rec.DelayVarMin < s.DelayVarMin {
			s.DelayVarMin = rec.DelayVarMin
		}
		if rec.DelayVarMax > s.DelayVarMax {
			s.DelayVarMax = rec.DelayVarMax
		}
		s.delayVarSum += rec.DelayVarSum
		s.delayVarCnt += uint64(rec.DelayVarCnt)
	}
	if rec.RttMin > 0 && (s.RttMin == sentinelDelay || rec.RttMin < s.RttMin) {
		s.RttMin = rec.RttMin
	}
	if rec.RttMax > s.RttMax {
		s.RttMax = rec.RttMax
	}

	seg := 1
	if s.Bimodal && len(s.Records) > s.BimodalSplit {
		seg = 2
	}
	s.updateMax(seg, rec)
}

func (s *Summary) updateMax(seg int, rec SubIntervalRecord) {
	slot := &s.MaxSegment1
	if seg == 2 {
		slot = &s.MaxSegment2
	}
	if *slot == nil || rec.RateL3Mbps > (*slot).RateL3Mbps {
		r := rec
		*slot = &r
	}
}

// DelayVarAvg returns the mean delay-variation sample across the whole
// test, or 0 if no samples were recorded.
func (s *Summary) DelayVarAvg() float64 {
	if s.delayVarCnt == 0 {
		return 0
	}
	return float64(s.delayVarSum) / float64(s.delayVarCnt)
}

// MeanRateL3Mbps returns the average L3 Mbps across all recorded
// sub-intervals, or 0 if none were recorded.
func (s *Summary) MeanRateL3Mbps() float64 {
	if len(s.Records) == 0 {
		return 0
	}
	var sum float64
	for _, r := range s.Records {
		sum += r.RateL3Mbps
	}
	return sum / float64(len(s.Records))
}

// RateMbps computes L3/L2/L1/L0 Mbps from a datagram/byte count over a
// duration. bytes is the sum of declared UDP payload sizes; the UDP/IP
// header overhead (plus the IPv6 delta when v6) is added per datagram here.
func RateMbps(datagrams, bytes uint64, deltaMs uint32, v6 bool) (l3, l2, l1, l0 float64) {
	if deltaMs == 0 {
		return 0, 0, 0, 0
	}
	secs := float64(deltaMs) / 1000.0
	extra := uint64(0)
	if v6 {
		extra = ipv6Delta
	}
	l3Bytes := bytes + datagrams*(l4Overhead+l3Overhead+extra)
	l2Bytes := l3Bytes + datagrams*l2Overhead
	l1Bytes := l2Bytes + datagrams*l1Overhead
	l0Bytes := l1Bytes // L0 (line rate) adds no further Ethernet framing beyond L1 in this model

	mbps := func(b uint64) float64 { return float64(b) * 8 / secs / 1e6 }
	return mbps(l3Bytes), mbps(l2Bytes), mbps(l1Bytes), mbps(l0Bytes)
}
