package udpeng

import (
	"time"

	"github.com/dantte-lp/udpcap/internal/clock"
	"github.com/dantte-lp/udpcap/internal/wire"
)

// TrafficTimeout is the end-time watchdog refresh window (spec §5 "≈5s").
const TrafficTimeout = 5 * time.Second

// ServiceLoadPDU implements spec §4.7 steps 1-9 for one arriving Load PDU.
// RTT is sampled from the status-PDU timing echoed in p; csv, if non-nil,
// receives one export line.
func (c *Connection) ServiceLoadPDU(p wire.LoadPDU, now time.Time, v6 bool, csv func(CSVLine)) {
	// Step 2: peer stop handling.
	if wire.TestAction(p.TestAction) != wire.TestActionTest {
		c.RemoteTestAction = TestAction(p.TestAction)
	}

	// Step 3: refresh end-time watchdog.
	c.RefreshEndTime(now, TrafficTimeout)

	// Step 4: rx-stopped / status-loss rising edges.
	rxStopped := p.RxStopped != 0
	if rxStopped && !c.Counters.RemoteRxStopped && c.Warned.Allow() {
		c.WarningCount++
	}
	c.Counters.RemoteRxStopped = rxStopped
	statusLoss := p.SpduSeqErr > 0
	if statusLoss && !c.Counters.RemoteStatusLoss && c.Warned.Allow() {
		c.WarningCount++
	}
	c.Counters.RemoteStatusLoss = statusLoss

	// Step 5: byte/datagram counters using the declared payload size.
	c.Counters.TiRxDatagrams++
	c.Counters.TiRxBytes += uint64(p.UDPPayload)

	// Step 6: sequence classification.
	class := c.Counters.Seq.Observe(p.LpduSeqNo)

	// Step 7: one-way delay.
	sendTime := clock.FromWireTime(p.LpduTimeSec, p.LpduTimeNsec)
	c.Counters.ObserveOneWayDelay(now.Sub(sendTime))

	// Step 8: RTT sampling via echoed status-PDU send time.
	statusEcho := clock.FromWireTime(p.SpduTimeSec, p.SpduTimeNsec)
	if !statusEcho.IsZero() {
		rtt := now.Sub(statusEcho) - time.Duration(p.RttRespDelay)*time.Millisecond
		c.Counters.ObserveRTT(rtt)
	}

	// Step 9: optional CSV export.
	if csv != nil {
		csv(CSVLine{
			SeqNo:        p.LpduSeqNo,
			Payload:      p.UDPPayload,
			SrcTxTime:    sendTime,
			DstRxTime:    now,
			OWD:          now.Sub(sendTime),
			RTTTxTime:    statusEcho,
			RTTRxTime:    now,
			RTTRespDelay: time.Duration(p.RttRespDelay) * time.Millisecond,
			RTT:          time.Duration(c.Counters.RttSample) * time.Millisecond,
			StatusLoss:   p.SpduSeqErr,
			SeqClass:     class,
		})
	}
}

// CSVLine is one per-datagram export record (spec §6 "Per-datagram
// export"). IntfMbps is left for the caller to fill in from a sysfs
// byte-counter sample, since this package has no interface-counter
// access.
type CSVLine struct {
	SeqNo        uint32
	Payload      uint32
	SrcTxTime    time.Time
	DstRxTime    time.Time
	OWD          time.Duration
	IntfMbps     float64
	RTTTxTime    time.Time
	RTTRxTime    time.Time
	RTTRespDelay time.Duration
	RTT          time.Duration
	StatusLoss   uint32
	SeqClass     SeqClass
}

// EmitStatusPDU snapshots the connection's live counters into a wire
// status PDU and resets the per-trial-interval counters (but not lifetime
// minima), per spec §4.7 "Per outgoing status PDU".
func (c *Connection) EmitStatusPDU(now time.Time) wire.StatusPDU {
	c.SpduSeqNo++
	sec, nsec := clock.WireTime(now)

	p := wire.StatusPDU{
		TestAction:    uint8(c.TestAction),
		RxStopped:     boolToUint8(c.Counters.RemoteRxStopped),
		SpduSeqNo:     c.SpduSeqNo,
		SubIntSeqNo:   c.SubIntSeq,
		Saved:         statusSavedWire(c.Saved),
		SeqErrLoss:    uint32(c.Counters.Seq.Loss),
		SeqErrOoo:     uint32(c.Counters.Seq.Ooo),
		SeqErrDup:     uint32(c.Counters.Seq.Dup),
		ClockDeltaMin: c.Counters.ClockDeltaMin,
		DelayVarMin:   c.Counters.DelayVarMin,
		DelayVarMax:   c.Counters.DelayVarMax,
		DelayVarSum:   c.Counters.DelayVarSum,
		DelayVarCnt:   c.Counters.DelayVarCnt,
		RttMinimum:    c.Counters.RttMinimum,
		RttSample:     c.Counters.RttSample,
		TiDeltaTime:   uint32(c.Counters.TiDeltaTime.Milliseconds()),
		TiRxDatagrams: uint32(c.Counters.TiRxDatagrams),
		TiRxBytes:     c.Counters.TiRxBytes,
		SendTimeSec:   sec,
		SendTimeNsec:  nsec,
	}
	if c.RateTable != nil {
		p.SendingRate = wire.FromRow(c.RateTable.Row(c.SrIndex))
	}
	c.Sub.fold(&c.Counters)
	c.Counters.ResetTrial()
	return p
}

// RotateSubInterval advances the sub-interval accumulator (folded from
// each trial-interval status-PDU send since the last rotation, see
// SubAccum) into a saved SubIntervalRecord at a sub-interval boundary
// (spec §4.7 "rotate active → saved, bump sub-interval sequence number").
func (c *Connection) RotateSubInterval(deltaTime time.Duration, v6 bool) SubIntervalRecord {
	c.SubIntSeq++
	l3, l2, l1, l0 := RateMbps(c.Sub.RxDatagrams, c.Sub.RxBytes, uint32(deltaTime.Milliseconds()), v6)
	rec := SubIntervalRecord{
		SeqNo:         c.SubIntSeq,
		DeltaTimeMs:   uint32(deltaTime.Milliseconds()),
		RxDatagrams:   c.Sub.RxDatagrams,
		RxBytes:       c.Sub.RxBytes,
		Loss:          c.Sub.Loss,
		Ooo:           c.Sub.Ooo,
		Dup:           c.Sub.Dup,
		DelayVarMin:   c.Sub.DelayVarMin,
		DelayVarMax:   c.Sub.DelayVarMax,
		DelayVarSum:   c.Sub.DelayVarSum,
		DelayVarCnt:   c.Sub.DelayVarCnt,
		RttMin:        c.Sub.RttMin,
		RttMax:        c.Sub.RttMax,
		ClockDeltaMin: c.Sub.ClockDeltaMin,
		RateL3Mbps:    l3,
		RateL2Mbps:    l2,
		RateL1Mbps:    l1,
		RateL0Mbps:    l0,
	}
	c.Saved = rec
	c.Sub.reset()
	return rec
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func statusSavedWire(r SubIntervalRecord) wire.SubIntStatsWire {
	return wire.SubIntStatsWire{
		RxDatagrams: uint32(r.RxDatagrams),
		RxBytes:     r.RxBytes,
		DeltaTime:   r.DeltaTimeMs,
		SeqErrLoss:  uint32(r.Loss),
		SeqErrOoo:   uint32(r.Ooo),
		DelayVarMin: r.DelayVarMin,
		DelayVarMax: r.DelayVarMax,
		DelayVarSum: r.DelayVarSum,
		DelayVarCnt: r.DelayVarCnt,
		RttMinimum:  r.RttMin,
		RttMaximum:  r.RttMax,
		AccumTime:   r.DeltaTimeMs,
	}
}
