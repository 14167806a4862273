package udpeng

import (
	"net"
	"time"

	"github.com/dantte-lp/udpcap/internal/ratetable"
)

// Role is the purpose a connection slot currently serves.
type Role int

// Connection roles (spec §3 "Connection... role").
const (
	RoleFree Role = iota
	RoleSetupListener
	RoleTestUpstream
	RoleTestDownstream
	RoleAggregate
	RoleErrorSink
)

// State is a connection's lifecycle stage.
type State int

// Connection states (spec §3 "state ∈ {free, created, bound, data}").
const (
	StateFree State = iota
	StateCreated
	StateBound
	StateData
)

// TestAction mirrors wire.TestActionTest/Stop1/Stop2 as the in-memory
// connection field (spec §3 "test-action ∈ {TEST, STOP1, STOP2}").
type TestAction uint8

const (
	ActionTest TestAction = iota
	ActionStop1
	ActionStop2
)

// TimerID names the three per-connection timers (spec §3 "up to three
// named timers (1/2: send cadences; 3: test-duration/watchdog escalation)").
type TimerID int

const (
	Timer1 TimerID = iota // send cadence 1 (client upstream burst / server downstream burst)
	Timer2                // send cadence 2, or status-PDU cadence
	Timer3                // test-duration / stop-handshake / watchdog escalation
	timerCount
)

// Timer is a single named, level-triggered deadline: armed with a
// threshold in absolute monotonic time, it fires once when Now crosses
// that threshold and must be explicitly re-armed.
type Timer struct {
	Armed     bool
	Threshold time.Time
}

// Due reports whether the timer should fire at now.
func (t Timer) Due(now time.Time) bool {
	return t.Armed && !now.Before(t.Threshold)
}

// Params holds one connection's negotiated test parameters (spec §3).
type Params struct {
	LowThresh      uint32
	UpperThresh    uint32
	TrialInt       time.Duration
	TestIntTime    time.Duration
	SubIntPeriod   time.Duration
	DSCP           uint8
	SrIndexConf    uint16 // ratetable index, or wire.DefSrIndexAuto
	SrIndexIsStart bool
	UseOwDelVar    bool
	SlowAdjThresh  uint16
	HighSpeedDelta uint16
	SeqErrThresh   uint16
	IgnoreOooDup   bool
	RandomPayload  bool
	Algo           Algo
}

// Counters are a connection's live, per-trial-interval accumulating
// statistics (spec §3 "live counters").
type Counters struct {
	Seq Tracker

	DelayVarMin uint32
	DelayVarMax uint32
	DelayVarSum uint64
	DelayVarCnt uint32

	RttMinimum uint32
	RttSample  uint32

	ClockDeltaMin uint32
	clockDeltaSet bool

	TiDeltaTime   time.Duration
	TiRxDatagrams uint64
	TiRxBytes     uint64

	RemoteRxStopped  bool
	RemoteStatusLoss bool
}

// ResetTrial zeroes the per-trial-interval counters at a status-PDU emit
// boundary, leaving lifetime minima/maxima and the sequence tracker's
// history and Expected value untouched (spec §8 invariant).
func (c *Counters) ResetTrial() {
	c.Seq.ResetTrialCounters()
	c.DelayVarMin = sentinelDelay
	c.DelayVarMax = 0
	c.DelayVarSum = 0
	c.DelayVarCnt = 0
	c.TiDeltaTime = 0
	c.TiRxDatagrams = 0
	c.TiRxBytes = 0
}

// ObserveOneWayDelay folds a one-way delay sample (delta = now - sender
// timestamp) into clockDeltaMin and the delay-variation accumulators,
// per spec §4.7 step 7.
func (c *Counters) ObserveOneWayDelay(delta time.Duration) {
	ms := uint32(delta.Milliseconds())
	if delta < 0 {
		ms = 0
	}
	if !c.clockDeltaSet {
		c.ClockDeltaMin = ms
		c.clockDeltaSet = true
	} else if ms < c.ClockDeltaMin {
		c.ClockDeltaMin = ms
	}
	variation := ms - c.ClockDeltaMin
	if c.DelayVarCnt == 0 || variation < c.DelayVarMin {
		c.DelayVarMin = variation
	}
	if variation > c.DelayVarMax {
		c.DelayVarMax = variation
	}
	c.DelayVarSum += uint64(variation)
	c.DelayVarCnt++
}

// ObserveRTT folds an RTT sample (spec §4.7 step 8: status-PDU send-time
// echoed in the load PDU, minus the peer-reported response delay, clamped
// to 0 with a ±1ms rounding tolerance) into RttMinimum/RttSample.
func (c *Counters) ObserveRTT(rtt time.Duration) {
	ms := int64(rtt.Milliseconds())
	if ms < -1 {
		ms = 0
	}
	if ms < 0 {
		ms = 0
	}
	sample := uint32(ms)
	c.RttSample = sample
	if c.RttMinimum == 0 || sample < c.RttMinimum {
		c.RttMinimum = sample
	}
}

// SubAccum accumulates successive trial-interval snapshots between
// sub-interval rotations (spec §4.9): the receiver's status-PDU cadence
// runs on Params.TrialInt and resets Counters every send, while the
// sub-interval report only rotates once real elapsed time reaches
// Params.SubIntPeriod, so the trial-interval contributions in between
// have to be folded somewhere instead of discarded.
type SubAccum struct {
	RxDatagrams uint64
	RxBytes     uint64
	Loss        uint64
	Ooo         uint64
	Dup         uint64

	DelayVarMin uint32
	DelayVarMax uint32
	DelayVarSum uint64
	DelayVarCnt uint32

	RttMin uint32
	RttMax uint32

	ClockDeltaMin uint32
	clockDeltaSet bool
}

// fold adds one trial interval's counters into the accumulator; called
// from EmitStatusPDU just before Counters resets for the next trial.
func (a *SubAccum) fold(c *Counters) {
	a.RxDatagrams += c.TiRxDatagrams
	a.RxBytes += c.TiRxBytes
	a.Loss += c.Seq.Loss
	a.Ooo += c.Seq.Ooo
	a.Dup += c.Seq.Dup

	if c.DelayVarCnt > 0 {
		if a.DelayVarCnt == 0 || c.DelayVarMin < a.DelayVarMin {
			a.DelayVarMin = c.DelayVarMin
		}
		if c.DelayVarMax > a.DelayVarMax {
			a.DelayVarMax = c.DelayVarMax
		}
		a.DelayVarSum += c.DelayVarSum
		a.DelayVarCnt += c.DelayVarCnt
	}
	if c.RttSample > 0 {
		if c.RttSample > a.RttMax {
			a.RttMax = c.RttSample
		}
		if a.RttMin == 0 || c.RttMinimum < a.RttMin {
			a.RttMin = c.RttMinimum
		}
	}
	if !a.clockDeltaSet || c.ClockDeltaMin < a.ClockDeltaMin {
		a.ClockDeltaMin = c.ClockDeltaMin
		a.clockDeltaSet = true
	}
}

// reset zeroes the accumulator at a sub-interval rotation boundary.
func (a *SubAccum) reset() {
	*a = SubAccum{}
}

// Connection is one test or control-plane UDP endpoint, or the client's
// virtual aggregate connection (spec §3).
type Connection struct {
	Role  Role
	State State

	LocalAddr  *net.UDPAddr
	RemoteAddr *net.UDPAddr

	TestAction       TestAction
	RemoteTestAction TestAction

	SrIndex   int
	RateTable *ratetable.Table

	Params   Params
	Counters Counters
	RateAdj  *RateAdjustState

	// Sub and LastSubIntTime track the receiver's sub-interval rotation,
	// decoupled from the trial-interval status-PDU cadence (spec §4.9).
	Sub            SubAccum
	LastSubIntTime time.Time

	LpduSeqNo uint32
	SpduSeqNo uint32
	SubIntSeq uint32

	EndTime time.Time
	Timers  [timerCount]Timer

	// LastStatusSendTime/LastStatusRecvTime record the most recently
	// received status PDU's send time and this side's local receive time,
	// echoed in subsequent Load PDUs so the peer can sample RTT
	// (spec §4.7 step 8).
	LastStatusSendTime time.Time
	LastStatusRecvTime time.Time

	Saved SubIntervalRecord

	WarningCount int
	Warned       AlertLimiter
}

// AlertLimiter caps warning emission at 50, mirroring wire.AlertLimiter
// but scoped to connection-level protocol warnings rather than codec
// decode failures (spec §4.7 step 4 "rate-limited warnings (cap 50/connection)").
type AlertLimiter struct {
	count int
}

// Allow reports whether another warning may be logged.
func (a *AlertLimiter) Allow() bool {
	if a.count >= 50 {
		return false
	}
	a.count++
	return true
}

// Free resets the connection to an unused slot, ready for reuse (spec §4.4
// "fatal per-slot errors re-initialize only that slot").
func (c *Connection) Free() {
	*c = Connection{}
}

// ArmTimer sets timer id to fire at now+after.
func (c *Connection) ArmTimer(id TimerID, now time.Time, after time.Duration) {
	c.Timers[id] = Timer{Armed: true, Threshold: now.Add(after)}
}

// DisarmTimer clears timer id.
func (c *Connection) DisarmTimer(id TimerID) {
	c.Timers[id] = Timer{}
}

// RefreshEndTime pushes the end-time watchdog out to now+timeout, called
// on every received load or status PDU (spec §5 "End-time watchdog").
func (c *Connection) RefreshEndTime(now time.Time, timeout time.Duration) {
	c.EndTime = now.Add(timeout)
}
