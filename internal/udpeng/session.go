package udpeng

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/dantte-lp/udpcap/internal/clock"
	"github.com/dantte-lp/udpcap/internal/wire"
)

// Session binds a Connection to its UDP peer and to its own pseudo-random
// state (Rng and Seed are per Session; udsrv builds a new seed buffer for
// each connection), and implements the Action interface the Manager
// dispatches against. It is the integration point between the wire codec,
// the load generator, the receiver/statistics logic and the rate-adjustment
// engine — each of which stays a standalone, independently testable unit.
type Session struct {
	Conn *Connection
	Sock *net.UDPConn
	Peer *net.UDPAddr
	V6   bool

	// Sending is true when this side is the traffic source for the test
	// (spec §2 "client requests upstream or downstream"): it fires Load
	// PDUs on Timer1/Timer2 and expects Status PDUs back. When false this
	// side is the traffic sink: it services Load PDUs and emits Status
	// PDUs once per trial interval.
	Sending bool

	Rng  *rand.Rand
	Seed *RandSeed

	// OnCSVLine, when set, receives one record per serviced Load PDU
	// (spec §6 "per-datagram export").
	OnCSVLine func(CSVLine)
	// OnSubInterval, when set, receives one record per rotated
	// sub-interval (spec §4.9).
	OnSubInterval func(SubIntervalRecord)
	// OnLog receives a short description of protocol-level warnings; may
	// be nil.
	OnLog func(msg string, args ...any)
}

func (s *Session) logf(msg string, args ...any) {
	if s.OnLog != nil {
		s.OnLog(msg, args...)
	}
}

// -------------------------------------------------------------------------
// Receive dispatch (Primary Action)
// -------------------------------------------------------------------------

// RecvAction reads and dispatches one datagram per Fire call (spec §4.4
// "Primary: read one datagram").
type RecvAction struct{ S *Session }

const maxDatagram = 9216 // jumbo ceiling, spec §4.2 "jumbo flag"

func (a RecvAction) Fire(now time.Time) (bool, error) {
	buf := make([]byte, maxDatagram)
	_ = a.S.Sock.SetReadDeadline(now)
	n, _, err := a.S.Sock.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, fmt.Errorf("udpeng: read: %w", err)
	}
	if n < 2 {
		return true, nil
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	switch magic {
	case wire.MagicLoad:
		a.S.handleLoad(buf[:n], now)
	case wire.MagicStatus:
		a.S.handleStatus(buf[:n], now)
	case wire.MagicActivation:
		// Renegotiation mid-test is out of scope; acknowledge receipt only.
		a.S.logf("activation pdu received on active session, ignoring")
	default:
		a.S.logf("unrecognized pdu magic", "magic", magic)
	}
	return true, nil
}

func (s *Session) handleLoad(buf []byte, now time.Time) {
	p, err := wire.DecodeLoadPDU(buf)
	if err != nil {
		s.logf("decode load pdu failed", "error", err)
		return
	}
	s.Conn.ServiceLoadPDU(p, now, s.V6, s.OnCSVLine)
}

func (s *Session) handleStatus(buf []byte, now time.Time) {
	st, err := wire.DecodeStatusPDU(buf)
	if err != nil {
		s.logf("decode status pdu failed", "error", err)
		return
	}
	// The send-timer Action echoes this send time (and the processing
	// delay until the echo goes out) back in the next Load PDU's
	// SpduTime*/RttRespDelay fields, letting the peer sample RTT.
	s.Conn.LastStatusSendTime = clock.FromWireTime(st.SendTimeSec, st.SendTimeNsec)
	s.Conn.LastStatusRecvTime = now

	if s.Conn.RateAdj == nil {
		return
	}
	var delayMs uint32
	if s.Conn.Params.UseOwDelVar && st.DelayVarCnt > 0 {
		delayMs = uint32(st.DelayVarSum / uint64(st.DelayVarCnt))
	} else {
		delayMs = st.RttMinimum
	}
	params := RateAdjustParams{
		Algo:               s.Conn.Params.Algo,
		Index:              s.Conn.SrIndex,
		HighSpeedThreshold: s.Conn.RateTable.HighSpeedThreshold(),
		TableLen:           s.Conn.RateTable.Len(),
		Errors:             uint64(st.SeqErrLoss + st.SeqErrOoo + st.SeqErrDup),
		Delay:              delayMs,
		SeqErrThresh:       uint64(s.Conn.Params.SeqErrThresh),
		LowThresh:          s.Conn.Params.LowThresh,
		UpperThresh:        s.Conn.Params.UpperThresh,
		HighSpeedDelta:     int(s.Conn.Params.HighSpeedDelta),
		Static:             s.Conn.Params.SrIndexConf != wire.DefSrIndexAuto && !s.Conn.Params.SrIndexIsStart,
	}
	s.Conn.SrIndex = Adjust(params, s.Conn.RateAdj)
}

// -------------------------------------------------------------------------
// Load generator timers (spec C6)
// -------------------------------------------------------------------------

// LoadSendAction fires on Timer1 or Timer2, assembling and transmitting
// that timer's burst from the connection's current sending-rate row.
type LoadSendAction struct {
	S     *Session
	Timer TimerID
}

func (a LoadSendAction) Fire(now time.Time) (bool, error) {
	s := a.S
	row := s.Conn.RateTable.Row(s.Conn.SrIndex)
	tx := row.Tx1
	if a.Timer == Timer2 {
		tx = row.Tx2
	}

	var rttRespDelay uint32
	var spduSec, spduNsec uint32
	if !s.Conn.LastStatusSendTime.IsZero() {
		spduSec, spduNsec = clock.WireTime(s.Conn.LastStatusSendTime)
		rttRespDelay = uint32(now.Sub(s.Conn.LastStatusRecvTime).Milliseconds())
	}

	burst := BuildBurst(s.Rng, tx.IntervalMicros, tx.Payload, tx.Burst, row.Addon, ipv6DeltaFor(s.V6), a.Timer == Timer2)
	for _, size := range burst.PayloadSizes {
		s.Conn.LpduSeqNo++
		sec, nsec := clock.WireTime(now)
		pdu := wire.LoadPDU{
			TestAction:   uint8(s.Conn.TestAction),
			RxStopped:    boolToUint8(s.Conn.Counters.RemoteRxStopped),
			LpduSeqNo:    s.Conn.LpduSeqNo,
			UDPPayload:   size,
			SpduSeqErr:   0,
			SpduTimeSec:  spduSec,
			SpduTimeNsec: spduNsec,
			RttRespDelay: rttRespDelay,
			LpduTimeSec:  sec, LpduTimeNsec: nsec,
		}
		buf := wire.EncodeLoadPDU(pdu)
		if len(buf) < int(size) {
			padded := make([]byte, size)
			copy(padded, buf)
			s.Seed.Fill(padded[len(buf):])
			buf = padded
		}
		if _, err := s.Sock.WriteToUDP(buf, s.Peer); err != nil {
			return true, fmt.Errorf("udpeng: write load pdu: %w", err)
		}
	}

	if tx.IntervalMicros > 0 {
		s.Conn.ArmTimer(a.Timer, now, time.Duration(tx.IntervalMicros)*time.Microsecond)
	}
	return true, nil
}

func ipv6DeltaFor(v6 bool) uint32 {
	if v6 {
		return ipv6Delta
	}
	return 0
}

// -------------------------------------------------------------------------
// Status-PDU cadence (receiver side)
// -------------------------------------------------------------------------

// StatusEmitAction fires on the receiver's trial-interval cadence: it
// snapshots and sends a Status PDU every Params.TrialInt (the same cadence
// the original arms its send-statuspdu timer with), and separately rotates
// the sub-interval record once real elapsed time reaches Params.SubIntPeriod
// (spec §4.7 "Per outgoing status PDU", §4.9).
type StatusEmitAction struct {
	S     *Session
	Timer TimerID
}

func (a StatusEmitAction) Fire(now time.Time) (bool, error) {
	s := a.S
	c := s.Conn

	st := c.EmitStatusPDU(now)
	buf := wire.EncodeStatusPDU(st)
	if _, err := s.Sock.WriteToUDP(buf, s.Peer); err != nil {
		return true, fmt.Errorf("udpeng: write status pdu: %w", err)
	}

	if c.LastSubIntTime.IsZero() {
		c.LastSubIntTime = now
	}
	// Coarsened by half a trial interval, matching the original's
	// (subIntPeriod*MSECINSEC) - (trialInt/2) opportunistic check, so
	// timer jitter on the fast cadence doesn't delay rotation by a whole
	// extra trial interval.
	threshold := c.Params.SubIntPeriod - c.Params.TrialInt/2
	if elapsed := now.Sub(c.LastSubIntTime); elapsed >= threshold {
		rec := c.RotateSubInterval(elapsed, s.V6)
		c.LastSubIntTime = now
		if s.OnSubInterval != nil {
			s.OnSubInterval(rec)
		}
	}

	c.ArmTimer(a.Timer, now, c.Params.TrialInt)
	return true, nil
}

// -------------------------------------------------------------------------
// Test-duration watchdog (Timer3)
// -------------------------------------------------------------------------

// StopAction fires when the negotiated test interval elapses: it marks the
// connection as stopping so subsequent Load PDUs carry the STOP1 action,
// escalating to STOP2 on a second fire (spec §5 "graceful stop then force
// stop").
type StopAction struct{ S *Session }

func (a StopAction) Fire(now time.Time) (bool, error) {
	s := a.S
	switch s.Conn.TestAction {
	case ActionTest:
		s.Conn.TestAction = ActionStop1
		s.Conn.ArmTimer(Timer3, now, time.Duration(StopTestTimeout(uint16(s.Conn.Params.TestIntTime.Seconds())))*time.Millisecond)
	default:
		s.Conn.TestAction = ActionStop2
	}
	return true, nil
}

// WireSlot configures slot's Primary and TimerActions for a freshly
// activated session and arms its initial timers, handing the connection
// off from the Setup/Activation handshake into the event loop (spec §5).
// The caller is still responsible for setting slot.Socket to the
// netio.Socket backing sess.Sock, since that wrapping happens wherever the
// test-port listener was created.
func WireSlot(slot *Slot, sess *Session, now time.Time) {
	slot.Conn = sess.Conn
	slot.Primary = RecvAction{S: sess}

	if sess.Sending {
		slot.Conn.ArmTimer(Timer1, now, 0)
		slot.Conn.ArmTimer(Timer2, now, 0)
		slot.TimerActions[Timer1] = LoadSendAction{S: sess, Timer: Timer1}
		slot.TimerActions[Timer2] = LoadSendAction{S: sess, Timer: Timer2}
	} else {
		slot.Conn.ArmTimer(Timer2, now, sess.Conn.Params.TrialInt)
		slot.Conn.LastSubIntTime = now
		slot.TimerActions[Timer2] = StatusEmitAction{S: sess, Timer: Timer2}
	}

	slot.Conn.ArmTimer(Timer3, now, sess.Conn.Params.TestIntTime)
	slot.TimerActions[Timer3] = StopAction{S: sess}
	slot.Conn.RefreshEndTime(now, TrafficTimeout)
}
