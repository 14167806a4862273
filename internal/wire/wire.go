// Package wire implements the four PDU types of the control/test protocol
// (spec C3 / §4.3): Setup Request/Response, Test Activation Request/Response,
// Load PDU, and Status PDU. Every multi-byte field is network byte order;
// every decode validates size against protocol-min/current bounds, magic,
// and (when active) a 16-bit one's-complement checksum.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dantte-lp/udpcap/internal/ratetable"
)

// Magic values identifying each PDU on the wire.
const (
	MagicSetup      uint16 = 0xACE1
	MagicActivation uint16 = 0xACE2
	MagicLoad       uint16 = 0xBEEF
	MagicStatus     uint16 = 0xFEED
)

// Command codes carried in Setup Request/Response.
const (
	CmdRequestSetup uint16 = 1

	CmdRespOK        uint16 = 0
	CmdRespBadVer    uint16 = 1
	CmdRespBadJS     uint16 = 2 // bad jumbo/traditional-MTU modifier combination
	CmdRespAuthNC    uint16 = 3 // auth not configured
	CmdRespAuthReq   uint16 = 4 // auth required but absent
	CmdRespAuthInv   uint16 = 5 // auth mode invalid
	CmdRespAuthFail  uint16 = 6 // MAC verification failed
	CmdRespAuthTime  uint16 = 7 // timestamp outside auth window
	CmdRespCapExc    uint16 = 8 // bandwidth capacity exceeded
	CmdRespBadMC     uint16 = 9 // bad multi-connection parameters
	CmdRespAllocFail uint16 = 10
)

// Command codes carried in Test Activation Request.
const (
	CmdActivateUpstream   uint16 = 1
	CmdActivateDownstream uint16 = 2

	CmdActRespOK       uint16 = 0
	CmdActRespBadParam uint16 = 1
)

// Test action values carried in Load/Status PDUs.
const (
	TestActionTest  uint8 = 0
	TestActionStop1 uint8 = 1
	TestActionStop2 uint8 = 2
)

// Authentication modes carried in Setup Request.
const (
	AuthModeNone   uint8 = 0
	AuthModeSHA256 uint8 = 1
)

// Modifier bitmap bits used on Setup Request/Response and Test Activation.
const (
	ModJumbo          uint16 = 1 << 0
	ModTraditionalMTU uint16 = 1 << 1
	ModSrIndexIsStart uint16 = 1 << 2
	ModRandomPayload  uint16 = 1 << 3
)

// MaxBandwidthUpstreamBit marks a Setup Request's maxBandwidth field as an
// upstream (client-to-server) request rather than downstream.
const MaxBandwidthUpstreamBit uint32 = 1 << 31

// DigestSize is the fixed MAC digest tail length on Setup PDUs.
const DigestSize = 32

// Rate-adjustment algorithm identifiers carried on Test Activation.
const (
	AlgoB uint8 = 0
	AlgoC uint8 = 1
)

// Sentinel errors returned by Decode* functions. Checked with errors.Is;
// Decode wraps with additional context via fmt.Errorf's %w.
var (
	ErrTooShort        = errors.New("wire: pdu shorter than minimum size")
	ErrTooLong         = errors.New("wire: pdu longer than current maximum size")
	ErrBadMagic        = errors.New("wire: magic mismatch")
	ErrBadCmdRequest   = errors.New("wire: cmdRequest not in allowed set")
	ErrChecksum        = errors.New("wire: checksum verification failed")
)

// alertLimit bounds how many decode-failure warnings a caller should emit;
// the limiter itself lives in AlertLimiter below since it is per-connection
// state, not a package global.
const alertLimit = 50

// AlertLimiter rate-limits emitted warnings for invalid/dropped PDUs to at
// most alertLimit occurrences, per spec §4.3 ("an alert counter rate-limits
// emitted warnings to at most 50").
type AlertLimiter struct {
	count int
}

// Allow reports whether another warning may be emitted, incrementing the
// internal counter until it saturates at alertLimit.
func (a *AlertLimiter) Allow() bool {
	if a.count >= alertLimit {
		return false // saturated: count stays capped
	}
	a.count++
	return true
}

// Count returns the number of warnings observed so far (capped display use).
func (a *AlertLimiter) Count() int { return a.count }

// Checksum16 computes the 16-bit one's-complement checksum over buf, the
// same algorithm IP/UDP/ICMP use: sum 16-bit words (odd trailing byte
// padded with zero), fold carries, complement.
func Checksum16(buf []byte) uint16 {
	var sum uint32
	n := len(buf)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(buf[i])<<8 | uint32(buf[i+1])
	}
	if n%2 == 1 {
		sum += uint32(buf[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// SendingRateWire is the on-wire form of one ratetable.Row, as embedded in
// Test Activation and Status PDUs (7 fields, spec §3/§8 round-trip law).
type SendingRateWire struct {
	TxInterval1 uint32
	UDPPayload1 uint32
	BurstSize1  uint32
	TxInterval2 uint32
	UDPPayload2 uint32
	BurstSize2  uint32
	UDPAddon2   uint32
}

const sendingRateWireSize = 4 * 7

func (s SendingRateWire) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], s.TxInterval1)
	binary.BigEndian.PutUint32(b[4:8], s.UDPPayload1)
	binary.BigEndian.PutUint32(b[8:12], s.BurstSize1)
	binary.BigEndian.PutUint32(b[12:16], s.TxInterval2)
	binary.BigEndian.PutUint32(b[16:20], s.UDPPayload2)
	binary.BigEndian.PutUint32(b[20:24], s.BurstSize2)
	binary.BigEndian.PutUint32(b[24:28], s.UDPAddon2)
}

func getSendingRateWire(b []byte) SendingRateWire {
	return SendingRateWire{
		TxInterval1: binary.BigEndian.Uint32(b[0:4]),
		UDPPayload1: binary.BigEndian.Uint32(b[4:8]),
		BurstSize1:  binary.BigEndian.Uint32(b[8:12]),
		TxInterval2: binary.BigEndian.Uint32(b[12:16]),
		UDPPayload2: binary.BigEndian.Uint32(b[16:20]),
		BurstSize2:  binary.BigEndian.Uint32(b[20:24]),
		UDPAddon2:   binary.BigEndian.Uint32(b[24:28]),
	}
}

// FromRow converts a ratetable.Row into its wire form.
func FromRow(r ratetable.Row) SendingRateWire {
	return SendingRateWire{
		TxInterval1: r.Tx1.IntervalMicros,
		UDPPayload1: r.Tx1.Payload,
		BurstSize1:  r.Tx1.Burst,
		TxInterval2: r.Tx2.IntervalMicros,
		UDPPayload2: r.Tx2.Payload,
		BurstSize2:  r.Tx2.Burst,
		UDPAddon2:   r.Addon,
	}
}

// ToRow converts a wire sending rate back into a ratetable.Row.
func (s SendingRateWire) ToRow() ratetable.Row {
	return ratetable.Row{
		Tx1:   ratetable.Transmitter{IntervalMicros: s.TxInterval1, Payload: s.UDPPayload1, Burst: s.BurstSize1},
		Tx2:   ratetable.Transmitter{IntervalMicros: s.TxInterval2, Payload: s.UDPPayload2, Burst: s.BurstSize2},
		Addon: s.UDPAddon2,
	}
}

func sizeErr(kind string, got, min, max int) error {
	if got < min {
		return fmt.Errorf("%s: %w (got %d, min %d)", kind, ErrTooShort, got, min)
	}
	return fmt.Errorf("%s: %w (got %d, max %d)", kind, ErrTooLong, got, max)
}
