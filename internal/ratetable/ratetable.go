// Package ratetable builds and serves the pre-computed, immutable sending
// rate table (spec C2 / §4.2) that both ends of a test index into.
//
// The table is built once at startup from three knobs (jumbo, traditional
// MTU, IPv6-only) and is read-only shared data afterwards: every lookup is
// a bounds-checked slice index, there is no per-row allocation once the
// table is constructed.
package ratetable

import (
	"errors"
	"fmt"
)

// Size and payload constants, grounded on udpst_protocol.h / udpst.h.
const (
	MaxBurstSize     = 100   // Max datagrams per burst for a single transmitter.
	MinInterval      = 100   // Minimum interval/timer granularity (microseconds).
	MaxRows          = 1091  // Max rows in the sending rate table.
	baseSendTimer1   = MinInterval
	baseSendTimer2   = 1000
	maxL3Packet      = 1250
	maxJumboL3Packet = 9000
	l3Overhead       = 8 + 20 // UDP + IPv4
	ipv6AddSize      = 20     // IPv6 header is 20 bytes larger than IPv4 for a fair L3 comparison

	maxPayloadSize      = maxL3Packet - l3Overhead
	maxJumboPayloadSize = maxJumboL3Packet - l3Overhead

	// traditionalMTUL3Packet bounds payload to fit within a classic 1500B MTU.
	traditionalMTUL3Packet = 1500
	maxTraditionalPayload  = traditionalMTUL3Packet - l3Overhead

	// RandBit marks a payload-size field as "randomize up to this max"
	// (spec §3: "high bit = randomize size up to this max").
	RandBit = 1 << 31
)

// ErrTableOverrun is returned by Build if row construction would exceed
// MaxRows; it indicates a programming error in the construction loop, not
// a runtime condition a caller can recover from.
var ErrTableOverrun = errors.New("ratetable: row construction overran table capacity")

// Transmitter describes one of the two independent burst generators that
// make up a sending rate row.
type Transmitter struct {
	IntervalMicros uint32 // Transmit interval in microseconds.
	Payload        uint32 // UDP payload size in bytes; high bit (RandBit) set means randomized.
	Burst          uint32 // Datagrams sent per interval fire.
}

// Row is one immutable entry of the sending rate table (spec §3 "Sending
// Rate Row"): two independent transmitters plus a single per-row add-on
// datagram riding on transmitter 2's cadence.
type Row struct {
	Tx1   Transmitter
	Tx2   Transmitter
	Addon uint32 // Extra datagram sent alongside Tx2; high bit (RandBit) set means randomized.
}

// MinPayload returns the lower bound used when a payload size is
// randomized: 64 bytes, or maxPayloadSize-ipv6Delta if that is smaller. It
// does not depend on any row.
func MinPayload(ipv6Delta uint32) uint32 {
	if maxPayloadSize-ipv6Delta > 64 {
		return 64
	}
	return maxPayloadSize - ipv6Delta
}

// AggregateBitsPerSec returns the nominal aggregate bitrate of the row at
// L3 (IP layer). A randomized field counts at its stored maximum (RandBit
// is cleared, not averaged).
func (r Row) AggregateBitsPerSec(ipv6Delta uint32) float64 {
	var bytesPerSec float64
	if r.Tx1.Burst > 0 && r.Tx1.IntervalMicros > 0 {
		payload := clearRand(r.Tx1.Payload) - ipv6Delta
		bytesPerSec += ratePerSec(r.Tx1.IntervalMicros, r.Tx1.Burst) * float64(payload+l3Overhead+ipv6Delta)
	}
	if r.Tx2.Burst > 0 && r.Tx2.IntervalMicros > 0 {
		payload := clearRand(r.Tx2.Payload) - ipv6Delta
		bytesPerSec += ratePerSec(r.Tx2.IntervalMicros, r.Tx2.Burst) * float64(payload+l3Overhead+ipv6Delta)
	}
	if r.Addon > 0 && r.Tx2.IntervalMicros > 0 {
		payload := clearRand(r.Addon) - ipv6Delta
		bytesPerSec += (1000000.0 / float64(r.Tx2.IntervalMicros)) * float64(payload+l3Overhead+ipv6Delta)
	}
	return bytesPerSec * 8
}

func ratePerSec(intervalMicros, burst uint32) float64 {
	return (1000000.0 / float64(intervalMicros)) * float64(burst)
}

func clearRand(v uint32) uint32 { return v &^ RandBit }

// IsRandomized reports whether a payload/addon field has the randomization
// bit set.
func IsRandomized(v uint32) bool { return v&RandBit != 0 }

// PayloadSize strips the randomization bit, returning the stored size (the
// maximum, when randomized).
func PayloadSize(v uint32) uint32 { return clearRand(v) }

// Options selects which variant of the table to build.
type Options struct {
	// Jumbo enables L3 packet sizes above the traditional MTU, up to 9000B.
	Jumbo bool
	// TraditionalMTU forces payloads to fit within a 1500B MTU.
	TraditionalMTU bool
	// IPv6Only is recorded in the table's Options. Build produces the same
	// rows whether or not it is set: the 20B IPv6 payload reduction is not
	// applied to any row.
	IPv6Only bool
}

// ipv6Delta returns the 20B payload reduction that would keep IPv6 L3 sizes
// comparable to IPv4; Build does not call it.
func (o Options) ipv6Delta() uint32 {
	if o.IPv6Only {
		return ipv6AddSize
	}
	return 0
}

// Table is the immutable, pre-computed sending rate table.
type Table struct {
	rows      []Row
	hSpeedIdx int
	opts      Options
}

// Len returns the number of rows in the table.
func (t *Table) Len() int { return len(t.rows) }

// Row returns the row at idx. Callers must keep idx within [0, Len()-1];
// this is a hot path hit once per trial interval per connection and stays
// a plain bounds-checked index, no error return.
func (t *Table) Row(idx int) Row { return t.rows[idx] }

// HighSpeedThreshold returns the index above which the rate-adjustment
// engine (C8) switches from coarse high-speed jumps to unit steps.
func (t *Table) HighSpeedThreshold() int { return t.hSpeedIdx }

// Options returns the knobs this table was constructed with.
func (t *Table) Options() Options { return t.opts }

// Build constructs the sending rate table following udpst_srates.c's
// def_sending_rates(): an outer burst dimension (k) and inner dimension
// (i) produce one row per (k,i) pair up to 1 Gbps, each followed by J
// "add-on" rows of growing add-on datagram size; beyond 1 Gbps, payload
// (jumbo) or burst (non-jumbo/traditional) grows to fill the remaining
// rows up to MaxRows.
func Build(opts Options) (*Table, error) {
	rows := make([]Row, 0, MaxRows)

	jmax, kmax, payload := 9, 10, uint32(maxPayloadSize)
	if opts.TraditionalMTU {
		jmax, kmax, payload = 11, 8, uint32(maxTraditionalPayload)
	}

	stop := false
	for k := 0; k <= kmax && !stop; k++ {
		for i := 0; i < 10; i++ {
			var r Row
			if k > 0 {
				r.Tx1 = Transmitter{IntervalMicros: baseSendTimer1, Payload: payload, Burst: uint32(k)}
			}
			if i > 0 {
				r.Tx2 = Transmitter{IntervalMicros: baseSendTimer2, Payload: payload, Burst: uint32(i)}
			}
			if k == 0 && i == 0 {
				r.Tx2.IntervalMicros = 50000
				r.Addon = payload | RandBit
			} else if !opts.TraditionalMTU && k == kmax {
				rows = append(rows, r)
				break
			}
			rows = append(rows, r)

			for j := 1; j <= jmax; j++ {
				var ar Row
				if k > 0 {
					ar.Tx1 = Transmitter{IntervalMicros: baseSendTimer1, Payload: payload, Burst: uint32(k)}
				}
				ar.Tx2.IntervalMicros = baseSendTimer2
				if i > 0 {
					ar.Tx2.Payload = payload
					ar.Tx2.Burst = uint32(i)
				}
				ar.Addon = uint32((j*1000)/8) - l3Overhead

				if len(rows) > 1000 {
					rows = append(rows, ar)
					stop = true
					break
				}
				rows = append(rows, ar)
			}
			if stop {
				break
			}
		}
	}
	hSpeedIdx := len(rows) - 1

	// Beyond 1 Gbps: jumbo payload growth, or non-jumbo/traditional burst growth.
	if opts.Jumbo {
		for l3 := maxL3Packet + 125; l3 <= maxJumboL3Packet; l3 += 125 {
			rows = append(rows, Row{Tx1: Transmitter{
				IntervalMicros: baseSendTimer1,
				Payload:        uint32(l3 - l3Overhead),
				Burst:          10,
			}})
		}
		jmax, payload = 11, uint32(maxJumboPayloadSize)
	} else if opts.TraditionalMTU {
		jmax, payload = 9, uint32(maxTraditionalPayload)
	} else {
		jmax, payload = 11, uint32(maxPayloadSize)
	}
	for j := jmax; len(rows) < MaxRows; j++ {
		burst := uint32(j)
		if j >= MaxBurstSize {
			burst = MaxBurstSize
		}
		rows = append(rows, Row{Tx1: Transmitter{
			IntervalMicros: baseSendTimer1,
			Payload:        payload,
			Burst:          burst,
		}})
	}

	if len(rows) > MaxRows {
		return nil, fmt.Errorf("%w: built %d rows, max %d", ErrTableOverrun, len(rows), MaxRows)
	}

	return &Table{rows: rows, hSpeedIdx: hSpeedIdx, opts: opts}, nil
}
