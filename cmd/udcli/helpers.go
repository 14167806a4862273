package main

import (
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/dantte-lp/udpcap/internal/config"
	"github.com/dantte-lp/udpcap/internal/ratetable"
	"github.com/dantte-lp/udpcap/internal/udpauth"
	"github.com/dantte-lp/udpcap/internal/wire"
)

// authenticatorFromConfig builds the control-channel authenticator from
// cfg.Auth, or returns nil (authentication disabled) if no secret is
// configured.
func authenticatorFromConfig(cfg *config.Config) *udpauth.Authenticator {
	if cfg.Auth.Secret == "" {
		return nil
	}
	keys := udpauth.NewMapKeyStore(udpauth.Key{ID: cfg.Auth.KeyID, Secret: []byte(cfg.Auth.Secret)})
	return &udpauth.Authenticator{Mode: udpauth.ModeSHA256, Keys: keys}
}

// newRand returns a pseudo-random source for burst payload sizing, seeded
// independently of the server's (each process gets its own clock-derived
// seed; the two sides never need to agree on this one).
func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// parseSrIndex interprets the --sr-index configuration string:
//
//	""    auto: let the search algorithm pick, starting from a low row.
//	"=N"  static: fix the sending rate at row N for the whole test.
//	"!N"  start: begin the search at row N instead of the low default.
//
// A bare number is treated the same as "!N". Out-of-range or malformed
// values fall back to the auto starting row.
func parseSrIndex(s string, tableLen int) (wireIndex uint16, isStart bool, rowIdx int) {
	s = strings.TrimSpace(s)
	autoRow := defaultAutoStartRow(tableLen)

	switch {
	case s == "":
		return wire.DefSrIndexAuto, false, autoRow
	case strings.HasPrefix(s, "="):
		n, err := strconv.Atoi(s[1:])
		if err != nil || n < 0 || n >= tableLen {
			return wire.DefSrIndexAuto, false, autoRow
		}
		return uint16(n), false, n
	case strings.HasPrefix(s, "!"):
		n, err := strconv.Atoi(s[1:])
		if err != nil || n < 0 || n >= tableLen {
			return wire.DefSrIndexAuto, true, autoRow
		}
		return uint16(n), true, n
	default:
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 || n >= tableLen {
			return wire.DefSrIndexAuto, true, autoRow
		}
		return uint16(n), true, n
	}
}

// defaultAutoStartRow picks a conservative low starting row for an
// unconfigured (auto) search, mirroring the original's practice of starting
// well below the high-speed threshold rather than at row 0.
func defaultAutoStartRow(tableLen int) int {
	if tableLen == 0 {
		return 0
	}
	idx := tableLen / 20
	if idx >= tableLen {
		idx = tableLen - 1
	}
	return idx
}

func setupModifierBitmap(cfg *config.Config) uint16 {
	var m uint16
	if cfg.Test.Jumbo {
		m |= wire.ModJumbo
	}
	if cfg.Test.TraditionalMTU {
		m |= wire.ModTraditionalMTU
	}
	return m
}

// maxBandwidthField encodes the requested maximum bandwidth (in Mbps) for
// the Setup Request, setting the upstream marker bit when this client is
// going to be the traffic source (spec §4.2 "high bit marks upstream").
func maxBandwidthField(cfg *config.Config, direction string) uint32 {
	v := uint32(cfg.Test.MaxBandwidthMbps)
	if direction == "up" {
		v |= wire.MaxBandwidthUpstreamBit
	}
	return v
}

func algoToWire(s string) uint8 {
	if strings.ToUpper(s) == "C" {
		return wire.AlgoC
	}
	return wire.AlgoB
}

// printRateTable dumps every row of tbl with its nominal aggregate
// bitrate, for --show-sending-rates.
func printRateTable(w io.Writer, tbl *ratetable.Table) {
	fmt.Fprintf(w, "%6s  %12s\n", "index", "mbps")
	for i := 0; i < tbl.Len(); i++ {
		row := tbl.Row(i)
		mbps := row.AggregateBitsPerSec(0) / 1e6
		fmt.Fprintf(w, "%6d  %12.3f\n", i, mbps)
	}
}
