package udpeng

import (
	"math/rand"

	"github.com/dantte-lp/udpcap/internal/ratetable"
)

// Burst is one send timer's assembled datagrams for the current fire: a
// burst of regular payloads plus, for timer 2, an optional add-on
// datagram (spec §4.6).
type Burst struct {
	PayloadSizes []uint32
}

// payloadSize resolves a stored payload/addon field to a concrete size,
// drawing uniformly from [minPayload, storedMax] when the randomization
// bit is set (spec §4.6, §8 "Payload size with randomization bit").
func payloadSize(rng *rand.Rand, stored uint32, ipv6Delta uint32) uint32 {
	max := ratetable.PayloadSize(stored)
	if !ratetable.IsRandomized(stored) {
		return max
	}
	min := ratetable.MinPayload(ipv6Delta)
	if max <= min {
		return max
	}
	return min + uint32(rng.Int63n(int64(max-min+1)))
}

// BuildBurst assembles the payload sizes for one timer fire, drawing a
// fresh random size per randomized-bit datagram.
func BuildBurst(rng *rand.Rand, interval, payload, burst, addon uint32, ipv6Delta uint32, isTimer2 bool) Burst {
	var b Burst
	if burst > 0 {
		b.PayloadSizes = make([]uint32, 0, burst+1)
		for i := uint32(0); i < burst; i++ {
			b.PayloadSizes = append(b.PayloadSizes, payloadSize(rng, payload, ipv6Delta))
		}
	}
	if isTimer2 && addon > 0 {
		b.PayloadSizes = append(b.PayloadSizes, payloadSize(rng, addon, ipv6Delta))
	}
	return b
}

// RandSeed is a pseudo-random payload-content seed buffer (spec
// §4.6 "fill each datagram body with a fast pseudo-random stream, one draw,
// XORed against a stored seed buffer word-by-word"). Each Session holds its
// own; it is not owned by the event loop, and udsrv builds one per
// connection rather than one per process.
type RandSeed struct {
	words []uint32
}

// NewRandSeed builds a seed buffer of (len(seed)+3)/4 32-bit words from the
// given bytes.
func NewRandSeed(seed []byte) *RandSeed {
	words := make([]uint32, (len(seed)+3)/4)
	for i := range words {
		var w uint32
		for j := 0; j < 4; j++ {
			idx := i*4 + j
			if idx < len(seed) {
				w |= uint32(seed[idx]) << (8 * j)
			}
		}
		words[i] = w
	}
	return &RandSeed{words: words}
}

// Fill writes pseudo-random content into buf by XORing the seed buffer
// against it word by word, wrapping the seed as needed.
func (r *RandSeed) Fill(buf []byte) {
	if len(r.words) == 0 {
		return
	}
	for i := 0; i+3 < len(buf); i += 4 {
		w := r.words[(i/4)%len(r.words)]
		buf[i] ^= byte(w)
		buf[i+1] ^= byte(w >> 8)
		buf[i+2] ^= byte(w >> 16)
		buf[i+3] ^= byte(w >> 24)
	}
}

// InitialTimerOffset returns a uniform random offset in [0, window) used
// to desynchronize connections' initial timer fires (spec §4.6
// "Randomize initial timer offsets by a uniform value in a small ms
// window").
func InitialTimerOffset(rng *rand.Rand, windowMs int) int {
	if windowMs <= 0 {
		return 0
	}
	return rng.Intn(windowMs)
}
