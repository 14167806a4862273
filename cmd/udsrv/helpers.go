package main

import (
	"math/rand"
	"net"
	"net/netip"
	"time"

	"github.com/dantte-lp/udpcap/internal/config"
	"github.com/dantte-lp/udpcap/internal/udpauth"
)

// authenticatorFromConfig builds the control-channel authenticator from
// cfg.Auth, or returns nil (authentication disabled, AuthModeNone only) if
// no secret is configured.
func authenticatorFromConfig(cfg *config.Config) *udpauth.Authenticator {
	if cfg.Auth.Secret == "" {
		return nil
	}
	keys := udpauth.NewMapKeyStore(udpauth.Key{ID: cfg.Auth.KeyID, Secret: []byte(cfg.Auth.Secret)})
	return &udpauth.Authenticator{Mode: udpauth.ModeSHA256, Keys: keys}
}

// newRand returns a per-connection pseudo-random source for burst payload
// sizing; each connection gets its own so Sessions never share *rand.Rand
// across the (single-threaded, but still logically independent) slots.
func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func netAddrToNetip(a *net.UDPAddr) (netip.Addr, bool) {
	if a == nil {
		return netip.Addr{}, false
	}
	ip, ok := netip.AddrFromSlice(a.IP)
	return ip, ok
}

func mustNetip(a *net.UDPAddr) netip.Addr {
	ip, _ := netAddrToNetip(a)
	return ip
}
