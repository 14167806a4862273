// Package udpauth implements the pluggable MAC authenticator referenced by
// the control handshake (spec §1 "authentication digest computation
// (treated as a pluggable MAC over a fixed byte range)"; §4.5 "time window
// ±150s"; multi-key selection by keyId). It is deliberately narrow: callers
// own PDU framing and decide which byte range to authenticate.
package udpauth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"
)

// Mode selects the authentication scheme negotiated during Setup.
type Mode uint8

// Authentication modes, mirroring wire.AuthModeNone/AuthModeSHA256.
const (
	ModeNone Mode = iota
	ModeSHA256
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeSHA256:
		return "sha256"
	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}

// Window bounds how far a peer's authUnixTime may drift from the local
// clock before a Setup Request is rejected (spec §4.5).
const Window = 150 * time.Second

// DigestSize is the MAC digest length carried on Setup PDUs.
const DigestSize = 32

var (
	// ErrNotConfigured is returned when a request carries an auth mode but
	// the local side has no keys configured for it.
	ErrNotConfigured = errors.New("udpauth: authentication not configured locally")
	// ErrKeyNotFound is returned when the request's keyId does not match
	// any locally configured key.
	ErrKeyNotFound = errors.New("udpauth: unknown key id")
	// ErrModeInvalid is returned for an unrecognized auth mode value.
	ErrModeInvalid = errors.New("udpauth: invalid auth mode")
	// ErrDigestMismatch is returned when the computed MAC does not match
	// the digest carried on the wire.
	ErrDigestMismatch = errors.New("udpauth: digest mismatch")
	// ErrTimeWindow is returned when authUnixTime falls outside ±Window of
	// the verifier's clock.
	ErrTimeWindow = errors.New("udpauth: timestamp outside auth window")
)

// Key is one named secret; KeyID 0 is the default key used when the peer's
// protocol version predates multi-key support.
type Key struct {
	ID     uint16
	Secret []byte
}

// KeyStore resolves a key id to its secret. Implementations must be safe
// for concurrent read access; the event loop only ever calls Lookup, never
// mutates a store mid-test.
type KeyStore interface {
	Lookup(id uint16) (Key, bool)
}

// MapKeyStore is the simplest KeyStore: a fixed map built at config load
// time, matching the teacher's AuthKeyStore idiom in internal/bfd/auth.go.
type MapKeyStore struct {
	keys map[uint16]Key
}

// NewMapKeyStore builds a MapKeyStore from the given keys.
func NewMapKeyStore(keys ...Key) *MapKeyStore {
	m := &MapKeyStore{keys: make(map[uint16]Key, len(keys))}
	for _, k := range keys {
		m.keys[k.ID] = k
	}
	return m
}

// Lookup implements KeyStore.
func (m *MapKeyStore) Lookup(id uint16) (Key, bool) {
	k, ok := m.keys[id]
	return k, ok
}

// Authenticator signs and verifies the fixed-size MAC tail on Setup PDUs.
type Authenticator struct {
	Mode  Mode
	Keys  KeyStore
	// MultiKeyVersion is the minimum protocol version at which a
	// requester's keyId is honored; below it, KeyID 0 is always used
	// (spec §4.5 "protocol version < multikey uses key id = default").
	MultiKeyVersion uint16
}

// keyFor resolves which key id to use for a given requester protocol
// version, honoring the multi-key version gate.
func (a *Authenticator) keyFor(protocolVer, requestedKeyID uint16) uint16 {
	if protocolVer < a.MultiKeyVersion {
		return 0
	}
	return requestedKeyID
}

// Sign computes the MAC over msg (the PDU with its digest field zeroed)
// using the key selected by protocolVer/keyID.
func (a *Authenticator) Sign(msg []byte, protocolVer, keyID uint16) ([DigestSize]byte, error) {
	var digest [DigestSize]byte
	if a.Mode == ModeNone {
		return digest, fmt.Errorf("sign: %w", ErrNotConfigured)
	}
	if a.Mode != ModeSHA256 {
		return digest, fmt.Errorf("sign: %w (%v)", ErrModeInvalid, a.Mode)
	}
	id := a.keyFor(protocolVer, keyID)
	key, ok := a.Keys.Lookup(id)
	if !ok {
		return digest, fmt.Errorf("sign: %w (id=%d)", ErrKeyNotFound, id)
	}
	mac := hmac.New(sha256.New, key.Secret)
	mac.Write(msg)
	copy(digest[:], mac.Sum(nil))
	return digest, nil
}

// Verify checks msg's MAC and, when checkWindow is true, that authUnixTime
// falls within ±Window of now. It returns the sentinel errors above,
// wrapped with context, on any failure.
func (a *Authenticator) Verify(msg []byte, digest [DigestSize]byte, protocolVer, keyID uint16, authUnixTime uint32, now time.Time, checkWindow bool) error {
	if a.Mode == ModeNone {
		return fmt.Errorf("verify: %w", ErrNotConfigured)
	}
	if checkWindow {
		delta := now.Unix() - int64(authUnixTime)
		if delta < 0 {
			delta = -delta
		}
		if time.Duration(delta)*time.Second > Window {
			return fmt.Errorf("verify: %w (delta=%ds)", ErrTimeWindow, delta)
		}
	}
	want, err := a.Sign(msg, protocolVer, keyID)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	if subtle.ConstantTimeCompare(want[:], digest[:]) != 1 {
		return fmt.Errorf("verify: %w", ErrDigestMismatch)
	}
	return nil
}

// RandomSeed returns n cryptographically random bytes, used by the load
// generator's pseudo-random payload seed buffer (spec §4.6) — grounded
// here rather than in udpeng because it shares this package's crypto/rand
// import and has no other auth-specific dependency.
func RandomSeed(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("udpauth: generate random seed: %w", err)
	}
	return b, nil
}
