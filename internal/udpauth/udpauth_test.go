package udpauth

import (
	"testing"
	"time"
)

func newTestAuth() *Authenticator {
	store := NewMapKeyStore(
		Key{ID: 0, Secret: []byte("default-secret")},
		Key{ID: 7, Secret: []byte("key-seven-secret")},
	)
	return &Authenticator{Mode: ModeSHA256, Keys: store, MultiKeyVersion: 2}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	a := newTestAuth()
	msg := []byte("setup-request-bytes-with-digest-zeroed")
	digest, err := a.Sign(msg, 3, 7)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	now := time.Unix(1700000000, 0)
	if err := a.Verify(msg, digest, 3, 7, uint32(now.Unix()), now, true); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedDigest(t *testing.T) {
	a := newTestAuth()
	msg := []byte("setup-request-bytes")
	digest, _ := a.Sign(msg, 3, 0)
	digest[0] ^= 0xff
	now := time.Unix(1700000000, 0)
	if err := a.Verify(msg, digest, 3, 0, uint32(now.Unix()), now, true); err == nil {
		t.Fatal("expected digest mismatch")
	}
}

func TestVerifyRejectsOutsideTimeWindow(t *testing.T) {
	a := newTestAuth()
	msg := []byte("setup-request-bytes")
	authTime := uint32(1700000000)
	digest, _ := a.Sign(msg, 3, 0)
	tooLate := time.Unix(int64(authTime)+int64(Window.Seconds())+1, 0)
	if err := a.Verify(msg, digest, 3, 0, authTime, tooLate, true); err == nil {
		t.Fatal("expected time window rejection")
	}
	justInside := time.Unix(int64(authTime)+int64(Window.Seconds())-1, 0)
	if err := a.Verify(msg, digest, 3, 0, authTime, justInside, true); err != nil {
		t.Fatalf("Verify within window: %v", err)
	}
}

func TestMultiKeyVersionGate(t *testing.T) {
	a := newTestAuth()
	msg := []byte("setup-request-bytes")
	// Below MultiKeyVersion, key id 7 is ignored in favor of the default key.
	digestOld, err := a.Sign(msg, 1, 7)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	digestDefault, err := a.Sign(msg, 1, 0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if digestOld != digestDefault {
		t.Fatal("protocol version below MultiKeyVersion should ignore requested key id")
	}
}

func TestSignUnknownKeyID(t *testing.T) {
	a := newTestAuth()
	if _, err := a.Sign([]byte("x"), 3, 42); err == nil {
		t.Fatal("expected ErrKeyNotFound")
	}
}

func TestVerifyModeNoneNotConfigured(t *testing.T) {
	a := &Authenticator{Mode: ModeNone}
	var digest [DigestSize]byte
	if err := a.Verify([]byte("x"), digest, 3, 0, 0, time.Now(), false); err == nil {
		t.Fatal("expected ErrNotConfigured")
	}
}
