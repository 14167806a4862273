package wire

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestChecksum16ZeroAfterRecompute(t *testing.T) {
	buf := []byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0x00, 0x00}
	cksum := Checksum16(buf)
	buf[6] = byte(cksum >> 8)
	buf[7] = byte(cksum)
	if got := Checksum16(buf); got != 0 {
		t.Fatalf("checksum over self-checksummed buffer = %#x, want 0", got)
	}
}

func TestSetupRequestRoundTrip(t *testing.T) {
	req := SetupRequest{
		ProtocolVer:    3,
		McIndex:        0,
		McCount:        1,
		McIdent:        0xdeadbeef,
		CmdRequest:     CmdRequestSetup,
		MaxBandwidth:   1000 | MaxBandwidthUpstreamBit,
		ModifierBitmap: ModJumbo,
		AuthMode:       AuthModeSHA256,
		AuthUnixTime:   1700000000,
		KeyID:          7,
	}
	copy(req.Digest[:], []byte("0123456789abcdef0123456789abcdef"))

	b1 := EncodeSetupRequest(req)
	decoded, err := DecodeSetupRequest(b1, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b2 := EncodeSetupRequest(decoded)
	if diff := cmp.Diff(b1, b2); diff != "" {
		t.Fatalf("re-encode mismatch (-want +got):\n%s", diff)
	}
	decoded.Checksum = 0
	req.Checksum = 0
	if diff := cmp.Diff(req, decoded); diff != "" {
		t.Fatalf("field mismatch after round trip (-want +got):\n%s", diff)
	}
}

func TestSetupRequestBadMagic(t *testing.T) {
	req := SetupRequest{CmdRequest: CmdRequestSetup}
	b := EncodeSetupRequest(req)
	b[0] = 0xff
	if _, err := DecodeSetupRequest(b, false); err == nil {
		t.Fatal("expected magic mismatch error")
	}
}

func TestSetupRequestBadChecksum(t *testing.T) {
	req := SetupRequest{CmdRequest: CmdRequestSetup}
	b := EncodeSetupRequest(req)
	b[len(b)-1] ^= 0xff
	if _, err := DecodeSetupRequest(b, true); err == nil {
		t.Fatal("expected checksum failure")
	}
}

func TestActivationRoundTrip(t *testing.T) {
	req := TestActivationRequest{
		ProtocolVer:    3,
		CmdRequest:     CmdActivateUpstream,
		LowThresh:      30,
		UpperThresh:    90,
		TrialInt:       50,
		TestIntTime:    10,
		SubIntPeriod:   1,
		IPTosByte:      0x2e,
		SrIndexConf:    DefSrIndexAuto,
		UseOwDelVar:    1,
		HighSpeedDelta: 10,
		SlowAdjThresh:  2,
		SeqErrThresh:   0,
		IgnoreOooDup:   0,
		ModifierBitmap: ModSrIndexIsStart,
		RateAdjAlgo:    AlgoB,
		SendingRate: SendingRateWire{
			TxInterval1: 100, UDPPayload1: 1200, BurstSize1: 5,
			TxInterval2: 1000, UDPPayload2: 1200, BurstSize2: 0,
			UDPAddon2: 0,
		},
	}
	b1 := EncodeTestActivationRequest(req)
	decoded, err := DecodeTestActivationRequest(b1, true)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	b2 := EncodeTestActivationRequest(decoded)
	if diff := cmp.Diff(b1, b2); diff != "" {
		t.Fatalf("re-encode mismatch (-want +got):\n%s", diff)
	}
	req.Checksum, decoded.Checksum = 0, 0
	if diff := cmp.Diff(req, decoded); diff != "" {
		t.Fatalf("field mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPDURoundTrip(t *testing.T) {
	p := LoadPDU{
		TestAction:   TestActionTest,
		RxStopped:    0,
		LpduSeqNo:    42,
		UDPPayload:   1200,
		SpduSeqErr:   0,
		SpduTimeSec:  1700000000,
		SpduTimeNsec: 123456,
		LpduTimeSec:  1700000001,
		LpduTimeNsec: 654321,
		RttRespDelay: 3,
	}
	b1 := EncodeLoadPDU(p)
	decoded, err := DecodeLoadPDU(b1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(p, decoded); diff != "" {
		t.Fatalf("field mismatch (-want +got):\n%s", diff)
	}
	b2 := EncodeLoadPDU(decoded)
	if diff := cmp.Diff(b1, b2); diff != "" {
		t.Fatalf("re-encode mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPDUWithTrailingPayloadDecodes(t *testing.T) {
	p := LoadPDU{TestAction: TestActionTest, LpduSeqNo: 1}
	b := EncodeLoadPDU(p)
	b = append(b, make([]byte, 1200)...)
	decoded, err := DecodeLoadPDU(b)
	if err != nil {
		t.Fatalf("decode with trailing payload: %v", err)
	}
	if decoded.LpduSeqNo != 1 {
		t.Fatalf("LpduSeqNo = %d, want 1", decoded.LpduSeqNo)
	}
}

func TestLoadPDUTooShort(t *testing.T) {
	if _, err := DecodeLoadPDU(make([]byte, 4)); err == nil {
		t.Fatal("expected too-short error")
	}
}

func TestStatusPDURoundTrip(t *testing.T) {
	p := StatusPDU{
		TestAction:  TestActionTest,
		RxStopped:   0,
		SpduSeqNo:   99,
		SendingRate: SendingRateWire{TxInterval1: 100, UDPPayload1: 1200, BurstSize1: 5},
		SubIntSeqNo: 3,
		Saved: SubIntStatsWire{
			RxDatagrams: 1000, RxBytes: 1200000, DeltaTime: 1000,
			SeqErrLoss: 0, SeqErrOoo: 1, DelayVarMin: 1, DelayVarMax: 5,
			DelayVarSum: 300, DelayVarCnt: 100, RttMinimum: 2, RttMaximum: 8,
			AccumTime: 5000,
		},
		SeqErrLoss:    0,
		SeqErrOoo:     1,
		SeqErrDup:     0,
		ClockDeltaMin: 12,
		DelayVarMin:   1,
		DelayVarMax:   5,
		DelayVarSum:   300,
		DelayVarCnt:   100,
		RttMinimum:    2,
		RttSample:     3,
		DelayMinUpd:   1,
		TiDeltaTime:   1000,
		TiRxDatagrams: 1000,
		TiRxBytes:     1200000,
		SendTimeSec:   1700000000,
		SendTimeNsec:  5000,
	}
	b1 := EncodeStatusPDU(p)
	if len(b1) != statusPDUSize {
		t.Fatalf("encoded size = %d, want %d", len(b1), statusPDUSize)
	}
	decoded, err := DecodeStatusPDU(b1)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(p, decoded); diff != "" {
		t.Fatalf("field mismatch (-want +got):\n%s", diff)
	}
	b2 := EncodeStatusPDU(decoded)
	if diff := cmp.Diff(b1, b2); diff != "" {
		t.Fatalf("re-encode mismatch (-want +got):\n%s", diff)
	}
}

func TestAlertLimiterCapsAtFifty(t *testing.T) {
	var lim AlertLimiter
	for i := 0; i < 60; i++ {
		lim.Allow()
	}
	if lim.Count() != alertLimit {
		t.Fatalf("Count() = %d, want %d", lim.Count(), alertLimit)
	}
}
