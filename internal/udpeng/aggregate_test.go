package udpeng

import "testing"

func TestSummaryMergeAccumulates(t *testing.T) {
	s := NewSummary(false, 0)
	s.Merge(SubIntervalRecord{RxDatagrams: 100, Loss: 1, Ooo: 2, Dup: 0, RttMin: 5, DelayVarCnt: 10, DelayVarSum: 50, DelayVarMin: 1, DelayVarMax: 9, RateL3Mbps: 50})
	s.Merge(SubIntervalRecord{RxDatagrams: 100, Loss: 0, Ooo: 0, Dup: 1, RttMin: 3, DelayVarCnt: 10, DelayVarSum: 20, DelayVarMin: 0, DelayVarMax: 4, RateL3Mbps: 80})

	if s.Delivered != 200 {
		t.Fatalf("Delivered = %d, want 200", s.Delivered)
	}
	if s.Lost != 1 || s.Ooo != 2 || s.Dup != 1 {
		t.Fatalf("loss/ooo/dup = %d/%d/%d, want 1/2/1", s.Lost, s.Ooo, s.Dup)
	}
	if s.RttMin != 3 {
		t.Fatalf("RttMin = %d, want 3 (union-min)", s.RttMin)
	}
	if s.DelayVarMin != 0 {
		t.Fatalf("DelayVarMin = %d, want 0", s.DelayVarMin)
	}
	if s.MaxSegment1 == nil || s.MaxSegment1.RateL3Mbps != 80 {
		t.Fatalf("MaxSegment1 rate = %v, want 80 (highest observed)", s.MaxSegment1)
	}
}

func TestBimodalSplitsIntoTwoSegments(t *testing.T) {
	s := NewSummary(true, 2)
	s.Merge(SubIntervalRecord{RateL3Mbps: 10})
	s.Merge(SubIntervalRecord{RateL3Mbps: 20})
	s.Merge(SubIntervalRecord{RateL3Mbps: 5})
	s.Merge(SubIntervalRecord{RateL3Mbps: 50})

	if s.MaxSegment1 == nil || s.MaxSegment1.RateL3Mbps != 20 {
		t.Fatalf("MaxSegment1 = %v, want 20 (max of first 2)", s.MaxSegment1)
	}
	if s.MaxSegment2 == nil || s.MaxSegment2.RateL3Mbps != 50 {
		t.Fatalf("MaxSegment2 = %v, want 50 (max of remainder)", s.MaxSegment2)
	}
}

func TestRateMbpsZeroDeltaReturnsZero(t *testing.T) {
	l3, l2, l1, l0 := RateMbps(100, 100000, 0, false)
	if l3 != 0 || l2 != 0 || l1 != 0 || l0 != 0 {
		t.Fatal("zero delta should produce zero rates, not divide by zero")
	}
}

func TestRateMbpsIPv6AddsOverhead(t *testing.T) {
	l3v4, _, _, _ := RateMbps(1000, 1_000_000, 1000, false)
	l3v6, _, _, _ := RateMbps(1000, 1_000_000, 1000, true)
	if l3v6 <= l3v4 {
		t.Fatalf("IPv6 L3 rate %.2f should exceed IPv4 %.2f (larger header accounted)", l3v6, l3v4)
	}
}
