package udpeng

import "testing"

func TestAlgoBReachesHighSpeedThresholdThenUnitSteps(t *testing.T) {
	const hsThresh = 50
	const hsDelta = 10
	const tableLen = 1091
	s := NewRateAdjustState(2)
	idx := 0
	cycles := 0
	for idx < hsThresh {
		idx = Adjust(RateAdjustParams{
			Algo: AlgoB, Index: idx, HighSpeedThreshold: hsThresh, TableLen: tableLen,
			Errors: 0, Delay: 0, SeqErrThresh: 0, LowThresh: 10, UpperThresh: 90,
			HighSpeedDelta: hsDelta,
		}, s)
		cycles++
		if cycles > hsThresh {
			t.Fatalf("did not converge within %d cycles", hsThresh)
		}
	}
	wantCycles := (hsThresh + hsDelta - 1) / hsDelta
	if cycles != wantCycles {
		t.Fatalf("converged in %d cycles, want %d (ceil(%d/%d))", cycles, wantCycles, hsThresh, hsDelta)
	}
	if idx != hsThresh {
		t.Fatalf("idx = %d, want exactly %d", idx, hsThresh)
	}

	next := Adjust(RateAdjustParams{
		Algo: AlgoB, Index: idx, HighSpeedThreshold: hsThresh, TableLen: tableLen,
		Errors: 0, Delay: 0, SeqErrThresh: 0, LowThresh: 10, UpperThresh: 90,
		HighSpeedDelta: hsDelta,
	}, s)
	if next != idx+1 {
		t.Fatalf("above threshold: next = %d, want %d (unit step)", next, idx+1)
	}
}

func TestAlgoBHoldsWithinThresholds(t *testing.T) {
	s := NewRateAdjustState(2)
	next := Adjust(RateAdjustParams{
		Algo: AlgoB, Index: 100, HighSpeedThreshold: 500, TableLen: 1091,
		Errors: 0, Delay: 50, SeqErrThresh: 0, LowThresh: 10, UpperThresh: 90,
		HighSpeedDelta: 10,
	}, s)
	if next != 100 {
		t.Fatalf("next = %d, want 100 (hold: low <= delay <= upper)", next)
	}
}

func TestAlgoBBacksOffOnBadConditions(t *testing.T) {
	s := NewRateAdjustState(2)
	p := RateAdjustParams{
		Algo: AlgoB, Index: 100, HighSpeedThreshold: 500, TableLen: 1091,
		Errors: 5, Delay: 0, SeqErrThresh: 0, LowThresh: 10, UpperThresh: 90,
		HighSpeedDelta: 10,
	}
	idx := Adjust(p, s) // SlowAdjCount: 0->1
	if idx != 99 {
		t.Fatalf("first bad cycle: idx = %d, want 99 (unit decrement, SlowAdjCount below thresh)", idx)
	}
	p.Index = idx
	idx = Adjust(p, s) // SlowAdjCount: 1->2 == SlowAdjThresh -> big backoff
	want := 99 - 10*hsDeltaBackup
	if idx != want {
		t.Fatalf("second bad cycle: idx = %d, want %d (big backoff)", idx, want)
	}
}

func TestAlgoBNeverExitsTableBounds(t *testing.T) {
	s := NewRateAdjustState(2)
	idx := 0
	for i := 0; i < 20; i++ {
		idx = Adjust(RateAdjustParams{
			Algo: AlgoB, Index: idx, HighSpeedThreshold: 50, TableLen: 1091,
			Errors: 100, Delay: 1000, SeqErrThresh: 0, LowThresh: 10, UpperThresh: 90,
			HighSpeedDelta: 10,
		}, s)
		if idx < 0 || idx >= 1091 {
			t.Fatalf("idx = %d escaped table bounds", idx)
		}
	}
	if idx != 0 {
		t.Fatalf("idx = %d, want floored at 0", idx)
	}
}

func TestAlgoCDoublesOnlyEveryOtherGoodCycle(t *testing.T) {
	s := NewRateAdjustState(2)
	p := RateAdjustParams{
		Algo: AlgoC, Index: 4, HighSpeedThreshold: 500, TableLen: 1091,
		Errors: 0, Delay: 0, SeqErrThresh: 0, LowThresh: 10, UpperThresh: 90,
		HighSpeedDelta: 10,
	}
	// algoCUpdate zero-initializes false, same as the original's
	// never-explicitly-set algoCUpdate field: the first good cycle only
	// flips the toggle (no double), the second actually doubles.
	first := Adjust(p, s)
	if first != p.Index {
		t.Fatalf("first good cycle: idx = %d, want %d (no-op, toggle only)", first, p.Index)
	}
	p.Index = first
	second := Adjust(p, s)
	if second != first*2 {
		t.Fatalf("second good cycle: idx = %d, want %d (doubled)", second, first*2)
	}
	p.Index = second
	third := Adjust(p, s)
	if third != second {
		t.Fatalf("third good cycle: idx = %d, want %d (no-op, alternate toggle)", third, second)
	}
	p.Index = third
	fourth := Adjust(p, s)
	if fourth != third*2 {
		t.Fatalf("fourth good cycle: idx = %d, want %d (doubled again)", fourth, third*2)
	}
}

func TestAlgoCStaticModeHoldsIndex(t *testing.T) {
	s := NewRateAdjustState(2)
	idx := Adjust(RateAdjustParams{
		Algo: AlgoC, Index: 42, HighSpeedThreshold: 500, TableLen: 1091,
		Errors: 1000, Delay: 1000, SeqErrThresh: 0, LowThresh: 10, UpperThresh: 90,
		HighSpeedDelta: 10, Static: true,
	}, s)
	if idx != 42 {
		t.Fatalf("idx = %d, want 42 (static mode holds)", idx)
	}
}
