package ratetable

import "testing"

func TestBuildWithinRowCap(t *testing.T) {
	for _, opts := range []Options{
		{},
		{Jumbo: true},
		{TraditionalMTU: true},
		{IPv6Only: true},
		{Jumbo: true, IPv6Only: true},
	} {
		tbl, err := Build(opts)
		if err != nil {
			t.Fatalf("Build(%+v): %v", opts, err)
		}
		if tbl.Len() == 0 || tbl.Len() > MaxRows {
			t.Fatalf("Build(%+v): Len()=%d, want (0, %d]", opts, tbl.Len(), MaxRows)
		}
		if tbl.HighSpeedThreshold() < 0 || tbl.HighSpeedThreshold() >= tbl.Len() {
			t.Fatalf("Build(%+v): HighSpeedThreshold()=%d out of [0,%d)", opts, tbl.HighSpeedThreshold(), tbl.Len())
		}
	}
}

func TestFirstRowIsMinimumProbe(t *testing.T) {
	tbl, err := Build(Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	row := tbl.Row(0)
	if row.Tx2.IntervalMicros != 50000 {
		t.Fatalf("row 0 Tx2 interval = %d, want 50000 (50ms minimum probe)", row.Tx2.IntervalMicros)
	}
	if !IsRandomized(row.Addon) {
		t.Fatal("row 0 add-on should have the randomization bit set")
	}
}

func TestAggregateRateMonotonicNonDecreasing(t *testing.T) {
	tbl, err := Build(Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	// Every row's aggregate rate is at least that of the row before it.
	prev := tbl.Row(0).AggregateBitsPerSec(0)
	for idx := 1; idx < tbl.Len(); idx++ {
		rate := tbl.Row(idx).AggregateBitsPerSec(0)
		if rate < prev {
			t.Fatalf("row %d aggregate rate %.0f < earlier %.0f", idx, rate, prev)
		}
		prev = rate
	}
}

func TestIndexNeverExitsBounds(t *testing.T) {
	tbl, err := Build(Options{})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	idx := 0
	for step := 0; step < tbl.Len()+10; step++ {
		idx++
		if idx >= tbl.Len() {
			idx = tbl.Len() - 1
		}
	}
	if idx < 0 || idx >= tbl.Len() {
		t.Fatalf("idx=%d escaped [0,%d)", idx, tbl.Len())
	}
}
