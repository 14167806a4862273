package udpeng

import "testing"

func observeAll(t *Tracker, seqs []uint32) []SeqClass {
	out := make([]SeqClass, len(seqs))
	for i, s := range seqs {
		out[i] = t.Observe(s)
	}
	return out
}

func TestReorderToleranceScenario(t *testing.T) {
	var tr Tracker
	observeAll(&tr, []uint32{1, 2, 3, 5, 4, 6})
	if tr.Loss != 0 || tr.Ooo != 1 || tr.Dup != 0 {
		t.Fatalf("got loss=%d ooo=%d dup=%d, want loss=0 ooo=1 dup=0", tr.Loss, tr.Ooo, tr.Dup)
	}
}

func TestDuplicateScenario(t *testing.T) {
	var tr Tracker
	observeAll(&tr, []uint32{1, 2, 2, 3})
	if tr.Loss != 0 || tr.Ooo != 0 || tr.Dup != 1 {
		t.Fatalf("got loss=%d ooo=%d dup=%d, want loss=0 ooo=0 dup=1", tr.Loss, tr.Ooo, tr.Dup)
	}
}

func TestLossFlooredAtZero(t *testing.T) {
	var tr Tracker
	tr.Observe(100) // expected becomes 101
	class := tr.Observe(99)
	if class != ClassReorder {
		t.Fatalf("class = %v, want ClassReorder", class)
	}
	if tr.Loss != 0 {
		t.Fatalf("Loss = %d, want 0 (floored)", tr.Loss)
	}
}

func TestDuplicateWithinHistoryWindow(t *testing.T) {
	var tr Tracker
	tr.Observe(10)
	tr.Observe(11)
	class := tr.Observe(10)
	if class != ClassDuplicate {
		t.Fatalf("class = %v, want ClassDuplicate", class)
	}
	if tr.Dup != 1 {
		t.Fatalf("Dup = %d, want 1", tr.Dup)
	}
}

func TestForwardGapCountsLoss(t *testing.T) {
	var tr Tracker
	tr.Observe(1)
	class := tr.Observe(5)
	if class != ClassGap {
		t.Fatalf("class = %v, want ClassGap", class)
	}
	if tr.Loss != 3 {
		t.Fatalf("Loss = %d, want 3 (seq 2,3,4 skipped)", tr.Loss)
	}
	if tr.Expected != 6 {
		t.Fatalf("Expected = %d, want 6", tr.Expected)
	}
}

func TestSequenceWraparound(t *testing.T) {
	var tr Tracker
	tr.Observe(^uint32(0) - 1) // 0xFFFFFFFE
	class := tr.Observe(1)      // wraps past 0xFFFFFFFF to 1
	if class != ClassGap {
		t.Fatalf("class = %v, want ClassGap across wrap", class)
	}
	// expected was 0xFFFFFFFF; seq=1 means skipped 0xFFFFFFFF and 0: loss=2
	if tr.Loss != 2 {
		t.Fatalf("Loss = %d, want 2 across wraparound", tr.Loss)
	}
	if tr.Expected != 2 {
		t.Fatalf("Expected = %d, want 2", tr.Expected)
	}
}

func TestResetTrialCountersPreservesHistoryAndExpected(t *testing.T) {
	var tr Tracker
	tr.Observe(1)
	tr.Observe(3)
	tr.ResetTrialCounters()
	if tr.Loss != 0 || tr.Ooo != 0 || tr.Dup != 0 {
		t.Fatal("ResetTrialCounters should zero loss/ooo/dup")
	}
	expectedBefore := tr.Expected
	class := tr.Observe(2) // reorder relative to expected=4, not in history
	if class != ClassReorder {
		t.Fatalf("class = %v, want ClassReorder", class)
	}
	if tr.Expected != expectedBefore {
		t.Fatal("Expected should not change on a reorder classification")
	}
}
