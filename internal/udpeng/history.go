package udpeng

// HistorySize is the recent-sequence-number ring size (spec §9 "suggested
// default 128"; must be a power of two for the mask-wrap trick).
const HistorySize = 128

const historyMask = HistorySize - 1

// SeqClass is the outcome of classifying one arriving load-PDU sequence
// number against a connection's expected-next value and history ring.
type SeqClass int

const (
	// ClassInOrder is the expected next sequence number.
	ClassInOrder SeqClass = iota
	// ClassGap is a forward jump: one or more datagrams were lost.
	ClassGap
	// ClassDuplicate is a sequence number already present in the history
	// ring.
	ClassDuplicate
	// ClassReorder is a sequence number below expected but not in the
	// history ring: a late, not-yet-seen datagram.
	ClassReorder
)

// History is the power-of-two recent-sequence-number ring used to tell
// reordered datagrams apart from true duplicates (spec §4.7 step 6, §9
// "no allocation per PDU").
type History struct {
	seen [HistorySize]bool
	seq  [HistorySize]uint32
}

// Record marks seq as seen in the ring slot seq selects by its low bits.
func (h *History) Record(seq uint32) {
	slot := seq & historyMask
	h.seen[slot] = true
	h.seq[slot] = seq
}

// Contains reports whether seq is the value currently recorded in its
// ring slot (the slot may have been overwritten by a newer, unrelated
// sequence number since — that aliasing is accepted, matching a bounded
// history window by construction).
func (h *History) Contains(seq uint32) bool {
	slot := seq & historyMask
	return h.seen[slot] && h.seq[slot] == seq
}

// Tracker holds the per-connection sequence state: expected next value,
// loss/ooo/dup counters, and the history ring. All arithmetic on Expected
// and sequence numbers is modulo 2^32 (uint32 wraparound), matching spec
// §8 "sequence number wraparound at 2^32".
type Tracker struct {
	Expected uint32
	started  bool
	Loss     uint64
	Ooo      uint64
	Dup      uint64
	hist     History
}

// Observe classifies seq against the tracker's current expected value,
// updates loss/ooo/dup counters and the history ring, and advances
// Expected on in-order or forward-gap arrivals. It implements spec §4.7
// step 6 exactly, including the reorder-tolerance compensation ("decrement
// the current loss window by 1, floor 0") and §8's wraparound and
// reorder/duplicate boundary behaviors.
func (t *Tracker) Observe(seq uint32) SeqClass {
	if !t.started {
		t.started = true
		t.Expected = seq + 1
		t.hist.Record(seq)
		return ClassInOrder
	}

	switch {
	case seq == t.Expected:
		t.hist.Record(seq)
		t.Expected++
		return ClassInOrder

	case int32(seq-t.Expected) > 0:
		// Forward gap: seq is ahead of expected. Count the skipped range
		// as loss, then resynchronize expected to seq+1.
		gap := seq - t.Expected
		t.Loss += uint64(gap)
		t.hist.Record(seq)
		t.Expected = seq + 1
		return ClassGap

	default:
		// seq is behind expected: either a duplicate or a reordered
		// late arrival.
		if t.hist.Contains(seq) {
			t.Dup++
			return ClassDuplicate
		}
		t.Ooo++
		if t.Loss > 0 {
			t.Loss--
		}
		t.hist.Record(seq)
		return ClassReorder
	}
}

// ResetTrialCounters zeroes the per-trial-interval loss/ooo/dup counters
// at a status-PDU emit boundary (spec §8 invariant: "after status-PDU
// emit, loss == ooo == dup == 0"). The history ring and Expected are left
// untouched — they are connection-lifetime state, not per-trial state.
func (t *Tracker) ResetTrialCounters() {
	t.Loss, t.Ooo, t.Dup = 0, 0, 0
}
