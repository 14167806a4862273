package udpeng

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAction struct {
	calls    int
	consumed []bool
	err      error
}

func (f *fakeAction) Fire(now time.Time) (bool, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.consumed) {
		return f.consumed[idx], f.err
	}
	return false, f.err
}

func TestAllocateAndFreeSlot(t *testing.T) {
	m := NewManager(4, nil)
	if m.Cap() != 4 {
		t.Fatalf("Cap() = %d, want 4", m.Cap())
	}
	idx := m.Allocate()
	if idx != 0 {
		t.Fatalf("Allocate() = %d, want 0", idx)
	}
	slot := m.Slot(idx)
	slot.Conn = &Connection{State: StateData}

	idx2 := m.Allocate()
	if idx2 != 1 {
		t.Fatalf("Allocate() after first = %d, want 1", idx2)
	}

	m.FreeSlot(idx)
	idx3 := m.Allocate()
	if idx3 != 0 {
		t.Fatalf("Allocate() after free = %d, want 0 (reused)", idx3)
	}
}

func TestAllocateReturnsMinusOneWhenFull(t *testing.T) {
	m := NewManager(1, nil)
	idx := m.Allocate()
	m.Slot(idx).Conn = &Connection{State: StateData}
	if got := m.Allocate(); got != -1 {
		t.Fatalf("Allocate() on full table = %d, want -1", got)
	}
}

func TestTickFiresEndTimeExpiry(t *testing.T) {
	m := NewManager(1, nil)
	idx := m.Allocate()
	now := time.Now()
	m.Slot(idx).Conn = &Connection{State: StateData, EndTime: now.Add(-time.Second)}
	m.tick(now)
	if m.Slot(idx).InUse() {
		t.Fatal("expected slot to be freed after end-time expiry")
	}
}

func TestTickFiresDueTimerExactlyOnce(t *testing.T) {
	m := NewManager(1, nil)
	idx := m.Allocate()
	now := time.Now()
	conn := &Connection{State: StateData}
	conn.ArmTimer(Timer1, now, -time.Millisecond) // already due
	m.Slot(idx).Conn = conn
	action := &fakeAction{}
	m.Slot(idx).TimerActions[Timer1] = action

	m.tick(now)
	if action.calls != 1 {
		t.Fatalf("timer action calls = %d, want 1", action.calls)
	}
	if conn.Timers[Timer1].Armed {
		t.Fatal("timer should be disarmed after firing")
	}
	m.tick(now)
	if action.calls != 1 {
		t.Fatalf("timer action calls after second tick = %d, want still 1 (disarmed)", action.calls)
	}
}

func TestDrainStopsWhenNoDataConsumed(t *testing.T) {
	m := NewManager(1, nil)
	idx := m.Allocate()
	m.Slot(idx).Conn = &Connection{State: StateData}
	action := &fakeAction{consumed: []bool{true, true, false}}
	m.Slot(idx).Primary = action

	m.drain(map[int]bool{idx: true}, time.Now())
	if action.calls != 3 {
		t.Fatalf("Primary.Fire calls = %d, want 3 (stops after first false)", action.calls)
	}
}

func TestDrainInvokesSecondaryOnlyWhenDataConsumed(t *testing.T) {
	m := NewManager(1, nil)
	idx := m.Allocate()
	m.Slot(idx).Conn = &Connection{State: StateData}
	primary := &fakeAction{consumed: []bool{true, false}}
	secondary := &fakeAction{}
	m.Slot(idx).Primary = primary
	m.Slot(idx).Secondary = secondary

	m.drain(map[int]bool{idx: true}, time.Now())
	if secondary.calls != 1 {
		t.Fatalf("Secondary.Fire calls = %d, want 1", secondary.calls)
	}
}

func TestDrainReinitializesSlotOnFatalError(t *testing.T) {
	m := NewManager(1, nil)
	idx := m.Allocate()
	m.Slot(idx).Conn = &Connection{State: StateData}
	m.Slot(idx).Primary = &fakeAction{err: errFakeFatal}

	m.drain(map[int]bool{idx: true}, time.Now())
	if m.Slot(idx).InUse() {
		t.Fatal("expected slot to be re-initialized after fatal primary error")
	}
}

var errFakeFatal = errors.New("fatal")
