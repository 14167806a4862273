package udpeng

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dantte-lp/udpcap/internal/netio"
)

// ServerSlotCap / ClientMinSlotCap bound the connection table size (spec
// §4.4 "server cap 128; client cap = max(configured connection count,
// minimum)").
const (
	ServerSlotCap    = 128
	ClientMinSlotCap = 2
)

// DrainBatch is the maximum number of passes of the load-balanced drain per
// wakeup (spec §4.4/§5); each pass fires a ready slot's Primary once.
const DrainBatch = 64

// TickInterval is the event loop's periodic tick cadence; it drives
// timer1/timer2/timer3 evaluation and end-time watchdog scanning.
const TickInterval = clockMinInterval

// clockMinInterval mirrors ratetable.MinInterval without importing
// ratetable here just for a duration constant.
const clockMinInterval = 100 * time.Microsecond

// Action is a per-slot dispatch target: the engine calls it once per
// drained datagram (primary) or once after any data was consumed this
// pass (secondary), replacing the original's function-pointer dispatch
// with an explicit interface per spec §9 "Function-pointer action
// dispatch".
type Action interface {
	// Fire is invoked by the event loop for this slot; consumed reports
	// whether the call processed at least one unit of work (used by the
	// load-balanced drain to decide whether to keep looping this pass).
	Fire(now time.Time) (consumed bool, err error)
}

// Slot is one entry of the connection table: a Connection plus the
// sockets and actions the engine dispatches against it.
type Slot struct {
	Conn    *Connection
	Socket  *netio.Socket
	Primary Action
	// Secondary runs once per pass if Primary consumed any data this
	// pass (spec §4.4 "if data was consumed, invoke the secondary action").
	Secondary Action
	// TimerActions holds the per-timer dispatch target fired by tick when
	// Timers[id] comes due (spec §3 "three named timers"; §9's
	// function-pointer dispatch reworked as an explicit per-timer slot).
	TimerActions [timerCount]Action
}

// InUse reports whether this slot holds a live connection.
func (s *Slot) InUse() bool { return s.Conn != nil && s.Conn.State != StateFree }

// Manager owns the connection table and runs the single-threaded event
// loop (spec C4). It is not safe for concurrent use: exactly one goroutine
// calls RunOnce.
type Manager struct {
	slots  []Slot
	log    *slog.Logger
	closed bool

	// OnFatal holds a handler for fatal process-level errors. The Manager
	// itself never calls it: RunOnce returns poll errors to its caller.
	OnFatal func(error)

	// OnFree, when set, is called after a slot is torn down by FreeSlot,
	// letting callers retire per-connection bookkeeping (metrics gauges,
	// admission-control reservations) that the Manager itself doesn't own.
	OnFree func(slot int)
}

// NewManager returns a Manager with cap slots, all initially free.
func NewManager(cap int, log *slog.Logger) *Manager {
	return &Manager{slots: make([]Slot, cap), log: log}
}

// Cap returns the connection table size.
func (m *Manager) Cap() int { return len(m.slots) }

// Allocate finds the first free slot and returns its index, or -1 if the
// table is full (spec §3 "Lifecycle: allocated on accept...").
func (m *Manager) Allocate() int {
	for i := range m.slots {
		if !m.slots[i].InUse() {
			return i
		}
	}
	return -1
}

// Slot returns a pointer to slot i for the caller to populate after
// Allocate.
func (m *Manager) Slot(i int) *Slot { return &m.slots[i] }

// FreeSlot tears down slot i, closing its socket and zeroing its
// connection (spec §4.4 "Fatal per-slot errors re-initialize only that
// slot").
func (m *Manager) FreeSlot(i int) {
	s := &m.slots[i]
	if s.Socket != nil {
		if err := s.Socket.Close(); err != nil && m.log != nil {
			m.log.Warn("close socket", "slot", i, "error", err)
		}
	}
	if s.Conn != nil {
		s.Conn.Free()
	}
	*s = Slot{}
	if m.OnFree != nil {
		m.OnFree(i)
	}
}

// RunOnce executes one iteration of the event loop: a readiness wait
// (immediate if any slot has a due timer), a load-balanced drain pass
// over readable slots, then a tick pass over all slots' timers and
// end-time watchdogs (spec §4.4, §5).
func (m *Manager) RunOnce(now time.Time) error {
	fds, slotByFD := m.pollableFDs()
	timeout := m.waitTimeout(now)

	ready, err := netio.Poll(fds, timeout)
	if err != nil {
		return fmt.Errorf("udpeng: poll: %w", err)
	}
	readySlots := make(map[int]bool, len(ready))
	for _, fd := range ready {
		if idx, ok := slotByFD[fd]; ok {
			readySlots[idx] = true
		}
	}

	m.drain(readySlots, now)
	m.tick(now)
	return nil
}

func (m *Manager) pollableFDs() ([]int, map[int]int) {
	fds := make([]int, 0, len(m.slots))
	slotByFD := make(map[int]int, len(m.slots))
	for i := range m.slots {
		s := &m.slots[i]
		if s.InUse() && s.Socket != nil {
			fds = append(fds, s.Socket.FD())
			slotByFD[s.Socket.FD()] = i
		}
	}
	return fds, slotByFD
}

// waitTimeout returns zero if any in-use slot has a timer already due at
// now (spec §5 "If a tick is pending, the wait returns immediately").
func (m *Manager) waitTimeout(now time.Time) time.Duration {
	for i := range m.slots {
		s := &m.slots[i]
		if !s.InUse() {
			continue
		}
		for _, t := range s.Conn.Timers {
			if t.Due(now) {
				return 0
			}
		}
	}
	return TickInterval
}

// drain implements the load-balanced drain: up to DrainBatch passes over
// ready slots, each pass firing Primary once per slot, so a bursty
// connection cannot starve others within one wakeup (spec §4.4, §5).
func (m *Manager) drain(readySlots map[int]bool, now time.Time) {
	for pass := 0; pass < DrainBatch; pass++ {
		anyConsumed := false
		for i := range m.slots {
			if !readySlots[i] {
				continue
			}
			s := &m.slots[i]
			if !s.InUse() || s.Primary == nil {
				continue
			}
			consumed, err := s.Primary.Fire(now)
			if err != nil {
				if m.log != nil {
					m.log.Warn("primary action failed, re-initializing slot", "slot", i, "error", err)
				}
				m.FreeSlot(i)
				delete(readySlots, i)
				continue
			}
			if !consumed {
				delete(readySlots, i)
				continue
			}
			anyConsumed = true
			if s.Secondary != nil {
				if _, err := s.Secondary.Fire(now); err != nil && m.log != nil {
					m.log.Warn("secondary action failed", "slot", i, "error", err)
				}
			}
		}
		if !anyConsumed {
			break
		}
	}
}

// tick scans every in-use slot, firing end-time expiry and due timers in
// slot-index order, at most one fire of each timer per tick (spec §5).
func (m *Manager) tick(now time.Time) {
	for i := range m.slots {
		s := &m.slots[i]
		if !s.InUse() {
			continue
		}
		if !s.Conn.EndTime.IsZero() && !now.Before(s.Conn.EndTime) {
			if m.log != nil {
				m.log.Info("connection end-time expired", "slot", i)
			}
			m.FreeSlot(i)
			continue
		}
		for id := range s.Conn.Timers {
			t := &s.Conn.Timers[id]
			if !t.Due(now) {
				continue
			}
			t.Armed = false
			if action := s.TimerActions[id]; action != nil {
				if _, err := action.Fire(now); err != nil && m.log != nil {
					m.log.Warn("timer action failed", "slot", i, "timer", id, "error", err)
				}
			}
		}
	}
}
