package udpeng

import "errors"

// ErrCapacityExceeded is returned by Budget.Reserve when admitting the
// requested bandwidth would exceed the configured ceiling for that
// direction (spec §4.10). udsrv checks the budget when a Test Activation
// request arrives and answers a rejection with wire.CmdActRespBadParam; the
// Setup Response never carries wire.CmdRespCapExc.
var ErrCapacityExceeded = errors.New("udpeng: bandwidth capacity exceeded")

// Budget is the server-side admission control ledger for upstream and
// downstream test bandwidth (spec C10, the original's usBandwidth /
// dsBandwidth).
type Budget struct {
	UsMax uint32
	DsMax uint32

	usUsed uint32
	dsUsed uint32
}

// NewBudget returns a Budget with the given per-direction ceilings in
// Mbps. A ceiling of 0 means unlimited.
func NewBudget(usMax, dsMax uint32) *Budget {
	return &Budget{UsMax: usMax, DsMax: dsMax}
}

// Reserve admits requested Mbps of upstream (if upstream is true) or
// downstream bandwidth, returning ErrCapacityExceeded if the ceiling for
// that direction is configured (non-zero) and would be exceeded.
func (b *Budget) Reserve(upstream bool, requested uint32) error {
	if upstream {
		if b.UsMax > 0 && b.usUsed+requested > b.UsMax {
			return ErrCapacityExceeded
		}
		b.usUsed += requested
		return nil
	}
	if b.DsMax > 0 && b.dsUsed+requested > b.DsMax {
		return ErrCapacityExceeded
	}
	b.dsUsed += requested
	return nil
}

// Release returns requested Mbps of previously reserved bandwidth to the
// pool, floored at zero (spec §3 invariant: "bandwidth accumulator on the
// server is in [0, configured maximum]").
func (b *Budget) Release(upstream bool, requested uint32) {
	if upstream {
		if requested > b.usUsed {
			b.usUsed = 0
			return
		}
		b.usUsed -= requested
		return
	}
	if requested > b.dsUsed {
		b.dsUsed = 0
		return
	}
	b.dsUsed -= requested
}

// UsedUpstream / UsedDownstream report current usage, for metrics export.
func (b *Budget) UsedUpstream() uint32   { return b.usUsed }
func (b *Budget) UsedDownstream() uint32 { return b.dsUsed }
