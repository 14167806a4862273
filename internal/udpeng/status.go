// Package udpeng is the core measurement engine: connection table and
// event loop (C4), control state machine (C5), load generator (C6),
// receiver/statistics (C7), rate-adjustment engine (C8), aggregator (C9),
// and bandwidth budget (C10). It is single-threaded by design (spec §5):
// one goroutine owns the Manager's connection table, the readiness
// multiplexer, and the periodic tick; no locks guard connection state.
package udpeng

import "fmt"

// Status is the process-exit taxonomy of spec §7: a small integer base
// plus, for setup/activation rejections, the peer's response code added on
// top so the exact CRSP/CATA code is recoverable from the numeric value
// alone.
type Status int

// Status base codes. Setup and Activation rejections add the peer's
// wire.CmdResp* code to their base.
const (
	StatusComplete Status = 0

	StatusConfigError Status = 10

	// StatusSetupErrorBase + a wire.CmdResp* code identifies which Setup
	// Request rejection occurred.
	StatusSetupErrorBase Status = 20

	// StatusActivationErrorBase + wire.CmdActRespBadParam or similar.
	StatusActivationErrorBase Status = 40

	StatusWarningBase Status = 60 // receive-stopped / status-feedback-loss / test-init-timeout

	StatusFatalProcess Status = 90 // clock resolution unavailable, alloc failure, poll setup failure
)

// String renders a Status for structured log output.
func (s Status) String() string {
	switch {
	case s == StatusComplete:
		return "complete"
	case s == StatusConfigError:
		return "configuration-error"
	case s >= StatusSetupErrorBase && s < StatusActivationErrorBase:
		return fmt.Sprintf("setup-error(%d)", int(s-StatusSetupErrorBase))
	case s >= StatusActivationErrorBase && s < StatusWarningBase:
		return fmt.Sprintf("activation-error(%d)", int(s-StatusActivationErrorBase))
	case s >= StatusWarningBase && s < StatusFatalProcess:
		return fmt.Sprintf("warning(%d)", int(s-StatusWarningBase))
	case s == StatusFatalProcess:
		return "fatal-process-error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// SetupError maps a Setup Response's cmdResponse code onto a Status.
func SetupError(cmdResponse uint16) Status {
	return StatusSetupErrorBase + Status(cmdResponse)
}

// ActivationError maps a Test Activation Response's cmdResponse code onto
// a Status.
func ActivationError(cmdResponse uint16) Status {
	return StatusActivationErrorBase + Status(cmdResponse)
}

// Warning kinds, offsets from StatusWarningBase.
const (
	WarningRxStopped Status = StatusWarningBase + iota
	WarningStatusLoss
	WarningTestInitTimeout
)

// Escalate returns the higher-severity of cur and next, where "higher" is
// defined as: any non-complete status beats Complete, and among
// non-complete statuses the later one set wins only when cur is still
// Complete (spec §7 "upgrade the final ErrorStatus to the warning base
// unless a higher-severity code already set").
func Escalate(cur, next Status) Status {
	if cur == StatusComplete {
		return next
	}
	return cur
}
