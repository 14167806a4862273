package udpeng

import (
	"github.com/dantte-lp/udpcap/internal/wire"
)

// Defaults and valid ranges for negotiated parameters (spec §4.5, grounded
// on the original's DEF_/MIN_/MAX_ constants for lowThresh, upperThresh,
// trialInt, testIntTime, subIntPeriod, slowAdjThresh, highSpeedDelta).
const (
	DefLowThresh   uint16 = 30
	MinLowThresh   uint16 = 1
	MaxLowThresh   uint16 = 10000

	DefUpperThresh uint16 = 90
	MinUpperThresh uint16 = 1
	MaxUpperThresh uint16 = 10000

	DefTrialInt uint16 = 50
	MinTrialInt uint16 = 5
	MaxTrialInt uint16 = 250

	DefTestIntTime uint16 = 10
	MinTestIntTime uint16 = 5
	MaxTestIntTime uint16 = 3600

	DefSubIntPeriod uint16 = 1
	MinSubIntPeriod uint16 = 1
	MaxSubIntPeriod uint16 = 10

	DefSlowAdjThresh uint16 = 2
	DefHighSpeedDelta uint16 = 10
	DefSeqErrThresh   uint16 = 0

	DefControlPort uint16 = 25000
)

// ServerLimits are the server's configured maxima that clamp a client's
// requested parameters downward (spec §4.5 "clamp every parameter into its
// valid range and down to server maxima").
type ServerLimits struct {
	MaxTestIntTime uint16
	MaxDSCP        uint8
	MaxBandwidthUp uint32
	MaxBandwidthDs uint32
}

func inRange16(v, lo, hi uint16) bool { return v >= lo && v <= hi }

// ClampActivationRequest implements spec §4.5's Test Activation clamping
// rules and tie-breaks, returning the response fields the server should
// echo back to the client. This mirrors service_actreq in the original.
func ClampActivationRequest(req wire.TestActivationRequest, limits ServerLimits) wire.TestActivationResponse {
	low, upper := req.LowThresh, req.UpperThresh
	if !inRange16(low, uint16(MinLowThresh), uint16(MaxLowThresh)) ||
		!inRange16(upper, uint16(MinUpperThresh), uint16(MaxUpperThresh)) ||
		low > upper {
		low, upper = DefLowThresh, DefUpperThresh
	}

	trialInt := req.TrialInt
	if !inRange16(trialInt, MinTrialInt, MaxTrialInt) {
		trialInt = DefTrialInt
	}

	testInt := req.TestIntTime
	if !inRange16(testInt, MinTestIntTime, MaxTestIntTime) {
		testInt = DefTestIntTime
	}
	if limits.MaxTestIntTime > 0 && testInt > limits.MaxTestIntTime {
		testInt = limits.MaxTestIntTime
	}

	subInt := req.SubIntPeriod
	if !inRange16(subInt, MinSubIntPeriod, MaxSubIntPeriod) || subInt > testInt {
		subInt, testInt = DefSubIntPeriod, DefTestIntTime
		if limits.MaxTestIntTime > 0 && testInt > limits.MaxTestIntTime {
			testInt = limits.MaxTestIntTime
		}
	}

	tos := req.IPTosByte
	if limits.MaxDSCP > 0 && tos > limits.MaxDSCP {
		tos = limits.MaxDSCP
	}

	srIdx := req.SrIndexConf // wire.DefSrIndexAuto sentinel passes through untouched

	oneWay := req.UseOwDelVar
	if oneWay != 0 && oneWay != 1 {
		oneWay = 0
	}

	ignoreOoo := req.IgnoreOooDup
	if ignoreOoo != 0 && ignoreOoo != 1 {
		ignoreOoo = 0
	}

	hsDelta := req.HighSpeedDelta
	if hsDelta == 0 {
		hsDelta = DefHighSpeedDelta
	}
	slowAdj := req.SlowAdjThresh
	if slowAdj == 0 {
		slowAdj = DefSlowAdjThresh
	}
	seqErr := req.SeqErrThresh // 0 is a valid, and the default, value

	// ModRandomPayload is passed through as the client requested it; it is
	// not checked against the server's own configuration here, and udsrv
	// does not remove it before calling ClampActivationRequest.
	modBitmap := req.ModifierBitmap & (wire.ModSrIndexIsStart | wire.ModRandomPayload)

	algo := req.RateAdjAlgo
	if algo != wire.AlgoB && algo != wire.AlgoC {
		algo = wire.AlgoB
	}

	return wire.TestActivationResponse{
		ProtocolVer:    req.ProtocolVer,
		CmdResponse:    wire.CmdActRespOK,
		LowThresh:      low,
		UpperThresh:    upper,
		TrialInt:       trialInt,
		TestIntTime:    testInt,
		SubIntPeriod:   subInt,
		IPTosByte:      tos,
		SrIndexConf:    srIdx,
		UseOwDelVar:    oneWay,
		HighSpeedDelta: hsDelta,
		SlowAdjThresh:  slowAdj,
		SeqErrThresh:   seqErr,
		IgnoreOooDup:   ignoreOoo,
		ModifierBitmap: modBitmap,
		RateAdjAlgo:    algo,
		SendingRate:    req.SendingRate,
	}
}

// StopTestTimeout is the server's graceful-stop window: testInterval+½s
// (spec §5 "Server graceful-stop timer").
func StopTestTimeout(testInt uint16) uint32 {
	return uint32(testInt)*1000 + 500
}

// ForceStopTimeout is the client's force-stop window: testInterval +
// traffic-timeout + ½s (spec §5 "Force-stop timer").
func ForceStopTimeout(testInt uint16) uint32 {
	return uint32(testInt)*1000 + uint32(TrafficTimeout.Milliseconds()) + 500
}
