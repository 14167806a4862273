package wire

import (
	"encoding/binary"
	"fmt"
)

// TestActivationRequest negotiates test parameters after Setup (magic
// 0xACE2). Fields mirror the Connection parameter set of spec §3.
type TestActivationRequest struct {
	ProtocolVer    uint16
	CmdRequest     uint16
	LowThresh      uint16
	UpperThresh    uint16
	TrialInt       uint16 // milliseconds
	TestIntTime    uint16 // seconds
	SubIntPeriod   uint16 // seconds
	IPTosByte      uint8
	SrIndexConf    uint16 // DefSrIndexAuto sentinel = auto
	UseOwDelVar    uint8  // strict boolean
	HighSpeedDelta uint16
	SlowAdjThresh  uint16
	SeqErrThresh   uint16
	IgnoreOooDup   uint8 // strict boolean
	ModifierBitmap uint16
	RateAdjAlgo    uint8
	SendingRate    SendingRateWire
	Checksum       uint16
}

// TestActivationResponse echoes clamped parameters back to the client.
type TestActivationResponse struct {
	ProtocolVer    uint16
	CmdResponse    uint16
	LowThresh      uint16
	UpperThresh    uint16
	TrialInt       uint16
	TestIntTime    uint16
	SubIntPeriod   uint16
	IPTosByte      uint8
	SrIndexConf    uint16
	UseOwDelVar    uint8
	HighSpeedDelta uint16
	SlowAdjThresh  uint16
	SeqErrThresh   uint16
	IgnoreOooDup   uint8
	ModifierBitmap uint16
	RateAdjAlgo    uint8
	SendingRate    SendingRateWire
	Checksum       uint16
}

// DefSrIndexAuto is the sr-index sentinel meaning "let the search algorithm
// pick the starting index" (spec §4.8 "static mode"; the original's
// DEF_SRINDEX_CONF).
const DefSrIndexAuto uint16 = 0xFFFF

const activationFixedSize = 2 + 2 + 2 + 2 + 2 + 2 + 2 + 2 + 1 + 2 + 1 + 2 + 2 + 2 + 1 + 2 + 1
const activationSize = activationFixedSize + sendingRateWireSize + 2

// MinTestActivationSize / MaxTestActivationSize bound decode validation.
const (
	MinTestActivationSize = activationSize
	MaxTestActivationSize = activationSize
)

func putActivationFixed(b []byte, protoVer, cmd, low, upper, trial, testInt, subInt uint16,
	tos uint8, srIdx uint16, oneWay uint8, hsDelta, slowAdj, seqErr uint16, ignoreOoo uint8,
	modBitmap uint16, algo uint8) {
	binary.BigEndian.PutUint16(b[2:4], protoVer)
	binary.BigEndian.PutUint16(b[4:6], cmd)
	binary.BigEndian.PutUint16(b[6:8], low)
	binary.BigEndian.PutUint16(b[8:10], upper)
	binary.BigEndian.PutUint16(b[10:12], trial)
	binary.BigEndian.PutUint16(b[12:14], testInt)
	binary.BigEndian.PutUint16(b[14:16], subInt)
	b[16] = tos
	binary.BigEndian.PutUint16(b[17:19], srIdx)
	b[19] = oneWay
	binary.BigEndian.PutUint16(b[20:22], hsDelta)
	binary.BigEndian.PutUint16(b[22:24], slowAdj)
	binary.BigEndian.PutUint16(b[24:26], seqErr)
	b[26] = ignoreOoo
	binary.BigEndian.PutUint16(b[27:29], modBitmap)
	b[29] = algo
}

// EncodeTestActivationRequest serializes req with a recomputed checksum.
func EncodeTestActivationRequest(req TestActivationRequest) []byte {
	b := make([]byte, activationSize)
	binary.BigEndian.PutUint16(b[0:2], MagicActivation)
	putActivationFixed(b, req.ProtocolVer, req.CmdRequest, req.LowThresh, req.UpperThresh,
		req.TrialInt, req.TestIntTime, req.SubIntPeriod, req.IPTosByte, req.SrIndexConf,
		req.UseOwDelVar, req.HighSpeedDelta, req.SlowAdjThresh, req.SeqErrThresh,
		req.IgnoreOooDup, req.ModifierBitmap, req.RateAdjAlgo)
	req.SendingRate.put(b[activationFixedSize : activationFixedSize+sendingRateWireSize])
	cksumOff := activationFixedSize + sendingRateWireSize
	b[cksumOff], b[cksumOff+1] = 0, 0
	binary.BigEndian.PutUint16(b[cksumOff:cksumOff+2], Checksum16(b))
	return b
}

func getActivationFixed(b []byte) (protoVer, cmd, low, upper, trial, testInt, subInt uint16,
	tos uint8, srIdx uint16, oneWay uint8, hsDelta, slowAdj, seqErr uint16, ignoreOoo uint8,
	modBitmap uint16, algo uint8) {
	protoVer = binary.BigEndian.Uint16(b[2:4])
	cmd = binary.BigEndian.Uint16(b[4:6])
	low = binary.BigEndian.Uint16(b[6:8])
	upper = binary.BigEndian.Uint16(b[8:10])
	trial = binary.BigEndian.Uint16(b[10:12])
	testInt = binary.BigEndian.Uint16(b[12:14])
	subInt = binary.BigEndian.Uint16(b[14:16])
	tos = b[16]
	srIdx = binary.BigEndian.Uint16(b[17:19])
	oneWay = b[19]
	hsDelta = binary.BigEndian.Uint16(b[20:22])
	slowAdj = binary.BigEndian.Uint16(b[22:24])
	seqErr = binary.BigEndian.Uint16(b[24:26])
	ignoreOoo = b[26]
	modBitmap = binary.BigEndian.Uint16(b[27:29])
	algo = b[29]
	return
}

func verifyActivationChecksum(buf []byte, active bool) error {
	if !active {
		return nil
	}
	cksumOff := activationFixedSize + sendingRateWireSize
	field := binary.BigEndian.Uint16(buf[cksumOff : cksumOff+2])
	if field == 0 {
		return nil
	}
	tmp := make([]byte, len(buf))
	copy(tmp, buf)
	binary.BigEndian.PutUint16(tmp[cksumOff:cksumOff+2], 0)
	if Checksum16(tmp) != field {
		return ErrChecksum
	}
	return nil
}

// DecodeTestActivationRequest validates magic, size, cmdRequest, and
// checksum (when checksumActive).
func DecodeTestActivationRequest(buf []byte, checksumActive bool) (TestActivationRequest, error) {
	var req TestActivationRequest
	if len(buf) != activationSize {
		return req, sizeErr("activation request", len(buf), MinTestActivationSize, MaxTestActivationSize)
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != MagicActivation {
		return req, fmt.Errorf("activation request: %w (got %#x)", ErrBadMagic, magic)
	}
	req.CmdRequest = binary.BigEndian.Uint16(buf[4:6])
	if req.CmdRequest != CmdActivateUpstream && req.CmdRequest != CmdActivateDownstream {
		return req, fmt.Errorf("activation request: %w (got %d)", ErrBadCmdRequest, req.CmdRequest)
	}
	if err := verifyActivationChecksum(buf, checksumActive); err != nil {
		return req, fmt.Errorf("activation request: %w", err)
	}
	req.ProtocolVer, _, req.LowThresh, req.UpperThresh, req.TrialInt, req.TestIntTime,
		req.SubIntPeriod, req.IPTosByte, req.SrIndexConf, req.UseOwDelVar, req.HighSpeedDelta,
		req.SlowAdjThresh, req.SeqErrThresh, req.IgnoreOooDup, req.ModifierBitmap, req.RateAdjAlgo =
		getActivationFixed(buf)
	req.SendingRate = getSendingRateWire(buf[activationFixedSize : activationFixedSize+sendingRateWireSize])
	cksumOff := activationFixedSize + sendingRateWireSize
	req.Checksum = binary.BigEndian.Uint16(buf[cksumOff : cksumOff+2])
	return req, nil
}

// EncodeTestActivationResponse serializes resp with a recomputed checksum.
func EncodeTestActivationResponse(resp TestActivationResponse) []byte {
	b := make([]byte, activationSize)
	binary.BigEndian.PutUint16(b[0:2], MagicActivation)
	putActivationFixed(b, resp.ProtocolVer, resp.CmdResponse, resp.LowThresh, resp.UpperThresh,
		resp.TrialInt, resp.TestIntTime, resp.SubIntPeriod, resp.IPTosByte, resp.SrIndexConf,
		resp.UseOwDelVar, resp.HighSpeedDelta, resp.SlowAdjThresh, resp.SeqErrThresh,
		resp.IgnoreOooDup, resp.ModifierBitmap, resp.RateAdjAlgo)
	resp.SendingRate.put(b[activationFixedSize : activationFixedSize+sendingRateWireSize])
	cksumOff := activationFixedSize + sendingRateWireSize
	b[cksumOff], b[cksumOff+1] = 0, 0
	binary.BigEndian.PutUint16(b[cksumOff:cksumOff+2], Checksum16(b))
	return b
}

// DecodeTestActivationResponse validates magic, size, and checksum.
func DecodeTestActivationResponse(buf []byte, checksumActive bool) (TestActivationResponse, error) {
	var resp TestActivationResponse
	if len(buf) != activationSize {
		return resp, sizeErr("activation response", len(buf), MinTestActivationSize, MaxTestActivationSize)
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != MagicActivation {
		return resp, fmt.Errorf("activation response: %w (got %#x)", ErrBadMagic, magic)
	}
	if err := verifyActivationChecksum(buf, checksumActive); err != nil {
		return resp, fmt.Errorf("activation response: %w", err)
	}
	resp.ProtocolVer, resp.CmdResponse, resp.LowThresh, resp.UpperThresh, resp.TrialInt,
		resp.TestIntTime, resp.SubIntPeriod, resp.IPTosByte, resp.SrIndexConf, resp.UseOwDelVar,
		resp.HighSpeedDelta, resp.SlowAdjThresh, resp.SeqErrThresh, resp.IgnoreOooDup,
		resp.ModifierBitmap, resp.RateAdjAlgo = getActivationFixed(buf)
	resp.SendingRate = getSendingRateWire(buf[activationFixedSize : activationFixedSize+sendingRateWireSize])
	cksumOff := activationFixedSize + sendingRateWireSize
	resp.Checksum = binary.BigEndian.Uint16(buf[cksumOff : cksumOff+2])
	return resp, nil
}
