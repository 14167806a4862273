package wire

import (
	"encoding/binary"
	"fmt"
)

// SetupRequest is the client's initial control-port PDU (magic 0xACE1).
type SetupRequest struct {
	ProtocolVer     uint16
	McIndex         uint16
	McCount         uint16
	McIdent         uint32
	CmdRequest      uint16
	MaxBandwidth    uint32 // high bit (MaxBandwidthUpstreamBit) marks upstream
	ModifierBitmap  uint16
	AuthMode        uint8
	AuthUnixTime    uint32
	KeyID           uint16
	Digest          [DigestSize]byte
	Checksum        uint16
}

// SetupResponse is the server's reply (same magic, response fields filled).
type SetupResponse struct {
	ProtocolVer    uint16
	McIndex        uint16
	McCount        uint16
	McIdent        uint32
	CmdResponse    uint16
	ModifierBitmap uint16
	TestPort       uint16
	Digest         [DigestSize]byte
	Checksum       uint16
}

const (
	setupReqSize  = 2 + 2 + 2 + 2 + 4 + 2 + 4 + 2 + 1 + 4 + 2 + DigestSize + 2
	setupRespSize = 2 + 2 + 2 + 2 + 4 + 2 + 2 + 2 + DigestSize + 2
)

// MinSetupRequestSize / MaxSetupRequestSize bound decode size validation.
const (
	MinSetupRequestSize = setupReqSize
	MaxSetupRequestSize = setupReqSize
)

// EncodeSetupRequest serializes r, computing the checksum over the buffer
// with the checksum field zeroed, per §4.3/§8's round-trip law.
func EncodeSetupRequest(r SetupRequest) []byte {
	b := make([]byte, setupReqSize)
	binary.BigEndian.PutUint16(b[0:2], MagicSetup)
	binary.BigEndian.PutUint16(b[2:4], r.ProtocolVer)
	binary.BigEndian.PutUint16(b[4:6], r.McIndex)
	binary.BigEndian.PutUint16(b[6:8], r.McCount)
	binary.BigEndian.PutUint32(b[8:12], r.McIdent)
	binary.BigEndian.PutUint16(b[12:14], r.CmdRequest)
	binary.BigEndian.PutUint32(b[14:18], r.MaxBandwidth)
	binary.BigEndian.PutUint16(b[18:20], r.ModifierBitmap)
	b[20] = r.AuthMode
	binary.BigEndian.PutUint32(b[21:25], r.AuthUnixTime)
	binary.BigEndian.PutUint16(b[25:27], r.KeyID)
	copy(b[27:27+DigestSize], r.Digest[:])
	cksumOff := 27 + DigestSize
	b[cksumOff] = 0
	b[cksumOff+1] = 0
	cksum := Checksum16(b)
	binary.BigEndian.PutUint16(b[cksumOff:cksumOff+2], cksum)
	return b
}

// DecodeSetupRequest validates magic, size, cmdRequest, and checksum (when
// checksumActive), returning a populated SetupRequest.
func DecodeSetupRequest(buf []byte, checksumActive bool) (SetupRequest, error) {
	var r SetupRequest
	if len(buf) < setupReqSize {
		return r, sizeErr("setup request", len(buf), MinSetupRequestSize, MaxSetupRequestSize)
	}
	if len(buf) > setupReqSize {
		return r, sizeErr("setup request", len(buf), MinSetupRequestSize, MaxSetupRequestSize)
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != MagicSetup {
		return r, fmt.Errorf("setup request: %w (got %#x)", ErrBadMagic, magic)
	}
	r.CmdRequest = binary.BigEndian.Uint16(buf[12:14])
	if r.CmdRequest != CmdRequestSetup {
		return r, fmt.Errorf("setup request: %w (got %d)", ErrBadCmdRequest, r.CmdRequest)
	}
	if checksumActive {
		cksumOff := 27 + DigestSize
		field := binary.BigEndian.Uint16(buf[cksumOff : cksumOff+2])
		if field != 0 {
			tmp := make([]byte, len(buf))
			copy(tmp, buf)
			binary.BigEndian.PutUint16(tmp[cksumOff:cksumOff+2], 0)
			if Checksum16(tmp) != field {
				return r, ErrChecksum
			}
		}
	}
	r.ProtocolVer = binary.BigEndian.Uint16(buf[2:4])
	r.McIndex = binary.BigEndian.Uint16(buf[4:6])
	r.McCount = binary.BigEndian.Uint16(buf[6:8])
	r.McIdent = binary.BigEndian.Uint32(buf[8:12])
	r.MaxBandwidth = binary.BigEndian.Uint32(buf[14:18])
	r.ModifierBitmap = binary.BigEndian.Uint16(buf[18:20])
	r.AuthMode = buf[20]
	r.AuthUnixTime = binary.BigEndian.Uint32(buf[21:25])
	r.KeyID = binary.BigEndian.Uint16(buf[25:27])
	copy(r.Digest[:], buf[27:27+DigestSize])
	cksumOff := 27 + DigestSize
	r.Checksum = binary.BigEndian.Uint16(buf[cksumOff : cksumOff+2])
	return r, nil
}

// EncodeSetupResponse serializes resp with a recomputed checksum.
func EncodeSetupResponse(resp SetupResponse) []byte {
	b := make([]byte, setupRespSize)
	binary.BigEndian.PutUint16(b[0:2], MagicSetup)
	binary.BigEndian.PutUint16(b[2:4], resp.ProtocolVer)
	binary.BigEndian.PutUint16(b[4:6], resp.McIndex)
	binary.BigEndian.PutUint16(b[6:8], resp.McCount)
	binary.BigEndian.PutUint32(b[8:12], resp.McIdent)
	binary.BigEndian.PutUint16(b[12:14], resp.CmdResponse)
	binary.BigEndian.PutUint16(b[14:16], resp.ModifierBitmap)
	binary.BigEndian.PutUint16(b[16:18], resp.TestPort)
	copy(b[18:18+DigestSize], resp.Digest[:])
	cksumOff := 18 + DigestSize
	b[cksumOff] = 0
	b[cksumOff+1] = 0
	cksum := Checksum16(b)
	binary.BigEndian.PutUint16(b[cksumOff:cksumOff+2], cksum)
	return b
}

// DecodeSetupResponse validates magic, size, and checksum (when active).
func DecodeSetupResponse(buf []byte, checksumActive bool) (SetupResponse, error) {
	var resp SetupResponse
	if len(buf) != setupRespSize {
		return resp, sizeErr("setup response", len(buf), setupRespSize, setupRespSize)
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != MagicSetup {
		return resp, fmt.Errorf("setup response: %w (got %#x)", ErrBadMagic, magic)
	}
	cksumOff := 18 + DigestSize
	if checksumActive {
		field := binary.BigEndian.Uint16(buf[cksumOff : cksumOff+2])
		if field != 0 {
			tmp := make([]byte, len(buf))
			copy(tmp, buf)
			binary.BigEndian.PutUint16(tmp[cksumOff:cksumOff+2], 0)
			if Checksum16(tmp) != field {
				return resp, ErrChecksum
			}
		}
	}
	resp.ProtocolVer = binary.BigEndian.Uint16(buf[2:4])
	resp.McIndex = binary.BigEndian.Uint16(buf[4:6])
	resp.McCount = binary.BigEndian.Uint16(buf[6:8])
	resp.McIdent = binary.BigEndian.Uint32(buf[8:12])
	resp.CmdResponse = binary.BigEndian.Uint16(buf[12:14])
	resp.ModifierBitmap = binary.BigEndian.Uint16(buf[14:16])
	resp.TestPort = binary.BigEndian.Uint16(buf[16:18])
	copy(resp.Digest[:], buf[18:18+DigestSize])
	resp.Checksum = binary.BigEndian.Uint16(buf[cksumOff : cksumOff+2])
	return resp, nil
}
