package wire

import (
	"encoding/binary"
	"fmt"
)

// LoadPDU carries test payload and timing metadata (magic 0xBEEF). The
// datagram's trailing payload bytes are not modeled here; callers append
// (burst generation) or trim (receive) them around the fixed header.
type LoadPDU struct {
	TestAction   uint8
	RxStopped    uint8 // strict boolean
	LpduSeqNo    uint32
	UDPPayload   uint32
	SpduSeqErr   uint32
	SpduTimeSec  uint32
	SpduTimeNsec uint32
	LpduTimeSec  uint32
	LpduTimeNsec uint32
	RttRespDelay uint32 // milliseconds
}

const loadHdrSize = 2 + 1 + 1 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4

// MinLoadPDUSize / MaxLoadPDUSize bound decode size validation; the header
// is fixed-size, the burst payload rides after it and is not part of this
// struct.
const (
	MinLoadPDUSize = loadHdrSize
	MaxLoadPDUSize = loadHdrSize
)

// EncodeLoadPDU serializes just the fixed header; callers append the
// payload bytes themselves (they are generated by the load generator, not
// owned by the codec).
func EncodeLoadPDU(p LoadPDU) []byte {
	b := make([]byte, loadHdrSize)
	binary.BigEndian.PutUint16(b[0:2], MagicLoad)
	b[2] = p.TestAction
	b[3] = p.RxStopped
	binary.BigEndian.PutUint32(b[4:8], p.LpduSeqNo)
	binary.BigEndian.PutUint32(b[8:12], p.UDPPayload)
	binary.BigEndian.PutUint32(b[12:16], p.SpduSeqErr)
	binary.BigEndian.PutUint32(b[16:20], p.SpduTimeSec)
	binary.BigEndian.PutUint32(b[20:24], p.SpduTimeNsec)
	binary.BigEndian.PutUint32(b[24:28], p.LpduTimeSec)
	binary.BigEndian.PutUint32(b[28:32], p.LpduTimeNsec)
	binary.BigEndian.PutUint32(b[32:36], p.RttRespDelay)
	return b
}

// DecodeLoadPDU validates magic and minimum size, per spec §4.7 step 1
// ("Validate magic and minimum size; drop silently otherwise" — callers
// treat a returned error as the drop signal). buf may be longer than the
// header; trailing bytes are the burst payload and are ignored here.
func DecodeLoadPDU(buf []byte) (LoadPDU, error) {
	var p LoadPDU
	if len(buf) < loadHdrSize {
		return p, sizeErr("load pdu", len(buf), MinLoadPDUSize, MaxLoadPDUSize)
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != MagicLoad {
		return p, fmt.Errorf("load pdu: %w (got %#x)", ErrBadMagic, magic)
	}
	p.TestAction = buf[2]
	p.RxStopped = buf[3]
	p.LpduSeqNo = binary.BigEndian.Uint32(buf[4:8])
	p.UDPPayload = binary.BigEndian.Uint32(buf[8:12])
	p.SpduSeqErr = binary.BigEndian.Uint32(buf[12:16])
	p.SpduTimeSec = binary.BigEndian.Uint32(buf[16:20])
	p.SpduTimeNsec = binary.BigEndian.Uint32(buf[20:24])
	p.LpduTimeSec = binary.BigEndian.Uint32(buf[24:28])
	p.LpduTimeNsec = binary.BigEndian.Uint32(buf[28:32])
	p.RttRespDelay = binary.BigEndian.Uint32(buf[32:36])
	return p, nil
}
