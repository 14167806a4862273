package wire

import (
	"encoding/binary"
	"fmt"
)

// SubIntStatsWire is the last-saved sub-interval snapshot carried inside a
// Status PDU (the original's subIntStats).
type SubIntStatsWire struct {
	RxDatagrams  uint32
	RxBytes      uint64
	DeltaTime    uint32
	SeqErrLoss   uint32
	SeqErrOoo    uint32
	DelayVarMin  uint32
	DelayVarMax  uint32
	DelayVarSum  uint64
	DelayVarCnt  uint32
	RttMinimum   uint32
	RttMaximum   uint32
	AccumTime    uint32
}

const subIntStatsWireSize = 4 + 8 + 4 + 4 + 4 + 4 + 4 + 8 + 4 + 4 + 4 + 4

func (s SubIntStatsWire) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], s.RxDatagrams)
	binary.BigEndian.PutUint64(b[4:12], s.RxBytes)
	binary.BigEndian.PutUint32(b[12:16], s.DeltaTime)
	binary.BigEndian.PutUint32(b[16:20], s.SeqErrLoss)
	binary.BigEndian.PutUint32(b[20:24], s.SeqErrOoo)
	binary.BigEndian.PutUint32(b[24:28], s.DelayVarMin)
	binary.BigEndian.PutUint32(b[28:32], s.DelayVarMax)
	binary.BigEndian.PutUint64(b[32:40], s.DelayVarSum)
	binary.BigEndian.PutUint32(b[40:44], s.DelayVarCnt)
	binary.BigEndian.PutUint32(b[44:48], s.RttMinimum)
	binary.BigEndian.PutUint32(b[48:52], s.RttMaximum)
	binary.BigEndian.PutUint32(b[52:56], s.AccumTime)
}

func getSubIntStatsWire(b []byte) SubIntStatsWire {
	return SubIntStatsWire{
		RxDatagrams: binary.BigEndian.Uint32(b[0:4]),
		RxBytes:     binary.BigEndian.Uint64(b[4:12]),
		DeltaTime:   binary.BigEndian.Uint32(b[12:16]),
		SeqErrLoss:  binary.BigEndian.Uint32(b[16:20]),
		SeqErrOoo:   binary.BigEndian.Uint32(b[20:24]),
		DelayVarMin: binary.BigEndian.Uint32(b[24:28]),
		DelayVarMax: binary.BigEndian.Uint32(b[28:32]),
		DelayVarSum: binary.BigEndian.Uint64(b[32:40]),
		DelayVarCnt: binary.BigEndian.Uint32(b[40:44]),
		RttMinimum:  binary.BigEndian.Uint32(b[44:48]),
		RttMaximum:  binary.BigEndian.Uint32(b[48:52]),
		AccumTime:   binary.BigEndian.Uint32(b[52:56]),
	}
}

// StatusPDU carries receiver statistics used for rate adaptation (magic
// 0xFEED), emitted on the trial-interval timer.
type StatusPDU struct {
	TestAction    uint8
	RxStopped     uint8
	SpduSeqNo     uint32
	SendingRate   SendingRateWire
	SubIntSeqNo   uint32
	Saved         SubIntStatsWire
	SeqErrLoss    uint32
	SeqErrOoo     uint32
	SeqErrDup     uint32
	ClockDeltaMin uint32
	DelayVarMin   uint32
	DelayVarMax   uint32
	DelayVarSum   uint64
	DelayVarCnt   uint32
	RttMinimum    uint32
	RttSample     uint32
	DelayMinUpd   uint8
	TiDeltaTime   uint32
	TiRxDatagrams uint32
	TiRxBytes     uint64
	SendTimeSec   uint32
	SendTimeNsec  uint32
}

const statusFixedHeadSize = 1 + 1 + 4 // testAction, rxStopped, spduSeqNo
const statusFixedTailSize = 4 /*SubIntSeqNo*/ +
	4 + 4 + 4 /*seqErrLoss/ooo/dup*/ +
	4 /*clockDeltaMin*/ +
	4 + 4 + 8 + 4 /*delayVar min/max/sum/cnt*/ +
	4 + 4 /*rttMinimum/rttSample*/ +
	1 /*delayMinUpd*/ +
	4 + 4 + 8 /*ti deltaTime/rxDatagrams/rxBytes*/ +
	4 + 4 /*sendTime sec/nsec*/

const statusMagicSize = 2

const statusPDUSize = statusMagicSize + statusFixedHeadSize + sendingRateWireSize + subIntStatsWireSize + statusFixedTailSize

// MinStatusPDUSize / MaxStatusPDUSize bound decode size validation.
const (
	MinStatusPDUSize = statusPDUSize
	MaxStatusPDUSize = statusPDUSize
)

// EncodeStatusPDU serializes p.
func EncodeStatusPDU(p StatusPDU) []byte {
	b := make([]byte, statusPDUSize)
	binary.BigEndian.PutUint16(b[0:2], MagicStatus)
	off := 2
	b[off] = p.TestAction
	b[off+1] = p.RxStopped
	binary.BigEndian.PutUint32(b[off+2:off+6], p.SpduSeqNo)
	off += 6
	p.SendingRate.put(b[off : off+sendingRateWireSize])
	off += sendingRateWireSize
	binary.BigEndian.PutUint32(b[off:off+4], p.SubIntSeqNo)
	off += 4
	p.Saved.put(b[off : off+subIntStatsWireSize])
	off += subIntStatsWireSize
	binary.BigEndian.PutUint32(b[off:off+4], p.SeqErrLoss)
	binary.BigEndian.PutUint32(b[off+4:off+8], p.SeqErrOoo)
	binary.BigEndian.PutUint32(b[off+8:off+12], p.SeqErrDup)
	off += 12
	binary.BigEndian.PutUint32(b[off:off+4], p.ClockDeltaMin)
	off += 4
	binary.BigEndian.PutUint32(b[off:off+4], p.DelayVarMin)
	binary.BigEndian.PutUint32(b[off+4:off+8], p.DelayVarMax)
	binary.BigEndian.PutUint64(b[off+8:off+16], p.DelayVarSum)
	binary.BigEndian.PutUint32(b[off+16:off+20], p.DelayVarCnt)
	off += 20
	binary.BigEndian.PutUint32(b[off:off+4], p.RttMinimum)
	binary.BigEndian.PutUint32(b[off+4:off+8], p.RttSample)
	off += 8
	b[off] = p.DelayMinUpd
	off++
	binary.BigEndian.PutUint32(b[off:off+4], p.TiDeltaTime)
	binary.BigEndian.PutUint32(b[off+4:off+8], p.TiRxDatagrams)
	binary.BigEndian.PutUint64(b[off+8:off+16], p.TiRxBytes)
	off += 16
	binary.BigEndian.PutUint32(b[off:off+4], p.SendTimeSec)
	binary.BigEndian.PutUint32(b[off+4:off+8], p.SendTimeNsec)
	return b
}

// DecodeStatusPDU validates magic and size.
func DecodeStatusPDU(buf []byte) (StatusPDU, error) {
	var p StatusPDU
	if len(buf) != statusPDUSize {
		return p, sizeErr("status pdu", len(buf), MinStatusPDUSize, MaxStatusPDUSize)
	}
	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != MagicStatus {
		return p, fmt.Errorf("status pdu: %w (got %#x)", ErrBadMagic, magic)
	}
	off := 2
	p.TestAction = buf[off]
	p.RxStopped = buf[off+1]
	p.SpduSeqNo = binary.BigEndian.Uint32(buf[off+2 : off+6])
	off += 6
	p.SendingRate = getSendingRateWire(buf[off : off+sendingRateWireSize])
	off += sendingRateWireSize
	p.SubIntSeqNo = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	p.Saved = getSubIntStatsWire(buf[off : off+subIntStatsWireSize])
	off += subIntStatsWireSize
	p.SeqErrLoss = binary.BigEndian.Uint32(buf[off : off+4])
	p.SeqErrOoo = binary.BigEndian.Uint32(buf[off+4 : off+8])
	p.SeqErrDup = binary.BigEndian.Uint32(buf[off+8 : off+12])
	off += 12
	p.ClockDeltaMin = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	p.DelayVarMin = binary.BigEndian.Uint32(buf[off : off+4])
	p.DelayVarMax = binary.BigEndian.Uint32(buf[off+4 : off+8])
	p.DelayVarSum = binary.BigEndian.Uint64(buf[off+8 : off+16])
	p.DelayVarCnt = binary.BigEndian.Uint32(buf[off+16 : off+20])
	off += 20
	p.RttMinimum = binary.BigEndian.Uint32(buf[off : off+4])
	p.RttSample = binary.BigEndian.Uint32(buf[off+4 : off+8])
	off += 8
	p.DelayMinUpd = buf[off]
	off++
	p.TiDeltaTime = binary.BigEndian.Uint32(buf[off : off+4])
	p.TiRxDatagrams = binary.BigEndian.Uint32(buf[off+4 : off+8])
	p.TiRxBytes = binary.BigEndian.Uint64(buf[off+8 : off+16])
	off += 16
	p.SendTimeSec = binary.BigEndian.Uint32(buf[off : off+4])
	p.SendTimeNsec = binary.BigEndian.Uint32(buf[off+4 : off+8])
	return p, nil
}
