package udpeng

import (
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/dantte-lp/udpcap/internal/ratetable"
	"github.com/dantte-lp/udpcap/internal/wire"
)

func loopbackPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	a, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen a: %v", err)
	}
	b, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen b: %v", err)
	}
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func testRateTable(t *testing.T) *ratetable.Table {
	t.Helper()
	tbl, err := ratetable.Build(ratetable.Options{})
	if err != nil {
		t.Fatalf("build rate table: %v", err)
	}
	return tbl
}

func TestLoadSendActionTransmitsBurstAndRearmsTimer(t *testing.T) {
	sender, receiver := loopbackPair(t)
	tbl := testRateTable(t)

	conn := &Connection{
		State:     StateData,
		RateTable: tbl,
		SrIndex:   0, // row 0 is the k=0,i=0 special case: a single add-on datagram on Tx2's cadence
	}
	sess := &Session{
		Conn: conn,
		Sock: sender,
		Peer: receiver.LocalAddr().(*net.UDPAddr),
		Rng:  rand.New(rand.NewSource(1)),
		Seed: NewRandSeed([]byte("seed")),
	}
	action := LoadSendAction{S: sess, Timer: Timer2}

	now := time.Now()
	consumed, err := action.Fire(now)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if !consumed {
		t.Fatal("Fire should report consumed = true")
	}
	if conn.LpduSeqNo == 0 {
		t.Fatal("LpduSeqNo should advance past zero after a burst")
	}
	if !conn.Timers[Timer2].Armed {
		t.Fatal("Timer2 should be re-armed after a burst with nonzero interval")
	}

	buf := make([]byte, maxDatagram)
	_ = receiver.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := receiver.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read burst datagram: %v", err)
	}
	p, err := wire.DecodeLoadPDU(buf[:n])
	if err != nil {
		t.Fatalf("decode load pdu: %v", err)
	}
	if p.LpduSeqNo != 1 {
		t.Fatalf("LpduSeqNo = %d, want 1", p.LpduSeqNo)
	}
}

func TestRecvActionDispatchesLoadPDU(t *testing.T) {
	sender, receiver := loopbackPair(t)

	conn := &Connection{State: StateData}
	sess := &Session{Conn: conn, Sock: receiver, Peer: sender.LocalAddr().(*net.UDPAddr)}
	action := RecvAction{S: sess}

	p := wire.LoadPDU{TestAction: wire.TestActionTest, LpduSeqNo: 7, UDPPayload: 1000}
	if _, err := sender.WriteToUDP(wire.EncodeLoadPDU(p), receiver.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write load pdu: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	consumed, err := action.Fire(time.Now().Add(50 * time.Millisecond))
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if !consumed {
		t.Fatal("Fire should report consumed = true for an available datagram")
	}
	if conn.Counters.TiRxDatagrams != 1 {
		t.Fatalf("TiRxDatagrams = %d, want 1", conn.Counters.TiRxDatagrams)
	}
}

func TestStatusEmitActionSendsStatusAndRearms(t *testing.T) {
	sender, receiver := loopbackPair(t)
	tbl := testRateTable(t)

	conn := &Connection{
		State:     StateData,
		RateTable: tbl,
		Params:    Params{TrialInt: 100 * time.Millisecond, SubIntPeriod: time.Second},
	}
	sess := &Session{Conn: conn, Sock: sender, Peer: receiver.LocalAddr().(*net.UDPAddr)}
	action := StatusEmitAction{S: sess, Timer: Timer2}

	now := time.Now()
	if _, err := action.Fire(now); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if !conn.Timers[Timer2].Armed {
		t.Fatal("Timer2 should be re-armed after emitting status")
	}
	if got, want := conn.Timers[Timer2].Threshold, now.Add(conn.Params.TrialInt); !got.Equal(want) {
		t.Fatalf("Timer2 rearm threshold = %v, want %v (TrialInt cadence)", got, want)
	}

	buf := make([]byte, maxDatagram)
	_ = receiver.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := receiver.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read status datagram: %v", err)
	}
	if _, err := wire.DecodeStatusPDU(buf[:n]); err != nil {
		t.Fatalf("decode status pdu: %v", err)
	}
}

func TestStatusEmitActionRotatesSubIntervalOnlyAtPeriod(t *testing.T) {
	sender, receiver := loopbackPair(t)
	tbl := testRateTable(t)

	conn := &Connection{
		State:     StateData,
		RateTable: tbl,
		Params:    Params{TrialInt: 100 * time.Millisecond, SubIntPeriod: time.Second},
	}
	var rotations int
	sess := &Session{
		Conn: conn, Sock: sender, Peer: receiver.LocalAddr().(*net.UDPAddr),
		OnSubInterval: func(SubIntervalRecord) { rotations++ },
	}
	action := StatusEmitAction{S: sess, Timer: Timer2}

	now := time.Now()
	conn.LastSubIntTime = now
	drain := func() {
		buf := make([]byte, maxDatagram)
		_ = receiver.SetReadDeadline(time.Now().Add(time.Second))
		_, _, _ = receiver.ReadFromUDP(buf)
	}

	for i := 1; i <= 5; i++ {
		now = now.Add(conn.Params.TrialInt)
		if _, err := action.Fire(now); err != nil {
			t.Fatalf("Fire %d: %v", i, err)
		}
		drain()
	}
	if rotations != 0 {
		t.Fatalf("rotations after 500ms = %d, want 0 (sub-interval period is 1s)", rotations)
	}

	for i := 6; i <= 10; i++ {
		now = now.Add(conn.Params.TrialInt)
		if _, err := action.Fire(now); err != nil {
			t.Fatalf("Fire %d: %v", i, err)
		}
		drain()
	}
	if rotations != 1 {
		t.Fatalf("rotations after 1s = %d, want 1", rotations)
	}
}

func TestStatusRoundTripDrivesRateAdjust(t *testing.T) {
	sender, receiver := loopbackPair(t)
	tbl := testRateTable(t)

	conn := &Connection{
		State:     StateData,
		RateTable: tbl,
		SrIndex:   10,
		RateAdj:   NewRateAdjustState(4),
		Params: Params{
			Algo:           AlgoB,
			LowThresh:      15,
			UpperThresh:    25,
			HighSpeedDelta: 10,
			SrIndexConf:    wire.DefSrIndexAuto,
		},
	}
	sess := &Session{Conn: conn, Sock: receiver, Peer: sender.LocalAddr().(*net.UDPAddr)}

	st := wire.StatusPDU{RttMinimum: 5}
	if _, err := sender.WriteToUDP(wire.EncodeStatusPDU(st), receiver.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("write status pdu: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	action := RecvAction{S: sess}
	if _, err := action.Fire(time.Now().Add(50 * time.Millisecond)); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if conn.SrIndex <= 10 {
		t.Fatalf("SrIndex = %d, want an upward adjustment on a clean status cycle", conn.SrIndex)
	}
	if conn.LastStatusSendTime.IsZero() {
		t.Fatal("LastStatusSendTime should be recorded for RTT echo on the next load pdu")
	}
}

func TestStopActionEscalatesAcrossTwoFires(t *testing.T) {
	conn := &Connection{State: StateData, Params: Params{TestIntTime: 10 * time.Second}}
	sess := &Session{Conn: conn}
	action := StopAction{S: sess}

	now := time.Now()
	if _, err := action.Fire(now); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if conn.TestAction != ActionStop1 {
		t.Fatalf("TestAction = %v, want ActionStop1 after first fire", conn.TestAction)
	}
	if !conn.Timers[Timer3].Armed {
		t.Fatal("Timer3 should be re-armed after escalating to STOP1")
	}

	if _, err := action.Fire(now.Add(time.Second)); err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if conn.TestAction != ActionStop2 {
		t.Fatalf("TestAction = %v, want ActionStop2 after second fire", conn.TestAction)
	}
}
