package netio

import (
	"testing"
	"time"
)

func TestListenAndClose(t *testing.T) {
	sock, err := Listen("udp4", "127.0.0.1:0", Options{ReuseAddr: true})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer sock.Close()
	if sock.FD() < 0 {
		t.Fatalf("FD() = %d, want >= 0", sock.FD())
	}
	if sock.LocalAddr().Port == 0 {
		t.Fatal("expected an ephemeral port to be assigned")
	}
}

func TestSetDSCPv4(t *testing.T) {
	sock, err := Listen("udp4", "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer sock.Close()
	if err := SetDSCP(sock.Conn, false, 0x2e); err != nil {
		t.Fatalf("SetDSCP: %v", err)
	}
}

func TestPollTimesOutWithNoData(t *testing.T) {
	sock, err := Listen("udp4", "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer sock.Close()
	ready, err := Poll([]int{sock.FD()}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(ready) != 0 {
		t.Fatalf("ready = %v, want none", ready)
	}
}

func TestPollReportsReadableSocket(t *testing.T) {
	sock, err := Listen("udp4", "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer sock.Close()
	sender, err := Listen("udp4", "127.0.0.1:0", Options{})
	if err != nil {
		t.Fatalf("Listen sender: %v", err)
	}
	defer sender.Close()

	if _, err := sender.Conn.WriteToUDP([]byte("hello"), sock.LocalAddr()); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	ready, err := Poll([]int{sock.FD()}, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(ready) != 1 || ready[0] != sock.FD() {
		t.Fatalf("ready = %v, want [%d]", ready, sock.FD())
	}
}
