package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/dantte-lp/udpcap/internal/udpeng"
)

func TestCSVWriterWritesHeaderOnce(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf)

	if err := w.Write(udpeng.CSVLine{SeqNo: 1, Payload: 1200}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Write(udpeng.CSVLine{SeqNo: 2, Payload: 1200}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	out := buf.String()
	if strings.Count(out, "SeqNo") != 1 {
		t.Fatalf("header written %d times, want 1:\n%s", strings.Count(out, "SeqNo"), out)
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3 (header + 2 rows)", len(lines))
	}
}

func TestCSVWriterColumnOrder(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf)
	_ = w.Write(udpeng.CSVLine{SeqNo: 1})
	_ = w.Flush()

	header := strings.Split(strings.Split(buf.String(), "\n")[0], ",")
	want := []string{"SeqNo", "PayLoad", "SrcTxTime", "DstRxTime", "OWD", "IntfMbps",
		"RTTTxTime", "RTTRxTime", "RTTRespDelay", "RTT", "StatusLoss"}
	if len(header) != len(want) {
		t.Fatalf("header cols = %d, want %d", len(header), len(want))
	}
	for i := range want {
		if header[i] != want[i] {
			t.Fatalf("header[%d] = %q, want %q", i, header[i], want[i])
		}
	}
}

func TestCSVWriterZeroTimeRendersEmpty(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSVWriter(&buf)
	_ = w.Write(udpeng.CSVLine{SeqNo: 1, SrcTxTime: time.Time{}})
	_ = w.Flush()

	rows := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	cols := strings.Split(rows[1], ",")
	if cols[2] != "" {
		t.Fatalf("SrcTxTime column = %q, want empty for zero time", cols[2])
	}
}

func TestCSVWriterCloseInvokesCloseFn(t *testing.T) {
	var buf bytes.Buffer
	closed := false
	w := NewCSVWriterCloser(&buf, func() error {
		closed = true
		return nil
	})
	_ = w.Write(udpeng.CSVLine{SeqNo: 1})
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !closed {
		t.Fatal("closeFn was not invoked")
	}
}
