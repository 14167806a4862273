package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"github.com/dantte-lp/udpcap/internal/udpeng"
)

// csvHeader matches spec §6's per-datagram export column order exactly,
// grounded on the original's open_outputfile()/per-datagram fprintf.
var csvHeader = []string{
	"SeqNo", "PayLoad", "SrcTxTime", "DstRxTime", "OWD", "IntfMbps",
	"RTTTxTime", "RTTRxTime", "RTTRespDelay", "RTT", "StatusLoss",
}

// CSVWriter streams one row per load PDU serviced to an underlying writer
// (typically an *os.File opened with the CLI's --csv-output-path).
type CSVWriter struct {
	w       *csv.Writer
	wrote   bool
	closeFn func() error
}

// NewCSVWriter wraps w, writing the header row on the first Write call.
func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w)}
}

// NewCSVWriterCloser is like NewCSVWriter but also arranges for closeFn to
// run on Close (e.g. an *os.File's Close method).
func NewCSVWriterCloser(w io.Writer, closeFn func() error) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w), closeFn: closeFn}
}

// Write appends one CSVLine as a row, writing the header first if this is
// the writer's first call.
func (c *CSVWriter) Write(line udpeng.CSVLine) error {
	if !c.wrote {
		if err := c.w.Write(csvHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		c.wrote = true
	}

	row := []string{
		fmt.Sprintf("%d", line.SeqNo),
		fmt.Sprintf("%d", line.Payload),
		formatTime(line.SrcTxTime),
		formatTime(line.DstRxTime),
		formatDuration(line.OWD),
		fmt.Sprintf("%.3f", line.IntfMbps),
		formatTime(line.RTTTxTime),
		formatTime(line.RTTRxTime),
		formatDuration(line.RTTRespDelay),
		formatDuration(line.RTT),
		fmt.Sprintf("%d", line.StatusLoss),
	}

	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	return nil
}

// Flush flushes any buffered rows to the underlying writer.
func (c *CSVWriter) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

// Close flushes then, if a close function was supplied, closes the
// underlying writer.
func (c *CSVWriter) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.3f", float64(d.Microseconds())/1000.0)
}
