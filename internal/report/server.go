// Package report implements the live status reporter: a small HTTP server
// exposing the current aggregate test summary as JSON, a Server-Sent-Events
// stream of sub-interval records as they are produced, and a Prometheus
// exposition endpoint.
//
// This is the one deliberate concurrency seam in an otherwise
// single-threaded design (internal/udpeng's event loop never blocks on it):
// the event loop sends sub-interval records on a buffered, drop-oldest
// channel that this package's broadcaster drains on its own goroutine.
package report

import (
	"bufio"
	"context"
	"encoding/json"
	"sync"
	"time"

	fiber "github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	recovermiddleware "github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dantte-lp/udpcap/internal/udpeng"
)

// sseClientBuf bounds the per-client SSE fan-out channel. A slow client
// drops records rather than applying backpressure to the broadcaster.
const sseClientBuf = 8

// recordBufSize bounds the event-loop-to-reporter channel. The event loop
// sends non-blocking; once full it drops the oldest pending record rather
// than stall the single-threaded core.
const recordBufSize = 64

// Server serves the live status reporter's HTTP surface.
type Server struct {
	app *fiber.App

	summaryMu sync.RWMutex
	summary   StatusSnapshot

	clientsMu sync.Mutex
	clients   map[chan []byte]struct{}

	records chan udpeng.SubIntervalRecord
	done    chan struct{}
}

// StatusSnapshot is the JSON shape returned by GET /api/status.
type StatusSnapshot struct {
	UpdatedAt     time.Time `json:"updated_at"`
	Delivered     uint64    `json:"delivered"`
	Lost          uint64    `json:"lost"`
	Ooo           uint64    `json:"out_of_order"`
	Dup           uint64    `json:"duplicate"`
	MeanRateL3    float64   `json:"mean_rate_l3_mbps"`
	DelayVarAvgMs float64   `json:"delay_variation_avg_ms"`
	RttMinMs      float64   `json:"rtt_min_ms"`
}

// New constructs a Server. reg supplies the /metrics Prometheus exposition;
// it may be prometheus.DefaultGatherer.
func New(reg prometheus.Gatherer) *Server {
	s := &Server{
		clients: make(map[chan []byte]struct{}),
		records: make(chan udpeng.SubIntervalRecord, recordBufSize),
		done:    make(chan struct{}),
	}

	app := fiber.New(fiber.Config{
		ServerHeader: "udpcap",
	})
	app.Use(recovermiddleware.New())

	app.Get("/api/status", s.handleStatus)
	app.Get("/events", s.handleSSE)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	s.app = app
	return s
}

// Listen runs the HTTP server and the record broadcaster until ctx is
// canceled. It blocks until the server shuts down.
func (s *Server) Listen(ctx context.Context, addr string) error {
	go s.runBroadcaster()
	go func() {
		<-ctx.Done()
		close(s.done)
		_ = s.app.Shutdown()
	}()
	return s.app.Listen(addr)
}

// Publish enqueues a sub-interval record for the SSE stream; it does not
// touch the status snapshot. Never blocks: when the internal channel is full, the
// oldest pending record is dropped to make room, matching the "drop-oldest
// on full" policy required of the one concurrency seam in this design.
func (s *Server) Publish(rec udpeng.SubIntervalRecord) {
	for {
		select {
		case s.records <- rec:
			return
		default:
			select {
			case <-s.records:
			default:
			}
		}
	}
}

// SetSummary replaces the current aggregate snapshot returned by
// GET /api/status. Called by the aggregator whenever it updates its
// running Summary.
func (s *Server) SetSummary(sum *udpeng.Summary) {
	s.summaryMu.Lock()
	defer s.summaryMu.Unlock()
	s.summary = StatusSnapshot{
		UpdatedAt:     timeNow(),
		Delivered:     sum.Delivered,
		Lost:          sum.Lost,
		Ooo:           sum.Ooo,
		Dup:           sum.Dup,
		MeanRateL3:    sum.MeanRateL3Mbps(),
		DelayVarAvgMs: sum.DelayVarAvg(),
		RttMinMs:      float64(sum.RttMin),
	}
}

// timeNow is a var so tests can stub it; production uses time.Now.
var timeNow = time.Now

func (s *Server) runBroadcaster() {
	for {
		select {
		case <-s.done:
			return
		case rec := <-s.records:
			s.broadcast(rec)
		}
	}
}

func (s *Server) broadcast(rec udpeng.SubIntervalRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	event := buildSSEEvent(payload)

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for ch := range s.clients {
		select {
		case ch <- event:
		default:
		}
	}
}

func buildSSEEvent(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+16)
	buf = append(buf, "data: "...)
	buf = append(buf, payload...)
	buf = append(buf, "\n\n"...)
	return buf
}

func (s *Server) handleStatus(c fiber.Ctx) error {
	s.summaryMu.RLock()
	snap := s.summary
	s.summaryMu.RUnlock()
	c.Set("Content-Type", "application/json; charset=utf-8")
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.Send(b)
}

func (s *Server) handleSSE(c fiber.Ctx) error {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ch := make(chan []byte, sseClientBuf)

	s.clientsMu.Lock()
	s.clients[ch] = struct{}{}
	s.clientsMu.Unlock()

	c.RequestCtx().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, ch)
			s.clientsMu.Unlock()
		}()

		for {
			select {
			case <-s.done:
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				if _, err := w.Write(event); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	})
	return nil
}
