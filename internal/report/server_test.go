package report

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dantte-lp/udpcap/internal/udpeng"
)

func TestPublishDropsOldestWhenFull(t *testing.T) {
	s := New(prometheus.NewRegistry())

	for i := 0; i < recordBufSize+10; i++ {
		s.Publish(udpeng.SubIntervalRecord{SeqNo: uint32(i)})
	}

	if got := len(s.records); got != recordBufSize {
		t.Fatalf("channel length = %d, want %d (capped)", got, recordBufSize)
	}

	var lastSeen uint32
	for len(s.records) > 0 {
		rec := <-s.records
		lastSeen = rec.SeqNo
	}
	if lastSeen != recordBufSize+9 {
		t.Fatalf("last record SeqNo = %d, want %d (newest survives drop-oldest)", lastSeen, recordBufSize+9)
	}
}

func TestSetSummaryAndHandleStatus(t *testing.T) {
	s := New(prometheus.NewRegistry())
	sum := udpeng.NewSummary(false, 0)
	sum.Merge(udpeng.SubIntervalRecord{RxDatagrams: 10, Loss: 1, RateL3Mbps: 50})
	s.SetSummary(sum)

	req := httptest.NewRequest("GET", "/api/status", nil)
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) == 0 {
		t.Fatal("empty response body")
	}
}

func TestMetricsEndpointServesPrometheusExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "test_probe_total"}))
	s := New(reg)

	req := httptest.NewRequest("GET", "/metrics", nil)
	resp, err := s.app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "test_probe_total") {
		t.Fatalf("metrics body missing registered metric name:\n%s", body)
	}
}
