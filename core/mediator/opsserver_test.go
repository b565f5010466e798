package mediator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buskeeper/buskeeper/core/infra/metrics"
)

func TestOpsStatusEndpoint(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ops := NewOpsServer("127.0.0.1:0", f.service, nil)
	srv := httptest.NewServer(ops.Handler())
	defer srv.Close()

	if _, err := f.service.Invoke(context.Background(), readOp(), nil); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	resp, err := http.Get(srv.URL + "/api/v1/status?audit=5")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var report StatusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Decisions["allow"] != 1 {
		t.Fatalf("unexpected counters: %+v", report.Decisions)
	}
	if len(report.RecentAudit) != 1 {
		t.Fatalf("expected 1 recent record, got %d", len(report.RecentAudit))
	}
}

func TestOpsMetricsEndpoint(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	srv := httptest.NewServer(NewOpsServer("127.0.0.1:0", f.service, metrics.Handler()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("metrics exposition missing runtime collectors")
	}
}

func TestOpsStatusRejectsBadQuery(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	srv := httptest.NewServer(NewOpsServer("127.0.0.1:0", f.service, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/status?audit=many")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestOpsServicesEndpoint(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	srv := httptest.NewServer(NewOpsServer("127.0.0.1:0", f.service, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/services?bus=session")
	if err != nil {
		t.Fatalf("get services: %v", err)
	}
	defer resp.Body.Close()
	var out struct {
		Bus      string   `json:"bus"`
		Services []string `json:"services"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Bus != "session" || len(out.Services) != 2 {
		t.Fatalf("unexpected listing: %+v", out)
	}

	resp, err = http.Get(srv.URL + "/api/v1/services?bus=accessibility")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown bus, got %d", resp.StatusCode)
	}
}

func TestAuditTapStreamsRecords(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	srv := httptest.NewServer(NewOpsServer("127.0.0.1:0", f.service, nil).Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/audit"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial tap: %v", err)
	}
	defer ws.Close()

	// Give the handler a moment to register its stream subscription.
	time.Sleep(50 * time.Millisecond)

	if _, err := f.service.Invoke(context.Background(), readOp(), nil); err != nil {
		t.Fatalf("invoke: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read tap: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode tap record: %v", err)
	}
	if rec["verdict"] != "allow" || rec["method"] != "GetCapabilities" {
		t.Fatalf("unexpected tap record: %v", rec)
	}
}
