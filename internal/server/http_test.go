package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ummshsh/Recall-Sampler/internal/audio"
	"github.com/ummshsh/Recall-Sampler/internal/capture"
	"github.com/ummshsh/Recall-Sampler/internal/config"
	"github.com/ummshsh/Recall-Sampler/internal/export"
	"github.com/ummshsh/Recall-Sampler/internal/host"
	"github.com/ummshsh/Recall-Sampler/internal/metrics"
)

const testRate = 8000.0

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// apiFixture wires an engine, host, exporter and hub behind a test server
type apiFixture struct {
	engine   *capture.Engine
	host     *host.Host
	exporter *export.Exporter
	hub      *StatusHub
	metrics  *metrics.Metrics
	ts       *httptest.Server
}

func newAPIFixture(t *testing.T, prepare bool) *apiFixture {
	t.Helper()

	engine, err := capture.NewEngine(testLogger(), capture.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if prepare {
		if err := engine.Prepare(testRate, 1, 2); err != nil {
			t.Fatalf("Failed to prepare engine: %v", err)
		}
	}
	h := host.New(engine)

	exporter, err := export.NewExporter(testLogger(), export.Config{Dir: t.TempDir(), MaxFiles: 3})
	if err != nil {
		t.Fatalf("Failed to create exporter: %v", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, engine, h)
	hub := NewStatusHub(testLogger(), m)

	srv := NewHTTPServer(HTTPServerConfig{Address: "127.0.0.1", Port: 0}, testLogger(), config.Default(),
		engine, h, exporter, hub, m, reg, nil)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hub.Close()
		ts.Close()
	})

	return &apiFixture{
		engine:   engine,
		host:     h,
		exporter: exporter,
		hub:      hub,
		metrics:  m,
		ts:       ts,
	}
}

// fill writes n loud mono samples through the host
func (f *apiFixture) fill(n int) {
	block := make([]float32, n)
	for i := range block {
		block[i] = 0.5
	}
	f.host.Callback([][]float32{block})
}

func (f *apiFixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, r)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, true)

	resp := f.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	var body map[string]interface{}
	decodeBody(t, resp, &body)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body["status"])
	}
}

func TestHealthBeforePrepare(t *testing.T) {
	f := newAPIFixture(t, false)

	var body map[string]interface{}
	decodeBody(t, f.do(t, http.MethodGet, "/health", ""), &body)
	if body["status"] != "starting" {
		t.Errorf("Expected starting, got %v", body["status"])
	}
}

func TestStatus(t *testing.T) {
	f := newAPIFixture(t, true)
	f.fill(100)

	var body statusResponse
	decodeBody(t, f.do(t, http.MethodGet, "/status", ""), &body)

	if !body.Engine.Prepared || body.Engine.Capacity != 16000 {
		t.Errorf("Unexpected engine status: %+v", body.Engine)
	}
	if body.Engine.WritePosition != 100 {
		t.Errorf("Expected write position 100, got %d", body.Engine.WritePosition)
	}
	if body.Host.Callbacks != 1 {
		t.Errorf("Expected 1 host callback, got %d", body.Host.Callbacks)
	}
	if body.UDP != nil {
		t.Error("Expected no UDP statistics without a network source")
	}
}

func TestFreeze(t *testing.T) {
	f := newAPIFixture(t, true)

	tests := []struct {
		name       string
		method     string
		body       string
		wantCode   int
		wantFrozen bool
	}{
		{name: "read", method: http.MethodGet, wantCode: http.StatusOK, wantFrozen: false},
		{name: "freeze", method: http.MethodPost, body: `{"frozen": true}`, wantCode: http.StatusOK, wantFrozen: true},
		{name: "missing field", method: http.MethodPost, body: `{}`, wantCode: http.StatusBadRequest, wantFrozen: true},
		{name: "malformed", method: http.MethodPost, body: `{"frozen":`, wantCode: http.StatusBadRequest, wantFrozen: true},
		{name: "wrong method", method: http.MethodDelete, wantCode: http.StatusMethodNotAllowed, wantFrozen: true},
		{name: "thaw", method: http.MethodPost, body: `{"frozen": false}`, wantCode: http.StatusOK, wantFrozen: false},
	}

	for _, tt := range tests {
		resp := f.do(t, tt.method, "/freeze", tt.body)
		if resp.StatusCode != tt.wantCode {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.wantCode, resp.StatusCode)
		}
		if f.engine.IsFrozen() != tt.wantFrozen {
			t.Errorf("%s: expected frozen=%t", tt.name, tt.wantFrozen)
		}
	}
}

func TestDurationRequestAndApply(t *testing.T) {
	f := newAPIFixture(t, true)
	f.fill(500)

	var state durationResponse
	decodeBody(t, f.do(t, http.MethodPut, "/duration", `{"seconds": 5}`), &state)
	if state.RequestedSeconds != 5 || state.AppliedSeconds != 2 || !state.Pending {
		t.Errorf("Unexpected state after request: %+v", state)
	}
	if f.engine.Capacity() != 16000 {
		t.Errorf("Requesting must not resize, capacity is %d", f.engine.Capacity())
	}

	resp := f.do(t, http.MethodPost, "/duration/apply", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200 from apply, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &state)
	if !state.Changed || state.Pending || state.AppliedSeconds != 5 {
		t.Errorf("Unexpected state after apply: %+v", state)
	}
	if f.engine.Capacity() != 40000 || f.engine.WritePosition() != 0 {
		t.Errorf("Expected cleared ring of 40000, got capacity %d cursor %d", f.engine.Capacity(), f.engine.WritePosition())
	}
	if f.host.Stats().Suspensions != 1 {
		t.Errorf("Expected one host suspension, got %d", f.host.Stats().Suspensions)
	}

	// Applying again is a no-op
	state = durationResponse{}
	decodeBody(t, f.do(t, http.MethodPost, "/duration/apply", ""), &state)
	if state.Changed {
		t.Error("Expected second apply to change nothing")
	}
	if f.host.Stats().Suspensions != 1 {
		t.Errorf("Expected no extra suspension, got %d", f.host.Stats().Suspensions)
	}
}

func TestDurationClampAndValidation(t *testing.T) {
	f := newAPIFixture(t, true)

	var state durationResponse
	decodeBody(t, f.do(t, http.MethodPut, "/duration", `{"seconds": 100000}`), &state)
	if state.RequestedSeconds != capture.DefaultMaxDuration {
		t.Errorf("Expected clamp to %f, got %f", capture.DefaultMaxDuration, state.RequestedSeconds)
	}

	tests := []struct {
		name string
		body string
	}{
		{name: "negative", body: `{"seconds": -1}`},
		{name: "missing", body: `{}`},
		{name: "not a number", body: `{"seconds": "ten"}`},
	}
	for _, tt := range tests {
		if resp := f.do(t, http.MethodPut, "/duration", tt.body); resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", tt.name, resp.StatusCode)
		}
	}
}

func TestApplyBeforePrepare(t *testing.T) {
	f := newAPIFixture(t, false)

	if resp := f.do(t, http.MethodPost, "/duration/apply", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409, got %d", resp.StatusCode)
	}
}

func TestOverview(t *testing.T) {
	f := newAPIFixture(t, true)
	f.fill(4000)

	var ov capture.Overview
	decodeBody(t, f.do(t, http.MethodGet, "/overview?buckets=4", ""), &ov)
	if ov.Buckets != 4 || len(ov.Max) != 4 {
		t.Fatalf("Expected 4 buckets, got %+v", ov)
	}
	if ov.Max[0] != 0.5 || ov.Max[3] != 0 {
		t.Errorf("Expected first bucket loud and last empty, got %v", ov.Max)
	}
	if ov.Cursor != 4000 || ov.CursorBucket != 1 {
		t.Errorf("Expected cursor 4000 in bucket 1, got %d in %d", ov.Cursor, ov.CursorBucket)
	}

	if resp := f.do(t, http.MethodGet, "/overview?buckets=zero", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad buckets, got %d", resp.StatusCode)
	}
}

func TestExportDownload(t *testing.T) {
	f := newAPIFixture(t, true)
	f.fill(16000)

	resp := f.do(t, http.MethodGet, "/export?seconds=0.5", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("Expected audio/wav, got %s", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.HasPrefix(cd, "attachment;") {
		t.Errorf("Expected attachment disposition, got %q", cd)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	channels, rate, err := audio.DecodeWAV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Failed to decode download: %v", err)
	}
	if rate != 8000 || len(channels) != 1 || len(channels[0]) != 4000 {
		t.Errorf("Expected 4000 mono frames at 8000 Hz, got %d frames at %d", len(channels[0]), rate)
	}

	if got := testutil.ToFloat64(f.metrics.Exports.WithLabelValues("download")); got != 1 {
		t.Errorf("Expected 1 download recorded, got %f", got)
	}
	if f.host.Stats().Suspensions != 1 {
		t.Errorf("Expected the snapshot to suspend the host once, got %d", f.host.Stats().Suspensions)
	}
}

func TestExportRanges(t *testing.T) {
	f := newAPIFixture(t, true)

	tests := []struct {
		name     string
		query    string
		wantCode int
	}{
		{name: "whole ring", query: "", wantCode: http.StatusOK},
		{name: "explicit range", query: "?start=100&end=200", wantCode: http.StatusOK},
		{name: "start only", query: "?start=15999", wantCode: http.StatusOK},
		{name: "reversed", query: "?start=200&end=100", wantCode: http.StatusBadRequest},
		{name: "past end", query: "?end=16001", wantCode: http.StatusBadRequest},
		{name: "bad start", query: "?start=x", wantCode: http.StatusBadRequest},
		{name: "bad seconds", query: "?seconds=abc", wantCode: http.StatusBadRequest},
		{name: "zero seconds", query: "?seconds=0", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		resp := f.do(t, http.MethodGet, "/export"+tt.query, "")
		if resp.StatusCode != tt.wantCode {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.wantCode, resp.StatusCode)
		}
	}
}

func TestExportBeforePrepare(t *testing.T) {
	f := newAPIFixture(t, false)

	if resp := f.do(t, http.MethodGet, "/export", ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("Expected 409, got %d", resp.StatusCode)
	}
}

func TestExportSaveAndList(t *testing.T) {
	f := newAPIFixture(t, true)
	f.fill(8000)

	resp := f.do(t, http.MethodPost, "/export?seconds=1", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("Expected 201, got %d", resp.StatusCode)
	}
	var result export.Result
	decodeBody(t, resp, &result)
	if result.Frames != 8000 || result.Seconds != 1 {
		t.Errorf("Unexpected result: %+v", result)
	}
	if _, err := os.Stat(result.Path); err != nil {
		t.Errorf("Expected saved file at %s: %v", result.Path, err)
	}

	var listing struct {
		Count int      `json:"count"`
		Files []string `json:"files"`
	}
	decodeBody(t, f.do(t, http.MethodGet, "/exports", ""), &listing)
	if listing.Count != 1 || listing.Files[0] != result.Path {
		t.Errorf("Expected listing of %s, got %+v", result.Path, listing)
	}
}

func TestConfigEndpoint(t *testing.T) {
	f := newAPIFixture(t, true)

	var body map[string]map[string]interface{}
	decodeBody(t, f.do(t, http.MethodGet, "/config", ""), &body)
	if body["capture"]["sample_rate"] != float64(48000) {
		t.Errorf("Expected default sample rate in config, got %v", body["capture"]["sample_rate"])
	}
	if _, ok := body["export"]["dir"]; ok {
		t.Error("Expected export dir to be left out of /config")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newAPIFixture(t, true)
	f.engine.SetFrozen(true)
	f.do(t, http.MethodGet, "/status", "")

	resp := f.do(t, http.MethodGet, "/metrics", "")
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read metrics: %v", err)
	}
	text := string(data)

	if !strings.Contains(text, "recall_frozen 1") {
		t.Error("Expected recall_frozen 1 in metrics output")
	}
	if !strings.Contains(text, `recall_http_requests_total{endpoint="/status",method="GET",status_code="200"} 1`) {
		t.Error("Expected /status request to be counted")
	}
}

func TestUnknownPath(t *testing.T) {
	f := newAPIFixture(t, true)

	if resp := f.do(t, http.MethodGet, "/nope", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
	if got := testutil.ToFloat64(f.metrics.HTTPErrors.WithLabelValues("GET", "/", "client_error")); got != 1 {
		t.Errorf("Expected 1 client error, got %f", got)
	}
}
