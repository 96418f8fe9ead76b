package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/teslashibe/go-attention/internal/observe"
	"github.com/teslashibe/go-attention/pkg/attention"
	"github.com/teslashibe/go-attention/pkg/calibration"
	"github.com/teslashibe/go-attention/pkg/classifier"
	"github.com/teslashibe/go-attention/pkg/protocol"
	"github.com/teslashibe/go-attention/pkg/session"
)

// mockEngine records calls and returns canned values.
type mockEngine struct {
	state     classifier.State
	sessionID string
	events    []session.Event

	calibrationErr error
	resetErr       error

	calibrationSeconds float64
	resets             int
	word               string
	wordIndex          int
}

func (m *mockEngine) CurrentState() classifier.State { return m.state }

func (m *mockEngine) DebugSnapshot() attention.Snapshot {
	return attention.Snapshot{
		State:     m.state,
		SessionID: m.sessionID,
		Profile:   calibration.DefaultProfile(),
	}
}

func (m *mockEngine) Summary() session.Summary {
	return session.Summary{SessionID: m.sessionID, CurrentState: m.state}
}

func (m *mockEngine) Events() []session.Event { return m.events }

func (m *mockEngine) StartCalibration(seconds float64) (string, error) {
	if m.calibrationErr != nil {
		return "", m.calibrationErr
	}
	m.calibrationSeconds = seconds
	return "run-1", nil
}

func (m *mockEngine) ResetCalibration(context.Context) error { return m.resetErr }

func (m *mockEngine) ResetSession() {
	m.resets++
	m.sessionID = fmt.Sprintf("session-%d", m.resets)
}

func (m *mockEngine) SetCurrentWord(word string, index int) {
	m.word, m.wordIndex = word, index
}

func newTestServer(e Engine, opts ...Option) *Server {
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewServer(e, Config{}, opts...)
}

func request(t *testing.T, s *Server, method, path, body string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func TestHandleState(t *testing.T) {
	e := &mockEngine{state: classifier.Glance, sessionID: "abc"}
	status, body := request(t, newTestServer(e), "GET", "/api/state", "")
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	var resp StateResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "glance" || resp.SessionID != "abc" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestReadEndpoints(t *testing.T) {
	e := &mockEngine{
		state:     classifier.Turning,
		sessionID: "abc",
		events:    []session.Event{{ID: "e1", Type: session.EventTurning, DurationMs: 3000}},
	}
	s := newTestServer(e)

	tests := []struct {
		path string
		want string
	}{
		{"/api/debug", `"state":"turning"`},
		{"/api/summary", `"session_id":"abc"`},
		{"/api/events", `"type":"turning"`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, body := request(t, s, "GET", tt.path, "")
			if status != 200 {
				t.Fatalf("status = %d, want 200", status)
			}
			if !strings.Contains(body, tt.want) {
				t.Errorf("body %s missing %s", body, tt.want)
			}
		})
	}
}

func TestStartCalibration(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantSecs   float64
	}{
		{"explicit duration", `{"duration_seconds":3}`, nil, 202, 3},
		{"default duration", "", nil, 202, 0},
		{"bad body", `{"duration_seconds":"x"}`, nil, 400, 0},
		{"invalid duration", `{"duration_seconds":-1}`, fmt.Errorf("start: %w", calibration.ErrInvalidDuration), 400, 0},
		{"stopped", `{}`, attention.ErrStopped, 503, 0},
		{"other error", `{}`, errors.New("boom"), 500, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &mockEngine{calibrationErr: tt.err}
			status, body := request(t, newTestServer(e), "POST", "/api/calibration", tt.body)
			if status != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", status, tt.wantStatus, body)
			}
			if status == 202 {
				if !strings.Contains(body, "run-1") {
					t.Errorf("body %s missing run id", body)
				}
				if e.calibrationSeconds != tt.wantSecs {
					t.Errorf("seconds = %v, want %v", e.calibrationSeconds, tt.wantSecs)
				}
			}
		})
	}
}

func TestResetCalibration(t *testing.T) {
	status, _ := request(t, newTestServer(&mockEngine{}), "DELETE", "/api/calibration", "")
	if status != 204 {
		t.Errorf("status = %d, want 204", status)
	}

	failing := &mockEngine{resetErr: errors.New("store down")}
	status, _ = request(t, newTestServer(failing), "DELETE", "/api/calibration", "")
	if status != 500 {
		t.Errorf("status = %d, want 500", status)
	}
}

func TestSessionControls(t *testing.T) {
	e := &mockEngine{sessionID: "first"}
	s := newTestServer(e)

	status, body := request(t, s, "POST", "/api/session/reset", "")
	if status != 200 || !strings.Contains(body, "session-1") {
		t.Errorf("reset: status %d body %s", status, body)
	}

	status, _ = request(t, s, "PUT", "/api/session/word", `{"word":" hello ","word_index":4}`)
	if status != 204 {
		t.Fatalf("word: status = %d, want 204", status)
	}
	if e.word != "hello" || e.wordIndex != 4 {
		t.Errorf("word = %q/%d, want hello/4", e.word, e.wordIndex)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	status, body := request(t, newTestServer(&mockEngine{}), "GET", "/metrics", "")
	if status != 200 {
		t.Fatalf("status = %d, want 200", status)
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("metrics body missing Go runtime metrics")
	}
}

func TestDebugRequiresUpgrade(t *testing.T) {
	status, _ := request(t, newTestServer(&mockEngine{}), "GET", "/ws/debug", "")
	if status != 426 {
		t.Errorf("status = %d, want 426", status)
	}
}

func TestRequestDurationRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	s := newTestServer(&mockEngine{}, WithMetrics(m))
	request(t, s, "GET", "/api/state", "")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "attention.http.request.duration" {
				continue
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 1 {
				t.Fatalf("unexpected histogram: %+v", met.Data)
			}
			route, _ := hist.DataPoints[0].Attributes.Value("route")
			if route.AsString() != "/api/state" {
				t.Errorf("route = %q, want /api/state", route.AsString())
			}
			return
		}
	}
	t.Fatal("request duration not recorded")
}

func TestPublishWithoutClients(t *testing.T) {
	s := newTestServer(&mockEngine{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.DebugHub().Run(ctx)

	msg, _ := protocol.NewDistractionMessage("glance", time.Now())
	s.Publish(msg)
	time.Sleep(10 * time.Millisecond)
	if s.DebugHub().ClientCount() != 0 {
		t.Error("unexpected clients")
	}
}
