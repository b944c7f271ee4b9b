package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/sensorbridge/link"
)

type fakeCounters struct {
	c link.Counters
}

func (f *fakeCounters) Counters() link.Counters {
	return f.c
}

type fakeStatus struct {
	serial *link.Link
	broker *link.Link
	last   *link.Heartbeat
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{
		serial: link.New(link.SerialLink, 3),
		broker: link.New(link.BrokerLink, 0),
	}
}

func (f *fakeStatus) Serial() *link.Link    { return f.serial }
func (f *fakeStatus) Broker() *link.Link    { return f.broker }
func (f *fakeStatus) Last() *link.Heartbeat { return f.last }

func (f *fakeStatus) connectSerial() {
	f.serial.Handle(link.EventDial)
	f.serial.Handle(link.EventDialOK)
}

func TestRegisterMirrorsCounters(t *testing.T) {
	counters := &fakeCounters{c: link.Counters{Processed: 7, QueueDropped: 3}}
	status := newFakeStatus()
	status.connectSerial()

	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg, counters, status))

	expected := `
# HELP sensorbridge_samples_processed_total Frames calibrated into samples.
# TYPE sensorbridge_samples_processed_total counter
sensorbridge_samples_processed_total 7
# HELP sensorbridge_link_state Link state: 0 disconnected, 1 connecting, 2 connected, 3 degraded.
# TYPE sensorbridge_link_state gauge
sensorbridge_link_state{link="broker"} 0
sensorbridge_link_state{link="serial"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"sensorbridge_samples_processed_total", "sensorbridge_link_state"))

	// values are read at scrape time
	counters.c.Processed = 9
	counters.c.LogFailed = 1
	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 9, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		if mf.GetType().String() == "COUNTER" {
			values[mf.GetName()] = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(9), values["sensorbridge_samples_processed_total"])
	assert.Equal(t, float64(1), values["sensorbridge_log_failed_total"])
	assert.Equal(t, float64(3), values["sensorbridge_queue_dropped_total"])
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	counters := &fakeCounters{}
	status := newFakeStatus()

	require.NoError(t, Register(reg, counters, status))
	assert.Error(t, Register(reg, counters, status))
}

func TestHealthzFollowsSerialLink(t *testing.T) {
	status := newFakeStatus()
	reg, err := NewRegistry(&fakeCounters{}, status)
	require.NoError(t, err)
	srv := NewServer("127.0.0.1:0", reg, status)

	get := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		return rec
	}

	rec := get()
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disconnected")

	status.connectSerial()
	assert.Equal(t, http.StatusOK, get().Code)

	// a single bad frame degrades the link but it is still healthy
	status.serial.Handle(link.EventMalformed)
	require.Equal(t, link.Degraded, status.serial.State())
	assert.Equal(t, http.StatusOK, get().Code)

	status.serial.Handle(link.EventIOError)
	assert.Equal(t, http.StatusServiceUnavailable, get().Code)
}

func TestStatusServesLastHeartbeat(t *testing.T) {
	status := newFakeStatus()
	reg, err := NewRegistry(&fakeCounters{}, status)
	require.NoError(t, err)
	srv := NewServer("127.0.0.1:0", reg, status)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	status.last = &link.Heartbeat{
		Timestamp:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Session:        "s1",
		Serial:         link.Connected,
		Broker:         link.Connecting,
		Transitions:    []link.Transition{},
		ProcessedDelta: 4,
		Counters:       link.Counters{Processed: 12},
	}
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "connected", body["serial"])
	assert.Equal(t, "connecting", body["broker"])
	assert.Equal(t, float64(4), body["processed_since_last"])
	assert.Equal(t, float64(12), body["processed"])
}

func TestMetricsEndpoint(t *testing.T) {
	status := newFakeStatus()
	reg, err := NewRegistry(&fakeCounters{c: link.Counters{Published: 5}}, status)
	require.NoError(t, err)
	srv := NewServer("127.0.0.1:0", reg, status)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sensorbridge_messages_published_total 5")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRunStopsOnCancel(t *testing.T) {
	status := newFakeStatus()
	reg, err := NewRegistry(&fakeCounters{}, status)
	require.NoError(t, err)
	srv := NewServer("127.0.0.1:0", reg, status)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestRunReportsListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	status := newFakeStatus()
	reg, err := NewRegistry(&fakeCounters{}, status)
	require.NoError(t, err)

	err = NewServer(ln.Addr().String(), reg, status).Run(context.Background())
	assert.Error(t, err)
}
