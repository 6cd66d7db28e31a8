package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/rtcbridge/internal/credential"
	"github.com/MrWong99/rtcbridge/internal/message"
	"github.com/MrWong99/rtcbridge/internal/observe"
	"github.com/MrWong99/rtcbridge/pkg/audio"
	audiomock "github.com/MrWong99/rtcbridge/pkg/audio/mock"
	rtcmock "github.com/MrWong99/rtcbridge/pkg/rtc/mock"
)

var testCreds = credential.Static{AppID: "app-1", RoomID: "room-1", UserID: "device-1", Token: "secret"}

// harness wires a Session to mock collaborators.
type harness struct {
	eng      *rtcmock.Engine
	capture  *audiomock.Capture
	render   *audiomock.Render
	recorder *audiomock.Recorder
	tone     *audiomock.TonePlayer
	msgs     *messageSink
	reader   *sdkmetric.ManualReader
	sess     *Session
}

// testConfig returns a configuration with all fixed pauses shortened.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WorkerStartDelay = 0
	cfg.FinalizeGrace = 0
	cfg.ReadTimeout = 5 * time.Millisecond
	cfg.NoDataRetry = time.Millisecond
	cfg.JoinTimeout = 2 * time.Second
	return cfg
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		eng:      &rtcmock.Engine{AutoJoin: true},
		capture:  &audiomock.Capture{ReadSize: 4},
		render:   &audiomock.Render{},
		recorder: &audiomock.Recorder{},
		tone:     &audiomock.TonePlayer{},
		msgs:     &messageSink{},
		reader:   sdkmetric.NewManualReader(),
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(h.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h.sess, err = New(cfg, Deps{
		Credentials: testCreds,
		Engine:      h.eng.Factory(),
		OpenCapture: func() (audio.Capture, error) { return h.capture, nil },
		OpenRender:  func() (audio.Render, error) { return h.render, nil },
		Recorder:    h.recorder.Factory(),
		Tone:        h.tone,
		Messages:    h.msgs,
		Metrics:     m,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

// start starts the session and registers a Stop on cleanup.
func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.sess.Start(t.Context()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = h.sess.Stop(context.Background()) })
}

// counter returns the summed value of an int64 counter, optionally filtered
// by one attribute.
func (h *harness) counter(t *testing.T, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				if key == "" {
					total += dp.Value
					continue
				}
				if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// messageSink is a concurrency-safe message.Processor.
type messageSink struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (s *messageSink) Process(msg message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
}

func (s *messageSink) all() []message.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]message.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
