package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shachafemanoel/hazard-detection/capture"
	"github.com/shachafemanoel/hazard-detection/engine"
	"github.com/shachafemanoel/hazard-detection/fallback"
	"github.com/shachafemanoel/hazard-detection/hazards"
	"github.com/shachafemanoel/hazard-detection/models"
	"github.com/shachafemanoel/hazard-detection/postprocess"
	"github.com/shachafemanoel/hazard-detection/preprocess"
	"github.com/shachafemanoel/hazard-detection/session"
)

// stubEngine returns canned detections, optionally failing or blocking.
type stubEngine struct {
	raw     []models.RawDetection
	err     error
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (s *stubEngine) Infer(ctx context.Context, _ *preprocess.Payload) ([]models.RawDetection, error) {
	s.calls.Add(1)
	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.raw, nil
}

func (s *stubEngine) Close() error { return nil }

func newFrame() *capture.Frame {
	return capture.NewFrame(image.NewNRGBA(image.Rect(0, 0, 32, 32)), time.Now(), nil)
}

type fixture struct {
	dispatcher *Dispatcher
	controller *fallback.Controller
	cancel     context.CancelFunc
}

func newFixture(t *testing.T, engines map[fallback.Tier]engine.Engine, chain []fallback.Tier, client *session.Client) *fixture {
	t.Helper()
	controller := fallback.NewController(chain, nil, nil)
	if err := controller.Start(); err != nil {
		t.Fatal(err)
	}

	registry := hazards.Default()
	worker := preprocess.NewWorker(preprocess.DropNewest, nil)
	d := New(Config{
		Fallback:   controller,
		Engines:    engines,
		Client:     client,
		Post:       postprocess.New(registry),
		Worker:     worker,
		TargetSize: 32,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(func() {
		cancel()
		worker.Close()
	})
	return &fixture{dispatcher: d, controller: controller, cancel: cancel}
}

func awaitResult(t *testing.T, d *Dispatcher) Result {
	t.Helper()
	select {
	case r := <-d.Results():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("no result")
		return Result{}
	}
}

func TestDispatchOnDevice(t *testing.T) {
	eng := &stubEngine{raw: []models.RawDetection{
		{ClassIndex: 8, Confidence: 0.9, BBox: [4]float32{10, 10, 50, 50}},
	}}
	f := newFixture(t, map[fallback.Tier]engine.Engine{fallback.TierCPU: eng}, []fallback.Tier{fallback.TierCPU}, nil)

	f.dispatcher.HandleFrame(newFrame())
	result := awaitResult(t, f.dispatcher)
	if result.Err != nil {
		t.Fatal(result.Err)
	}
	if result.Tier != fallback.TierCPU {
		t.Errorf("tier = %v", result.Tier)
	}
	if len(result.Detections) != 1 || result.Detections[0].ClassName != "Pothole" {
		t.Errorf("detections = %+v", result.Detections)
	}

	if result.Timings.RequestID != result.RequestID {
		t.Errorf("timings request id = %q, expected %q", result.Timings.RequestID, result.RequestID)
	}
	if result.Timings.Preprocess <= 0 {
		t.Errorf("preprocess timing = %v, expected > 0", result.Timings.Preprocess)
	}
	if result.Timings.Total < result.Timings.Inference+result.Timings.Postprocess {
		t.Errorf("total %v less than inference %v + postprocess %v",
			result.Timings.Total, result.Timings.Inference, result.Timings.Postprocess)
	}
}

func TestDispatchDropsFrameWhileBusy(t *testing.T) {
	eng := &stubEngine{
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	f := newFixture(t, map[fallback.Tier]engine.Engine{fallback.TierCPU: eng}, []fallback.Tier{fallback.TierCPU}, nil)

	f.dispatcher.HandleFrame(newFrame())
	<-eng.started // inference for frame 1 is now in flight

	dropped := newFrame()
	f.dispatcher.HandleFrame(dropped)
	if !dropped.Released() {
		t.Error("dropped frame must be released immediately")
	}
	if f.dispatcher.Dropped() != 1 {
		t.Errorf("Dropped() = %d, expected 1", f.dispatcher.Dropped())
	}

	close(eng.release)
	result := awaitResult(t, f.dispatcher)
	if result.Err != nil {
		t.Fatal(result.Err)
	}
	if eng.calls.Load() != 1 {
		t.Errorf("engine calls = %d, expected 1", eng.calls.Load())
	}
}

func TestDispatchEngineFailureAdvancesTier(t *testing.T) {
	failing := &stubEngine{err: &engine.UnavailableError{Backend: "gpu", Err: errors.New("driver crash")}}
	working := &stubEngine{raw: []models.RawDetection{
		{ClassIndex: 8, Confidence: 0.95, BBox: [4]float32{0, 0, 10, 10}},
	}}
	f := newFixture(t, map[fallback.Tier]engine.Engine{
		fallback.TierGPU: failing,
		fallback.TierCPU: working,
	}, []fallback.Tier{fallback.TierGPU, fallback.TierCPU}, nil)

	f.dispatcher.HandleFrame(newFrame())
	first := awaitResult(t, f.dispatcher)
	if first.Err == nil {
		t.Fatal("expected failure from gpu tier")
	}

	if tier, _ := f.controller.CurrentTier(); tier != fallback.TierCPU {
		t.Fatalf("controller did not advance, tier = %v", tier)
	}

	f.dispatcher.HandleFrame(newFrame())
	second := awaitResult(t, f.dispatcher)
	if second.Err != nil {
		t.Fatal(second.Err)
	}
	if second.Tier != fallback.TierCPU {
		t.Errorf("second frame tier = %v, expected TierCPU", second.Tier)
	}
}

func TestDispatchDegradedPipeline(t *testing.T) {
	failing := &stubEngine{err: &engine.UnavailableError{Backend: "cpu", Err: errors.New("broken")}}
	f := newFixture(t, map[fallback.Tier]engine.Engine{fallback.TierCPU: failing}, []fallback.Tier{fallback.TierCPU}, nil)

	f.dispatcher.HandleFrame(newFrame())
	first := awaitResult(t, f.dispatcher)
	if first.Err == nil {
		t.Fatal("expected failure")
	}
	if !f.controller.Degraded() {
		t.Fatal("controller should be degraded")
	}

	f.dispatcher.HandleFrame(newFrame())
	second := awaitResult(t, f.dispatcher)
	if !errors.Is(second.Err, ErrPipelineDegraded) {
		t.Errorf("err = %v, expected ErrPipelineDegraded", second.Err)
	}
}

func TestDispatchRemoteTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/session/start":
			json.NewEncoder(w).Encode(map[string]string{"session_id": "s-1"})
		case "/detect/s-1":
			if err := r.ParseMultipartForm(10 << 20); err != nil {
				t.Errorf("detect was not multipart: %v", err)
			}
			json.NewEncoder(w).Encode(map[string]interface{}{
				"success":    true,
				"session_id": "s-1",
				"detections": []map[string]interface{}{
					{"class_name": "Manhole", "confidence": 0.8,
						"bbox": []float32{1, 2, 3, 4}, "center_x": 2, "center_y": 3},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "Session not found"})
		}
	}))
	defer srv.Close()

	client, err := session.NewClient(session.Config{BaseURL: srv.URL}, nil)
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, nil, []fallback.Tier{fallback.TierRemote}, client)

	f.dispatcher.HandleFrame(newFrame())
	result := awaitResult(t, f.dispatcher)
	if result.Err != nil {
		t.Fatal(result.Err)
	}
	if result.Tier != fallback.TierRemote {
		t.Errorf("tier = %v", result.Tier)
	}
	if len(result.Detections) != 1 || result.Detections[0].ClassName != "Manhole" {
		t.Errorf("detections = %+v", result.Detections)
	}
	if f.dispatcher.SessionID() != "s-1" {
		t.Errorf("session id = %q", f.dispatcher.SessionID())
	}
}
