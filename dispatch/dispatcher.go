package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shachafemanoel/hazard-detection/capture"
	"github.com/shachafemanoel/hazard-detection/engine"
	"github.com/shachafemanoel/hazard-detection/fallback"
	"github.com/shachafemanoel/hazard-detection/models"
	"github.com/shachafemanoel/hazard-detection/postprocess"
	"github.com/shachafemanoel/hazard-detection/preprocess"
	"github.com/shachafemanoel/hazard-detection/session"
)

// ErrPipelineDegraded is emitted per frame once every inference tier has
// been exhausted.
var ErrPipelineDegraded = errors.New("dispatch: pipeline degraded, no inference tier available")

// Result is the outcome of one frame's trip through the pipeline.
type Result struct {
	RequestID  string
	Tier       fallback.Tier
	Detections []models.Detection
	Err        error
	Elapsed    time.Duration
	Timings    models.ProcessingTimings
}

// Config wires a Dispatcher.
type Config struct {
	Fallback    *fallback.Controller
	Engines     map[fallback.Tier]engine.Engine
	Client      *session.Client
	Post        *postprocess.Postprocessor
	Worker      *preprocess.Worker
	TargetSize  int
	JPEGQuality int
}

// Dispatcher routes preprocessed payloads to the active inference tier. It
// keeps exactly one inference attempt in flight: a frame arriving while its
// predecessor is still being processed is dropped, never queued or
// reordered, so latency stays bounded under slow inference.
type Dispatcher struct {
	cfg  Config
	busy atomic.Bool

	dropped   atomic.Int64
	processed atomic.Int64

	sessMu    sync.Mutex
	sessionID string

	results chan Result
	log     *logrus.Entry
}

func New(cfg Config, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = preprocess.DefaultTargetSize
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = preprocess.DefaultJPEGQuality
	}
	return &Dispatcher{
		cfg:     cfg,
		results: make(chan Result, 16),
		log:     log.WithField("component", "dispatch"),
	}
}

// HandleFrame accepts a frame from the capture pump. It takes ownership:
// every path releases the frame, directly on drop or through the worker
// otherwise.
func (d *Dispatcher) HandleFrame(frame *capture.Frame) {
	if !d.busy.CompareAndSwap(false, true) {
		d.dropped.Add(1)
		frame.Release()
		return
	}

	format := preprocess.FormatTensor
	if tier, ok := d.cfg.Fallback.CurrentTier(); ok && tier == fallback.TierRemote {
		format = preprocess.FormatJPEG
	}

	_, err := d.cfg.Worker.Submit(preprocess.Request{
		Frame:      frame,
		TargetSize: d.cfg.TargetSize,
		Format:     format,
		Quality:    d.cfg.JPEGQuality,
	})
	if err != nil {
		// Submission failed, so ownership never transferred.
		frame.Release()
		d.busy.Store(false)
		if errors.Is(err, preprocess.ErrWorkerBusy) {
			d.dropped.Add(1)
			return
		}
		d.log.WithError(err).Warn("preprocess submit failed")
	}
}

// Results delivers one Result per frame that made it past preprocessing.
func (d *Dispatcher) Results() <-chan Result {
	return d.results
}

// Dropped reports how many frames were discarded by backpressure.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Processed reports how many frames completed inference, successfully or
// not.
func (d *Dispatcher) Processed() int64 { return d.processed.Load() }

// SessionID returns the remote session currently in use, if any.
func (d *Dispatcher) SessionID() string {
	d.sessMu.Lock()
	defer d.sessMu.Unlock()
	return d.sessionID
}

// Run consumes worker responses until the context is cancelled. One frame's
// failure never halts the loop; errors are scoped to their Result.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.results)
	for {
		select {
		case <-ctx.Done():
			return
		case resp, ok := <-d.cfg.Worker.Responses():
			if !ok {
				return
			}
			result := d.process(ctx, resp)
			d.processed.Add(1)
			d.busy.Store(false)
			d.log.WithFields(logrus.Fields{
				"request_id": result.RequestID,
				"preprocess": result.Timings.Preprocess,
				"inference":  result.Timings.Inference,
				"total":      result.Timings.Total,
			}).Debug("frame timings")
			select {
			case d.results <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, resp preprocess.Response) Result {
	start := time.Now()
	result := Result{RequestID: resp.ID}
	result.Timings.RequestID = resp.ID
	result.Timings.Preprocess = resp.Elapsed

	if resp.Err != nil {
		var unsupported *preprocess.UnsupportedFormatError
		if errors.As(resp.Err, &unsupported) {
			// The worker cannot produce what the active tier needs;
			// treat the tier as broken and degrade.
			if tier, ok := d.cfg.Fallback.CurrentTier(); ok {
				d.cfg.Fallback.ReportFailure(tier)
			}
		}
		result.Err = resp.Err
		return result
	}

	tier, ok := d.cfg.Fallback.CurrentTier()
	if !ok {
		result.Err = ErrPipelineDegraded
		return result
	}
	result.Tier = tier

	inferStart := time.Now()
	switch tier {
	case fallback.TierRemote:
		// Postprocessing happens server-side for the remote tier.
		result.Detections, result.Err = d.inferRemote(ctx, resp.Payload)
		result.Timings.Inference = time.Since(inferStart)
	default:
		raw, err := d.inferOnDevice(ctx, tier, resp.Payload)
		result.Timings.Inference = time.Since(inferStart)
		if err != nil {
			result.Err = err
			break
		}
		postStart := time.Now()
		result.Detections = d.cfg.Post.Run(raw)
		result.Timings.Postprocess = time.Since(postStart)
	}
	result.Elapsed = time.Since(start)
	result.Timings.Total = resp.Elapsed + result.Elapsed
	return result
}

func (d *Dispatcher) inferOnDevice(ctx context.Context, tier fallback.Tier, payload *preprocess.Payload) ([]models.RawDetection, error) {
	eng, ok := d.cfg.Engines[tier]
	if !ok {
		d.cfg.Fallback.ReportFailure(tier)
		return nil, &engine.UnavailableError{Backend: tier.String(), Err: errors.New("no engine registered")}
	}

	raw, err := eng.Infer(ctx, payload)
	if err != nil {
		var unavailable *engine.UnavailableError
		if errors.As(err, &unavailable) {
			d.cfg.Fallback.ReportFailure(tier)
		}
		return nil, err
	}
	return raw, nil
}

func (d *Dispatcher) inferRemote(ctx context.Context, payload *preprocess.Payload) ([]models.Detection, error) {
	sessionID, err := d.ensureSession(ctx)
	if err != nil {
		d.cfg.Fallback.ReportFailure(fallback.TierRemote)
		return nil, err
	}

	detections, err := d.cfg.Client.Detect(ctx, sessionID, payload)
	if err != nil {
		var validation *session.ValidationError
		if !errors.As(err, &validation) {
			// Transport-level failure that survived the retry budget:
			// the remote tier is gone.
			d.cfg.Fallback.ReportFailure(fallback.TierRemote)
		}
		return nil, err
	}
	return detections, nil
}

func (d *Dispatcher) ensureSession(ctx context.Context) (string, error) {
	d.sessMu.Lock()
	defer d.sessMu.Unlock()
	if d.sessionID != "" {
		// The client may have transparently replaced the session; follow it.
		if sess, ok := d.cfg.Client.LocalSession(d.sessionID); ok {
			d.sessionID = sess.ID
			return d.sessionID, nil
		}
		d.sessionID = ""
	}
	id, err := d.cfg.Client.StartSession(ctx)
	if err != nil {
		return "", err
	}
	d.sessionID = id
	return id, nil
}

// Shutdown ends any open remote session and stops the worker. Call after
// the capture pump and Run loop have stopped.
func (d *Dispatcher) Shutdown(ctx context.Context) (*session.Summary, error) {
	d.cfg.Worker.Close()

	d.sessMu.Lock()
	id := d.sessionID
	d.sessionID = ""
	d.sessMu.Unlock()

	if id == "" || d.cfg.Client == nil {
		return nil, nil
	}
	return d.cfg.Client.EndSession(ctx, id)
}
