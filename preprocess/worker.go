package preprocess

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shachafemanoel/hazard-detection/capture"
)

// BusyPolicy decides what happens to a request submitted while the worker
// is mid-frame.
type BusyPolicy int

const (
	// DropNewest rejects the incoming request, keeping latency bounded.
	// This is the default for live capture.
	DropNewest BusyPolicy = iota
	// QueueOne holds at most one pending request behind the in-flight one.
	QueueOne
)

// ErrWorkerBusy is returned by Submit under DropNewest when a frame is
// already in flight. The caller retains ownership of the rejected frame.
var ErrWorkerBusy = errors.New("preprocess: worker busy")

// ErrWorkerClosed is returned by Submit after Close.
var ErrWorkerClosed = errors.New("preprocess: worker closed")

// Request asks the worker to convert one frame. ID correlates the eventual
// response; when empty, the worker assigns one. The worker takes ownership
// of Frame on successful submission and releases it on every outcome.
type Request struct {
	ID         string
	Frame      *capture.Frame
	TargetSize int
	Format     Format
	Quality    int
}

// Response carries the outcome for the request with the matching ID.
// Exactly one of Payload or Err is set.
type Response struct {
	ID      string
	Payload *Payload
	Err     error
	Elapsed time.Duration
}

// Worker converts frames off the capture goroutine. A single goroutine
// processes requests strictly one at a time; communication is by message
// passing only.
type Worker struct {
	requests  chan Request
	responses chan Response
	quit      chan struct{}
	done      chan struct{}
	policy    BusyPolicy
	log       *logrus.Entry
}

// NewWorker starts the worker goroutine. Close must be called to stop it.
func NewWorker(policy BusyPolicy, log *logrus.Entry) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	queue := 0
	if policy == QueueOne {
		queue = 1
	}
	w := &Worker{
		requests:  make(chan Request, queue),
		responses: make(chan Response, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		policy:    policy,
		log:       log.WithField("component", "preprocess"),
	}
	go w.run()
	return w
}

// Submit hands a frame to the worker. Under DropNewest it never blocks: if
// the worker is busy it returns ErrWorkerBusy and the caller keeps the
// frame. Under QueueOne it additionally buffers one pending request.
func (w *Worker) Submit(req Request) (string, error) {
	select {
	case <-w.quit:
		return "", ErrWorkerClosed
	default:
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	select {
	case w.requests <- req:
		return req.ID, nil
	default:
		return "", ErrWorkerBusy
	}
}

// Responses delivers one Response per accepted request, in submission
// order, with the request's ID round-tripped unchanged.
func (w *Worker) Responses() <-chan Response {
	return w.responses
}

// Close stops the worker. Pending frames are released, not processed.
func (w *Worker) Close() {
	select {
	case <-w.quit:
		return
	default:
		close(w.quit)
	}
	<-w.done
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		select {
		case <-w.quit:
			w.drain()
			return
		case req := <-w.requests:
			w.handle(req)
		}
	}
}

func (w *Worker) drain() {
	for {
		select {
		case req := <-w.requests:
			req.Frame.Release()
		default:
			return
		}
	}
}

// handle converts one frame. The input frame is released before the worker
// accepts its next request, on success and failure alike.
func (w *Worker) handle(req Request) {
	start := time.Now()
	var resp Response
	resp.ID = req.ID

	if req.Frame == nil || req.Frame.Released() {
		resp.Err = errors.New("preprocess: frame already released")
	} else {
		payload, err := Process(req.Frame.Image, req.TargetSize, req.Format, req.Quality)
		if err != nil {
			resp.Err = err
		} else {
			payload.RequestID = req.ID
			resp.Payload = payload
		}
	}
	if req.Frame != nil {
		req.Frame.Release()
	}
	resp.Elapsed = time.Since(start)

	if resp.Err != nil {
		w.log.WithField("request_id", req.ID).WithError(resp.Err).Debug("preprocess failed")
	}

	select {
	case w.responses <- resp:
	case <-w.quit:
	}
}
