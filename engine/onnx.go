package engine

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/shachafemanoel/hazard-detection/models"
	"github.com/shachafemanoel/hazard-detection/preprocess"
)

const (
	// NumBoxes is the YOLO head's candidate count at 640x640 input.
	NumBoxes = 8400
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// InitRuntime initializes the ONNX Runtime environment once per process.
// The shared library path comes from ONNXRUNTIME_SHARED_LIB when set.
func InitRuntime() error {
	ortInitOnce.Do(func() {
		if libPath := os.Getenv("ONNXRUNTIME_SHARED_LIB"); libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// ONNXConfig selects the model and execution provider for an on-device
// engine instance.
type ONNXConfig struct {
	ModelPath  string
	InputSize  int
	NumClasses int
	UseCUDA    bool
}

// ONNXEngine runs the detection model through ONNX Runtime. Input and
// output tensors are allocated once and reused across frames; Infer is
// serialized internally.
type ONNXEngine struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	cfg     ONNXConfig
	backend string
	mu      sync.Mutex
	log     *logrus.Entry
}

// NewONNXEngine creates an inference session for the configured model.
// Failures are wrapped as UnavailableError so the fallback controller can
// treat them as a tier probe miss.
func NewONNXEngine(cfg ONNXConfig, log *logrus.Entry) (*ONNXEngine, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	backend := "onnx-cpu"
	if cfg.UseCUDA {
		backend = "onnx-cuda"
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = preprocess.DefaultTargetSize
	}

	if err := InitRuntime(); err != nil {
		return nil, &UnavailableError{Backend: backend, Err: fmt.Errorf("initialize runtime: %w", err)}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, &UnavailableError{Backend: backend, Err: fmt.Errorf("session options: %w", err)}
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(runtime.NumCPU())

	if cfg.UseCUDA {
		cudaOpts, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, &UnavailableError{Backend: backend, Err: fmt.Errorf("cuda provider: %w", err)}
		}
		defer cudaOpts.Destroy()
		if err := options.AppendExecutionProviderCUDA(cudaOpts); err != nil {
			return nil, &UnavailableError{Backend: backend, Err: fmt.Errorf("append cuda provider: %w", err)}
		}
	}

	inputShape := ort.NewShape(1, 3, int64(cfg.InputSize), int64(cfg.InputSize))
	outputShape := ort.NewShape(1, int64(4+cfg.NumClasses), NumBoxes)

	inputTensor, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, &UnavailableError{Backend: backend, Err: fmt.Errorf("input tensor: %w", err)}
	}
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		inputTensor.Destroy()
		return nil, &UnavailableError{Backend: backend, Err: fmt.Errorf("output tensor: %w", err)}
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, &UnavailableError{Backend: backend, Err: fmt.Errorf("create session: %w", err)}
	}

	return &ONNXEngine{
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		cfg:     cfg,
		backend: backend,
		log:     log.WithField("component", "engine").WithField("backend", backend),
	}, nil
}

// Backend names the execution provider, for health reporting.
func (e *ONNXEngine) Backend() string { return e.backend }

// Infer runs one forward pass. The payload must be FormatTensor with the
// engine's input size.
func (e *ONNXEngine) Infer(ctx context.Context, payload *preprocess.Payload) ([]models.RawDetection, error) {
	if payload.Format != preprocess.FormatTensor || payload.Tensor == nil {
		return nil, fmt.Errorf("onnx engine requires a tensor payload, got %q", payload.Format)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	data := e.input.GetData()
	if len(payload.Tensor) != len(data) {
		return nil, fmt.Errorf("tensor size mismatch: got %d, want %d", len(payload.Tensor), len(data))
	}
	copy(data, payload.Tensor)

	start := time.Now()
	if err := e.session.Run(); err != nil {
		return nil, &UnavailableError{Backend: e.backend, Err: fmt.Errorf("run: %w", err)}
	}
	e.log.WithField("elapsed", time.Since(start)).Debug("inference complete")

	return DecodeYOLO(e.output.GetData(), e.cfg.NumClasses, NumBoxes, payload.Meta)
}

// Close releases the session and its tensors.
func (e *ONNXEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
	if e.input != nil {
		e.input.Destroy()
		e.input = nil
	}
	if e.output != nil {
		e.output.Destroy()
		e.output = nil
	}
	return nil
}
