package engine

import (
	"context"
	"fmt"

	"github.com/shachafemanoel/hazard-detection/models"
	"github.com/shachafemanoel/hazard-detection/preprocess"
)

// Engine runs the detection model on a preprocessed payload and returns
// raw, unfiltered candidates. Implementations must be safe for the
// dispatcher's one-at-a-time call pattern but need not support concurrent
// Infer calls.
type Engine interface {
	Infer(ctx context.Context, payload *preprocess.Payload) ([]models.RawDetection, error)
	Close() error
}

// UnavailableError reports an engine-level failure (initialization or
// inference). The dispatcher reacts by advancing the fallback tier.
type UnavailableError struct {
	Backend string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s engine unavailable: %v", e.Backend, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
