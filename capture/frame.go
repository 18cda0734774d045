package capture

import (
	"image"
	"sync"
	"time"
)

// Frame is a raw captured bitmap. It is exclusively owned by the capture
// loop until handed to preprocessing; whoever holds it last must call
// Release exactly once. Release is idempotent so failure paths can call it
// defensively without double-freeing the underlying buffer.
type Frame struct {
	Image      image.Image
	Width      int
	Height     int
	CapturedAt time.Time

	releaseOnce sync.Once
	release     func()
}

// NewFrame wraps a captured bitmap. release may be nil for images that do
// not borrow from a reusable buffer.
func NewFrame(img image.Image, capturedAt time.Time, release func()) *Frame {
	b := img.Bounds()
	return &Frame{
		Image:      img,
		Width:      b.Dx(),
		Height:     b.Dy(),
		CapturedAt: capturedAt,
		release:    release,
	}
}

// Release returns the frame's buffer to its owner. Safe to call more than
// once; only the first call has effect.
func (f *Frame) Release() {
	f.releaseOnce.Do(func() {
		if f.release != nil {
			f.release()
		}
		f.Image = nil
	})
}

// Released reports whether the frame's image has been given back. Intended
// for tests and leak checks.
func (f *Frame) Released() bool {
	return f.Image == nil
}
