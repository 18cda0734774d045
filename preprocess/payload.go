package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Format selects the payload representation produced for a frame.
type Format string

const (
	// FormatTensor produces a planar NCHW float32 buffer for on-device
	// inference.
	FormatTensor Format = "tensor"
	// FormatJPEG produces an encoded blob for transmission to the remote
	// detection service.
	FormatJPEG Format = "jpeg"
)

const (
	// DefaultTargetSize matches the road damage model's input resolution.
	DefaultTargetSize = 640
	// DefaultJPEGQuality balances upload size against detection accuracy.
	DefaultJPEGQuality = 85

	// letterboxGray is the padding fill used when fitting a frame into the
	// square model input while preserving aspect ratio.
	letterboxGray = 114
)

// UnsupportedFormatError is returned for output formats the worker does not
// implement.
type UnsupportedFormatError struct {
	Format Format
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported output format %q", e.Format)
}

// Meta records the letterbox geometry needed to map model-space boxes back
// to original image coordinates.
type Meta struct {
	OrigWidth  int
	OrigHeight int
	Scale      float32
	PadX       int
	PadY       int
}

// Payload is the tensor-ready representation of a single frame. Exactly one
// of Tensor or Blob is populated, per Format. A payload is produced once per
// frame and consumed exactly once by the dispatcher.
type Payload struct {
	RequestID  string
	Format     Format
	TargetSize int
	Quality    int
	Tensor     []float32
	Blob       []byte
	Meta       Meta
}

// Process converts a decoded image into a payload. Used directly by the
// inference server and via the worker by the client pipeline.
func Process(img image.Image, targetSize int, format Format, quality int) (*Payload, error) {
	if targetSize <= 0 {
		targetSize = DefaultTargetSize
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	bounds := img.Bounds()
	fitted, meta := letterbox(img, targetSize)
	meta.OrigWidth = bounds.Dx()
	meta.OrigHeight = bounds.Dy()

	p := &Payload{
		Format:     format,
		TargetSize: targetSize,
		Quality:    quality,
		Meta:       meta,
	}

	switch format {
	case FormatTensor:
		p.Tensor = imageToTensor(fitted, targetSize)
	case FormatJPEG:
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, fitted, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		p.Blob = buf.Bytes()
	default:
		return nil, &UnsupportedFormatError{Format: format}
	}
	return p, nil
}

// letterbox fits img into a targetSize square, preserving aspect ratio and
// padding with neutral gray.
func letterbox(img image.Image, targetSize int) (*image.NRGBA, Meta) {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	scale := float32(targetSize) / float32(w)
	if s := float32(targetSize) / float32(h); s < scale {
		scale = s
	}
	fitW := int(float32(w) * scale)
	fitH := int(float32(h) * scale)
	if fitW > targetSize {
		fitW = targetSize
	}
	if fitH > targetSize {
		fitH = targetSize
	}

	resized := imaging.Resize(img, fitW, fitH, imaging.Linear)
	canvas := imaging.New(targetSize, targetSize, color.NRGBA{letterboxGray, letterboxGray, letterboxGray, 255})
	padX := (targetSize - fitW) / 2
	padY := (targetSize - fitH) / 2
	out := imaging.Paste(canvas, resized, image.Pt(padX, padY))

	return out, Meta{Scale: scale, PadX: padX, PadY: padY}
}

// imageToTensor extracts planar RGB float32 channels normalized to [0,1].
func imageToTensor(img *image.NRGBA, size int) []float32 {
	channelSize := size * size
	buffer := make([]float32, channelSize*3)

	for y := 0; y < size; y++ {
		rowOffset := y * size
		pixOffset := y * img.Stride
		for x := 0; x < size; x++ {
			i := rowOffset + x
			pi := pixOffset + x*4
			buffer[i] = float32(img.Pix[pi]) / 255.0
			buffer[channelSize+i] = float32(img.Pix[pi+1]) / 255.0
			buffer[channelSize*2+i] = float32(img.Pix[pi+2]) / 255.0
		}
	}
	return buffer
}
