package preprocess

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
)

func testImage(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x % 256), G: uint8(y % 256), B: 128, A: 255})
		}
	}
	return img
}

func TestProcessTensor(t *testing.T) {
	p, err := Process(testImage(320, 240), 64, FormatTensor, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Format != FormatTensor {
		t.Errorf("Format = %q", p.Format)
	}
	if len(p.Tensor) != 64*64*3 {
		t.Errorf("tensor length = %d, expected %d", len(p.Tensor), 64*64*3)
	}
	if p.Blob != nil {
		t.Error("tensor payload should not carry a blob")
	}
	for i, v := range p.Tensor {
		if v < 0 || v > 1 {
			t.Fatalf("tensor[%d] = %v out of [0,1]", i, v)
		}
	}
	if p.Meta.OrigWidth != 320 || p.Meta.OrigHeight != 240 {
		t.Errorf("meta original size = %dx%d", p.Meta.OrigWidth, p.Meta.OrigHeight)
	}
}

func TestProcessLetterboxGeometry(t *testing.T) {
	// 320x240 into a 64 square: scale 0.2, fitted 64x48, pad (0,8).
	p, err := Process(testImage(320, 240), 64, FormatTensor, 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.Meta.Scale != 0.2 {
		t.Errorf("scale = %v, expected 0.2", p.Meta.Scale)
	}
	if p.Meta.PadX != 0 || p.Meta.PadY != 8 {
		t.Errorf("pad = (%d,%d), expected (0,8)", p.Meta.PadX, p.Meta.PadY)
	}
}

func TestProcessJPEG(t *testing.T) {
	p, err := Process(testImage(100, 100), 64, FormatJPEG, 80)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.Blob) == 0 {
		t.Fatal("empty blob")
	}
	decoded, err := jpeg.Decode(bytes.NewReader(p.Blob))
	if err != nil {
		t.Fatalf("blob is not a valid jpeg: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 64 || b.Dy() != 64 {
		t.Errorf("decoded size = %dx%d, expected 64x64", b.Dx(), b.Dy())
	}
}

func TestProcessUnsupportedFormat(t *testing.T) {
	_, err := Process(testImage(10, 10), 64, Format("webp"), 0)
	if err == nil {
		t.Fatal("expected error")
	}
	var unsupported *UnsupportedFormatError
	if !errors.As(err, &unsupported) {
		t.Errorf("expected *UnsupportedFormatError, got %T", err)
	}
}
