package engine

import (
	"fmt"

	"github.com/shachafemanoel/hazard-detection/models"
	"github.com/shachafemanoel/hazard-detection/preprocess"
)

// decodeFloor discards near-zero candidates before per-class thresholds are
// applied downstream, keeping the candidate list small.
const decodeFloor = 0.05

// DecodeYOLO converts a planar YOLO output tensor of shape
// (4+numClasses) x numBoxes into raw detections in original image
// coordinates. Layout per box i: cx, cy, w, h in model input pixels at
// channels 0..3, one score channel per class after that. The letterbox
// geometry in meta undoes the padding and scaling applied by preprocessing.
func DecodeYOLO(output []float32, numClasses, numBoxes int, meta preprocess.Meta) ([]models.RawDetection, error) {
	expected := (4 + numClasses) * numBoxes
	if len(output) != expected {
		return nil, fmt.Errorf("unexpected output length: got %d, want %d", len(output), expected)
	}
	if meta.Scale <= 0 {
		return nil, fmt.Errorf("invalid letterbox scale %v", meta.Scale)
	}

	detections := make([]models.RawDetection, 0, 64)
	for i := 0; i < numBoxes; i++ {
		classIdx := 0
		best := output[4*numBoxes+i]
		for c := 1; c < numClasses; c++ {
			if s := output[(4+c)*numBoxes+i]; s > best {
				best = s
				classIdx = c
			}
		}
		if best < decodeFloor {
			continue
		}

		cx := output[i]
		cy := output[numBoxes+i]
		w := output[2*numBoxes+i]
		h := output[3*numBoxes+i]

		x1 := (cx - w/2 - float32(meta.PadX)) / meta.Scale
		y1 := (cy - h/2 - float32(meta.PadY)) / meta.Scale
		x2 := (cx + w/2 - float32(meta.PadX)) / meta.Scale
		y2 := (cy + h/2 - float32(meta.PadY)) / meta.Scale

		detections = append(detections, models.RawDetection{
			ClassIndex: classIdx,
			Confidence: best,
			BBox: [4]float32{
				clamp(x1, 0, float32(meta.OrigWidth)),
				clamp(y1, 0, float32(meta.OrigHeight)),
				clamp(x2, 0, float32(meta.OrigWidth)),
				clamp(y2, 0, float32(meta.OrigHeight)),
			},
		})
	}
	return detections, nil
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
