package postprocess

import (
	"sort"

	"github.com/shachafemanoel/hazard-detection/hazards"
	"github.com/shachafemanoel/hazard-detection/models"
)

// DefaultIoUThreshold is the NMS overlap cutoff. Tunable per Postprocessor;
// the default matches the model's training-time NMS setting.
const DefaultIoUThreshold = 0.45

// Postprocessor turns raw model candidates into the final detection list:
// per-class confidence thresholds from the registry, then greedy NMS within
// each class, then display metadata attachment.
type Postprocessor struct {
	registry     *hazards.Registry
	iouThreshold float64
}

// Option tweaks a Postprocessor.
type Option func(*Postprocessor)

// WithIoUThreshold overrides the NMS overlap cutoff.
func WithIoUThreshold(t float64) Option {
	return func(p *Postprocessor) { p.iouThreshold = t }
}

func New(registry *hazards.Registry, opts ...Option) *Postprocessor {
	p := &Postprocessor{
		registry:     registry,
		iouThreshold: DefaultIoUThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run filters, suppresses and enriches raw detections. The output is
// unordered across classes and ordered by descending confidence within each
// class. Every returned detection satisfies
// confidence >= threshold(classIndex).
func (p *Postprocessor) Run(raw []models.RawDetection) []models.Detection {
	// Per-class threshold filter.
	kept := make([]models.RawDetection, 0, len(raw))
	for _, d := range raw {
		if d.Confidence >= p.registry.Threshold(d.ClassIndex) {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		return nil
	}

	// Group by class, preserving encounter order within each group so
	// confidence ties resolve deterministically.
	byClass := make(map[int][]models.RawDetection)
	classOrder := make([]int, 0, 8)
	for _, d := range kept {
		if _, seen := byClass[d.ClassIndex]; !seen {
			classOrder = append(classOrder, d.ClassIndex)
		}
		byClass[d.ClassIndex] = append(byClass[d.ClassIndex], d)
	}

	out := make([]models.Detection, 0, len(kept))
	for _, classIdx := range classOrder {
		group := byClass[classIdx]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Confidence > group[j].Confidence
		})
		for _, d := range suppress(group, p.iouThreshold) {
			out = append(out, p.enrich(d))
		}
	}
	return out
}

// suppress runs greedy NMS over a confidence-sorted, single-class group. A
// candidate is dropped when its IoU with any already-accepted box exceeds
// the threshold. Boxes of different classes never suppress each other
// because grouping happens before this point.
func suppress(sorted []models.RawDetection, iouThreshold float64) []models.RawDetection {
	accepted := make([]models.RawDetection, 0, len(sorted))
	for _, candidate := range sorted {
		overlapped := false
		for _, a := range accepted {
			if IoU(candidate.BBox, a.BBox) > iouThreshold {
				overlapped = true
				break
			}
		}
		if !overlapped {
			accepted = append(accepted, candidate)
		}
	}
	return accepted
}

func (p *Postprocessor) enrich(d models.RawDetection) models.Detection {
	det := models.Detection{
		ClassIndex: d.ClassIndex,
		Confidence: d.Confidence,
		BBox:       d.BBox,
		CenterX:    (d.BBox[0] + d.BBox[2]) / 2,
		CenterY:    (d.BBox[1] + d.BBox[3]) / 2,
	}
	if class, ok := p.registry.Class(d.ClassIndex); ok {
		det.ClassName = class.Name
		det.Color = class.Color
	}
	return det
}

// IoU computes intersection over union of two x1,y1,x2,y2 boxes.
func IoU(box1, box2 [4]float32) float64 {
	x1 := maxF(box1[0], box2[0])
	y1 := maxF(box1[1], box2[1])
	x2 := minF(box1[2], box2[2])
	y2 := minF(box1[3], box2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := float64(x2-x1) * float64(y2-y1)
	area1 := float64(box1[2]-box1[0]) * float64(box1[3]-box1[1])
	area2 := float64(box2[2]-box2[0]) * float64(box2[3]-box2[1])
	union := area1 + area2 - intersection

	return intersection / union
}

func minF(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxF(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
