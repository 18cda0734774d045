package postprocess

import (
	"math"
	"testing"

	"github.com/shachafemanoel/hazard-detection/hazards"
	"github.com/shachafemanoel/hazard-detection/models"
)

func testRegistry(t *testing.T) *hazards.Registry {
	t.Helper()
	r, err := hazards.NewRegistry([]hazards.Class{
		{Index: 0, Name: "Pothole", Color: "#f032e6", Threshold: 0.4},
		{Index: 1, Name: "Crack", Color: "#e6194b", Threshold: 0.6},
	})
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestThresholdFilter(t *testing.T) {
	p := New(testRegistry(t))

	out := p.Run([]models.RawDetection{
		{ClassIndex: 0, Confidence: 0.39, BBox: [4]float32{0, 0, 10, 10}},
		{ClassIndex: 0, Confidence: 0.41, BBox: [4]float32{100, 100, 110, 110}},
		{ClassIndex: 1, Confidence: 0.55, BBox: [4]float32{200, 200, 210, 210}},
		{ClassIndex: 1, Confidence: 0.65, BBox: [4]float32{300, 300, 310, 310}},
	})

	if len(out) != 2 {
		t.Fatalf("got %d detections, expected 2", len(out))
	}
	for _, d := range out {
		threshold := testRegistry(t).Threshold(d.ClassIndex)
		if d.Confidence < threshold {
			t.Errorf("detection class=%d conf=%v below threshold %v", d.ClassIndex, d.Confidence, threshold)
		}
	}
}

func TestNMSSuppressesSameClassOverlap(t *testing.T) {
	p := New(testRegistry(t))

	// Two heavily overlapping potholes; the higher-confidence one wins.
	out := p.Run([]models.RawDetection{
		{ClassIndex: 0, Confidence: 0.8, BBox: [4]float32{0, 0, 100, 100}},
		{ClassIndex: 0, Confidence: 0.9, BBox: [4]float32{5, 5, 105, 105}},
	})

	if len(out) != 1 {
		t.Fatalf("got %d detections, expected 1 after NMS", len(out))
	}
	if out[0].Confidence != 0.9 {
		t.Errorf("surviving confidence = %v, expected 0.9", out[0].Confidence)
	}
}

func TestNMSNeverSuppressesAcrossClasses(t *testing.T) {
	p := New(testRegistry(t))

	// Identical boxes, different classes: both survive regardless of overlap.
	out := p.Run([]models.RawDetection{
		{ClassIndex: 0, Confidence: 0.9, BBox: [4]float32{0, 0, 100, 100}},
		{ClassIndex: 1, Confidence: 0.7, BBox: [4]float32{0, 0, 100, 100}},
	})

	if len(out) != 2 {
		t.Fatalf("got %d detections, expected 2", len(out))
	}
}

func TestNMSKeepsDisjointSameClassBoxes(t *testing.T) {
	p := New(testRegistry(t))

	out := p.Run([]models.RawDetection{
		{ClassIndex: 0, Confidence: 0.9, BBox: [4]float32{0, 0, 50, 50}},
		{ClassIndex: 0, Confidence: 0.8, BBox: [4]float32{200, 200, 250, 250}},
	})

	if len(out) != 2 {
		t.Fatalf("got %d detections, expected 2", len(out))
	}
}

func TestWithinClassOrdering(t *testing.T) {
	p := New(testRegistry(t))

	out := p.Run([]models.RawDetection{
		{ClassIndex: 0, Confidence: 0.5, BBox: [4]float32{0, 0, 10, 10}},
		{ClassIndex: 0, Confidence: 0.9, BBox: [4]float32{100, 0, 110, 10}},
		{ClassIndex: 0, Confidence: 0.7, BBox: [4]float32{200, 0, 210, 10}},
	})

	if len(out) != 3 {
		t.Fatalf("got %d detections, expected 3", len(out))
	}
	for i := 1; i < len(out); i++ {
		if out[i].Confidence > out[i-1].Confidence {
			t.Errorf("detections out of order at %d: %v > %v", i, out[i].Confidence, out[i-1].Confidence)
		}
	}
}

func TestEnrichment(t *testing.T) {
	p := New(testRegistry(t))

	out := p.Run([]models.RawDetection{
		{ClassIndex: 0, Confidence: 0.9, BBox: [4]float32{10, 20, 30, 60}},
	})
	if len(out) != 1 {
		t.Fatalf("got %d detections, expected 1", len(out))
	}
	d := out[0]
	if d.ClassName != "Pothole" {
		t.Errorf("ClassName = %q, expected Pothole", d.ClassName)
	}
	if d.Color != "#f032e6" {
		t.Errorf("Color = %q, expected #f032e6", d.Color)
	}
	if d.CenterX != 20 || d.CenterY != 40 {
		t.Errorf("center = (%v,%v), expected (20,40)", d.CenterX, d.CenterY)
	}
}

func TestTunableIoUThreshold(t *testing.T) {
	// With a permissive threshold both moderately overlapping boxes survive.
	permissive := New(testRegistry(t), WithIoUThreshold(0.9))
	strict := New(testRegistry(t), WithIoUThreshold(0.1))

	raw := []models.RawDetection{
		{ClassIndex: 0, Confidence: 0.9, BBox: [4]float32{0, 0, 100, 100}},
		{ClassIndex: 0, Confidence: 0.8, BBox: [4]float32{50, 0, 150, 100}},
	}

	if got := len(permissive.Run(raw)); got != 2 {
		t.Errorf("permissive: got %d, expected 2", got)
	}
	if got := len(strict.Run(raw)); got != 1 {
		t.Errorf("strict: got %d, expected 1", got)
	}
}

func TestIoU(t *testing.T) {
	cases := []struct {
		name       string
		box1, box2 [4]float32
		want       float64
	}{
		{"identical", [4]float32{0, 0, 10, 10}, [4]float32{0, 0, 10, 10}, 1.0},
		{"disjoint", [4]float32{0, 0, 10, 10}, [4]float32{20, 20, 30, 30}, 0.0},
		{"touching edges", [4]float32{0, 0, 10, 10}, [4]float32{10, 0, 20, 10}, 0.0},
		{"half overlap", [4]float32{0, 0, 10, 10}, [4]float32{5, 0, 15, 10}, 50.0 / 150.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := IoU(tc.box1, tc.box2)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("IoU = %v, expected %v", got, tc.want)
			}
		})
	}
}
