package models

import "time"

// RawDetection is a single candidate box as decoded from model output,
// before thresholding and NMS. Coordinates are x1,y1,x2,y2 in original
// image pixels.
type RawDetection struct {
	ClassIndex int
	Confidence float32
	BBox       [4]float32
}

// Detection is a final, postprocessed detection. Immutable once produced.
type Detection struct {
	ClassIndex int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
	Confidence float32    `json:"confidence"`
	BBox       [4]float32 `json:"bbox"`
	CenterX    float32    `json:"center_x"`
	CenterY    float32    `json:"center_y"`
	Color      string     `json:"-"`
}

type ProcessingTimings struct {
	RequestID   string
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
