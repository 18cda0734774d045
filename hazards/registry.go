package hazards

import "fmt"

const (
	// DefaultThreshold is applied to classes without a per-class override
	// and to detections whose class index is unknown to the registry.
	DefaultThreshold = 0.5
)

// Class describes one hazard category the detection model can emit.
type Class struct {
	Index     int
	Name      string
	Color     string
	Threshold float32
}

// Registry is the process-wide mapping from class index to display and
// filtering metadata. It is read-only after construction and safe for
// concurrent use without locking.
type Registry struct {
	classes []Class
	byIndex map[int]Class
	byName  map[string]Class
}

// defaultClasses mirrors the road damage model's label set.
var defaultClasses = []Class{
	{0, "Alligator Crack", "#e6194b", 0.45},
	{1, "Block Crack", "#f58231", 0.45},
	{2, "Construction Joint Crack", "#ffe119", 0.50},
	{3, "Crosswalk Blur", "#bfef45", 0.55},
	{4, "Lane Blur", "#3cb44b", 0.55},
	{5, "Longitudinal Crack", "#42d4f4", 0.45},
	{6, "Manhole", "#4363d8", 0.60},
	{7, "Patch Repair", "#911eb4", 0.50},
	{8, "Pothole", "#f032e6", 0.40},
	{9, "Transverse Crack", "#a9a9a9", 0.45},
	{10, "Wheel Mark Crack", "#800000", 0.50},
}

// NewRegistry builds a registry from the given classes.
func NewRegistry(classes []Class) (*Registry, error) {
	r := &Registry{
		classes: make([]Class, len(classes)),
		byIndex: make(map[int]Class, len(classes)),
		byName:  make(map[string]Class, len(classes)),
	}
	copy(r.classes, classes)
	for _, c := range r.classes {
		if c.Threshold <= 0 || c.Threshold > 1 {
			return nil, fmt.Errorf("class %d (%s): threshold %v out of range (0,1]", c.Index, c.Name, c.Threshold)
		}
		if _, dup := r.byIndex[c.Index]; dup {
			return nil, fmt.Errorf("duplicate class index %d", c.Index)
		}
		r.byIndex[c.Index] = c
		r.byName[c.Name] = c
	}
	return r, nil
}

// Default returns the registry for the road damage model.
func Default() *Registry {
	r, err := NewRegistry(defaultClasses)
	if err != nil {
		panic(err) // static table, validated by tests
	}
	return r
}

// WithThresholds returns a copy of the registry with per-class threshold
// overrides applied. Indexes absent from the registry are ignored.
func (r *Registry) WithThresholds(overrides map[int]float32) (*Registry, error) {
	classes := make([]Class, len(r.classes))
	copy(classes, r.classes)
	for i := range classes {
		if t, ok := overrides[classes[i].Index]; ok {
			classes[i].Threshold = t
		}
	}
	return NewRegistry(classes)
}

// Class looks up a class by model output index.
func (r *Registry) Class(index int) (Class, bool) {
	c, ok := r.byIndex[index]
	return c, ok
}

// ClassByName looks up a class by its display name.
func (r *Registry) ClassByName(name string) (Class, bool) {
	c, ok := r.byName[name]
	return c, ok
}

// Threshold returns the confidence threshold for a class index, falling
// back to DefaultThreshold for unknown indexes.
func (r *Registry) Threshold(index int) float32 {
	if c, ok := r.byIndex[index]; ok {
		return c.Threshold
	}
	return DefaultThreshold
}

// Len reports the number of registered classes.
func (r *Registry) Len() int {
	return len(r.classes)
}

// Classes returns a copy of all registered classes in index order.
func (r *Registry) Classes() []Class {
	out := make([]Class, len(r.classes))
	copy(out, r.classes)
	return out
}
