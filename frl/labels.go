package frl

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

// labelEncoder maps the two raw label values onto {0, 1} and back. The
// smaller value becomes class 0, so the positive class is always the
// larger label.
type labelEncoder struct {
	classes []float64 // sorted ascending, length 2
}

func newLabelEncoder(y []float64) (*labelEncoder, error) {
	seen := make(map[float64]struct{})
	for i, v := range y {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Errorf("non-finite label at index %d", i)
		}
		seen[v] = struct{}{}
	}
	classes := make([]float64, 0, len(seen))
	for v := range seen {
		classes = append(classes, v)
	}
	if len(classes) != 2 {
		return nil, errors.Errorf("only binary classification is supported: found %d distinct labels", len(classes))
	}
	sort.Float64s(classes)
	return &labelEncoder{classes: classes}, nil
}

// transform encodes raw labels to {0, 1}.
func (e *labelEncoder) transform(y []float64) []float64 {
	encoded := make([]float64, len(y))
	for i, v := range y {
		if v == e.classes[1] {
			encoded[i] = 1
		}
	}
	return encoded
}

// inverse decodes {0, 1} labels back to the raw values.
func (e *labelEncoder) inverse(encoded []float64) []float64 {
	decoded := make([]float64, len(encoded))
	for i, v := range encoded {
		if v == 1 {
			decoded[i] = e.classes[1]
		} else {
			decoded[i] = e.classes[0]
		}
	}
	return decoded
}

// classList returns a copy of the two label values in ascending order.
func (e *labelEncoder) classList() []float64 {
	classes := make([]float64, len(e.classes))
	copy(classes, e.classes)
	return classes
}
