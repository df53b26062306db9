package frl

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-fair-representation/minimize"
)

const probabilityEps = 1e-15

// paramLayout describes how the learned quantities share one flat
// parameter vector: [V row-major | w | alpha]. Every packing, slicing and
// bounds decision goes through this single description.
type paramLayout struct {
	k int // number of prototypes
	d int // feature dimension
}

func (l paramLayout) size() int {
	return l.k*l.d + l.k + l.d
}

// prototypes views the V block of x as a k x d matrix without copying.
func (l paramLayout) prototypes(x []float64) *mat.Dense {
	return mat.NewDense(l.k, l.d, x[:l.k*l.d])
}

// weights views the w block of x.
func (l paramLayout) weights(x []float64) []float64 {
	return x[l.k*l.d : l.k*l.d+l.k]
}

// alpha views the feature weight block of x.
func (l paramLayout) alpha(x []float64) []float64 {
	return x[l.k*l.d+l.k:]
}

// bounds returns the box constraints of the flat vector: prototypes are
// free, classifier weights live in [0, 1] so latent predictions stay
// probabilities, and feature weights are non-negative.
func (l paramLayout) bounds() []minimize.Bound {
	bounds := make([]minimize.Bound, l.size())
	for i := 0; i < l.k*l.d; i++ {
		bounds[i] = minimize.Unbounded()
	}
	for i := l.k * l.d; i < l.k*l.d+l.k; i++ {
		bounds[i] = minimize.Bound{Min: 0, Max: 1}
	}
	for i := l.k*l.d + l.k; i < l.size(); i++ {
		bounds[i] = minimize.Bound{Min: 0, Max: math.Inf(1)}
	}
	return bounds
}

// latentMapping maps each row of X to a probability distribution over the
// k prototype rows of V: a softmax over negative alpha-weighted Euclidean
// distances. Zero alpha entries mask their features; an all-zero alpha
// yields uniform rows. Rows of the result sum to 1.
func latentMapping(X, V *mat.Dense, alpha []float64) *mat.Dense {
	n, d := X.Dims()
	k, _ := V.Dims()
	M := mat.NewDense(n, k, nil)
	negDist := make([]float64, k)
	for i := 0; i < n; i++ {
		row := X.RawRowView(i)
		for j := 0; j < k; j++ {
			proto := V.RawRowView(j)
			s := 0.0
			for f := 0; f < d; f++ {
				diff := row[f] - proto[f]
				s += alpha[f] * diff * diff
			}
			// Guard against tiny negative sums from rounded-off alpha.
			negDist[j] = -math.Sqrt(math.Max(s, 0))
		}
		maxNeg := floats.Max(negDist)
		sum := 0.0
		out := M.RawRowView(i)
		for j := 0; j < k; j++ {
			e := math.Exp(negDist[j] - maxNeg)
			out[j] = e
			sum += e
		}
		for j := 0; j < k; j++ {
			out[j] /= sum
		}
	}
	return M
}

// reconstructionError is the mean over rows of the squared Euclidean
// distance between X and its reconstruction M·V. The distance here is
// deliberately unweighted even though the mapping distance is
// alpha-weighted.
func reconstructionError(X, M, V *mat.Dense) float64 {
	n, d := X.Dims()
	var R mat.Dense
	R.Mul(M, V)
	total := 0.0
	for i := 0; i < n; i++ {
		row := X.RawRowView(i)
		rec := R.RawRowView(i)
		for f := 0; f < d; f++ {
			diff := row[f] - rec[f]
			total += diff * diff
		}
	}
	return total / float64(n)
}

// classificationError is the mean binary cross-entropy between the encoded
// labels and the latent predictions M·w, clamped away from 0 and 1.
func classificationError(y []float64, M *mat.Dense, w []float64) float64 {
	n, _ := M.Dims()
	total := 0.0
	for i := 0; i < n; i++ {
		p := floats.Dot(M.RawRowView(i), w)
		if p < probabilityEps {
			p = probabilityEps
		}
		if p > 1-probabilityEps {
			p = 1 - probabilityEps
		}
		total += -y[i]*math.Log(p) - (1.0-y[i])*math.Log(1.0-p)
	}
	return total / float64(n)
}

// fairnessError averages, over all unordered pairs of sensitive groups,
// the mean absolute gap between the per-group column means of M. Fewer
// than two groups yield exactly 0.
func fairnessError(M *mat.Dense, groups [][]int) float64 {
	if len(groups) < 2 {
		return 0
	}
	_, k := M.Dims()
	means := make([][]float64, len(groups))
	for g, rows := range groups {
		mean := make([]float64, k)
		for _, i := range rows {
			floats.Add(mean, M.RawRowView(i))
		}
		floats.Scale(1/float64(len(rows)), mean)
		means[g] = mean
	}
	total := 0.0
	pairs := 0
	for a := 0; a < len(means); a++ {
		for b := a + 1; b < len(means); b++ {
			for j := 0; j < k; j++ {
				total += math.Abs(means[a][j] - means[b][j])
			}
			pairs++
		}
	}
	return total / float64(pairs*k)
}

// jointObjective fuses the three training errors into the scalar loss
// minimized during fitting. It is pure: value never mutates captured
// state, so the solver may evaluate it from any point in any order.
type jointObjective struct {
	X      *mat.Dense
	y      []float64 // labels encoded to {0, 1}
	groups [][]int   // row indices per sensitive group
	layout paramLayout

	reconWeight float64
	classWeight float64
	fairWeight  float64
}

func (o *jointObjective) value(x []float64) float64 {
	V := o.layout.prototypes(x)
	w := o.layout.weights(x)
	alpha := o.layout.alpha(x)
	M := latentMapping(o.X, V, alpha)
	return o.reconWeight*reconstructionError(o.X, M, V) +
		o.classWeight*classificationError(o.y, M, w) +
		o.fairWeight*fairnessError(M, o.groups)
}
