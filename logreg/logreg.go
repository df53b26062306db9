package logreg

import (
	"encoding/gob"
	"io"
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

const probabilityEps = 1e-15

// ErrNotFitted is returned when predictions are requested before Fit.
var ErrNotFitted = errors.New("model is not fitted")

// LogisticRegression is an L2-regularized binary classifier trained with
// gonum's L-BFGS optimizer:
// - minimizes the mean negative log-likelihood with analytic gradients
// - inverse regularization strength C penalizes the weights only
// - optional intercept stays outside the penalty
// - deterministic fits: optimization always starts from zero weights
//
// Fit must not be called concurrently; after a successful fit the
// prediction methods and accessors are safe for concurrent use.
type LogisticRegression struct {
	c            float64
	tol          float64
	maxIter      int
	fitIntercept bool

	coef      []float64
	intercept float64
	classes   []float64 // sorted ascending, length 2 once fitted
	nFeatures int
	nIter     int
	fitted    bool
}

// Option defines a functional option for configuring LogisticRegression
type Option func(*LogisticRegression)

// WithC sets the inverse regularization strength
func WithC(c float64) Option {
	return func(l *LogisticRegression) {
		l.c = c
	}
}

// WithTol sets the convergence tolerance of the optimizer
func WithTol(tol float64) Option {
	return func(l *LogisticRegression) {
		l.tol = tol
	}
}

// WithMaxIter sets the iteration cap of the optimizer
func WithMaxIter(maxIter int) Option {
	return func(l *LogisticRegression) {
		l.maxIter = maxIter
	}
}

// WithFitIntercept enables or disables the intercept term
func WithFitIntercept(fit bool) Option {
	return func(l *LogisticRegression) {
		l.fitIntercept = fit
	}
}

// New creates a new LogisticRegression classifier
func New(options ...Option) (*LogisticRegression, error) {
	l := &LogisticRegression{
		c:            1.0,
		tol:          1e-4,
		maxIter:      100,
		fitIntercept: true,
	}

	for _, opt := range options {
		opt(l)
	}

	if l.c <= 0 {
		return nil, errors.Errorf("regularization strength C must be positive, got %g", l.c)
	}
	if l.tol <= 0 {
		return nil, errors.Errorf("tolerance must be positive, got %g", l.tol)
	}
	if l.maxIter < 1 {
		return nil, errors.Errorf("maximum iterations must be positive, got %d", l.maxIter)
	}

	return l, nil
}

// stableSigmoid computes sigmoid(z) without overflowing for large |z|.
func stableSigmoid(z float64) float64 {
	if z >= 0 {
		ez := math.Exp(-z)
		return 1.0 / (1.0 + ez)
	}
	ez := math.Exp(z)
	return ez / (1.0 + ez)
}

// clampProbability keeps p away from 0 and 1 so log stays finite.
func clampProbability(p float64) float64 {
	if p < probabilityEps {
		return probabilityEps
	}
	if p > 1-probabilityEps {
		return 1 - probabilityEps
	}
	return p
}

func validateMatrix(X [][]float64) (*mat.Dense, error) {
	if len(X) == 0 {
		return nil, errors.New("feature matrix is empty")
	}
	d := len(X[0])
	if d == 0 {
		return nil, errors.New("feature matrix has no columns")
	}
	data := make([]float64, 0, len(X)*d)
	for i, row := range X {
		if len(row) != d {
			return nil, errors.Errorf("row %d length %d != row 0 length %d", i, len(row), d)
		}
		for j, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.Errorf("non-finite value at row %d, column %d", i, j)
			}
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(X), d, data), nil
}

// extractClasses returns the sorted distinct label values.
func extractClasses(y []float64) ([]float64, error) {
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
	sort.Float64s(classes)
	return classes, nil
}

// Fit trains the classifier on feature matrix X and binary labels y. The
// larger of the two distinct label values becomes the positive class.
func (l *LogisticRegression) Fit(X [][]float64, y []float64) error {
	xD, err := validateMatrix(X)
	if err != nil {
		return err
	}
	nSamples, nFeatures := xD.Dims()
	if len(y) != nSamples {
		return errors.Errorf("number of labels %d != number of rows %d", len(y), nSamples)
	}

	classes, err := extractClasses(y)
	if err != nil {
		return err
	}
	if len(classes) != 2 {
		return errors.Errorf("expected exactly 2 distinct labels, got %d", len(classes))
	}

	yBinary := make([]float64, nSamples)
	for i, v := range y {
		if v == classes[1] {
			yBinary[i] = 1.0
		}
	}

	// Parameter vector: [w_0..w_{d-1}, b] when fitting an intercept.
	pDim := nFeatures
	if l.fitIntercept {
		pDim++
	}
	x0 := make([]float64, pDim)
	lambda := 1.0 / l.c

	prob := optimize.Problem{
		Func: func(theta []float64) float64 {
			w := theta[:nFeatures]
			b := 0.0
			if l.fitIntercept {
				b = theta[nFeatures]
			}
			loss := 0.0
			for i := 0; i < nSamples; i++ {
				z := b + floats.Dot(w, xD.RawRowView(i))
				p := clampProbability(stableSigmoid(z))
				loss += -yBinary[i]*math.Log(p) - (1.0-yBinary[i])*math.Log(1.0-p)
			}
			loss /= float64(nSamples)
			reg := 0.0
			for _, wj := range w {
				reg += wj * wj
			}
			return loss + 0.5*lambda*reg
		},
		Grad: func(grad, theta []float64) {
			w := theta[:nFeatures]
			b := 0.0
			if l.fitIntercept {
				b = theta[nFeatures]
			}
			for j := range grad {
				grad[j] = 0
			}
			for i := 0; i < nSamples; i++ {
				row := xD.RawRowView(i)
				z := b + floats.Dot(w, row)
				diff := stableSigmoid(z) - yBinary[i]
				for j := 0; j < nFeatures; j++ {
					grad[j] += diff * row[j]
				}
				if l.fitIntercept {
					grad[nFeatures] += diff
				}
			}
			invN := 1.0 / float64(nSamples)
			for j := range grad {
				grad[j] *= invN
			}
			for j := 0; j < nFeatures; j++ {
				grad[j] += lambda * w[j]
			}
		},
	}

	settings := optimize.Settings{
		GradientThreshold: l.tol,
		MajorIterations:   l.maxIter,
	}
	method := &optimize.LBFGS{}
	result, err := optimize.Minimize(prob, x0, &settings, method)
	if result == nil || !isFinite(result.X) {
		if err == nil {
			err = errors.New("solver produced a non-finite point")
		}
		return errors.Wrap(err, "lbfgs optimization failed")
	}

	l.coef = make([]float64, nFeatures)
	copy(l.coef, result.X[:nFeatures])
	if l.fitIntercept {
		l.intercept = result.X[nFeatures]
	} else {
		l.intercept = 0
	}
	l.classes = classes
	l.nFeatures = nFeatures
	l.nIter = result.Stats.MajorIterations
	l.fitted = true
	return nil
}

func isFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (l *LogisticRegression) checkInput(X [][]float64) (*mat.Dense, error) {
	if !l.fitted {
		return nil, ErrNotFitted
	}
	xD, err := validateMatrix(X)
	if err != nil {
		return nil, err
	}
	_, d := xD.Dims()
	if d != l.nFeatures {
		return nil, errors.Errorf("input dimension %d != model feature dimension %d", d, l.nFeatures)
	}
	return xD, nil
}

// decision returns the pre-sigmoid score for one row.
func (l *LogisticRegression) decision(row []float64) float64 {
	return l.intercept + floats.Dot(l.coef, row)
}

// PredictProba returns class membership probabilities for each row of X.
// Column order follows Classes(): column 0 is the smaller label.
func (l *LogisticRegression) PredictProba(X [][]float64) ([][]float64, error) {
	xD, err := l.checkInput(X)
	if err != nil {
		return nil, err
	}
	n, _ := xD.Dims()
	probas := make([][]float64, n)
	for i := 0; i < n; i++ {
		p := stableSigmoid(l.decision(xD.RawRowView(i)))
		probas[i] = []float64{1 - p, p}
	}
	return probas, nil
}

// Predict returns the predicted label value for each row of X.
func (l *LogisticRegression) Predict(X [][]float64) ([]float64, error) {
	xD, err := l.checkInput(X)
	if err != nil {
		return nil, err
	}
	n, _ := xD.Dims()
	preds := make([]float64, n)
	for i := 0; i < n; i++ {
		if l.decision(xD.RawRowView(i)) > 0 {
			preds[i] = l.classes[1]
		} else {
			preds[i] = l.classes[0]
		}
	}
	return preds, nil
}

// Score returns the mean accuracy of Predict on X against y.
func (l *LogisticRegression) Score(X [][]float64, y []float64) (float64, error) {
	preds, err := l.Predict(X)
	if err != nil {
		return 0, err
	}
	if len(y) != len(preds) {
		return 0, errors.Errorf("number of labels %d != number of rows %d", len(y), len(preds))
	}
	correct := 0
	for i, p := range preds {
		if p == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(preds)), nil
}

// Coef returns a copy of the fitted weight vector
func (l *LogisticRegression) Coef() ([]float64, error) {
	if !l.fitted {
		return nil, ErrNotFitted
	}
	coef := make([]float64, len(l.coef))
	copy(coef, l.coef)
	return coef, nil
}

// Intercept returns the fitted intercept term
func (l *LogisticRegression) Intercept() (float64, error) {
	if !l.fitted {
		return 0, ErrNotFitted
	}
	return l.intercept, nil
}

// Classes returns the two label values in ascending order, or nil before Fit
func (l *LogisticRegression) Classes() []float64 {
	if !l.fitted {
		return nil
	}
	classes := make([]float64, len(l.classes))
	copy(classes, l.classes)
	return classes
}

// Iterations returns the optimizer iteration count of the last fit
func (l *LogisticRegression) Iterations() int {
	return l.nIter
}

// NFeatures returns the feature dimension of the last fit
func (l *LogisticRegression) NFeatures() int {
	return l.nFeatures
}

// IsFitted reports whether the classifier has been fitted
func (l *LogisticRegression) IsFitted() bool {
	return l.fitted
}

// State represents the serializable state of LogisticRegression
type State struct {
	Version      int       `gob:"version"`
	C            float64   `gob:"c"`
	Tol          float64   `gob:"tol"`
	MaxIter      int       `gob:"max_iter"`
	FitIntercept bool      `gob:"fit_intercept"`
	Fitted       bool      `gob:"fitted"`
	Coef         []float64 `gob:"coef"`
	Intercept    float64   `gob:"intercept"`
	Classes      []float64 `gob:"classes"`
	NFeatures    int       `gob:"n_features"`
	NIter        int       `gob:"n_iter"`
}

// Save serializes the model state to gob format
func (l *LogisticRegression) Save(w io.Writer) error {
	state := State{
		Version:      1,
		C:            l.c,
		Tol:          l.tol,
		MaxIter:      l.maxIter,
		FitIntercept: l.fitIntercept,
		Fitted:       l.fitted,
		Intercept:    l.intercept,
		NFeatures:    l.nFeatures,
		NIter:        l.nIter,
	}
	state.Coef = make([]float64, len(l.coef))
	copy(state.Coef, l.coef)
	state.Classes = make([]float64, len(l.classes))
	copy(state.Classes, l.classes)

	encoder := gob.NewEncoder(w)
	return encoder.Encode(state)
}

// Load deserializes model state from gob format
func Load(r io.Reader) (*LogisticRegression, error) {
	decoder := gob.NewDecoder(r)

	var state State
	if err := decoder.Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != 1 {
		return nil, errors.New("unsupported gob version")
	}

	l, err := New(
		WithC(state.C),
		WithTol(state.Tol),
		WithMaxIter(state.MaxIter),
		WithFitIntercept(state.FitIntercept),
	)
	if err != nil {
		return nil, err
	}

	if state.Fitted {
		if len(state.Coef) != state.NFeatures {
			return nil, errors.New("invalid coefficient data length")
		}
		if len(state.Classes) != 2 {
			return nil, errors.New("invalid class data length")
		}
		l.coef = make([]float64, len(state.Coef))
		copy(l.coef, state.Coef)
		l.classes = make([]float64, len(state.Classes))
		copy(l.classes, state.Classes)
		l.intercept = state.Intercept
		l.nFeatures = state.NFeatures
		l.nIter = state.NIter
		l.fitted = true
	}

	return l, nil
}
