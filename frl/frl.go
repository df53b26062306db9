package frl

import (
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/n0madic/go-fair-representation/logreg"
	"github.com/n0madic/go-fair-representation/minimize"
)

var (
	// ErrNotFitted is returned when predictions or learned quantities are
	// requested before a successful Fit.
	ErrNotFitted = errors.New("model is not fitted")

	// ErrNoSensitiveFeatures is returned by the prototype accessors when
	// the model was fitted without sensitive features and therefore holds
	// no prototypes.
	ErrNoSensitiveFeatures = errors.New("model was fitted without sensitive features")

	// ErrOptimization is in the error chain of every Fit failure caused by
	// the loss minimization itself.
	ErrOptimization = errors.New("loss minimization failed")
)

// FairRepresentationLearner learns a fairness-preserving latent
// representation of tabular data, after Zemel et al., "Learning Fair
// Representations" (ICML 2013). Each row is mapped to a probability
// distribution over k learned prototypes, and the prototypes, the latent
// classifier weights and the per-feature distance weights are trained
// jointly to minimize a weighted sum of:
// - reconstruction error between the input and its prototype reconstruction
// - classification error of the latent binary predictor
// - statistical disparity of the mapping across sensitive groups
//
// When Fit receives no sensitive features the model falls back to a plain
// logistic regression on the raw features and the transform becomes the
// identity.
//
// Fit must not be called concurrently with any other method; after a
// successful fit, Transform, Predict, PredictProba and the accessors are
// safe for concurrent use.
type FairRepresentationLearner struct {
	nPrototypes int
	reconWeight float64
	classWeight float64
	fairWeight  float64
	optimizer   minimize.Method
	tol         float64
	maxIter     int
	rng         *rand.Rand

	model   fittedModel
	encoder *labelEncoder
}

// fittedModel is the state installed by a successful Fit. Exactly one of
// the two implementations is held at a time; a nil model means unfitted.
type fittedModel interface {
	transform(X *mat.Dense) *mat.Dense
	positiveProba(X *mat.Dense) ([]float64, error)
	features() int
	iterations() int
}

// prototypeModel is the representation learned from data with sensitive
// features.
type prototypeModel struct {
	prototypes *mat.Dense // k x d
	weights    []float64  // k entries in [0, 1]
	alpha      []float64  // d non-negative feature weights
	nGroups    int
	nIter      int
	loss       float64
	reconErr   float64
	classErr   float64
	fairErr    float64
}

func (m *prototypeModel) transform(X *mat.Dense) *mat.Dense {
	M := latentMapping(X, m.prototypes, m.alpha)
	var R mat.Dense
	R.Mul(M, m.prototypes)
	return &R
}

func (m *prototypeModel) positiveProba(X *mat.Dense) ([]float64, error) {
	M := latentMapping(X, m.prototypes, m.alpha)
	n, _ := M.Dims()
	proba := make([]float64, n)
	for i := 0; i < n; i++ {
		p := 0.0
		for j, w := range m.weights {
			p += M.At(i, j) * w
		}
		proba[i] = p
	}
	return proba, nil
}

func (m *prototypeModel) features() int {
	_, d := m.prototypes.Dims()
	return d
}

func (m *prototypeModel) iterations() int {
	return m.nIter
}

// fallbackModel wraps the plain classifier used when no sensitive
// features were provided. Its transform is the identity.
type fallbackModel struct {
	clf *logreg.LogisticRegression
}

func (m *fallbackModel) transform(X *mat.Dense) *mat.Dense {
	return mat.DenseCopyOf(X)
}

func (m *fallbackModel) positiveProba(X *mat.Dense) ([]float64, error) {
	probas, err := m.clf.PredictProba(rowsFromDense(X))
	if err != nil {
		return nil, err
	}
	proba := make([]float64, len(probas))
	for i, row := range probas {
		proba[i] = row[1]
	}
	return proba, nil
}

func (m *fallbackModel) features() int {
	return m.clf.NFeatures()
}

func (m *fallbackModel) iterations() int {
	return m.clf.Iterations()
}

// Option defines a functional option for configuring FairRepresentationLearner
type Option func(*FairRepresentationLearner)

// WithPrototypes sets the number of latent prototypes
func WithPrototypes(k int) Option {
	return func(f *FairRepresentationLearner) {
		f.nPrototypes = k
	}
}

// WithLossWeights sets the relative weights of the reconstruction,
// classification and fairness terms of the training objective
func WithLossWeights(reconstruction, classification, fairness float64) Option {
	return func(f *FairRepresentationLearner) {
		f.reconWeight = reconstruction
		f.classWeight = classification
		f.fairWeight = fairness
	}
}

// WithOptimizer selects the numerical method used to minimize the objective
func WithOptimizer(method minimize.Method) Option {
	return func(f *FairRepresentationLearner) {
		f.optimizer = method
	}
}

// WithTolerance sets the convergence tolerance of the optimizer
func WithTolerance(tol float64) Option {
	return func(f *FairRepresentationLearner) {
		f.tol = tol
	}
}

// WithMaxIter sets the iteration cap of the optimizer
func WithMaxIter(maxIter int) Option {
	return func(f *FairRepresentationLearner) {
		f.maxIter = maxIter
	}
}

// WithRandomSeed sets the random seed for reproducible fits
func WithRandomSeed(seed int64) Option {
	return func(f *FairRepresentationLearner) {
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		f.rng = rand.New(rand.NewSource(seed))
	}
}

// New creates a new FairRepresentationLearner
func New(options ...Option) (*FairRepresentationLearner, error) {
	f := &FairRepresentationLearner{
		nPrototypes: 2,
		reconWeight: 1.0,
		classWeight: 1.0,
		fairWeight:  1.0,
		optimizer:   minimize.LBFGS,
		tol:         1e-6,
		maxIter:     1000,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, opt := range options {
		opt(f)
	}

	if f.nPrototypes < 1 {
		return nil, errors.Errorf("number of prototypes must be positive, got %d", f.nPrototypes)
	}
	if f.reconWeight < 0 || f.classWeight < 0 || f.fairWeight < 0 {
		return nil, errors.Errorf("loss weights must be non-negative, got %g, %g, %g",
			f.reconWeight, f.classWeight, f.fairWeight)
	}
	if f.tol <= 0 {
		return nil, errors.Errorf("tolerance must be positive, got %g", f.tol)
	}
	if f.maxIter < 1 {
		return nil, errors.Errorf("maximum iterations must be positive, got %d", f.maxIter)
	}

	return f, nil
}

// denseFromRows validates a rectangular finite matrix and copies it into
// dense form.
func denseFromRows(X [][]float64) (*mat.Dense, error) {
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

func rowsFromDense(m *mat.Dense) [][]float64 {
	n, d := m.Dims()
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, d)
		copy(row, m.RawRowView(i))
		rows[i] = row
	}
	return rows
}

// groupIndices collects the row indices of each distinct sensitive value,
// ordered by sorted value so group layout is deterministic.
func groupIndices(sensitive []string) [][]int {
	byValue := make(map[string][]int)
	for i, s := range sensitive {
		byValue[s] = append(byValue[s], i)
	}
	values := make([]string, 0, len(byValue))
	for v := range byValue {
		values = append(values, v)
	}
	sort.Strings(values)
	groups := make([][]int, len(values))
	for g, v := range values {
		groups[g] = byValue[v]
	}
	return groups
}

// Fit learns the representation from feature matrix X, binary labels y and
// the sensitive group value of each row. A nil or empty sensitive slice
// triggers the fallback path: a plain logistic regression on the raw
// features with no fairness objective. A failed fit leaves the model
// unfitted.
func (f *FairRepresentationLearner) Fit(X [][]float64, y []float64, sensitive []string) error {
	// Any previous fit is discarded up front so a failure below cannot
	// leave a stale model behind.
	f.model = nil
	f.encoder = nil

	xD, err := denseFromRows(X)
	if err != nil {
		return errors.Wrap(err, "invalid feature matrix")
	}
	n, _ := xD.Dims()
	if len(y) != n {
		return errors.Errorf("number of labels %d != number of rows %d", len(y), n)
	}
	encoder, err := newLabelEncoder(y)
	if err != nil {
		return err
	}
	if len(sensitive) != 0 && len(sensitive) != n {
		return errors.Errorf("number of sensitive values %d != number of rows %d", len(sensitive), n)
	}

	yEncoded := encoder.transform(y)
	if len(sensitive) == 0 {
		return f.fitFallback(X, yEncoded, encoder)
	}
	return f.fitPrototypes(xD, yEncoded, encoder, sensitive)
}

func (f *FairRepresentationLearner) fitFallback(X [][]float64, yEncoded []float64, encoder *labelEncoder) error {
	klog.Warning("no sensitive features provided, fitting a plain logistic regression with no fairness objective")

	clf, err := logreg.New(
		logreg.WithTol(f.tol),
		logreg.WithMaxIter(f.maxIter),
	)
	if err != nil {
		return err
	}
	if err := clf.Fit(X, yEncoded); err != nil {
		return errors.Wrapf(ErrOptimization, "%v", err)
	}

	f.model = &fallbackModel{clf: clf}
	f.encoder = encoder
	klog.V(1).Infof("fallback fit complete: features=%d iterations=%d", clf.NFeatures(), clf.Iterations())
	return nil
}

func (f *FairRepresentationLearner) fitPrototypes(xD *mat.Dense, yEncoded []float64, encoder *labelEncoder, sensitive []string) error {
	_, d := xD.Dims()
	layout := paramLayout{k: f.nPrototypes, d: d}
	groups := groupIndices(sensitive)

	objective := &jointObjective{
		X:           xD,
		y:           yEncoded,
		groups:      groups,
		layout:      layout,
		reconWeight: f.reconWeight,
		classWeight: f.classWeight,
		fairWeight:  f.fairWeight,
	}

	// Prototypes and classifier weights start uniform in [0, 1); feature
	// weights start at 1 so every feature initially counts equally.
	x0 := make([]float64, layout.size())
	for i := 0; i < layout.k*layout.d+layout.k; i++ {
		x0[i] = f.rng.Float64()
	}
	for i := layout.k*layout.d + layout.k; i < len(x0); i++ {
		x0[i] = 1.0
	}

	result, err := minimize.Minimize(minimize.Problem{
		Objective: objective.value,
		X0:        x0,
		Bounds:    layout.bounds(),
		Tol:       f.tol,
		MaxIter:   f.maxIter,
		Method:    f.optimizer,
	})
	if err != nil {
		return errors.Wrapf(ErrOptimization, "%v", err)
	}

	V := layout.prototypes(result.X)
	w := layout.weights(result.X)
	alpha := layout.alpha(result.X)
	M := latentMapping(xD, V, alpha)

	model := &prototypeModel{
		prototypes: mat.DenseCopyOf(V),
		weights:    append([]float64(nil), w...),
		alpha:      append([]float64(nil), alpha...),
		nGroups:    len(groups),
		nIter:      result.Iterations,
		loss:       result.F,
		reconErr:   reconstructionError(xD, M, V),
		classErr:   classificationError(yEncoded, M, w),
		fairErr:    fairnessError(M, groups),
	}
	f.model = model
	f.encoder = encoder
	klog.V(1).Infof("fair representation fit complete: prototypes=%d features=%d groups=%d iterations=%d loss=%.6f",
		layout.k, layout.d, len(groups), result.Iterations, result.F)
	return nil
}

func (f *FairRepresentationLearner) checkInput(X [][]float64) (*mat.Dense, error) {
	if f.model == nil {
		return nil, ErrNotFitted
	}
	xD, err := denseFromRows(X)
	if err != nil {
		return nil, errors.Wrap(err, "invalid feature matrix")
	}
	_, d := xD.Dims()
	if d != f.model.features() {
		return nil, errors.Errorf("input dimension %d != model feature dimension %d", d, f.model.features())
	}
	return xD, nil
}

// Transform maps each row of X to its reconstruction from the latent
// prototype distribution. A model fitted without sensitive features
// returns an unchanged copy of X.
func (f *FairRepresentationLearner) Transform(X [][]float64) ([][]float64, error) {
	xD, err := f.checkInput(X)
	if err != nil {
		return nil, err
	}
	return rowsFromDense(f.model.transform(xD)), nil
}

// FitTransform fits the model and returns the transformed training matrix
func (f *FairRepresentationLearner) FitTransform(X [][]float64, y []float64, sensitive []string) ([][]float64, error) {
	if err := f.Fit(X, y, sensitive); err != nil {
		return nil, err
	}
	return f.Transform(X)
}

// PredictProba returns class membership probabilities for each row of X.
// Column order follows Classes(): column 0 is the smaller label.
func (f *FairRepresentationLearner) PredictProba(X [][]float64) ([][]float64, error) {
	xD, err := f.checkInput(X)
	if err != nil {
		return nil, err
	}
	positive, err := f.model.positiveProba(xD)
	if err != nil {
		return nil, err
	}
	probas := make([][]float64, len(positive))
	for i, p := range positive {
		probas[i] = []float64{1 - p, p}
	}
	return probas, nil
}

// Predict returns the original-domain label for each row of X: the larger
// label wherever the positive-class probability exceeds 0.5.
func (f *FairRepresentationLearner) Predict(X [][]float64) ([]float64, error) {
	xD, err := f.checkInput(X)
	if err != nil {
		return nil, err
	}
	positive, err := f.model.positiveProba(xD)
	if err != nil {
		return nil, err
	}
	encoded := make([]float64, len(positive))
	for i, p := range positive {
		if p > 0.5 {
			encoded[i] = 1
		}
	}
	return f.encoder.inverse(encoded), nil
}

func (f *FairRepresentationLearner) prototypeState() (*prototypeModel, error) {
	if f.model == nil {
		return nil, ErrNotFitted
	}
	m, ok := f.model.(*prototypeModel)
	if !ok {
		return nil, ErrNoSensitiveFeatures
	}
	return m, nil
}

// Prototypes returns the learned prototype matrix with one row per
// prototype.
func (f *FairRepresentationLearner) Prototypes() ([][]float64, error) {
	m, err := f.prototypeState()
	if err != nil {
		return nil, err
	}
	return rowsFromDense(m.prototypes), nil
}

// Alpha returns the learned non-negative feature weights of the mapping
// distance.
func (f *FairRepresentationLearner) Alpha() ([]float64, error) {
	m, err := f.prototypeState()
	if err != nil {
		return nil, err
	}
	alpha := make([]float64, len(m.alpha))
	copy(alpha, m.alpha)
	return alpha, nil
}

// Coef returns the classifier weights: the latent prototype weights, or
// the logistic regression coefficients when the model was fitted without
// sensitive features.
func (f *FairRepresentationLearner) Coef() ([]float64, error) {
	switch m := f.model.(type) {
	case *prototypeModel:
		weights := make([]float64, len(m.weights))
		copy(weights, m.weights)
		return weights, nil
	case *fallbackModel:
		return m.clf.Coef()
	}
	return nil, ErrNotFitted
}

// Classes returns the two label values in ascending order, or nil before a
// successful fit.
func (f *FairRepresentationLearner) Classes() []float64 {
	if f.encoder == nil {
		return nil
	}
	return f.encoder.classList()
}

// GetStats returns a snapshot of the last successful fit
func (f *FairRepresentationLearner) GetStats() map[string]any {
	stats := map[string]any{
		"fitted": f.model != nil,
	}
	switch m := f.model.(type) {
	case *prototypeModel:
		k, d := m.prototypes.Dims()
		stats["mode"] = "prototype"
		stats["n_prototypes"] = k
		stats["n_features"] = d
		stats["n_groups"] = m.nGroups
		stats["n_iter"] = m.nIter
		stats["loss"] = m.loss
		stats["reconstruction_error"] = m.reconErr
		stats["classification_error"] = m.classErr
		stats["fairness_error"] = m.fairErr
		stats["classes"] = f.encoder.classList()
	case *fallbackModel:
		stats["mode"] = "fallback"
		stats["n_features"] = m.features()
		stats["n_iter"] = m.iterations()
		stats["classes"] = f.encoder.classList()
	}
	return stats
}
