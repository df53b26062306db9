package frl

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-fair-representation/logreg"
	"github.com/n0madic/go-fair-representation/minimize"
)

const (
	modeUnfitted = iota
	modePrototype
	modeFallback
)

// State represents the serializable state of FairRepresentationLearner
type State struct {
	Version     int     `gob:"version"`
	NPrototypes int     `gob:"n_prototypes"`
	ReconWeight float64 `gob:"recon_weight"`
	ClassWeight float64 `gob:"class_weight"`
	FairWeight  float64 `gob:"fair_weight"`
	Optimizer   int     `gob:"optimizer"`
	Tol         float64 `gob:"tol"`
	MaxIter     int     `gob:"max_iter"`

	Mode    int       `gob:"mode"`
	Classes []float64 `gob:"classes"`

	K          int       `gob:"k"`
	D          int       `gob:"d"`
	Prototypes []float64 `gob:"prototypes"`
	Weights    []float64 `gob:"weights"`
	Alpha      []float64 `gob:"alpha"`
	NGroups    int       `gob:"n_groups"`
	NIter      int       `gob:"n_iter"`
	Loss       float64   `gob:"loss"`
	ReconErr   float64   `gob:"recon_err"`
	ClassErr   float64   `gob:"class_err"`
	FairErr    float64   `gob:"fair_err"`

	Fallback []byte `gob:"fallback"`
}

// Save serializes the model state to gob format
func (f *FairRepresentationLearner) Save(w io.Writer) error {
	state := State{
		Version:     1,
		NPrototypes: f.nPrototypes,
		ReconWeight: f.reconWeight,
		ClassWeight: f.classWeight,
		FairWeight:  f.fairWeight,
		Optimizer:   int(f.optimizer),
		Tol:         f.tol,
		MaxIter:     f.maxIter,
		Mode:        modeUnfitted,
	}
	if f.encoder != nil {
		state.Classes = f.encoder.classList()
	}

	switch m := f.model.(type) {
	case *prototypeModel:
		state.Mode = modePrototype
		state.K, state.D = m.prototypes.Dims()
		raw := m.prototypes.RawMatrix()
		state.Prototypes = make([]float64, len(raw.Data))
		copy(state.Prototypes, raw.Data)
		state.Weights = make([]float64, len(m.weights))
		copy(state.Weights, m.weights)
		state.Alpha = make([]float64, len(m.alpha))
		copy(state.Alpha, m.alpha)
		state.NGroups = m.nGroups
		state.NIter = m.nIter
		state.Loss = m.loss
		state.ReconErr = m.reconErr
		state.ClassErr = m.classErr
		state.FairErr = m.fairErr
	case *fallbackModel:
		state.Mode = modeFallback
		var clfBuf bytes.Buffer
		if err := m.clf.Save(&clfBuf); err != nil {
			return errors.Wrap(err, "serializing fallback classifier")
		}
		state.Fallback = clfBuf.Bytes()
	}

	encoder := gob.NewEncoder(w)
	return encoder.Encode(state)
}

// Load deserializes model state from gob format
func Load(r io.Reader) (*FairRepresentationLearner, error) {
	decoder := gob.NewDecoder(r)

	var state State
	if err := decoder.Decode(&state); err != nil {
		return nil, err
	}
	if state.Version != 1 {
		return nil, errors.New("unsupported gob version")
	}

	f, err := New(
		WithPrototypes(state.NPrototypes),
		WithLossWeights(state.ReconWeight, state.ClassWeight, state.FairWeight),
		WithOptimizer(minimize.Method(state.Optimizer)),
		WithTolerance(state.Tol),
		WithMaxIter(state.MaxIter),
	)
	if err != nil {
		return nil, err
	}

	if state.Mode == modeUnfitted {
		return f, nil
	}
	if len(state.Classes) != 2 {
		return nil, errors.New("invalid class data length")
	}

	switch state.Mode {
	case modePrototype:
		if state.K != state.NPrototypes || state.D < 1 {
			return nil, errors.New("invalid prototype dimensions")
		}
		if len(state.Prototypes) != state.K*state.D {
			return nil, errors.New("invalid prototype data length")
		}
		if len(state.Weights) != state.K {
			return nil, errors.New("invalid weight data length")
		}
		if len(state.Alpha) != state.D {
			return nil, errors.New("invalid alpha data length")
		}
		protoData := make([]float64, len(state.Prototypes))
		copy(protoData, state.Prototypes)
		weights := make([]float64, len(state.Weights))
		copy(weights, state.Weights)
		alpha := make([]float64, len(state.Alpha))
		copy(alpha, state.Alpha)
		f.model = &prototypeModel{
			prototypes: mat.NewDense(state.K, state.D, protoData),
			weights:    weights,
			alpha:      alpha,
			nGroups:    state.NGroups,
			nIter:      state.NIter,
			loss:       state.Loss,
			reconErr:   state.ReconErr,
			classErr:   state.ClassErr,
			fairErr:    state.FairErr,
		}
	case modeFallback:
		clf, err := logreg.Load(bytes.NewReader(state.Fallback))
		if err != nil {
			return nil, errors.Wrap(err, "restoring fallback classifier")
		}
		if !clf.IsFitted() {
			return nil, errors.New("fallback classifier state is not fitted")
		}
		f.model = &fallbackModel{clf: clf}
	default:
		return nil, errors.Errorf("unknown model mode %d", state.Mode)
	}

	classes := make([]float64, len(state.Classes))
	copy(classes, state.Classes)
	f.encoder = &labelEncoder{classes: classes}
	return f, nil
}
