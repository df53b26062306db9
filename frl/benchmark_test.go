package frl

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func syntheticGroups(rng *rand.Rand, n, d int) ([][]float64, []float64, []string) {
	X := make([][]float64, n)
	y := make([]float64, n)
	sensitive := make([]string, n)
	for i := 0; i < n; i++ {
		X[i] = make([]float64, d)
		for j := 0; j < d; j++ {
			X[i][j] = rng.NormFloat64()
		}
		if i < n/2 {
			y[i] = 1
		}
		if i%2 == 0 {
			sensitive[i] = "a"
		} else {
			sensitive[i] = "b"
		}
	}
	return X, y, sensitive
}

func fittedLearner(b *testing.B, n, d, k int) (*FairRepresentationLearner, [][]float64) {
	rng := rand.New(rand.NewSource(42))
	X, y, sensitive := syntheticGroups(rng, n, d)

	f, err := New(WithPrototypes(k), WithRandomSeed(42), WithMaxIter(20))
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}
	if err := f.Fit(X, y, sensitive); err != nil {
		b.Fatalf("Fit() error = %v", err)
	}
	return f, X
}

// BenchmarkFit tests training cost across data sizes
func BenchmarkFit(b *testing.B) {
	scenarios := []struct {
		n, d, k int
	}{
		{50, 5, 2},
		{100, 10, 4},
		{200, 10, 8},
	}

	for _, s := range scenarios {
		b.Run(fmt.Sprintf("Fit_n%d_d%d_k%d", s.n, s.d, s.k), func(b *testing.B) {
			benchmarkFit(b, s.n, s.d, s.k)
		})
	}
}

func benchmarkFit(b *testing.B, n, d, k int) {
	rng := rand.New(rand.NewSource(42))
	X, y, sensitive := syntheticGroups(rng, n, d)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		f, err := New(WithPrototypes(k), WithRandomSeed(42), WithMaxIter(20))
		if err != nil {
			b.Fatalf("New() error = %v", err)
		}
		if err := f.Fit(X, y, sensitive); err != nil {
			b.Fatalf("Fit() error = %v", err)
		}
	}
}

// BenchmarkInference tests the fitted model across data sizes
func BenchmarkInference(b *testing.B) {
	scenarios := []struct {
		n, d, k int
	}{
		{100, 5, 2},
		{100, 20, 8},
		{500, 10, 4},
	}

	for _, s := range scenarios {
		b.Run(fmt.Sprintf("Transform_n%d_d%d_k%d", s.n, s.d, s.k), func(b *testing.B) {
			benchmarkTransform(b, s.n, s.d, s.k)
		})

		b.Run(fmt.Sprintf("PredictProba_n%d_d%d_k%d", s.n, s.d, s.k), func(b *testing.B) {
			benchmarkPredictProba(b, s.n, s.d, s.k)
		})
	}
}

func benchmarkTransform(b *testing.B, n, d, k int) {
	f, X := fittedLearner(b, n, d, k)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := f.Transform(X)
		if err != nil {
			b.Fatalf("Transform() error = %v", err)
		}
	}
}

func benchmarkPredictProba(b *testing.B, n, d, k int) {
	f, X := fittedLearner(b, n, d, k)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := f.PredictProba(X)
		if err != nil {
			b.Fatalf("PredictProba() error = %v", err)
		}
	}
}

// BenchmarkLatentMapping tests the mapping kernel across matrix sizes
func BenchmarkLatentMapping(b *testing.B) {
	scenarios := []struct {
		n, d, k int
	}{
		{100, 10, 4},
		{1000, 10, 4},
		{1000, 50, 16},
	}

	for _, s := range scenarios {
		b.Run(fmt.Sprintf("LatentMapping_n%d_d%d_k%d", s.n, s.d, s.k), func(b *testing.B) {
			benchmarkLatentMapping(b, s.n, s.d, s.k)
		})
	}
}

func benchmarkLatentMapping(b *testing.B, n, d, k int) {
	rng := rand.New(rand.NewSource(42))
	X := mat.NewDense(n, d, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < d; j++ {
			X.Set(i, j, rng.NormFloat64())
		}
	}
	V := mat.NewDense(k, d, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < d; j++ {
			V.Set(i, j, rng.NormFloat64())
		}
	}
	alpha := make([]float64, d)
	for j := range alpha {
		alpha[j] = 1
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		latentMapping(X, V, alpha)
	}
}

// BenchmarkJointObjective tests a single objective evaluation, the unit of
// work repeated by every optimizer iteration and gradient estimate
func BenchmarkJointObjective(b *testing.B) {
	scenarios := []struct {
		n, d, k int
	}{
		{100, 10, 4},
		{500, 20, 8},
	}

	for _, s := range scenarios {
		b.Run(fmt.Sprintf("Objective_n%d_d%d_k%d", s.n, s.d, s.k), func(b *testing.B) {
			benchmarkJointObjective(b, s.n, s.d, s.k)
		})
	}
}

func benchmarkJointObjective(b *testing.B, n, d, k int) {
	rng := rand.New(rand.NewSource(42))
	rows, y, sensitive := syntheticGroups(rng, n, d)
	X, err := denseFromRows(rows)
	if err != nil {
		b.Fatalf("denseFromRows() error = %v", err)
	}

	layout := paramLayout{k: k, d: d}
	objective := &jointObjective{
		X:           X,
		y:           y,
		groups:      groupIndices(sensitive),
		layout:      layout,
		reconWeight: 1,
		classWeight: 1,
		fairWeight:  1,
	}
	x := make([]float64, layout.size())
	for i := range x {
		x[i] = rng.Float64()
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		objective.value(x)
	}
}

// BenchmarkConcurrentInference tests read-only throughput under concurrent load
func BenchmarkConcurrentInference(b *testing.B) {
	concurrency := []int{1, 2, 4, 8}

	for _, c := range concurrency {
		b.Run(fmt.Sprintf("Concurrent_workers%d", c), func(b *testing.B) {
			benchmarkConcurrentInference(b, c)
		})
	}
}

func benchmarkConcurrentInference(b *testing.B, numWorkers int) {
	f, X := fittedLearner(b, 200, 10, 4)

	b.ResetTimer()
	b.ReportAllocs()

	var wg sync.WaitGroup
	opsPerWorker := b.N / numWorkers

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			workerRng := rand.New(rand.NewSource(int64(workerID)))

			for i := 0; i < opsPerWorker; i++ {
				if workerRng.Float64() < 0.5 {
					f.Transform(X)
				} else {
					f.PredictProba(X)
				}
			}
		}(w)
	}

	wg.Wait()
}
