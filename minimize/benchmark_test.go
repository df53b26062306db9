package minimize

import (
	"fmt"
	"math"
	"testing"
)

// sphere is a smooth convex objective with minimum 0 at the origin.
func sphere(x []float64) float64 {
	s := 0.0
	for _, v := range x {
		s += v * v
	}
	return s
}

func BenchmarkMinimize(b *testing.B) {
	dimensions := []int{2, 10, 50}
	for _, m := range allMethods() {
		for _, dim := range dimensions {
			b.Run(fmt.Sprintf("%s/dim=%d", m, dim), func(b *testing.B) {
				x0 := make([]float64, dim)
				for i := range x0 {
					x0[i] = 1.0
				}
				b.ResetTimer()
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					_, err := Minimize(Problem{
						Objective: sphere,
						X0:        x0,
						Tol:       1e-8,
						MaxIter:   200,
						Method:    m,
					})
					if err != nil {
						b.Fatal(err)
					}
				}
			})
		}
	}
}

func BenchmarkMinimizeBounded(b *testing.B) {
	dimensions := []int{2, 10, 50}
	for _, dim := range dimensions {
		b.Run(fmt.Sprintf("dim=%d", dim), func(b *testing.B) {
			x0 := make([]float64, dim)
			bounds := make([]Bound, dim)
			for i := range x0 {
				x0[i] = 0.5
				bounds[i] = Bound{Min: 0.25, Max: math.Inf(1)}
			}
			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_, err := Minimize(Problem{
					Objective: sphere,
					X0:        x0,
					Bounds:    bounds,
					Tol:       1e-8,
					MaxIter:   200,
					Method:    LBFGS,
				})
				if err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
