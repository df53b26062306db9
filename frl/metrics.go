package frl

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
)

// SelectionRates returns, for each sensitive group, the fraction of
// predictions equal to the positive label.
func SelectionRates(preds []float64, sensitive []string, positive float64) (map[string]float64, error) {
	if len(preds) == 0 {
		return nil, errors.New("no predictions")
	}
	if len(preds) != len(sensitive) {
		return nil, errors.Errorf("number of predictions %d != number of sensitive values %d", len(preds), len(sensitive))
	}
	selected := make(map[string][]float64)
	for i, s := range sensitive {
		hit := 0.0
		if preds[i] == positive {
			hit = 1.0
		}
		selected[s] = append(selected[s], hit)
	}
	rates := make(map[string]float64, len(selected))
	for s, hits := range selected {
		rates[s] = stat.Mean(hits, nil)
	}
	return rates, nil
}

// StatisticalParityDifference is the largest gap between the selection
// rates of any two sensitive groups. A single group yields 0.
func StatisticalParityDifference(preds []float64, sensitive []string, positive float64) (float64, error) {
	rates, err := SelectionRates(preds, sensitive, positive)
	if err != nil {
		return 0, err
	}
	lowest := math.Inf(1)
	highest := math.Inf(-1)
	for _, r := range rates {
		lowest = math.Min(lowest, r)
		highest = math.Max(highest, r)
	}
	return highest - lowest, nil
}
