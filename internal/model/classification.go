package model

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// crossEntropy returns the mean softmax cross-entropy of logits against
// labels and its gradient with respect to the logits.
func crossEntropy(logits *mat.Dense, labels []int) (float64, *mat.Dense, error) {
	rows, classes := logits.Dims()
	if len(labels) != rows {
		return 0, nil, errors.Errorf("%d labels for %d samples", len(labels), rows)
	}
	grad := mat.NewDense(rows, classes, nil)
	total := 0.0
	for i, label := range labels {
		if label < 0 || label >= classes {
			return 0, nil, errors.Errorf("label %d out of range [0,%d)", label, classes)
		}
		row := logits.RawRowView(i)
		lse := floats.LogSumExp(row)
		total += lse - row[label]

		g := grad.RawRowView(i)
		for c, v := range row {
			g[c] = math.Exp(v - lse)
		}
		g[label]--
	}
	n := float64(rows)
	grad.Scale(1/n, grad)
	return total / n, grad, nil
}

// accuracy returns, for each k, the fraction of samples whose label is among
// the k highest logits. k is clamped to the number of classes.
func accuracy(logits *mat.Dense, labels []int, ks ...int) []float64 {
	rows, classes := logits.Dims()
	hits := make([]float64, len(ks))
	for i, label := range labels {
		row := logits.RawRowView(i)
		rank := 0
		for c, v := range row {
			if c != label && v > row[label] {
				rank++
			}
		}
		for j, k := range ks {
			if k > classes {
				k = classes
			}
			if rank < k {
				hits[j]++
			}
		}
	}
	if rows > 0 {
		floats.Scale(1/float64(rows), hits)
	}
	return hits
}
