// Package checkpoint persists training state and decides when to do so.
package checkpoint

import (
	"gonum.org/v1/gonum/mat"
)

// Tensor is a serialisable dense matrix.
type Tensor struct {
	Rows int
	Cols int
	Data []float64
}

// FromDense copies m into a Tensor.
func FromDense(m *mat.Dense) Tensor {
	r, c := m.Dims()
	return Tensor{Rows: r, Cols: c, Data: mat.DenseCopyOf(m).RawMatrix().Data}
}

// Dense rebuilds the matrix.
func (t Tensor) Dense() *mat.Dense {
	return mat.NewDense(t.Rows, t.Cols, append([]float64(nil), t.Data...))
}

// State is the full trainable state of a run.
type State struct {
	Arch           string
	Epoch          int
	GlobalStep     int
	Params         map[string]Tensor
	Velocity       map[string]Tensor
	LR             float64
	SchedulerEpoch int
	Meta           map[string]string
}

// Store is durable storage addressed by path.
type Store interface {
	Save(path string, s *State) error
	Load(path string) (*State, error)
	Keys(dir string) ([]string, error)
}
