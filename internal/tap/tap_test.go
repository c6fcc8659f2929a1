package tap

import (
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"braintree/internal/network"
)

func TestReadBeforeForward(t *testing.T) {
	tp, err := Attach(network.NewStage("IT", &network.ReLU{}), network.Forward)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := tp.Read(); !errors.Is(err, ErrNoValue) {
		t.Fatalf("expected ErrNoValue, got %v", err)
	}
}

func TestReadOverwrites(t *testing.T) {
	stage := network.NewStage("IT", &network.ReLU{})
	tp, err := Attach(stage, network.Forward)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	first := stage.Forward(mat.NewDense(1, 2, []float64{1, -2}))
	got, err := tp.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != first {
		t.Fatal("tap does not hold the first pass output")
	}

	second := stage.Forward(mat.NewDense(2, 2, []float64{3, 4, 5, -6}))
	got, err = tp.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != second {
		t.Fatal("tap was not overwritten by the second pass")
	}
	if r, _ := got.Dims(); r != 2 {
		t.Fatalf("expected 2 rows, got %d", r)
	}
}

func TestDetachIdempotent(t *testing.T) {
	stage := network.NewStage("V4", &network.ReLU{})
	tp, err := Attach(stage, network.Forward)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	first := stage.Forward(mat.NewDense(1, 1, []float64{1}))
	tp.Detach()
	tp.Detach()
	stage.Forward(mat.NewDense(1, 1, []float64{2}))
	got, err := tp.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != first {
		t.Fatal("detached tap was updated")
	}
}

func TestBackwardTap(t *testing.T) {
	stage := network.NewStage("V1", &network.ReLU{})
	tp, err := Attach(stage, network.Backward)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	stage.Forward(mat.NewDense(1, 2, []float64{1, -1}))
	if _, err := tp.Read(); !errors.Is(err, ErrNoValue) {
		t.Fatal("backward tap fired on forward")
	}
	grad := mat.NewDense(1, 2, []float64{0.5, 0.5})
	stage.Backward(grad)
	got, err := tp.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != grad {
		t.Fatal("backward tap does not hold the output gradient")
	}
}

func TestAttachInvalidDirection(t *testing.T) {
	if _, err := Attach(network.NewStage("IT"), network.Direction(7)); err == nil {
		t.Fatal("expected error")
	}
}
