package network

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

func randomInput(rng *rand.Rand, rows, cols int) *mat.Dense {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = rng.Float64()
	}
	return mat.NewDense(rows, cols, data)
}

// weightedSum is sum(out .* w); its gradient w.r.t. out is w.
func weightedSum(out, w *mat.Dense) float64 {
	var e mat.Dense
	e.MulElem(out, w)
	return mat.Sum(&e)
}

func zeroGrads(net *Network) {
	for _, p := range net.Params() {
		p.Grad.Zero()
	}
}

func checkGradients(t *testing.T, net *Network, x *mat.Dense) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	pass := net.Forward(x)
	r, c := pass.Output.Dims()
	w := randomInput(rng, r, c)

	zeroGrads(net)
	if err := net.Backward(w, nil); err != nil {
		t.Fatalf("Backward: %v", err)
	}

	const h = 1e-6
	for _, p := range net.Params() {
		rows, cols := p.Value.Dims()
		// Probe a few coordinates per parameter.
		for k := 0; k < 3; k++ {
			i, j := rng.Intn(rows), rng.Intn(cols)
			orig := p.Value.At(i, j)
			p.Value.Set(i, j, orig+h)
			plus := weightedSum(net.Forward(x).Output, w)
			p.Value.Set(i, j, orig-h)
			minus := weightedSum(net.Forward(x).Output, w)
			p.Value.Set(i, j, orig)
			numeric := (plus - minus) / (2 * h)
			analytic := p.Grad.At(i, j)
			if math.Abs(numeric-analytic) > 1e-4*math.Max(1, math.Abs(numeric)) {
				t.Fatalf("%s[%d,%d]: analytic %.6f numeric %.6f", p.Name, i, j, analytic, numeric)
			}
		}
	}
}

func TestRegionMLPGradients(t *testing.T) {
	net, err := RegionMLP(Spec{ImageSize: 4, Channels: 1, Classes: 3, Seed: 1})
	if err != nil {
		t.Fatalf("RegionMLP: %v", err)
	}
	checkGradients(t, net, randomInput(rand.New(rand.NewSource(1)), 3, 16))
}

func TestConvStageGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	in := Shape{Channels: 2, Height: 4, Width: 4}
	conv := NewConv2D("c", in, 3, 3, 1, 1, rng)
	pool := NewAvgPool2(conv.OutShape())
	lin := NewLinear("l", pool.OutShape().Size(), 2, rng)
	net, err := New("tiny", NewStage("V1", conv, pool), NewStage("decoder", lin))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	checkGradients(t, net, randomInput(rng, 2, in.Size()))
}

func TestCORnetZShapes(t *testing.T) {
	net, err := CORnetZ(Spec{ImageSize: 16, Channels: 3, Classes: 10, Seed: 1})
	if err != nil {
		t.Fatalf("CORnetZ: %v", err)
	}
	x := randomInput(rand.New(rand.NewSource(1)), 2, 3*16*16)
	pass := net.Forward(x)
	if r, c := pass.Output.Dims(); r != 2 || c != 10 {
		t.Fatalf("output dims %dx%d", r, c)
	}
	if _, c := pass.Activations["IT"].Dims(); c != 64 {
		t.Fatalf("IT width %d, want 64", c)
	}
	for _, region := range Regions {
		if _, ok := pass.Activations[region]; !ok {
			t.Fatalf("missing activation for %s", region)
		}
	}
}

func TestCORnetZRejectsOddImageSize(t *testing.T) {
	if _, err := CORnetZ(Spec{ImageSize: 20, Channels: 3, Classes: 10}); err == nil {
		t.Fatal("expected error for image size 20")
	}
}

func TestBackwardStageGradientOnly(t *testing.T) {
	net, err := RegionMLP(Spec{ImageSize: 2, Channels: 1, Classes: 2, Seed: 4})
	if err != nil {
		t.Fatalf("RegionMLP: %v", err)
	}
	x := randomInput(rand.New(rand.NewSource(5)), 3, 4)
	pass := net.Forward(x)
	r, c := pass.Activations["V2"].Dims()
	zeroGrads(net)
	if err := net.Backward(nil, map[string]*mat.Dense{"V2": randomInput(rand.New(rand.NewSource(6)), r, c)}); err != nil {
		t.Fatalf("Backward: %v", err)
	}
	for _, p := range net.Params() {
		if p.Name == "V1.linear.weight" && mat.Norm(p.Grad, 2) == 0 {
			t.Fatal("V1 received no gradient")
		}
		if p.Name[:2] == "IT" || p.Name[:2] == "de" || p.Name[:2] == "V4" {
			if mat.Norm(p.Grad, 2) != 0 {
				t.Fatalf("%s received gradient above the tapped stage", p.Name)
			}
		}
	}
	if err := net.Backward(nil, map[string]*mat.Dense{"V9": mat.NewDense(r, c, nil)}); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

type countingObserver struct{ n int }

func (o *countingObserver) Observe(Event) { o.n++ }

func TestStageRegisterRemove(t *testing.T) {
	s := NewStage("IT", &ReLU{})
	a, b := &countingObserver{}, &countingObserver{}
	removeA := s.Register(Forward, a)
	s.Register(Forward, b)
	s.Forward(mat.NewDense(1, 2, []float64{1, -1}))
	removeA()
	removeA()
	s.Forward(mat.NewDense(1, 2, []float64{1, -1}))
	if a.n != 1 || b.n != 2 {
		t.Fatalf("observer counts a=%d b=%d", a.n, b.n)
	}
}

func TestRegistry(t *testing.T) {
	r := Builtin()
	if names := r.Names(); len(names) != 2 || names[0] != "cornet_z" {
		t.Fatalf("unexpected names %v", names)
	}
	if _, err := r.Lookup("resnet50"); !errors.Is(err, ErrUnknownArch) {
		t.Fatalf("expected ErrUnknownArch, got %v", err)
	}
	dup := Entry{Name: "a", Factory: RegionMLP}
	if _, err := NewRegistry(dup, dup); err == nil {
		t.Fatal("expected duplicate error")
	}
	net, err := r.Build("region_mlp", Spec{ImageSize: 2, Channels: 3, Classes: 5})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if net.Arch() != "region_mlp" {
		t.Fatalf("arch %s", net.Arch())
	}
}
