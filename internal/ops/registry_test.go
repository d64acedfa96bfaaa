package ops

import (
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"

	"gumbelnas/internal/model"
	"gumbelnas/internal/tensor"
)

func TestRegisterAndGetOperation(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	build := func(in Shape, layer model.LayerSpec, _ *rand.Rand) (Transform, error) {
		return identity{shape: in}, nil
	}
	if err := Register("noop", build, nil); err != nil {
		t.Fatalf("register operation: %v", err)
	}
	spec, err := Get("noop")
	if err != nil {
		t.Fatalf("get operation: %v", err)
	}
	if spec.CostKey() != "noop" {
		t.Fatalf("unexpected cost key: %s", spec.CostKey())
	}
	if got := spec.FLOPs(Shape{C: 1, H: 1, W: 1}, model.LayerSpec{In: 1, Out: 1, Stride: 1}); got != 0 {
		t.Fatalf("expected default zero flops, got %f", got)
	}
}

func TestRegisterOperationValidation(t *testing.T) {
	resetRegistryForTests()
	t.Cleanup(resetRegistryForTests)

	if err := Register("", buildSkip, nil); err == nil {
		t.Fatal("expected empty name error")
	}
	if err := Register("nil", nil, nil); err == nil {
		t.Fatal("expected nil builder error")
	}
	if err := RegisterWithSpec(Spec{Name: "bad-version", Build: buildSkip, SchemaVersion: 99, CodecVersion: 1}); !errors.Is(err, ErrOperationVersion) {
		t.Fatalf("expected ErrOperationVersion, got: %v", err)
	}
	if err := Register("skip", buildSkip, nil); !errors.Is(err, ErrOperationExists) {
		t.Fatalf("expected ErrOperationExists, got: %v", err)
	}
}

func TestCatalogOrderAndErrors(t *testing.T) {
	catalog, err := NewCatalog([]string{"skip", "conv_k3"})
	if err != nil {
		t.Fatalf("new catalog: %v", err)
	}
	names := catalog.Names()
	if len(names) != 2 || names[0] != "skip" || names[1] != "conv_k3" {
		t.Fatalf("catalog order not preserved: %v", names)
	}
	if _, err := NewCatalog([]string{"skip", "missing"}); !errors.Is(err, ErrOperationNotFound) {
		t.Fatalf("expected ErrOperationNotFound, got: %v", err)
	}
	if _, err := NewCatalog([]string{"skip", "skip"}); err == nil {
		t.Fatal("expected duplicate catalog entry error")
	}
	if _, err := NewCatalog(nil); err == nil {
		t.Fatal("expected empty catalog error")
	}
}

func TestBuiltinsPreserveLayerShape(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	in := Shape{C: 4, H: 6, W: 6}
	layers := []model.LayerSpec{
		{In: 4, Out: 4, Stride: 1},
		{In: 4, Out: 8, Stride: 2},
	}
	for _, layer := range layers {
		for _, name := range DefaultOperations {
			spec, err := Get(name)
			if err != nil {
				t.Fatalf("get %s: %v", name, err)
			}
			op, err := spec.Build(in, layer, rng)
			if err != nil {
				t.Fatalf("build %s: %v", name, err)
			}
			x := tensor.Zeros(2, in.C, in.H, in.W)
			y := op.Forward(x)
			want := op.OutShape()
			if y.Shape[1] != want.C || y.Shape[2] != want.H || y.Shape[3] != want.W {
				t.Fatalf("%s layer %+v: output %v does not match declared %+v", name, layer, y.Shape, want)
			}
			if want.C != layer.Out {
				t.Fatalf("%s: declared %d channels, want %d", name, want.C, layer.Out)
			}
		}
	}
}

func TestSkipIsIdentityWhenShapePreserved(t *testing.T) {
	op, err := buildSkip(Shape{C: 2, H: 3, W: 3}, model.LayerSpec{In: 2, Out: 2, Stride: 1}, rand.New(rand.NewPCG(1, 1)))
	if err != nil {
		t.Fatalf("build skip: %v", err)
	}
	if len(op.Params()) != 0 {
		t.Fatalf("expected parameter-free identity, got %d params", len(op.Params()))
	}
	if skipFLOPs(Shape{C: 2, H: 3, W: 3}, model.LayerSpec{In: 2, Out: 2, Stride: 1}) != 0 {
		t.Fatal("expected zero flops for identity skip")
	}
}

func TestBuildRejectsChannelMismatch(t *testing.T) {
	spec, err := Get("conv_k3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := spec.Build(Shape{C: 3, H: 4, W: 4}, model.LayerSpec{In: 4, Out: 4, Stride: 1}, rand.New(rand.NewPCG(1, 1))); err == nil {
		t.Fatal("expected channel mismatch error")
	}
}

func TestFLOPsOrdering(t *testing.T) {
	in := Shape{C: 8, H: 8, W: 8}
	layer := model.LayerSpec{In: 8, Out: 8, Stride: 1}
	k1, _ := Get("conv_k1")
	k3, _ := Get("conv_k3")
	k5, _ := Get("conv_k5")
	if !(k1.FLOPs(in, layer) < k3.FLOPs(in, layer) && k3.FLOPs(in, layer) < k5.FLOPs(in, layer)) {
		t.Fatal("expected flops to grow with kernel size")
	}
}
