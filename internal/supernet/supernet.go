package supernet

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"

	"gumbelnas/internal/costtable"
	"gumbelnas/internal/model"
	"gumbelnas/internal/ops"
	"gumbelnas/internal/tensor"
)

// Supernet stacks a fixed stem, one MixedOp per searchable position and a
// fixed classifier head. Its parameters are split at construction into the
// ordinary weights and the thetas.
type Supernet struct {
	space     SearchSpace
	catalog   *ops.Catalog
	execution Execution

	stem   ops.Transform
	layers []*MixedOp
	headW  *tensor.Tensor
	headB  *tensor.Tensor

	weights *ParamGroup
	thetas  *ParamGroup
}

// Output is one forward pass of the supernet.
type Output struct {
	Logits *tensor.Tensor
	// Cost is the total resource cost summed over searchable layers.
	Cost *tensor.Tensor
	// Weights holds the relaxed vector drawn at every layer.
	Weights [][]float64
	// Chosen holds the sampled candidate per layer in single-path execution.
	Chosen []int
}

// New builds a supernet. Every (layer, operation) pair is looked up in the
// cost table up front; a missing entry or a candidate with a mismatched output
// shape fails construction.
func New(space SearchSpace, catalog *ops.Catalog, table *costtable.Table, execution Execution, rng *rand.Rand) (*Supernet, error) {
	if err := space.Validate(); err != nil {
		return nil, errors.Wrap(err, "search space")
	}
	if err := table.Validate(len(space.Layers), catalog.Names()); err != nil {
		return nil, err
	}

	stemSpec, err := ops.Get("conv_k3")
	if err != nil {
		return nil, err
	}
	stem, err := stemSpec.Build(space.Input, model.LayerSpec{In: space.Input.C, Out: space.StemChannels, Stride: 1}, rng)
	if err != nil {
		return nil, errors.Wrap(err, "stem")
	}

	n := &Supernet{
		space:     space,
		catalog:   catalog,
		execution: execution,
		stem:      stem,
	}
	inputs := space.InputShapes()
	for i, layer := range space.Layers {
		m, err := NewMixedOp(i, inputs[i], layer, catalog, table, execution, rng)
		if err != nil {
			return nil, err
		}
		n.layers = append(n.layers, m)
	}

	last := space.Layers[len(space.Layers)-1].Out
	std := math.Sqrt(1.0 / float64(last))
	hw := make([]float64, last*space.Classes)
	for i := range hw {
		hw[i] = rng.NormFloat64() * std
	}
	n.headW = tensor.Param([]int{last, space.Classes}, hw)
	n.headB = tensor.Param([]int{space.Classes}, nil)

	n.weights, n.thetas = n.partition()
	if err := n.checkPartition(); err != nil {
		return nil, err
	}
	return n, nil
}

func thetaInit(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1.0 / float64(n)
	}
	return out
}

func (n *Supernet) partition() (*ParamGroup, *ParamGroup) {
	var weights, thetas []ops.NamedParam
	for _, p := range n.stem.Params() {
		weights = append(weights, ops.NamedParam{Name: "stem." + p.Name, Tensor: p.Tensor})
	}
	for _, m := range n.layers {
		weights = append(weights, m.weightParams()...)
		thetas = append(thetas, m.thetaParam())
	}
	weights = append(weights,
		ops.NamedParam{Name: "head.weight", Tensor: n.headW},
		ops.NamedParam{Name: "head.bias", Tensor: n.headB},
	)
	return newParamGroup("weights", weights), newParamGroup("thetas", thetas)
}

// checkPartition verifies the two groups are disjoint and together cover
// every tensor reachable from the network.
func (n *Supernet) checkPartition() error {
	seen := make(map[*tensor.Tensor]string)
	for _, group := range []*ParamGroup{n.weights, n.thetas} {
		for _, p := range group.params {
			if other, dup := seen[p.Tensor]; dup {
				return errors.Errorf("parameter %s appears in both %s and %s", p.Name, other, group.name)
			}
			seen[p.Tensor] = group.name
		}
	}
	for _, p := range n.AllParams() {
		if _, ok := seen[p.Tensor]; !ok {
			return errors.Errorf("parameter %s is not assigned to a group", p.Name)
		}
	}
	if len(seen) != len(n.AllParams()) {
		return errors.Errorf("groups hold %d parameters, network has %d", len(seen), len(n.AllParams()))
	}
	return nil
}

// AllParams walks every module independently of the group partition.
func (n *Supernet) AllParams() []ops.NamedParam {
	var out []ops.NamedParam
	out = append(out, n.stem.Params()...)
	for _, m := range n.layers {
		out = append(out, m.thetaParam())
		out = append(out, m.weightParams()...)
	}
	out = append(out, ops.NamedParam{Name: "head.weight", Tensor: n.headW}, ops.NamedParam{Name: "head.bias", Tensor: n.headB})
	return out
}

func (n *Supernet) Weights() *ParamGroup { return n.weights }

func (n *Supernet) Thetas() *ParamGroup { return n.thetas }

func (n *Supernet) Layers() []*MixedOp { return n.layers }

func (n *Supernet) Space() SearchSpace { return n.space }

func (n *Supernet) Catalog() *ops.Catalog { return n.catalog }

func (n *Supernet) Execution() Execution { return n.execution }

// Forward runs a batch x [n,c,h,w] at the given temperature.
func (n *Supernet) Forward(x *tensor.Tensor, temperature float64, noise Noise) (Output, error) {
	if temperature <= 0 || math.IsNaN(temperature) {
		return Output{}, errors.Errorf("temperature must be positive, got %v", temperature)
	}
	in := n.space.Input
	if len(x.Shape) != 4 || x.Shape[1] != in.C || x.Shape[2] != in.H || x.Shape[3] != in.W {
		return Output{}, errors.Errorf("input %v does not match search space input %+v", x.Shape, in)
	}

	y := n.stem.Forward(x)
	costs := make([]*tensor.Tensor, 0, len(n.layers))
	out := Output{
		Weights: make([][]float64, 0, len(n.layers)),
		Chosen:  make([]int, 0, len(n.layers)),
	}
	for _, m := range n.layers {
		lo := m.Forward(y, temperature, noise)
		y = lo.Y
		costs = append(costs, lo.Cost)
		out.Weights = append(out.Weights, append([]float64(nil), lo.Weights.Data...))
		out.Chosen = append(out.Chosen, lo.Chosen)
	}
	out.Logits = tensor.AddRowVector(tensor.MatMul(tensor.GlobalAvgPool(y), n.headW), n.headB)
	out.Cost = tensor.Sum(costs...)
	return out, nil
}

// ThetaValues copies the theta vector of every layer.
func (n *Supernet) ThetaValues() [][]float64 {
	out := make([][]float64, len(n.layers))
	for i, m := range n.layers {
		out[i] = append([]float64(nil), m.theta.Data...)
	}
	return out
}

// Checkpoint captures the current parameters.
func (n *Supernet) Checkpoint() model.Checkpoint {
	return model.Checkpoint{
		OpNames: n.catalog.Names(),
		Layers:  append([]model.LayerSpec(nil), n.space.Layers...),
		Weights: n.weights.Snapshot(),
		Thetas:  n.ThetaValues(),
	}
}

// Restore loads parameters captured by Checkpoint into a supernet built over
// the same search space and catalog.
func (n *Supernet) Restore(cp model.Checkpoint) error {
	names := n.catalog.Names()
	if fmt.Sprint(cp.OpNames) != fmt.Sprint(names) {
		return errors.Errorf("checkpoint operations %v do not match catalog %v", cp.OpNames, names)
	}
	if len(cp.Thetas) != len(n.layers) {
		return errors.Errorf("checkpoint has %d theta vectors, supernet has %d layers", len(cp.Thetas), len(n.layers))
	}
	for i, m := range n.layers {
		if len(cp.Thetas[i]) != m.theta.Size() {
			return errors.Errorf("layer %d theta has %d values, want %d", i, len(cp.Thetas[i]), m.theta.Size())
		}
	}
	if err := n.weights.Restore(cp.Weights); err != nil {
		return err
	}
	for i, m := range n.layers {
		copy(m.theta.Data, cp.Thetas[i])
	}
	return nil
}
