package supernet

import (
	"github.com/pkg/errors"

	"gumbelnas/internal/ops"
	"gumbelnas/internal/tensor"
)

// ParamGroup is a fixed, named partition of supernet parameters handed to a
// single optimizer.
type ParamGroup struct {
	name   string
	params []ops.NamedParam
}

func newParamGroup(name string, params []ops.NamedParam) *ParamGroup {
	return &ParamGroup{name: name, params: params}
}

func (g *ParamGroup) Name() string { return g.name }

func (g *ParamGroup) Params() []ops.NamedParam {
	return append([]ops.NamedParam(nil), g.params...)
}

func (g *ParamGroup) Len() int { return len(g.params) }

// Count is the number of scalar values in the group.
func (g *ParamGroup) Count() int {
	total := 0
	for _, p := range g.params {
		total += p.Tensor.Size()
	}
	return total
}

// SetRequiresGrad freezes or unfreezes every tensor of the group.
func (g *ParamGroup) SetRequiresGrad(v bool) {
	for _, p := range g.params {
		p.Tensor.SetRequiresGrad(v)
	}
}

func (g *ParamGroup) ZeroGrad() {
	for _, p := range g.params {
		p.Tensor.ZeroGrad()
	}
}

// Snapshot copies the current values keyed by parameter name.
func (g *ParamGroup) Snapshot() map[string][]float64 {
	out := make(map[string][]float64, len(g.params))
	for _, p := range g.params {
		out[p.Name] = append([]float64(nil), p.Tensor.Data...)
	}
	return out
}

// Restore overwrites values from a snapshot; every parameter must be present
// with a matching size.
func (g *ParamGroup) Restore(values map[string][]float64) error {
	for _, p := range g.params {
		v, ok := values[p.Name]
		if !ok {
			return errors.Errorf("%s parameter %s missing from snapshot", g.name, p.Name)
		}
		if len(v) != p.Tensor.Size() {
			return errors.Errorf("%s parameter %s has %d values, want %d", g.name, p.Name, len(v), p.Tensor.Size())
		}
		copy(p.Tensor.Data, v)
	}
	return nil
}

// Tensors returns the group's tensors in declaration order.
func (g *ParamGroup) Tensors() []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(g.params))
	for i, p := range g.params {
		out[i] = p.Tensor
	}
	return out
}
