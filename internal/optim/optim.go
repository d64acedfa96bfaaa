package optim

import (
	"math"

	"github.com/pkg/errors"

	"gumbelnas/internal/tensor"
)

// Optimizer updates a fixed set of parameters from their accumulated
// gradients. Parameters are bound at construction; those the last backward
// pass did not reach are skipped, weight decay and momentum included.
type Optimizer interface {
	Name() string
	Step()
	ZeroGrad()
	LR() float64
	SetLR(lr float64)
}

// SGD is stochastic gradient descent with momentum and L2 weight decay:
// g += wd*p; v = m*v + g; p -= lr*v.
type SGD struct {
	params      []*tensor.Tensor
	lr          float64
	momentum    float64
	weightDecay float64
	velocity    [][]float64
}

func NewSGD(params []*tensor.Tensor, lr, momentum, weightDecay float64) (*SGD, error) {
	if err := checkHyper(lr, weightDecay); err != nil {
		return nil, errors.Wrap(err, "sgd")
	}
	if momentum < 0 || momentum >= 1 {
		return nil, errors.Errorf("sgd: momentum must be in [0,1), got %v", momentum)
	}
	s := &SGD{
		params:      params,
		lr:          lr,
		momentum:    momentum,
		weightDecay: weightDecay,
		velocity:    make([][]float64, len(params)),
	}
	return s, nil
}

func (s *SGD) Name() string { return "sgd" }

func (s *SGD) LR() float64 { return s.lr }

func (s *SGD) SetLR(lr float64) { s.lr = lr }

func (s *SGD) ZeroGrad() { zeroGrad(s.params) }

func (s *SGD) Step() {
	for i, p := range s.params {
		if p.Grad == nil || !p.RequiresGrad() || !p.Reached() {
			continue
		}
		if s.velocity[i] == nil {
			s.velocity[i] = make([]float64, p.Size())
		}
		v := s.velocity[i]
		for j := range p.Data {
			g := p.Grad[j] + s.weightDecay*p.Data[j]
			if s.momentum > 0 {
				v[j] = s.momentum*v[j] + g
				g = v[j]
			}
			p.Data[j] -= s.lr * g
		}
	}
}

// Adam with L2 weight decay added to the gradient.
type Adam struct {
	params      []*tensor.Tensor
	lr          float64
	beta1       float64
	beta2       float64
	eps         float64
	weightDecay float64
	step        int
	m, v        [][]float64
}

const (
	DefaultAdamBeta1 = 0.9
	DefaultAdamBeta2 = 0.999
	DefaultAdamEps   = 1e-8
)

func NewAdam(params []*tensor.Tensor, lr, weightDecay float64) (*Adam, error) {
	if err := checkHyper(lr, weightDecay); err != nil {
		return nil, errors.Wrap(err, "adam")
	}
	return &Adam{
		params:      params,
		lr:          lr,
		beta1:       DefaultAdamBeta1,
		beta2:       DefaultAdamBeta2,
		eps:         DefaultAdamEps,
		weightDecay: weightDecay,
		m:           make([][]float64, len(params)),
		v:           make([][]float64, len(params)),
	}, nil
}

func (a *Adam) Name() string { return "adam" }

func (a *Adam) LR() float64 { return a.lr }

func (a *Adam) SetLR(lr float64) { a.lr = lr }

func (a *Adam) ZeroGrad() { zeroGrad(a.params) }

func (a *Adam) Step() {
	a.step++
	bc1 := 1 - math.Pow(a.beta1, float64(a.step))
	bc2 := 1 - math.Pow(a.beta2, float64(a.step))
	for i, p := range a.params {
		if p.Grad == nil || !p.RequiresGrad() || !p.Reached() {
			continue
		}
		if a.m[i] == nil {
			a.m[i] = make([]float64, p.Size())
			a.v[i] = make([]float64, p.Size())
		}
		m, v := a.m[i], a.v[i]
		for j := range p.Data {
			g := p.Grad[j] + a.weightDecay*p.Data[j]
			m[j] = a.beta1*m[j] + (1-a.beta1)*g
			v[j] = a.beta2*v[j] + (1-a.beta2)*g*g
			mhat := m[j] / bc1
			vhat := v[j] / bc2
			p.Data[j] -= a.lr * mhat / (math.Sqrt(vhat) + a.eps)
		}
	}
}

func checkHyper(lr, weightDecay float64) error {
	if lr <= 0 || math.IsNaN(lr) || math.IsInf(lr, 0) {
		return errors.Errorf("learning rate must be positive, got %v", lr)
	}
	if weightDecay < 0 || math.IsNaN(weightDecay) {
		return errors.Errorf("weight decay must be nonnegative, got %v", weightDecay)
	}
	return nil
}

func zeroGrad(params []*tensor.Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
