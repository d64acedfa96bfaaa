package ops

import (
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"gumbelnas/internal/model"
	"gumbelnas/internal/tensor"
)

const (
	SupportedSchemaVersion = 1
	SupportedCodecVersion  = 1
)

var (
	ErrOperationExists   = errors.New("operation already registered")
	ErrOperationNotFound = errors.New("operation not found")
	ErrOperationVersion  = errors.New("operation version mismatch")
)

// Shape is the per-sample activation shape (channels, height, width).
type Shape struct {
	C, H, W int
}

type NamedParam struct {
	Name   string
	Tensor *tensor.Tensor
}

// Transform is a built, stateful candidate operation.
type Transform interface {
	Forward(x *tensor.Tensor) *tensor.Tensor
	Params() []NamedParam
	OutShape() Shape
}

type Builder func(in Shape, layer model.LayerSpec, rng *rand.Rand) (Transform, error)

// FLOPsFunc counts multiply-accumulates for one sample.
type FLOPsFunc func(in Shape, layer model.LayerSpec) float64

type Spec struct {
	Name          string
	Build         Builder
	FLOPs         FLOPsFunc
	SchemaVersion int
	CodecVersion  int
}

// CostKey is the cost-table column for this operation.
func (s Spec) CostKey() string { return s.Name }

var registry = struct {
	mu sync.RWMutex
	m  map[string]Spec
}{
	m: make(map[string]Spec),
}

func init() {
	initializeBuiltInOperations()
}

func Register(name string, build Builder, flops FLOPsFunc) error {
	return RegisterWithSpec(Spec{
		Name:          name,
		Build:         build,
		FLOPs:         flops,
		SchemaVersion: SupportedSchemaVersion,
		CodecVersion:  SupportedCodecVersion,
	})
}

func MustRegister(name string, build Builder, flops FLOPsFunc) {
	if err := Register(name, build, flops); err != nil {
		panic(err)
	}
}

func RegisterWithSpec(spec Spec) error {
	if spec.Name == "" {
		return errors.New("operation name is required")
	}
	if spec.Build == nil {
		return errors.New("operation builder is required")
	}
	if spec.SchemaVersion != SupportedSchemaVersion || spec.CodecVersion != SupportedCodecVersion {
		return errors.Wrapf(ErrOperationVersion, "schema=%d codec=%d", spec.SchemaVersion, spec.CodecVersion)
	}
	if spec.FLOPs == nil {
		spec.FLOPs = func(Shape, model.LayerSpec) float64 { return 0 }
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.m[spec.Name]; exists {
		return errors.Wrap(ErrOperationExists, spec.Name)
	}
	registry.m[spec.Name] = spec
	return nil
}

func Get(name string) (Spec, error) {
	registry.mu.RLock()
	spec, ok := registry.m[name]
	registry.mu.RUnlock()
	if !ok {
		return Spec{}, errors.Wrap(ErrOperationNotFound, name)
	}
	if spec.SchemaVersion != SupportedSchemaVersion || spec.CodecVersion != SupportedCodecVersion {
		return Spec{}, errors.Wrap(ErrOperationVersion, name)
	}
	return spec, nil
}

func List() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.m))
	for name := range registry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resetRegistryForTests() {
	registry.mu.Lock()
	registry.m = make(map[string]Spec)
	registry.mu.Unlock()
	initializeBuiltInOperations()
}

// Catalog is the ordered set of candidate operations offered at every
// searchable position. Theta indices follow catalog order.
type Catalog struct {
	specs []Spec
}

func NewCatalog(names []string) (*Catalog, error) {
	if len(names) == 0 {
		return nil, errors.New("operation catalog is empty")
	}
	seen := make(map[string]bool, len(names))
	specs := make([]Spec, 0, len(names))
	for _, name := range names {
		if seen[name] {
			return nil, errors.Errorf("operation %s listed twice", name)
		}
		seen[name] = true
		spec, err := Get(name)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return &Catalog{specs: specs}, nil
}

func (c *Catalog) Len() int { return len(c.specs) }

func (c *Catalog) Spec(i int) Spec { return c.specs[i] }

func (c *Catalog) Names() []string {
	names := make([]string, len(c.specs))
	for i, spec := range c.specs {
		names[i] = spec.Name
	}
	return names
}
