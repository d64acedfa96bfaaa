package costtable

import (
	"bytes"
	"encoding/csv"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/google/renameio/v2"
	"github.com/pkg/errors"

	"gumbelnas/internal/model"
	"gumbelnas/internal/ops"
)

// ErrMissingEntry reports a (layer, operation) pair the table does not cover.
var ErrMissingEntry = errors.New("cost table entry missing")

type Key struct {
	Layer int
	Op    string
}

// Table maps (layer, operation) to a measured or estimated scalar cost. It is
// immutable once built.
type Table struct {
	ops    []string
	layers int
	costs  map[Key]float64
}

// New builds a table from one row of costs per layer, columns in ops order.
func New(opNames []string, rows [][]float64) (*Table, error) {
	if len(opNames) == 0 {
		return nil, errors.New("cost table has no operations")
	}
	t := &Table{
		ops:    append([]string(nil), opNames...),
		layers: len(rows),
		costs:  make(map[Key]float64, len(rows)*len(opNames)),
	}
	for layer, row := range rows {
		if len(row) != len(opNames) {
			return nil, errors.Errorf("cost table row %d has %d values, want %d", layer, len(row), len(opNames))
		}
		for i, cost := range row {
			if cost < 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
				return nil, errors.Errorf("cost table entry (%d, %s) is invalid: %v", layer, opNames[i], cost)
			}
			t.costs[Key{Layer: layer, Op: opNames[i]}] = cost
		}
	}
	return t, nil
}

func (t *Table) Ops() []string { return append([]string(nil), t.ops...) }

func (t *Table) Layers() int { return t.layers }

func (t *Table) Lookup(layer int, op string) (float64, error) {
	cost, ok := t.costs[Key{Layer: layer, Op: op}]
	if !ok {
		return 0, errors.Wrapf(ErrMissingEntry, "layer=%d op=%s", layer, op)
	}
	return cost, nil
}

// Row returns the costs of one layer in the order of opNames.
func (t *Table) Row(layer int, opNames []string) ([]float64, error) {
	row := make([]float64, len(opNames))
	for i, op := range opNames {
		cost, err := t.Lookup(layer, op)
		if err != nil {
			return nil, err
		}
		row[i] = cost
	}
	return row, nil
}

// Validate checks that every (layer, op) pair the supernet can instantiate
// has an entry.
func (t *Table) Validate(numLayers int, opNames []string) error {
	for layer := 0; layer < numLayers; layer++ {
		if _, err := t.Row(layer, opNames); err != nil {
			return err
		}
	}
	return nil
}

// Estimate derives a table analytically from per-operation MFLOPs.
func Estimate(catalog *ops.Catalog, inputs []ops.Shape, layers []model.LayerSpec) (*Table, error) {
	if len(inputs) != len(layers) {
		return nil, errors.Errorf("estimate needs one input shape per layer: %d shapes, %d layers", len(inputs), len(layers))
	}
	rows := make([][]float64, len(layers))
	for i, layer := range layers {
		rows[i] = make([]float64, catalog.Len())
		for j := 0; j < catalog.Len(); j++ {
			rows[i][j] = catalog.Spec(j).FLOPs(inputs[i], layer) / 1e6
		}
	}
	return New(catalog.Names(), rows)
}

// Read parses the CSV form: a header "layer,<op>..." and one row per layer.
func Read(r io.Reader) (*Table, error) {
	reader := csv.NewReader(r)
	reader.Comment = '#'
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, errors.New("cost table is empty")
		}
		return nil, errors.Wrap(err, "read cost table header")
	}
	if len(header) < 2 || header[0] != "layer" {
		return nil, errors.Errorf("cost table header must start with \"layer\", got %v", header)
	}
	opNames := header[1:]

	var rows [][]float64
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "read cost table row")
		}
		layer, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, errors.Wrapf(err, "cost table layer index %q", record[0])
		}
		if layer != len(rows) {
			return nil, errors.Errorf("cost table rows out of order: got layer %d, want %d", layer, len(rows))
		}
		row := make([]float64, 0, len(opNames))
		for _, field := range record[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "cost table layer %d", layer)
			}
			row = append(row, v)
		}
		rows = append(rows, row)
	}
	return New(opNames, rows)
}

func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open cost table")
	}
	defer f.Close()
	return Read(f)
}

func (t *Table) Write(w io.Writer) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(append([]string{"layer"}, t.ops...)); err != nil {
		return err
	}
	for layer := 0; layer < t.layers; layer++ {
		record := []string{strconv.Itoa(layer)}
		for _, op := range t.ops {
			record = append(record, strconv.FormatFloat(t.costs[Key{Layer: layer, Op: op}], 'g', -1, 64))
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// Save replaces path atomically.
func (t *Table) Save(path string) error {
	var buf bytes.Buffer
	if err := t.Write(&buf); err != nil {
		return err
	}
	return errors.Wrap(renameio.WriteFile(path, buf.Bytes(), 0o644), "save cost table")
}
