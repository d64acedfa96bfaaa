package costtable

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"gumbelnas/internal/model"
	"gumbelnas/internal/ops"
)

func TestTableLookupAndMissingEntry(t *testing.T) {
	table, err := New([]string{"skip", "conv3"}, [][]float64{{1, 5}})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	cost, err := table.Lookup(0, "conv3")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if cost != 5 {
		t.Fatalf("unexpected cost: %f", cost)
	}
	if _, err := table.Lookup(1, "skip"); !errors.Is(err, ErrMissingEntry) {
		t.Fatalf("expected ErrMissingEntry, got: %v", err)
	}
	if err := table.Validate(1, []string{"skip", "conv5"}); !errors.Is(err, ErrMissingEntry) {
		t.Fatalf("expected missing conv5 entry, got: %v", err)
	}
	if err := table.Validate(2, []string{"skip"}); !errors.Is(err, ErrMissingEntry) {
		t.Fatalf("expected missing layer entry, got: %v", err)
	}
}

func TestTableRejectsInvalidCosts(t *testing.T) {
	if _, err := New([]string{"skip"}, [][]float64{{-1}}); err == nil {
		t.Fatal("expected negative cost error")
	}
	if _, err := New([]string{"skip", "conv3"}, [][]float64{{1}}); err == nil {
		t.Fatal("expected short row error")
	}
}

func TestReadParsesCSV(t *testing.T) {
	input := "# latency in ms\nlayer,skip,conv3\n0,1,5\n1,0.5,2.25\n"
	table, err := Read(strings.NewReader(input))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if table.Layers() != 2 {
		t.Fatalf("unexpected layer count: %d", table.Layers())
	}
	row, err := table.Row(1, []string{"conv3", "skip"})
	if err != nil {
		t.Fatalf("row: %v", err)
	}
	if row[0] != 2.25 || row[1] != 0.5 {
		t.Fatalf("unexpected row: %v", row)
	}
}

func TestReadRejectsMalformedInput(t *testing.T) {
	cases := map[string]string{
		"empty":        "",
		"bad header":   "op,skip\n0,1\n",
		"out of order": "layer,skip\n1,1\n",
		"bad value":    "layer,skip\n0,abc\n",
	}
	for name, input := range cases {
		if _, err := Read(strings.NewReader(input)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSaveLoadPreservesEntries(t *testing.T) {
	table, err := New([]string{"skip", "conv3"}, [][]float64{{1, 5}, {0.125, 3}})
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	path := filepath.Join(t.TempDir(), "lookup_table.csv")
	if err := table.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	for layer := 0; layer < 2; layer++ {
		for _, op := range []string{"skip", "conv3"} {
			want, _ := table.Lookup(layer, op)
			got, err := loaded.Lookup(layer, op)
			if err != nil || got != want {
				t.Fatalf("entry (%d,%s): got=%f err=%v want=%f", layer, op, got, err, want)
			}
		}
	}
}

func TestEstimateCoversCatalog(t *testing.T) {
	catalog, err := ops.NewCatalog([]string{"skip", "conv_k3", "conv_k5"})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	layers := []model.LayerSpec{{In: 4, Out: 4, Stride: 1}, {In: 4, Out: 8, Stride: 2}}
	inputs := []ops.Shape{{C: 4, H: 8, W: 8}, {C: 4, H: 8, W: 8}}
	table, err := Estimate(catalog, inputs, layers)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if err := table.Validate(len(layers), catalog.Names()); err != nil {
		t.Fatalf("estimated table incomplete: %v", err)
	}
	skip, _ := table.Lookup(0, "skip")
	k5, _ := table.Lookup(0, "conv_k5")
	if skip != 0 || k5 <= 0 {
		t.Fatalf("unexpected estimates: skip=%f conv_k5=%f", skip, k5)
	}
	if _, err := Estimate(catalog, inputs[:1], layers); err == nil {
		t.Fatal("expected shape/layer count mismatch error")
	}
}
