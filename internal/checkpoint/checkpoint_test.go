package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"gumbelnas/internal/model"
)

func TestSaveLoadCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "best.json")
	cp := model.Checkpoint{
		RunID:   "run-1",
		Epoch:   3,
		Top1:    0.42,
		OpNames: []string{"skip", "conv_k3"},
		Weights: map[string][]float64{"head.bias": {0.1, 0.2}},
		Thetas:  [][]float64{{0.5, 0.5}},
	}
	n, err := Save(path, cp)
	if err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat checkpoint: %v", err)
	}
	if info.Size() != int64(n) {
		t.Fatalf("reported size %d does not match file size %d", n, info.Size())
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if loaded.RunID != "run-1" || loaded.Epoch != 3 || loaded.Top1 != 0.42 {
		t.Fatalf("unexpected checkpoint: %+v", loaded)
	}
	if loaded.SchemaVersion != CurrentSchemaVersion || loaded.Weights["head.bias"][1] != 0.2 {
		t.Fatalf("checkpoint fields not preserved: %+v", loaded)
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	_, err := Decode([]byte(`{"schema_version":9,"codec_version":1}`))
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got: %v", err)
	}
	if _, err := Decode([]byte(`{`)); err == nil {
		t.Fatal("expected decode error")
	}
}
