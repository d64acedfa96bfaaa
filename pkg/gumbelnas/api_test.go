package gumbelnas

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"gumbelnas/internal/checkpoint"
	"gumbelnas/internal/config"
	"gumbelnas/internal/model"
	"gumbelnas/internal/ops"
	"gumbelnas/internal/storage"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.LookupTable = config.LookupTable{CreateFromScratch: true, Path: filepath.Join(base, "lookup.csv")}
	cfg.Logging.LogFile = ""
	cfg.Logging.RunArtifacts = filepath.Join(base, "runs")
	cfg.Data.BatchSize = 8
	cfg.Data.Prefetch = 1
	cfg.Data.SyntheticExamples = 60
	cfg.Data.SyntheticNoise = 0.1
	cfg.Train.Epochs = 2
	cfg.Train.ThetaStartEpoch = 1
	cfg.Train.PrintFreq = 0
	cfg.Train.TopK = 2
	cfg.Train.CheckpointPath = filepath.Join(base, "best.json")
	cfg.SearchSpace.Input = ops.Shape{C: 2, H: 4, W: 4}
	cfg.SearchSpace.StemChannels = 3
	cfg.SearchSpace.Layers = []model.LayerSpec{{In: 3, Out: 3, Stride: 1}, {In: 3, Out: 4, Stride: 2}}
	cfg.SearchSpace.Classes = 3
	cfg.SearchSpace.Operations = []string{"skip", "conv_k1", "conv_k3"}
	cfg.Storage = config.Storage{Kind: "file", Path: filepath.Join(base, "catalog.json")}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config: %v", err)
	}
	return cfg
}

func newTestClient(t *testing.T, cfg config.Config) *Client {
	t.Helper()
	client, err := New(Options{Config: cfg, ExportsDir: filepath.Join(t.TempDir(), "exports")})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

func TestClientTrainSampleAndExport(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	client := newTestClient(t, cfg)

	summary, err := client.Train(ctx, TrainRequest{RunID: "run-a"})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if summary.RunID != "run-a" || len(summary.History) != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.History[0].Phase != "warmup_weights" || summary.History[1].Phase != "joint_search" {
		t.Fatalf("unexpected phases: %s, %s", summary.History[0].Phase, summary.History[1].Phase)
	}
	if summary.BestEpoch < 0 || math.IsInf(summary.BestTop1, 0) {
		t.Fatalf("expected a best epoch, got %d (%v)", summary.BestEpoch, summary.BestTop1)
	}
	if len(summary.Thetas) != 2 || len(summary.Thetas[0]) != 3 {
		t.Fatalf("unexpected theta shape: %v", summary.Thetas)
	}

	cp, err := checkpoint.Load(cfg.Train.CheckpointPath)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if cp.RunID != "run-a" || cp.Epoch != summary.BestEpoch {
		t.Fatalf("unexpected checkpoint: run %s epoch %d", cp.RunID, cp.Epoch)
	}
	if _, err := os.Stat(cfg.LookupTable.Path); err != nil {
		t.Fatalf("expected estimated cost table on disk: %v", err)
	}

	history, err := client.History(ctx, HistoryRequest{Latest: true})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected stored history for both epochs, got %d", len(history))
	}

	runs, err := client.Runs(ctx, RunsRequest{})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-a" || runs[0].Layers != 2 || runs[0].Operations != 3 {
		t.Fatalf("unexpected run index: %+v", runs)
	}

	record, err := client.Sample(ctx, SampleRequest{Name: "arch-1", Hard: true})
	if err != nil {
		t.Fatalf("sample: %v", err)
	}
	if len(record.Operations) != 2 || record.RunID != "run-a" {
		t.Fatalf("unexpected record: %+v", record)
	}
	if _, err := client.Sample(ctx, SampleRequest{Name: "arch-1", Seed: 3}); !errors.Is(err, storage.ErrDuplicateName) {
		t.Fatalf("expected duplicate name error, got: %v", err)
	}
	if _, err := client.Sample(ctx, SampleRequest{Name: "arch-2", Seed: 3}); err != nil {
		t.Fatalf("soft sample: %v", err)
	}
	archs, err := client.Architectures(ctx)
	if err != nil {
		t.Fatalf("architectures: %v", err)
	}
	if len(archs) != 2 || archs[0].Name != "arch-1" || archs[1].Name != "arch-2" {
		t.Fatalf("unexpected catalog: %+v", archs)
	}

	exported, err := client.Export(ctx, ExportRequest{Latest: true})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exported.Directory, "config.json")); err != nil {
		t.Fatalf("expected exported config: %v", err)
	}
}

func TestClientLookupEstimatesAndReloads(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	client := newTestClient(t, cfg)

	first, err := client.Lookup(ctx, LookupRequest{})
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !first.Regenerated || len(first.Rows) != 2 || len(first.Rows[0]) != 3 {
		t.Fatalf("unexpected first lookup: %+v", first)
	}
	second, err := client.Lookup(ctx, LookupRequest{})
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if second.Regenerated {
		t.Fatal("expected the saved table to be reused")
	}
	for i := range first.Rows {
		for j := range first.Rows[i] {
			if math.Abs(first.Rows[i][j]-second.Rows[i][j]) > 1e-9 {
				t.Fatalf("reloaded entry (%d,%d) differs: %v vs %v", i, j, first.Rows[i][j], second.Rows[i][j])
			}
		}
	}
}

func TestClientTrainFailsOnMissingCostTable(t *testing.T) {
	cfg := testConfig(t)
	cfg.LookupTable.CreateFromScratch = false
	cfg.LookupTable.Path = filepath.Join(t.TempDir(), "absent.csv")
	client := newTestClient(t, cfg)
	if _, err := client.Train(context.Background(), TrainRequest{RunID: "run-b"}); err == nil {
		t.Fatal("expected missing cost table to fail the run")
	}
	if _, err := os.Stat(cfg.Train.CheckpointPath); !os.IsNotExist(err) {
		t.Fatalf("expected no checkpoint, stat err: %v", err)
	}
}

func TestClientRejectsDatasetMismatch(t *testing.T) {
	cfg := testConfig(t)
	cfg.Data.Path = filepath.Join(t.TempDir(), "cifar")
	client := newTestClient(t, cfg)
	if _, err := client.Train(context.Background(), TrainRequest{}); err == nil {
		t.Fatal("expected missing dataset to fail")
	}
}

func TestResolveRunRequiresOneSelector(t *testing.T) {
	client := newTestClient(t, testConfig(t))
	if _, err := client.resolveRun("a", true); err == nil {
		t.Fatal("expected error for run id plus latest")
	}
	if _, err := client.resolveRun("", false); err == nil {
		t.Fatal("expected error without selector")
	}
	if _, err := client.resolveRun("", true); err == nil {
		t.Fatal("expected error with an empty run index")
	}
}
