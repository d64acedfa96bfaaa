package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gumbelnas/internal/model"
	"gumbelnas/internal/stats"
)

const tinyConfig = `{
  "lookup_table": {"create_from_scratch": true, "path_to_lookup_table": "lookup.csv"},
  "logging": {"path_to_log_file": "logs/search.log", "path_to_run_artifacts": "runs", "level": "warn"},
  "dataloading": {"batch_size": 8, "prefetch": 1, "synthetic_examples": 60, "synthetic_noise": 0.1},
  "train_settings": {"cnt_epochs": 3, "train_thetas_from_the_epoch": 1, "print_freq": 0, "top_k": 2, "path_to_save_model": "best.json"},
  "search_space": {
    "input": [2, 4, 4],
    "stem_channels": 3,
    "classes": 3,
    "operations": ["skip", "conv_k1", "conv_k3"],
    "layers": [{"in": 3, "out": 3, "stride": 1}, {"in": 3, "out": 4, "stride": 2}]
  },
  "storage": {"kind": "file", "path": "catalog.json"}
}`

// chdirTemp runs the test inside a fresh directory and captures the
// command output.
func chdirTemp(t *testing.T) (string, *bytes.Buffer) {
	t.Helper()
	origWD, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	workdir := t.TempDir()
	if err := os.Chdir(workdir); err != nil {
		t.Fatalf("chdir tempdir: %v", err)
	}
	var out bytes.Buffer
	origOut, origErr := stdout, stderr
	stdout, stderr = &out, &bytes.Buffer{}
	t.Cleanup(func() {
		stdout, stderr = origOut, origErr
		_ = os.Chdir(origWD)
	})
	if err := os.WriteFile(filepath.Join(workdir, "config.json"), []byte(tinyConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return workdir, &out
}

func TestTrainSampleAndListCommands(t *testing.T) {
	ctx := context.Background()
	workdir, out := chdirTemp(t)

	if err := run(ctx, []string{"train", "--config", "config.json", "--run-id", "cli-run", "--epochs", "2", "--execution", "single_path"}); err != nil {
		t.Fatalf("train command: %v", err)
	}
	if !strings.Contains(out.String(), "run_id=cli-run epochs=2") {
		t.Fatalf("unexpected train output: %s", out.String())
	}
	for _, path := range []string{"best.json", "lookup.csv", "logs/search.log", "runs/cli-run/config.json", "runs/cli-run/epoch_history.csv"} {
		if _, err := os.Stat(filepath.Join(workdir, path)); err != nil {
			t.Fatalf("expected %s: %v", path, err)
		}
	}
	cfg, ok, err := stats.ReadRunConfig("runs", "cli-run")
	if err != nil || !ok {
		t.Fatalf("read run config: ok=%t err=%v", ok, err)
	}
	if cfg.Execution != "single_path" || cfg.Epochs != 2 {
		t.Fatalf("flag overrides not recorded: %+v", cfg)
	}

	out.Reset()
	if err := run(ctx, []string{"sample", "--config", "config.json", "--name", "net-a"}); err != nil {
		t.Fatalf("sample command: %v", err)
	}
	if !strings.Contains(out.String(), "name=net-a hard=true run_id=cli-run") {
		t.Fatalf("unexpected sample output: %s", out.String())
	}
	if err := run(ctx, []string{"sample", "--config", "config.json", "--name", "net-a", "--hard=false"}); err == nil {
		t.Fatal("expected duplicate name to fail")
	}

	out.Reset()
	if err := run(ctx, []string{"archs", "--config", "config.json", "--json"}); err != nil {
		t.Fatalf("archs command: %v", err)
	}
	var records []model.ArchitectureRecord
	if err := json.Unmarshal(out.Bytes(), &records); err != nil {
		t.Fatalf("decode archs output: %v", err)
	}
	if len(records) != 1 || records[0].Name != "net-a" || len(records[0].Operations) != 2 {
		t.Fatalf("unexpected catalog: %+v", records)
	}

	out.Reset()
	if err := run(ctx, []string{"runs", "--config", "config.json"}); err != nil {
		t.Fatalf("runs command: %v", err)
	}
	if !strings.Contains(out.String(), "run_id=cli-run") || !strings.Contains(out.String(), "execution=single_path") {
		t.Fatalf("unexpected runs output: %s", out.String())
	}

	out.Reset()
	if err := run(ctx, []string{"history", "--config", "config.json", "--latest"}); err != nil {
		t.Fatalf("history command: %v", err)
	}
	if lines := strings.Count(out.String(), "\n"); lines != 2 {
		t.Fatalf("expected two history lines, got %d: %s", lines, out.String())
	}
	if !strings.Contains(out.String(), "phase=joint_search") {
		t.Fatalf("expected a joint search epoch: %s", out.String())
	}

	out.Reset()
	if err := run(ctx, []string{"export", "--config", "config.json", "--latest", "--out", "exported"}); err != nil {
		t.Fatalf("export command: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workdir, "exported", "cli-run", "config.json")); err != nil {
		t.Fatalf("expected exported config: %v", err)
	}
}

func TestLookupCommand(t *testing.T) {
	_, out := chdirTemp(t)
	if err := run(context.Background(), []string{"lookup", "--config", "config.json", "--lookup-table", "table.csv"}); err != nil {
		t.Fatalf("lookup command: %v", err)
	}
	if !strings.Contains(out.String(), "path=table.csv regenerated=true layers=2") {
		t.Fatalf("unexpected lookup output: %s", out.String())
	}
	if !strings.Contains(out.String(), "layer=1 ") {
		t.Fatalf("expected per-layer rows: %s", out.String())
	}
}

func TestCommandErrors(t *testing.T) {
	ctx := context.Background()
	chdirTemp(t)
	if err := run(ctx, nil); err == nil || !strings.Contains(err.Error(), "usage:") {
		t.Fatalf("expected usage error, got: %v", err)
	}
	if err := run(ctx, []string{"evolve"}); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got: %v", err)
	}
	if err := run(ctx, []string{"sample", "--config", "config.json"}); err == nil {
		t.Fatal("expected missing name error")
	}
	if err := run(ctx, []string{"train", "--config", "config.json", "--execution", "sparse"}); err == nil {
		t.Fatal("expected invalid execution to fail")
	}
	if err := run(ctx, []string{"export", "--config", "config.json"}); err == nil {
		t.Fatal("expected export selector error")
	}
	if err := run(ctx, []string{"train", "--config", "missing.json"}); err == nil {
		t.Fatal("expected missing config file error")
	}
}
