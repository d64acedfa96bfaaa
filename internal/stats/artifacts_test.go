package stats

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gumbelnas/internal/model"
)

func TestWriteAndExportRunArtifacts(t *testing.T) {
	baseDir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "exports")

	runID := "run-123"
	artifacts := RunArtifacts{
		Config: RunConfig{
			RunID:      runID,
			Execution:  "dense",
			Operations: []string{"skip", "conv_k3"},
			Epochs:     2,
		},
		History: []model.EpochMetrics{
			{Epoch: 0, Phase: "warmup_weights", Temperature: 2.5, Top1: 0.3, Improved: true},
			{Epoch: 1, Phase: "joint_search", Temperature: 1.25, Top1: 0.4, Improved: true},
		},
		BestTop1:  0.4,
		BestEpoch: 1,
		Thetas:    [][]float64{{0.2, 0.8}},
	}

	runDir, err := WriteRunArtifacts(baseDir, artifacts)
	if err != nil {
		t.Fatalf("write artifacts: %v", err)
	}
	for _, file := range []string{configFile, historyFile, seriesFile, thetasFile} {
		if _, err := os.Stat(filepath.Join(runDir, file)); err != nil {
			t.Fatalf("expected file %s: %v", file, err)
		}
	}

	exportedDir, err := ExportRunArtifacts(baseDir, runID, outDir)
	if err != nil {
		t.Fatalf("export artifacts: %v", err)
	}
	for _, file := range []string{configFile, historyFile, seriesFile, thetasFile} {
		if _, err := os.Stat(filepath.Join(exportedDir, file)); err != nil {
			t.Fatalf("expected exported file %s: %v", file, err)
		}
	}

	cfg, ok, err := ReadRunConfig(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read config: ok=%t err=%v", ok, err)
	}
	if cfg.Execution != "dense" || len(cfg.Operations) != 2 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	history, ok, err := ReadEpochHistory(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read history: ok=%t err=%v", ok, err)
	}
	if len(history) != 2 || history[1].Phase != "joint_search" {
		t.Fatalf("unexpected history: %+v", history)
	}
	series, ok, err := ReadEpochSeries(baseDir, runID)
	if err != nil || !ok {
		t.Fatalf("read series: ok=%t err=%v", ok, err)
	}
	if len(series) != 2 || series[0] != 0.3 || series[1] != 0.4 {
		t.Fatalf("unexpected series: %v", series)
	}
	if _, ok, err := ReadEpochHistory(baseDir, "missing"); err != nil || ok {
		t.Fatalf("expected missing history, ok=%t err=%v", ok, err)
	}
}

func TestRunIndexNewestFirst(t *testing.T) {
	baseDir := t.TempDir()
	entries := []RunIndexEntry{
		{RunID: "a", CreatedAtUTC: "2026-01-01T00:00:00Z"},
		{RunID: "b", CreatedAtUTC: "2026-01-03T00:00:00Z"},
		{RunID: "c", CreatedAtUTC: "2026-01-02T00:00:00Z"},
	}
	for _, e := range entries {
		if err := AppendRunIndex(baseDir, e); err != nil {
			t.Fatalf("append %s: %v", e.RunID, err)
		}
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{RunID: "a", BestTop1: 0.9, CreatedAtUTC: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("replace a: %v", err)
	}
	index, err := ListRunIndex(baseDir)
	if err != nil {
		t.Fatalf("list index: %v", err)
	}
	if len(index) != 3 || index[0].RunID != "b" || index[1].RunID != "c" || index[2].RunID != "a" {
		t.Fatalf("unexpected order: %+v", index)
	}
	if index[2].BestTop1 != 0.9 {
		t.Fatalf("expected replaced entry, got %+v", index[2])
	}
	if err := AppendRunIndex(baseDir, RunIndexEntry{}); err == nil {
		t.Fatal("expected run id error")
	}
}

func TestNewRunIDAndTimestamp(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	id := NewRunID(now)
	if !strings.HasPrefix(id, "20260304-050607-") || len(id) != len("20260304-050607-")+8 {
		t.Fatalf("unexpected run id: %s", id)
	}
	if NewRunID(now) == id {
		t.Fatal("run ids must differ")
	}
	if got := Timestamp(now); got != "2026-03-04T05:06:07Z" {
		t.Fatalf("unexpected timestamp: %s", got)
	}
}
