package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, closeFn, err := New(&buf, Options{})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closeFn()
	logger.Info("epoch done", "epoch", 2)
	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if record["msg"] != "epoch done" || record["epoch"] != float64(2) {
		t.Fatalf("unexpected record: %v", record)
	}
}

func TestNewTeesIntoLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search.log")
	var buf bytes.Buffer
	logger, closeFn, err := New(&buf, Options{File: path})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	logger.With("run_id", "r1").Warn("non-finite loss")
	if err := closeFn(); err != nil {
		t.Fatalf("close log file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "non-finite loss") || !strings.Contains(string(data), `"run_id":"r1"`) {
		t.Fatalf("log file missing record: %q", data)
	}
	if !strings.Contains(buf.String(), "non-finite loss") {
		t.Fatalf("primary writer missing record: %q", buf.String())
	}
}
