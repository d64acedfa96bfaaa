package data

import (
	"bytes"
	"context"
	"testing"

	"gumbelnas/internal/ops"
)

func TestSplitPartitionsIndices(t *testing.T) {
	ds := NewSynthetic(100, ops.Shape{C: 1, H: 2, W: 2}, 4, 0.1, 1)
	w, th, err := Split(ds, 0.8, 7)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if w.Len() != 80 || th.Len() != 20 {
		t.Fatalf("unexpected split sizes: %d/%d", w.Len(), th.Len())
	}
	seen := map[int]bool{}
	for _, idx := range append(append([]int(nil), w.indices...), th.indices...) {
		if seen[idx] {
			t.Fatalf("index %d appears twice", idx)
		}
		seen[idx] = true
	}
	if len(seen) != 100 {
		t.Fatalf("split lost indices: %d", len(seen))
	}
	again, _, err := Split(ds, 0.8, 7)
	if err != nil {
		t.Fatalf("split again: %v", err)
	}
	for i := range w.indices {
		if w.indices[i] != again.indices[i] {
			t.Fatal("split not reproducible for equal seeds")
		}
	}
	if _, _, err := Split(ds, 1, 7); err == nil {
		t.Fatal("expected share error")
	}
}

func TestLoaderStreamsEveryExample(t *testing.T) {
	ds := NewSynthetic(10, ops.Shape{C: 2, H: 3, W: 3}, 3, 0.1, 2)
	loader, err := NewLoader(ds, 4, 1, true, 5)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	if loader.Batches() != 3 {
		t.Fatalf("expected 3 batches, got %d", loader.Batches())
	}
	total := 0
	sizes := []int{}
	for b := range loader.Stream(context.Background(), 0) {
		if b.X.Shape[0] != b.Len() || b.X.Shape[1] != 2 || b.X.Shape[2] != 3 {
			t.Fatalf("unexpected batch shape %v", b.X.Shape)
		}
		total += b.Len()
		sizes = append(sizes, b.Len())
	}
	if total != 10 || len(sizes) != 3 || sizes[2] != 2 {
		t.Fatalf("unexpected batch sizes: %v", sizes)
	}
}

func TestLoaderStopsOnCancel(t *testing.T) {
	ds := NewSynthetic(64, ops.Shape{C: 1, H: 2, W: 2}, 2, 0.1, 3)
	loader, err := NewLoader(ds, 1, 0, false, 0)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stream := loader.Stream(ctx, 0)
	<-stream
	cancel()
	count := 0
	for range stream {
		count++
	}
	if count >= 63 {
		t.Fatalf("stream kept producing after cancel: %d batches", count)
	}
}

func TestReadCIFAR10(t *testing.T) {
	var buf bytes.Buffer
	for label := 0; label < 2; label++ {
		buf.WriteByte(byte(label + 3))
		buf.Write(bytes.Repeat([]byte{255}, cifarRecord-1))
	}
	ds, err := ReadCIFAR10(&buf)
	if err != nil {
		t.Fatalf("read cifar: %v", err)
	}
	if ds.Len() != 2 || ds.Classes() != 10 {
		t.Fatalf("unexpected dataset: len=%d classes=%d", ds.Len(), ds.Classes())
	}
	px, label := ds.Example(1)
	if label != 4 || len(px) != 3*32*32 {
		t.Fatalf("unexpected example: label=%d len=%d", label, len(px))
	}
	if want := (1 - cifarMean[0]) / cifarStd[0]; px[0] != want {
		t.Fatalf("unexpected normalized pixel: got=%f want=%f", px[0], want)
	}

	if _, err := ReadCIFAR10(bytes.NewReader([]byte{1, 2, 3})); err == nil {
		t.Fatal("expected truncated record error")
	}
}
