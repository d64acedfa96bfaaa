package train

import (
	"gumbelnas/internal/loss"
	"gumbelnas/internal/model"
	"gumbelnas/internal/tensor"
)

// accuracy counts top-1 and top-k hits of logits [n,m] against labels.
func accuracy(logits *tensor.Tensor, labels []int, k int) (top1, topk int) {
	m := logits.Shape[1]
	for i, label := range labels {
		row := logits.Data[i*m : (i+1)*m]
		target := row[label]
		rank := 0
		for j, v := range row {
			if v > target || (v == target && j < label) {
				rank++
			}
		}
		if rank == 0 {
			top1++
		}
		if rank < k {
			topk++
		}
	}
	return top1, topk
}

// meter accumulates batch-weighted means of a phase.
type meter struct {
	batches  int
	skipped  int
	examples int
	correct  int
	task     float64
	cost     float64
	total    float64
}

func (m *meter) add(b loss.Breakdown, n, correct int) {
	m.batches++
	m.examples += n
	m.correct += correct
	m.task += b.Task * float64(n)
	m.cost += b.Cost * float64(n)
	m.total += b.Total * float64(n)
}

func (m *meter) top1() float64 {
	if m.examples == 0 {
		return 0
	}
	return float64(m.correct) / float64(m.examples)
}

func (m *meter) metrics() model.PhaseMetrics {
	out := model.PhaseMetrics{Batches: m.batches, SkippedSteps: m.skipped}
	if m.examples == 0 {
		return out
	}
	n := float64(m.examples)
	out.TaskLoss = m.task / n
	out.Cost = m.cost / n
	out.Loss = m.total / n
	out.Top1 = m.top1()
	return out
}
