package train

import (
	"context"
	"log/slog"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"gumbelnas/internal/checkpoint"
	"gumbelnas/internal/data"
	"gumbelnas/internal/loss"
	"gumbelnas/internal/model"
	"gumbelnas/internal/optim"
	"gumbelnas/internal/supernet"
	"gumbelnas/internal/tensor"
)

// BatchSource yields one pass of minibatches per call.
type BatchSource interface {
	Stream(ctx context.Context, epoch int) <-chan data.Batch
}

type Config struct {
	Epochs          int
	ThetaStartEpoch int
	InitTemperature float64
	AnnealRate      float64
	PrintFreq       int
	TopK            int
	// StepsPerEpoch caps each phase at this many batches; zero consumes the
	// whole stream.
	StepsPerEpoch  int
	CheckpointPath string
	RunID          string
}

func (c Config) Validate() error {
	switch {
	case c.Epochs <= 0:
		return errors.Errorf("epochs must be positive, got %d", c.Epochs)
	case c.ThetaStartEpoch < 0:
		return errors.Errorf("theta start epoch must be nonnegative, got %d", c.ThetaStartEpoch)
	case c.InitTemperature <= 0 || math.IsNaN(c.InitTemperature) || math.IsInf(c.InitTemperature, 0):
		return errors.Errorf("initial temperature must be positive, got %v", c.InitTemperature)
	case c.AnnealRate <= 0 || c.AnnealRate > 1 || math.IsNaN(c.AnnealRate):
		return errors.Errorf("anneal rate must be in (0,1], got %v", c.AnnealRate)
	case c.TopK <= 0:
		return errors.Errorf("top-k must be positive, got %d", c.TopK)
	case c.StepsPerEpoch < 0:
		return errors.Errorf("steps per epoch must be nonnegative, got %d", c.StepsPerEpoch)
	}
	return nil
}

// EpochObserver is called after every completed epoch.
type EpochObserver func(ctx context.Context, metrics model.EpochMetrics) error

// Trainer runs the alternating weight/theta optimization of a supernet.
type Trainer struct {
	net      *supernet.Supernet
	loss     loss.Composite
	wOpt     optim.Optimizer
	thetaOpt optim.Optimizer
	wSched   *optim.Scheduler
	noise    supernet.Noise
	cfg      Config
	logger   *slog.Logger

	state     State
	history   []model.EpochMetrics
	observers []EpochObserver
}

func New(net *supernet.Supernet, lossFn loss.Composite, wOpt, thetaOpt optim.Optimizer, wSched *optim.Scheduler, noise supernet.Noise, cfg Config, logger *slog.Logger) (*Trainer, error) {
	if net == nil || wOpt == nil || thetaOpt == nil || noise == nil {
		return nil, errors.New("trainer requires a supernet, both optimizers and a noise source")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := lossFn.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if classes := net.Space().Classes; cfg.TopK > classes {
		cfg.TopK = classes
	}
	return &Trainer{
		net:      net,
		loss:     lossFn,
		wOpt:     wOpt,
		thetaOpt: thetaOpt,
		wSched:   wSched,
		noise:    noise,
		cfg:      cfg,
		logger:   logger.With("run_id", cfg.RunID),
		state:    NewState(cfg.InitTemperature),
	}, nil
}

// Observe registers fn to run after each epoch.
func (t *Trainer) Observe(fn EpochObserver) {
	t.observers = append(t.observers, fn)
}

func (t *Trainer) State() State { return t.state }

func (t *Trainer) History() []model.EpochMetrics {
	return append([]model.EpochMetrics(nil), t.history...)
}

// Run executes every configured epoch. wSource feeds the weight passes,
// thetaSource the theta passes, and valSource the validation pass.
func (t *Trainer) Run(ctx context.Context, wSource, thetaSource, valSource BatchSource) (State, error) {
	if wSource == nil || thetaSource == nil || valSource == nil {
		return t.state, errors.New("trainer requires weight, theta and validation sources")
	}
	t.logger.Info("search started",
		"epochs", t.cfg.Epochs,
		"theta_start_epoch", t.cfg.ThetaStartEpoch,
		"weights", humanize.Comma(int64(t.net.Weights().Count())),
		"thetas", humanize.Comma(int64(t.net.Thetas().Count())),
		"execution", t.net.Execution(),
	)
	for epoch := 0; epoch < t.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return t.state, err
		}
		metrics, err := t.runEpoch(ctx, epoch, wSource, thetaSource, valSource)
		if err != nil {
			return t.state, err
		}
		t.history = append(t.history, metrics)
		for _, fn := range t.observers {
			if err := fn(ctx, metrics); err != nil {
				return t.state, errors.Wrapf(err, "epoch %d observer", epoch)
			}
		}
	}
	t.net.Weights().SetRequiresGrad(true)
	t.net.Thetas().SetRequiresGrad(true)
	t.logger.Info("search finished", "best_top1", t.state.BestTop1, "best_epoch", t.state.BestEpoch, "temperature", t.state.Temperature)
	return t.state, nil
}

func (t *Trainer) runEpoch(ctx context.Context, epoch int, wSource, thetaSource, valSource BatchSource) (model.EpochMetrics, error) {
	t.state.beginEpoch(epoch, t.cfg.ThetaStartEpoch, t.cfg.AnnealRate)
	phase := t.state.Phase
	log := t.logger.With("epoch", epoch, "phase", string(phase))
	log.Info("epoch started", "temperature", t.state.Temperature)

	metrics := model.EpochMetrics{
		Epoch:       epoch,
		Phase:       string(phase),
		Temperature: t.state.Temperature,
	}

	var sched *optim.Scheduler
	if phase == PhaseJointSearch {
		sched = t.wSched
	}
	w, err := t.step(ctx, log, "weights", wSource, t.net.Weights(), t.net.Thetas(), t.wOpt, sched)
	if err != nil {
		return metrics, err
	}
	metrics.Weights = w
	metrics.WeightLR = t.wOpt.LR()

	if phase == PhaseJointSearch {
		th, err := t.step(ctx, log, "thetas", thetaSource, t.net.Thetas(), t.net.Weights(), t.thetaOpt, nil)
		if err != nil {
			return metrics, err
		}
		metrics.Thetas = th
	}

	top1, topk, err := t.validate(ctx, valSource)
	if err != nil {
		return metrics, err
	}
	metrics.Top1, metrics.TopK = top1, topk
	if t.state.observe(epoch, top1, topk) {
		metrics.Improved = true
		if err := t.saveBest(log); err != nil {
			return metrics, err
		}
	}
	log.Info("epoch finished",
		"top1", top1,
		"topk", topk,
		"k", t.cfg.TopK,
		"loss", metrics.Weights.Loss,
		"skipped", metrics.Weights.SkippedSteps+metrics.Thetas.SkippedSteps,
		"improved", metrics.Improved,
	)
	return metrics, nil
}

// step trains one parameter group over one pass of source while the other
// group stays frozen. A scheduler, when given, advances after every batch.
func (t *Trainer) step(ctx context.Context, log *slog.Logger, name string, source BatchSource, active, frozen *supernet.ParamGroup, opt optim.Optimizer, sched *optim.Scheduler) (model.PhaseMetrics, error) {
	frozen.SetRequiresGrad(false)
	active.SetRequiresGrad(true)
	opt.ZeroGrad()

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stream := source.Stream(streamCtx, t.state.Epoch)

	var m meter
	for batchIdx := 0; t.cfg.StepsPerEpoch == 0 || batchIdx < t.cfg.StepsPerEpoch; batchIdx++ {
		var (
			batch data.Batch
			ok    bool
		)
		select {
		case batch, ok = <-stream:
		case <-ctx.Done():
			return m.metrics(), ctx.Err()
		}
		if !ok {
			if t.cfg.StepsPerEpoch > 0 {
				log.Warn("data stream exhausted, ending pass early", "pass", name, "batches", batchIdx, "expected", t.cfg.StepsPerEpoch)
			}
			break
		}

		out, err := t.net.Forward(batch.X, t.state.Temperature, t.noise)
		if err != nil {
			return m.metrics(), errors.Wrapf(err, "%s pass batch %d", name, batchIdx)
		}
		total, breakdown := t.loss.Evaluate(out.Logits, batch.Labels, out.Cost)
		if !total.IsFinite() {
			m.skipped++
			opt.ZeroGrad()
			log.Warn("non-finite loss, skipping update", "pass", name, "batch", batchIdx, "task", breakdown.Task, "cost", breakdown.Cost)
			continue
		}
		if err := tensor.Backward(total); err != nil {
			return m.metrics(), err
		}
		if !gradsFinite(active) {
			m.skipped++
			opt.ZeroGrad()
			log.Warn("non-finite gradient, skipping update", "pass", name, "batch", batchIdx)
			continue
		}
		opt.Step()
		opt.ZeroGrad()
		if sched != nil {
			sched.Step()
		}

		correct, _ := accuracy(out.Logits, batch.Labels, 1)
		m.add(breakdown, batch.Len(), correct)
		if t.cfg.PrintFreq > 0 && (batchIdx+1)%t.cfg.PrintFreq == 0 {
			log.Info("progress",
				"pass", name,
				"batch", batchIdx+1,
				"loss", breakdown.Total,
				"task", breakdown.Task,
				"cost", breakdown.Cost,
				"top1", m.top1(),
				"lr", opt.LR(),
			)
		}
	}
	return m.metrics(), nil
}

// validate measures accuracy with every parameter frozen, so no graph is
// recorded.
func (t *Trainer) validate(ctx context.Context, source BatchSource) (float64, float64, error) {
	t.net.Weights().SetRequiresGrad(false)
	t.net.Thetas().SetRequiresGrad(false)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var examples, hits1, hitsK int
	for batch := range source.Stream(streamCtx, t.state.Epoch) {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		out, err := t.net.Forward(batch.X, t.state.Temperature, t.noise)
		if err != nil {
			return 0, 0, errors.Wrap(err, "validation")
		}
		h1, hk := accuracy(out.Logits, batch.Labels, t.cfg.TopK)
		hits1 += h1
		hitsK += hk
		examples += batch.Len()
	}
	if examples == 0 {
		return 0, 0, errors.New("validation stream produced no examples")
	}
	return float64(hits1) / float64(examples), float64(hitsK) / float64(examples), nil
}

func (t *Trainer) saveBest(log *slog.Logger) error {
	if t.cfg.CheckpointPath == "" {
		return nil
	}
	cp := t.net.Checkpoint()
	cp.RunID = t.cfg.RunID
	cp.Epoch = t.state.BestEpoch
	cp.Top1 = t.state.BestTop1
	cp.TopK = t.state.BestTopK
	cp.Temperature = t.state.Temperature
	n, err := checkpoint.Save(t.cfg.CheckpointPath, cp)
	if err != nil {
		return err
	}
	log.Info("best checkpoint saved", "path", t.cfg.CheckpointPath, "top1", cp.Top1, "size", humanize.Bytes(uint64(n)))
	return nil
}

func gradsFinite(group *supernet.ParamGroup) bool {
	for _, p := range group.Params() {
		for _, g := range p.Tensor.Grad {
			if math.IsNaN(g) || math.IsInf(g, 0) {
				return false
			}
		}
	}
	return true
}
