package gumbelnas

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"gumbelnas/internal/checkpoint"
	"gumbelnas/internal/config"
	"gumbelnas/internal/costtable"
	"gumbelnas/internal/data"
	"gumbelnas/internal/logging"
	"gumbelnas/internal/loss"
	"gumbelnas/internal/model"
	"gumbelnas/internal/ops"
	"gumbelnas/internal/optim"
	"gumbelnas/internal/sampler"
	"gumbelnas/internal/stats"
	"gumbelnas/internal/storage"
	"gumbelnas/internal/supernet"
	"gumbelnas/internal/train"
)

const (
	defaultExportsDir = "exports"
	// validationShare is the fraction of a synthetic dataset kept for
	// validation.
	validationShare = 0.2
)

type Options struct {
	Config     config.Config
	Logger     *slog.Logger
	ExportsDir string
}

type Client struct {
	cfg    config.Config
	store  storage.Store
	logger *slog.Logger

	exportsDir string
}

type TrainRequest struct {
	RunID string
	// Epochs overrides train_settings.cnt_epochs when positive.
	Epochs int
}

type TrainSummary struct {
	RunID          string
	ArtifactsDir   string
	CheckpointPath string
	BestTop1       float64
	BestTopK       float64
	BestEpoch      int
	OpNames        []string
	Thetas         [][]float64
	History        []model.EpochMetrics
}

type SampleRequest struct {
	Name string
	Hard bool
	Seed uint64
	// CheckpointPath defaults to train_settings.path_to_save_model.
	CheckpointPath string
}

type RunsRequest struct {
	Limit int
}

type HistoryRequest struct {
	RunID  string
	Latest bool
}

type ExportRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

type LookupRequest struct {
	// Regenerate estimates the table and saves it even when a file exists.
	Regenerate bool
}

type LookupSummary struct {
	Path        string
	Operations  []string
	Rows        [][]float64
	Regenerated bool
}

func New(opts Options) (*Client, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	store, err := storage.NewStore(cfg.Storage.Kind, cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		store:      store,
		logger:     logger,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) Config() config.Config { return c.cfg }

// Train runs one architecture search and records its history, artifacts and
// best checkpoint.
func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	cfg := c.cfg
	if req.Epochs > 0 {
		cfg.Train.Epochs = req.Epochs
	}
	if req.Epochs < 0 {
		return TrainSummary{}, &config.Error{Field: "train_settings.cnt_epochs", Reason: "must be positive"}
	}
	runID := req.RunID
	if runID == "" {
		runID = stats.NewRunID(time.Now())
	}
	if err := c.store.Init(ctx); err != nil {
		return TrainSummary{}, err
	}

	space := cfg.SearchSpace.SearchSpace
	catalog, err := ops.NewCatalog(cfg.SearchSpace.Operations)
	if err != nil {
		return TrainSummary{}, err
	}
	execution, err := supernet.ParseExecution(cfg.Train.Execution)
	if err != nil {
		return TrainSummary{}, err
	}
	table, _, err := c.costTable(cfg, space, catalog, false)
	if err != nil {
		return TrainSummary{}, err
	}

	seed := cfg.Train.Seed
	wSet, thetaSet, valSet, err := datasets(cfg, space, seed)
	if err != nil {
		return TrainSummary{}, err
	}
	wLoader, err := data.NewLoader(wSet, cfg.Data.BatchSize, cfg.Data.Prefetch, true, seed)
	if err != nil {
		return TrainSummary{}, err
	}
	thetaLoader, err := data.NewLoader(thetaSet, cfg.Data.BatchSize, cfg.Data.Prefetch, true, seed+1)
	if err != nil {
		return TrainSummary{}, err
	}
	valLoader, err := data.NewLoader(valSet, cfg.Data.BatchSize, cfg.Data.Prefetch, false, seed+2)
	if err != nil {
		return TrainSummary{}, err
	}

	net, err := supernet.New(space, catalog, table, execution, rand.New(rand.NewPCG(seed, seed^0x5bd1e995)))
	if err != nil {
		return TrainSummary{}, err
	}
	wOpt, err := optim.NewSGD(net.Weights().Tensors(), cfg.Optimizer.WLR, cfg.Optimizer.WMomentum, cfg.Optimizer.WWeightDecay)
	if err != nil {
		return TrainSummary{}, err
	}
	thetaOpt, err := optim.NewAdam(net.Thetas().Tensors(), cfg.Optimizer.ThetasLR, cfg.Optimizer.ThetasWeightDecay)
	if err != nil {
		return TrainSummary{}, err
	}
	schedule, err := optim.ScheduleFromConfig(cfg.Train.WSchedule, cfg.Optimizer.WLR, scheduleParam(cfg, wLoader.Batches()))
	if err != nil {
		return TrainSummary{}, err
	}
	wSched := optim.NewScheduler(schedule, wOpt)

	trainer, err := train.New(net, loss.Composite{Alpha: cfg.Loss.Alpha, Beta: cfg.Loss.Beta}, wOpt, thetaOpt, wSched,
		supernet.NewNoise(rand.NewPCG(seed+3, seed+4)),
		train.Config{
			Epochs:          cfg.Train.Epochs,
			ThetaStartEpoch: cfg.Train.ThetaStartEpoch,
			InitTemperature: cfg.Train.InitTemperature,
			AnnealRate:      cfg.Train.AnnealRate,
			PrintFreq:       cfg.Train.PrintFreq,
			TopK:            cfg.Train.TopK,
			StepsPerEpoch:   cfg.Train.StepsPerEpoch,
			CheckpointPath:  cfg.Train.CheckpointPath,
			RunID:           runID,
		}, c.logger)
	if err != nil {
		return TrainSummary{}, err
	}
	trainer.Observe(func(ctx context.Context, _ model.EpochMetrics) error {
		return c.store.SaveEpochHistory(ctx, runID, trainer.History())
	})

	state, err := trainer.Run(ctx, wLoader, thetaLoader, valLoader)
	if err != nil {
		return TrainSummary{}, err
	}

	history := trainer.History()
	thetas := net.ThetaValues()
	summary := TrainSummary{
		RunID:          runID,
		CheckpointPath: cfg.Train.CheckpointPath,
		BestTop1:       state.BestTop1,
		BestTopK:       state.BestTopK,
		BestEpoch:      state.BestEpoch,
		OpNames:        catalog.Names(),
		Thetas:         thetas,
		History:        history,
	}
	if cfg.Logging.RunArtifacts == "" {
		return summary, nil
	}
	dir, err := stats.WriteRunArtifacts(cfg.Logging.RunArtifacts, stats.RunArtifacts{
		Config:    runConfig(cfg, runID, catalog.Names()),
		History:   history,
		BestTop1:  state.BestTop1,
		BestEpoch: state.BestEpoch,
		Thetas:    thetas,
	})
	if err != nil {
		return TrainSummary{}, err
	}
	summary.ArtifactsDir = dir
	err = stats.AppendRunIndex(cfg.Logging.RunArtifacts, stats.RunIndexEntry{
		RunID:        runID,
		Execution:    string(execution),
		Epochs:       cfg.Train.Epochs,
		Layers:       len(space.Layers),
		Operations:   catalog.Len(),
		Seed:         seed,
		BestTop1:     state.BestTop1,
		BestEpoch:    state.BestEpoch,
		CreatedAtUTC: stats.Timestamp(time.Now()),
	})
	if err != nil {
		return TrainSummary{}, err
	}
	return summary, nil
}

// scheduleParam is the cosine period or the step interval, counted in
// scheduler steps. The weight scheduler advances once per weight batch of
// every joint-search epoch.
func scheduleParam(cfg config.Config, batches int) int {
	if cfg.Train.StepsPerEpoch > 0 && cfg.Train.StepsPerEpoch < batches {
		batches = cfg.Train.StepsPerEpoch
	}
	epochs := cfg.Train.Epochs - cfg.Train.ThetaStartEpoch
	if epochs < 1 {
		epochs = 1
	}
	steps := epochs * batches
	if optim.NormalizeScheduleName(cfg.Train.WSchedule) == "step" {
		steps /= 3
	}
	if steps < 1 {
		steps = 1
	}
	return steps
}

// datasets returns the weight, theta and validation sets.
func datasets(cfg config.Config, space supernet.SearchSpace, seed uint64) (data.Dataset, data.Dataset, data.Dataset, error) {
	var trainSet, valSet data.Dataset
	if cfg.Data.Synthetic() {
		full := data.NewSynthetic(cfg.Data.SyntheticExamples, space.Input, space.Classes, cfg.Data.SyntheticNoise, seed)
		tr, val, err := data.Split(full, 1-validationShare, seed^0xa5a5a5a5)
		if err != nil {
			return nil, nil, nil, err
		}
		trainSet, valSet = tr, val
	} else {
		tr, err := data.LoadCIFAR10(cfg.Data.Path, true)
		if err != nil {
			return nil, nil, nil, err
		}
		val, err := data.LoadCIFAR10(cfg.Data.Path, false)
		if err != nil {
			return nil, nil, nil, err
		}
		trainSet, valSet = tr, val
	}
	if trainSet.Shape() != space.Input {
		return nil, nil, nil, &config.Error{
			Field:  "search_space.input",
			Reason: fmt.Sprintf("is %+v but the dataset yields %+v", space.Input, trainSet.Shape()),
		}
	}
	if trainSet.Classes() != space.Classes {
		return nil, nil, nil, &config.Error{
			Field:  "search_space.classes",
			Reason: fmt.Sprintf("is %d but the dataset has %d", space.Classes, trainSet.Classes()),
		}
	}
	wSet, thetaSet, err := data.Split(trainSet, cfg.Data.WShareInTrain, seed)
	if err != nil {
		return nil, nil, nil, err
	}
	return wSet, thetaSet, valSet, nil
}

// costTable loads the configured table, or estimates and saves one when the
// configuration asks for it or force is set.
func (c *Client) costTable(cfg config.Config, space supernet.SearchSpace, catalog *ops.Catalog, force bool) (*costtable.Table, bool, error) {
	path := cfg.LookupTable.Path
	if !force && !cfg.LookupTable.CreateFromScratch {
		table, err := costtable.Load(path)
		if err != nil {
			return nil, false, err
		}
		return table, false, nil
	}
	if !force && path != "" {
		if _, err := os.Stat(path); err == nil {
			table, err := costtable.Load(path)
			if err == nil && table.Validate(len(space.Layers), catalog.Names()) == nil {
				return table, false, nil
			}
		}
	}
	table, err := costtable.Estimate(catalog, space.InputShapes(), space.Layers)
	if err != nil {
		return nil, false, err
	}
	if path != "" {
		if err := table.Save(path); err != nil {
			return nil, false, err
		}
	}
	c.logger.Info("cost table estimated", "path", path, "layers", table.Layers(), "operations", len(table.Ops()))
	return table, true, nil
}

func runConfig(cfg config.Config, runID string, opNames []string) stats.RunConfig {
	return stats.RunConfig{
		RunID:           runID,
		Execution:       cfg.Train.Execution,
		Operations:      opNames,
		Layers:          cfg.SearchSpace.Layers,
		CostTablePath:   cfg.LookupTable.Path,
		DataPath:        cfg.Data.Path,
		BatchSize:       cfg.Data.BatchSize,
		WShareInTrain:   cfg.Data.WShareInTrain,
		Epochs:          cfg.Train.Epochs,
		ThetaStartEpoch: cfg.Train.ThetaStartEpoch,
		InitTemperature: cfg.Train.InitTemperature,
		AnnealRate:      cfg.Train.AnnealRate,
		WLR:             cfg.Optimizer.WLR,
		WMomentum:       cfg.Optimizer.WMomentum,
		WWeightDecay:    cfg.Optimizer.WWeightDecay,
		WSchedule:       optim.NormalizeScheduleName(cfg.Train.WSchedule),
		ThetasLR:        cfg.Optimizer.ThetasLR,
		ThetasDecay:     cfg.Optimizer.ThetasWeightDecay,
		Alpha:           cfg.Loss.Alpha,
		Beta:            cfg.Loss.Beta,
		Seed:            cfg.Train.Seed,
		CheckpointPath:  cfg.Train.CheckpointPath,
	}
}

// Sample draws an architecture from the thetas of a saved checkpoint and
// appends it to the catalog.
func (c *Client) Sample(ctx context.Context, req SampleRequest) (model.ArchitectureRecord, error) {
	if req.Name == "" {
		return model.ArchitectureRecord{}, errors.New("sample requires a name")
	}
	path := req.CheckpointPath
	if path == "" {
		path = c.cfg.Train.CheckpointPath
	}
	cp, err := checkpoint.Load(path)
	if err != nil {
		return model.ArchitectureRecord{}, err
	}
	if err := c.store.Init(ctx); err != nil {
		return model.ArchitectureRecord{}, err
	}
	record, err := sampler.SampleInto(ctx, c.store, cp.Thetas, cp.OpNames, sampler.Request{
		Name:   req.Name,
		Hard:   req.Hard,
		RunID:  cp.RunID,
		Source: rand.NewPCG(req.Seed, req.Seed^0x9e3779b97f4a7c15),
	})
	if err != nil {
		return model.ArchitectureRecord{}, err
	}
	c.logger.Info("architecture sampled", "name", record.Name, "hard", record.Hard, "run_id", record.RunID)
	return record, nil
}

func (c *Client) Architectures(ctx context.Context) ([]model.ArchitectureRecord, error) {
	if err := c.store.Init(ctx); err != nil {
		return nil, err
	}
	return c.store.ListArchitectures(ctx)
}

func (c *Client) Runs(_ context.Context, req RunsRequest) ([]stats.RunIndexEntry, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	entries, err := stats.ListRunIndex(c.cfg.Logging.RunArtifacts)
	if err != nil {
		return nil, err
	}
	if len(entries) > req.Limit {
		entries = entries[:req.Limit]
	}
	return entries, nil
}

// History returns the stored epoch metrics of one run.
func (c *Client) History(ctx context.Context, req HistoryRequest) ([]model.EpochMetrics, error) {
	runID, err := c.resolveRun(req.RunID, req.Latest)
	if err != nil {
		return nil, err
	}
	if err := c.store.Init(ctx); err != nil {
		return nil, err
	}
	history, ok, err := c.store.GetEpochHistory(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("epoch history not found for run id: %s", runID)
	}
	return history, nil
}

func (c *Client) Export(_ context.Context, req ExportRequest) (ExportSummary, error) {
	runID, err := c.resolveRun(req.RunID, req.Latest)
	if err != nil {
		return ExportSummary{}, err
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}
	exportedDir, err := stats.ExportRunArtifacts(c.cfg.Logging.RunArtifacts, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

// Lookup returns the cost table the configuration resolves to.
func (c *Client) Lookup(_ context.Context, req LookupRequest) (LookupSummary, error) {
	space := c.cfg.SearchSpace.SearchSpace
	catalog, err := ops.NewCatalog(c.cfg.SearchSpace.Operations)
	if err != nil {
		return LookupSummary{}, err
	}
	table, regenerated, err := c.costTable(c.cfg, space, catalog, req.Regenerate)
	if err != nil {
		return LookupSummary{}, err
	}
	if err := table.Validate(len(space.Layers), catalog.Names()); err != nil {
		return LookupSummary{}, err
	}
	rows := make([][]float64, table.Layers())
	for i := range rows {
		row, err := table.Row(i, catalog.Names())
		if err != nil {
			return LookupSummary{}, err
		}
		rows[i] = row
	}
	total := 0.0
	for _, row := range rows {
		for _, v := range row {
			total += v
		}
	}
	c.logger.Debug("cost table resolved", "path", c.cfg.LookupTable.Path, "total_mflops", humanize.Commaf(total))
	return LookupSummary{
		Path:        c.cfg.LookupTable.Path,
		Operations:  catalog.Names(),
		Rows:        rows,
		Regenerated: regenerated,
	}, nil
}

func (c *Client) resolveRun(runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either run id or latest")
	}
	if latest {
		entries, err := stats.ListRunIndex(c.cfg.Logging.RunArtifacts)
		if err != nil {
			return "", err
		}
		if len(entries) == 0 {
			return "", errors.New("no runs available")
		}
		return entries[0].RunID, nil
	}
	if runID == "" {
		return "", errors.New("run id or latest is required")
	}
	return runID, nil
}
