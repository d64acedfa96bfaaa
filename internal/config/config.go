package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/pkg/errors"

	"gumbelnas/internal/model"
	"gumbelnas/internal/ops"
	"gumbelnas/internal/optim"
	"gumbelnas/internal/storage"
	"gumbelnas/internal/supernet"
)

// Error reports an invalid or missing configuration value. It is fatal at
// startup.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

type GPU struct {
	// IDs is recorded with the run; the engine computes on the CPU.
	IDs []int `json:"gpu_ids"`
}

type LookupTable struct {
	CreateFromScratch bool   `json:"create_from_scratch"`
	Path              string `json:"path_to_lookup_table"`
}

type Logging struct {
	LogFile      string `json:"path_to_log_file"`
	RunArtifacts string `json:"path_to_run_artifacts"`
	Level        string `json:"level"`
}

type Data struct {
	BatchSize     int     `json:"batch_size"`
	WShareInTrain float64 `json:"w_share_in_train"`
	// Path holds the CIFAR-10 binary batches; empty or "synthetic" selects
	// generated data.
	Path              string  `json:"path_to_save_data"`
	Prefetch          int     `json:"prefetch"`
	SyntheticExamples int     `json:"synthetic_examples"`
	SyntheticNoise    float64 `json:"synthetic_noise"`
}

// Synthetic reports whether generated data replaces the dataset on disk.
func (d Data) Synthetic() bool {
	return d.Path == "" || strings.EqualFold(d.Path, "synthetic")
}

type Optimizer struct {
	WLR               float64 `json:"w_lr"`
	WMomentum         float64 `json:"w_momentum"`
	WWeightDecay      float64 `json:"w_weight_decay"`
	ThetasLR          float64 `json:"thetas_lr"`
	ThetasWeightDecay float64 `json:"thetas_weight_decay"`
}

type Loss struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

type Train struct {
	Epochs          int     `json:"cnt_epochs"`
	ThetaStartEpoch int     `json:"train_thetas_from_the_epoch"`
	PrintFreq       int     `json:"print_freq"`
	CheckpointPath  string  `json:"path_to_save_model"`
	InitTemperature float64 `json:"init_temperature"`
	AnnealRate      float64 `json:"exp_anneal_rate"`
	TopK            int     `json:"top_k"`
	StepsPerEpoch   int     `json:"steps_per_epoch"`
	Seed            uint64  `json:"seed"`
	Execution       string  `json:"execution"`
	WSchedule       string  `json:"w_schedule"`
}

type SearchSpace struct {
	supernet.SearchSpace
	Operations []string `json:"operations"`
}

type Storage struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

type Config struct {
	GPU         GPU         `json:"gpu_settings"`
	LookupTable LookupTable `json:"lookup_table"`
	Logging     Logging     `json:"logging"`
	Data        Data        `json:"dataloading"`
	Optimizer   Optimizer   `json:"optimizer"`
	Loss        Loss        `json:"loss"`
	Train       Train       `json:"train_settings"`
	SearchSpace SearchSpace `json:"search_space"`
	Storage     Storage     `json:"storage"`
}

func Default() Config {
	return Config{
		GPU: GPU{IDs: []int{0}},
		LookupTable: LookupTable{
			CreateFromScratch: true,
			Path:              "lookup_table.csv",
		},
		Logging: Logging{
			LogFile:      "logs/search.log",
			RunArtifacts: "runs",
			Level:        "info",
		},
		Data: Data{
			BatchSize:         64,
			WShareInTrain:     0.8,
			Path:              "synthetic",
			Prefetch:          2,
			SyntheticExamples: 512,
			SyntheticNoise:    0.5,
		},
		Optimizer: Optimizer{
			WLR:               0.1,
			WMomentum:         0.9,
			WWeightDecay:      1e-4,
			ThetasLR:          0.01,
			ThetasWeightDecay: 5e-4,
		},
		Loss: Loss{Alpha: 0.2, Beta: 0.6},
		Train: Train{
			Epochs:          90,
			ThetaStartEpoch: 10,
			PrintFreq:       50,
			CheckpointPath:  "best_model.json",
			InitTemperature: 5.0,
			AnnealRate:      math.Exp(-0.045),
			TopK:            5,
			Seed:            1,
			Execution:       string(supernet.ExecutionDense),
			WSchedule:       "cosine",
		},
		SearchSpace: SearchSpace{
			SearchSpace: supernet.DefaultSearchSpace(),
			Operations:  append([]string(nil), ops.DefaultOperations...),
		},
		Storage: Storage{
			Kind: storage.DefaultStoreKind(),
			Path: "architectures.json",
		},
	}
}

// Load reads a JSON file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	if err := cfg.Apply(data); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Apply overlays a JSON document on c and validates the result.
func (c *Config) Apply(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return &Error{Field: "document", Reason: "is not a JSON object: " + err.Error()}
	}

	gpu, err := newSection(raw, "gpu_settings")
	if err != nil {
		return err
	}
	gpu.ints("gpu_ids", &c.GPU.IDs)

	lt, err := newSection(raw, "lookup_table")
	if err != nil {
		return err
	}
	lt.boolean("create_from_scratch", &c.LookupTable.CreateFromScratch)
	lt.str("path_to_lookup_table", &c.LookupTable.Path)

	lg, err := newSection(raw, "logging")
	if err != nil {
		return err
	}
	lg.str("path_to_log_file", &c.Logging.LogFile)
	lg.str("path_to_run_artifacts", &c.Logging.RunArtifacts)
	lg.str("level", &c.Logging.Level)

	dl, err := newSection(raw, "dataloading")
	if err != nil {
		return err
	}
	dl.integer("batch_size", &c.Data.BatchSize)
	dl.float("w_share_in_train", &c.Data.WShareInTrain)
	dl.str("path_to_save_data", &c.Data.Path)
	dl.integer("prefetch", &c.Data.Prefetch)
	dl.integer("synthetic_examples", &c.Data.SyntheticExamples)
	dl.float("synthetic_noise", &c.Data.SyntheticNoise)

	op, err := newSection(raw, "optimizer")
	if err != nil {
		return err
	}
	op.float("w_lr", &c.Optimizer.WLR)
	op.float("w_momentum", &c.Optimizer.WMomentum)
	op.float("w_weight_decay", &c.Optimizer.WWeightDecay)
	op.float("thetas_lr", &c.Optimizer.ThetasLR)
	op.float("thetas_weight_decay", &c.Optimizer.ThetasWeightDecay)

	ls, err := newSection(raw, "loss")
	if err != nil {
		return err
	}
	ls.float("alpha", &c.Loss.Alpha)
	ls.float("beta", &c.Loss.Beta)

	tr, err := newSection(raw, "train_settings")
	if err != nil {
		return err
	}
	tr.integer("cnt_epochs", &c.Train.Epochs)
	tr.integer("train_thetas_from_the_epoch", &c.Train.ThetaStartEpoch)
	tr.integer("print_freq", &c.Train.PrintFreq)
	tr.str("path_to_save_model", &c.Train.CheckpointPath)
	tr.float("init_temperature", &c.Train.InitTemperature)
	tr.float("exp_anneal_rate", &c.Train.AnnealRate)
	tr.integer("top_k", &c.Train.TopK)
	tr.integer("steps_per_epoch", &c.Train.StepsPerEpoch)
	tr.uint("seed", &c.Train.Seed)
	tr.str("execution", &c.Train.Execution)
	tr.str("w_schedule", &c.Train.WSchedule)

	ss, err := newSection(raw, "search_space")
	if err != nil {
		return err
	}
	ss.integer("stem_channels", &c.SearchSpace.StemChannels)
	ss.integer("classes", &c.SearchSpace.Classes)
	ss.strings("operations", &c.SearchSpace.Operations)
	var input []int
	ss.ints("input", &input)
	if input != nil {
		if len(input) != 3 {
			ss.fail("input", "must hold [channels, height, width]")
		} else {
			c.SearchSpace.Input = ops.Shape{C: input[0], H: input[1], W: input[2]}
		}
	}
	if v, ok := ss.raw["layers"]; ok {
		layers, ok := asLayers(v)
		if !ok {
			ss.fail("layers", "must be a list of {in, out, stride} objects")
		} else {
			c.SearchSpace.Layers = layers
		}
	}

	st, err := newSection(raw, "storage")
	if err != nil {
		return err
	}
	st.str("kind", &c.Storage.Kind)
	st.str("path", &c.Storage.Path)

	for _, s := range []*section{gpu, lt, lg, dl, op, ls, tr, ss, st} {
		if s.err != nil {
			return s.err
		}
	}
	return c.Validate()
}

func asLayers(v any) ([]model.LayerSpec, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]model.LayerSpec, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		in, okIn := asInt(m["in"])
		outCh, okOut := asInt(m["out"])
		stride, okStride := asInt(m["stride"])
		if !okIn || !okOut {
			return nil, false
		}
		if !okStride {
			stride = 1
		}
		out = append(out, model.LayerSpec{In: in, Out: outCh, Stride: stride})
	}
	return out, true
}

// Validate checks every group and returns the first problem as *Error.
func (c Config) Validate() error {
	switch {
	case !c.LookupTable.CreateFromScratch && c.LookupTable.Path == "":
		return &Error{Field: "lookup_table.path_to_lookup_table", Reason: "is required unless create_from_scratch is set"}
	case c.Data.BatchSize <= 0:
		return &Error{Field: "dataloading.batch_size", Reason: "must be positive"}
	case !(c.Data.WShareInTrain > 0 && c.Data.WShareInTrain < 1):
		return &Error{Field: "dataloading.w_share_in_train", Reason: "must be in (0,1)"}
	case c.Data.Prefetch < 0:
		return &Error{Field: "dataloading.prefetch", Reason: "must be nonnegative"}
	case c.Data.Synthetic() && c.Data.SyntheticExamples < 2:
		return &Error{Field: "dataloading.synthetic_examples", Reason: "must be at least 2"}
	case c.Data.SyntheticNoise < 0:
		return &Error{Field: "dataloading.synthetic_noise", Reason: "must be nonnegative"}
	case c.Optimizer.WLR <= 0:
		return &Error{Field: "optimizer.w_lr", Reason: "must be positive"}
	case c.Optimizer.WMomentum < 0 || c.Optimizer.WMomentum >= 1:
		return &Error{Field: "optimizer.w_momentum", Reason: "must be in [0,1)"}
	case c.Optimizer.WWeightDecay < 0:
		return &Error{Field: "optimizer.w_weight_decay", Reason: "must be nonnegative"}
	case c.Optimizer.ThetasLR <= 0:
		return &Error{Field: "optimizer.thetas_lr", Reason: "must be positive"}
	case c.Optimizer.ThetasWeightDecay < 0:
		return &Error{Field: "optimizer.thetas_weight_decay", Reason: "must be nonnegative"}
	case c.Loss.Alpha < 0:
		return &Error{Field: "loss.alpha", Reason: "must be nonnegative"}
	case c.Loss.Beta <= 0:
		return &Error{Field: "loss.beta", Reason: "must be positive"}
	case c.Train.Epochs <= 0:
		return &Error{Field: "train_settings.cnt_epochs", Reason: "must be positive"}
	case c.Train.ThetaStartEpoch < 0:
		return &Error{Field: "train_settings.train_thetas_from_the_epoch", Reason: "must be nonnegative"}
	case c.Train.InitTemperature <= 0:
		return &Error{Field: "train_settings.init_temperature", Reason: "must be positive"}
	case !(c.Train.AnnealRate > 0 && c.Train.AnnealRate <= 1):
		return &Error{Field: "train_settings.exp_anneal_rate", Reason: "must be in (0,1]"}
	case c.Train.TopK <= 0:
		return &Error{Field: "train_settings.top_k", Reason: "must be positive"}
	case c.Train.StepsPerEpoch < 0:
		return &Error{Field: "train_settings.steps_per_epoch", Reason: "must be nonnegative"}
	case c.Train.PrintFreq < 0:
		return &Error{Field: "train_settings.print_freq", Reason: "must be nonnegative"}
	case len(c.SearchSpace.Operations) == 0:
		return &Error{Field: "search_space.operations", Reason: "must list at least one operation"}
	}
	if _, err := supernet.ParseExecution(c.Train.Execution); err != nil {
		return &Error{Field: "train_settings.execution", Reason: err.Error()}
	}
	if _, err := optim.ScheduleFromConfig(c.Train.WSchedule, c.Optimizer.WLR, 1); err != nil {
		return &Error{Field: "train_settings.w_schedule", Reason: err.Error()}
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return &Error{Field: "logging.level", Reason: err.Error()}
	}
	if err := c.SearchSpace.SearchSpace.Validate(); err != nil {
		return &Error{Field: "search_space", Reason: err.Error()}
	}
	if _, err := ops.NewCatalog(c.SearchSpace.Operations); err != nil {
		return &Error{Field: "search_space.operations", Reason: err.Error()}
	}
	switch c.Storage.Kind {
	case "memory":
	case "", "file", "sqlite":
		if c.Storage.Path == "" {
			return &Error{Field: "storage.path", Reason: "is required for " + c.Storage.Kind + " storage"}
		}
	default:
		return &Error{Field: "storage.kind", Reason: "must be memory, file or sqlite"}
	}
	return nil
}

// IsConfigError reports whether err carries a configuration error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

// ParseLevel maps a level name (debug, info, warn, error) to slog.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if name == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, errors.Errorf("unknown log level %q", name)
	}
	return level, nil
}
