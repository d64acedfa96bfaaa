package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// LayerSpec describes one searchable position of the supernet.
type LayerSpec struct {
	In     int `json:"in"`
	Out    int `json:"out"`
	Stride int `json:"stride"`
}

// ArchitectureRecord is a discrete architecture sampled from learned thetas.
type ArchitectureRecord struct {
	VersionedRecord
	Name         string   `json:"name"`
	Operations   []string `json:"operations"`
	Hard         bool     `json:"hard"`
	RunID        string   `json:"run_id,omitempty"`
	CreatedAtUTC string   `json:"created_at_utc,omitempty"`
}

// Checkpoint holds the parameters of the best supernet observed during search.
type Checkpoint struct {
	VersionedRecord
	RunID       string               `json:"run_id"`
	Epoch       int                  `json:"epoch"`
	Top1        float64              `json:"top1"`
	TopK        float64              `json:"topk"`
	Temperature float64              `json:"temperature"`
	OpNames     []string             `json:"op_names"`
	Layers      []LayerSpec          `json:"layers"`
	Weights     map[string][]float64 `json:"weights"`
	Thetas      [][]float64          `json:"thetas"`
}

type PhaseMetrics struct {
	Batches      int     `json:"batches"`
	SkippedSteps int     `json:"skipped_steps"`
	TaskLoss     float64 `json:"task_loss"`
	Cost         float64 `json:"cost"`
	Loss         float64 `json:"loss"`
	Top1         float64 `json:"top1"`
}

type EpochMetrics struct {
	Epoch       int          `json:"epoch"`
	Phase       string       `json:"phase"`
	Temperature float64      `json:"temperature"`
	WeightLR    float64      `json:"weight_lr"`
	Weights     PhaseMetrics `json:"weights"`
	Thetas      PhaseMetrics `json:"thetas"`
	Top1        float64      `json:"top1"`
	TopK        float64      `json:"topk"`
	Improved    bool         `json:"improved"`
}

// TimestampLayout is the strftime layout of every persisted UTC timestamp.
const TimestampLayout = "%Y-%m-%dT%H:%M:%SZ"
