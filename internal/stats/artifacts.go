package stats

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/ncruces/go-strftime"
	"github.com/pkg/errors"

	"gumbelnas/internal/model"
)

const (
	runIndexFile    = "run_index.json"
	configFile      = "config.json"
	historyFile     = "epoch_history.json"
	seriesFile      = "epoch_history.csv"
	thetasFile      = "thetas.json"
	runIDTimeLayout = "%Y%m%d-%H%M%S"
)

// RunConfig records the settings a search run was started with.
type RunConfig struct {
	RunID           string            `json:"run_id"`
	Execution       string            `json:"execution"`
	Operations      []string          `json:"operations"`
	Layers          []model.LayerSpec `json:"layers"`
	CostTablePath   string            `json:"cost_table_path,omitempty"`
	DataPath        string            `json:"data_path,omitempty"`
	BatchSize       int               `json:"batch_size"`
	WShareInTrain   float64           `json:"w_share_in_train"`
	Epochs          int               `json:"epochs"`
	ThetaStartEpoch int               `json:"theta_start_epoch"`
	InitTemperature float64           `json:"init_temperature"`
	AnnealRate      float64           `json:"anneal_rate"`
	WLR             float64           `json:"w_lr"`
	WMomentum       float64           `json:"w_momentum"`
	WWeightDecay    float64           `json:"w_weight_decay"`
	WSchedule       string            `json:"w_schedule"`
	ThetasLR        float64           `json:"thetas_lr"`
	ThetasDecay     float64           `json:"thetas_weight_decay"`
	Alpha           float64           `json:"alpha"`
	Beta            float64           `json:"beta"`
	Seed            uint64            `json:"seed"`
	CheckpointPath  string            `json:"checkpoint_path,omitempty"`
}

type RunArtifacts struct {
	Config    RunConfig            `json:"config"`
	History   []model.EpochMetrics `json:"history"`
	BestTop1  float64              `json:"best_top1"`
	BestEpoch int                  `json:"best_epoch"`
	Thetas    [][]float64          `json:"thetas,omitempty"`
}

type RunIndexEntry struct {
	RunID        string  `json:"run_id"`
	Execution    string  `json:"execution"`
	Epochs       int     `json:"epochs"`
	Layers       int     `json:"layers"`
	Operations   int     `json:"operations"`
	Seed         uint64  `json:"seed"`
	BestTop1     float64 `json:"best_top1"`
	BestEpoch    int     `json:"best_epoch"`
	CreatedAtUTC string  `json:"created_at_utc"`
}

// NewRunID combines a sortable UTC timestamp with a random suffix.
func NewRunID(now time.Time) string {
	return strftime.Format(runIDTimeLayout, now.UTC()) + "-" + uuid.NewString()[:8]
}

// Timestamp formats now the way persisted records expect.
func Timestamp(now time.Time) string {
	return strftime.Format(model.TimestampLayout, now.UTC())
}

func WriteRunArtifacts(baseDir string, artifacts RunArtifacts) (string, error) {
	if artifacts.Config.RunID == "" {
		return "", errors.New("run id is required")
	}

	runDir := filepath.Join(baseDir, artifacts.Config.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", err
	}

	if err := writeJSON(filepath.Join(runDir, configFile), artifacts.Config); err != nil {
		return "", err
	}
	history := map[string]any{
		"history":    artifacts.History,
		"best_top1":  artifacts.BestTop1,
		"best_epoch": artifacts.BestEpoch,
	}
	if err := writeJSON(filepath.Join(runDir, historyFile), history); err != nil {
		return "", err
	}
	if err := WriteEpochSeries(runDir, artifacts.History); err != nil {
		return "", err
	}
	if artifacts.Thetas != nil {
		if err := writeJSON(filepath.Join(runDir, thetasFile), artifacts.Thetas); err != nil {
			return "", err
		}
	}
	return runDir, nil
}

func AppendRunIndex(baseDir string, entry RunIndexEntry) error {
	if entry.RunID == "" {
		return errors.New("run id is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return err
	}

	index, err := ListRunIndex(baseDir)
	if err != nil {
		return err
	}

	for i := range index {
		if index[i].RunID == entry.RunID {
			index[i] = entry
			return writeJSON(filepath.Join(baseDir, runIndexFile), index)
		}
	}

	index = append(index, entry)
	return writeJSON(filepath.Join(baseDir, runIndexFile), index)
}

// ListRunIndex returns index entries newest first.
func ListRunIndex(baseDir string) ([]RunIndexEntry, error) {
	path := filepath.Join(baseDir, runIndexFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []RunIndexEntry{}, nil
		}
		return nil, err
	}

	var entries []RunIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "decode run index")
	}

	type indexedEntry struct {
		entry RunIndexEntry
		idx   int
	}
	indexed := make([]indexedEntry, len(entries))
	for i := range entries {
		indexed[i] = indexedEntry{entry: entries[i], idx: i}
	}
	sort.Slice(indexed, func(i, j int) bool {
		if indexed[i].entry.CreatedAtUTC == indexed[j].entry.CreatedAtUTC {
			// Later appends win ties.
			return indexed[i].idx > indexed[j].idx
		}
		return indexed[i].entry.CreatedAtUTC > indexed[j].entry.CreatedAtUTC
	})

	sorted := make([]RunIndexEntry, 0, len(indexed))
	for _, item := range indexed {
		sorted = append(sorted, item.entry)
	}
	return sorted, nil
}

func ExportRunArtifacts(baseDir, runID, outDir string) (string, error) {
	if runID == "" {
		return "", errors.New("run id is required")
	}

	src := filepath.Join(baseDir, runID)
	if _, err := os.Stat(src); err != nil {
		return "", err
	}

	dst := filepath.Join(outDir, runID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", err
	}

	for _, file := range []string{configFile, historyFile, seriesFile} {
		if err := copyFile(filepath.Join(src, file), filepath.Join(dst, file)); err != nil {
			return "", err
		}
	}
	thetasPath := filepath.Join(src, thetasFile)
	if _, err := os.Stat(thetasPath); err == nil {
		if err := copyFile(thetasPath, filepath.Join(dst, thetasFile)); err != nil {
			return "", err
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}
	return dst, nil
}

func ReadRunConfig(baseDir, runID string) (RunConfig, bool, error) {
	data, ok, err := readRunFile(baseDir, runID, configFile)
	if err != nil || !ok {
		return RunConfig{}, ok, err
	}
	var cfg RunConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, false, err
	}
	return cfg, true, nil
}

func ReadEpochHistory(baseDir, runID string) ([]model.EpochMetrics, bool, error) {
	data, ok, err := readRunFile(baseDir, runID, historyFile)
	if err != nil || !ok {
		return nil, ok, err
	}
	var doc struct {
		History []model.EpochMetrics `json:"history"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, err
	}
	return doc.History, true, nil
}

func WriteEpochSeries(runDir string, history []model.EpochMetrics) error {
	file, err := os.Create(filepath.Join(runDir, seriesFile))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"epoch", "phase", "temperature", "weight_lr", "w_loss", "w_cost", "theta_loss", "theta_cost", "skipped", "top1", "topk"}); err != nil {
		return err
	}
	for _, m := range history {
		f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
		if err := writer.Write([]string{
			strconv.Itoa(m.Epoch),
			m.Phase,
			f(m.Temperature),
			f(m.WeightLR),
			f(m.Weights.Loss),
			f(m.Weights.Cost),
			f(m.Thetas.Loss),
			f(m.Thetas.Cost),
			strconv.Itoa(m.Weights.SkippedSteps + m.Thetas.SkippedSteps),
			f(m.Top1),
			f(m.TopK),
		}); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// ReadEpochSeries returns the top-1 column of the CSV series.
func ReadEpochSeries(baseDir, runID string) ([]float64, bool, error) {
	file, err := os.Open(filepath.Join(baseDir, runID, seriesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return []float64{}, true, nil
		}
		return nil, false, err
	}
	col := -1
	for i, name := range header {
		if strings.TrimSpace(name) == "top1" {
			col = i
		}
	}
	if col < 0 {
		return nil, false, errors.New("epoch series has no top1 column")
	}

	series := make([]float64, 0, 64)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false, err
		}
		value, err := strconv.ParseFloat(record[col], 64)
		if err != nil {
			return nil, false, err
		}
		series = append(series, value)
	}
	return series, true, nil
}

func readRunFile(baseDir, runID, name string) ([]byte, bool, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, runID, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func writeJSON(path string, value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return renameio.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
