package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	nasapi "gumbelnas/pkg/gumbelnas"
)

const exportsDir = "exports"

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "train":
		return runTrain(ctx, args[1:])
	case "sample":
		return runSample(ctx, args[1:])
	case "archs":
		return runArchs(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "history":
		return runHistory(ctx, args[1:])
	case "lookup":
		return runLookup(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	common := addCommonFlags(fs)
	runID := fs.String("run-id", "", "explicit run id (optional)")
	epochs := fs.Int("epochs", 0, "epoch count (overrides train_settings.cnt_epochs)")
	thetaEpoch := fs.Int("theta-epoch", 0, "first epoch that trains thetas")
	stepsPerEpoch := fs.Int("steps-per-epoch", 0, "cap on batches per pass (0 consumes the whole stream)")
	seed := fs.Uint64("seed", 1, "rng seed")
	execution := fs.String("execution", "dense", "mixed layer execution: dense|single_path")
	checkpointPath := fs.String("checkpoint", "", "best checkpoint path")
	dataPath := fs.String("data", "", "CIFAR-10 binary directory or synthetic")
	batchSize := fs.Int("batch-size", 0, "minibatch size")
	lookupTable := fs.String("lookup-table", "", "cost table CSV path")
	logFile := fs.String("log-file", "", "JSON log file path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := resolveConfig(fs, common, map[string]any{
		"epochs":          *epochs,
		"theta-epoch":     *thetaEpoch,
		"steps-per-epoch": *stepsPerEpoch,
		"seed":            *seed,
		"execution":       *execution,
		"checkpoint":      *checkpointPath,
		"data":            *dataPath,
		"batch-size":      *batchSize,
		"lookup-table":    *lookupTable,
		"log-file":        *logFile,
	})
	if err != nil {
		return err
	}
	client, closeFn, err := newClient(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeFn()

	summary, err := client.Train(ctx, nasapi.TrainRequest{RunID: *runID})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "run_id=%s epochs=%d best_top1=%.4f best_topk=%.4f best_epoch=%d checkpoint=%s\n",
		summary.RunID, len(summary.History), summary.BestTop1, summary.BestTopK, summary.BestEpoch, summary.CheckpointPath)
	if summary.ArtifactsDir != "" {
		fmt.Fprintf(stdout, "artifacts=%s\n", summary.ArtifactsDir)
	}
	return nil
}

func runSample(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sample", flag.ContinueOnError)
	common := addCommonFlags(fs)
	name := fs.String("name", "", "architecture name (unique in the catalog)")
	hard := fs.Bool("hard", true, "pick the largest theta per layer instead of drawing from softmax(theta)")
	seed := fs.Uint64("seed", 1, "rng seed for soft sampling")
	checkpointPath := fs.String("checkpoint", "", "checkpoint to sample from")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("sample requires --name")
	}

	cfg, err := resolveConfig(fs, common, nil)
	if err != nil {
		return err
	}
	client, closeFn, err := newClient(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeFn()

	record, err := client.Sample(ctx, nasapi.SampleRequest{
		Name:           *name,
		Hard:           *hard,
		Seed:           *seed,
		CheckpointPath: *checkpointPath,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "name=%s hard=%t run_id=%s operations=%s\n", record.Name, record.Hard, record.RunID, strings.Join(record.Operations, ","))
	return nil
}

func runArchs(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("archs", flag.ContinueOnError)
	common := addCommonFlags(fs)
	jsonOut := fs.Bool("json", false, "emit the catalog as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := resolveConfig(fs, common, nil)
	if err != nil {
		return err
	}
	client, closeFn, err := newClient(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeFn()

	records, err := client.Architectures(ctx)
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(records)
	}
	if len(records) == 0 {
		fmt.Fprintln(stdout, "no architectures found")
		return nil
	}
	for _, r := range records {
		fmt.Fprintf(stdout, "name=%s hard=%t run_id=%s created_at=%s operations=%s\n", r.Name, r.Hard, r.RunID, r.CreatedAtUTC, strings.Join(r.Operations, ","))
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	common := addCommonFlags(fs)
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}
	cfg, err := resolveConfig(fs, common, nil)
	if err != nil {
		return err
	}
	client, closeFn, err := newClient(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeFn()

	entries, err := client.Runs(ctx, nasapi.RunsRequest{Limit: *limit})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(stdout, "no runs found")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(stdout, "run_id=%s created_at=%s execution=%s epochs=%d layers=%d operations=%d seed=%d best_top1=%.4f best_epoch=%d\n",
			e.RunID, e.CreatedAtUTC, e.Execution, e.Epochs, e.Layers, e.Operations, e.Seed, e.BestTop1, e.BestEpoch)
	}
	return nil
}

func runHistory(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	common := addCommonFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run from the run index")
	jsonOut := fs.Bool("json", false, "emit history as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := resolveConfig(fs, common, nil)
	if err != nil {
		return err
	}
	client, closeFn, err := newClient(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeFn()

	history, err := client.History(ctx, nasapi.HistoryRequest{RunID: *runID, Latest: *latest})
	if err != nil {
		return err
	}
	if *jsonOut {
		return writeJSON(history)
	}
	for _, m := range history {
		fmt.Fprintf(stdout, "epoch=%d phase=%s temperature=%.4f top1=%.4f topk=%.4f loss=%.4f improved=%t\n",
			m.Epoch, m.Phase, m.Temperature, m.Top1, m.TopK, m.Weights.Loss, m.Improved)
	}
	return nil
}

func runLookup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lookup", flag.ContinueOnError)
	common := addCommonFlags(fs)
	regenerate := fs.Bool("regenerate", false, "estimate the table and save it even when the file exists")
	lookupTable := fs.String("lookup-table", "", "cost table CSV path")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := resolveConfig(fs, common, map[string]any{"lookup-table": *lookupTable})
	if err != nil {
		return err
	}
	client, closeFn, err := newClient(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeFn()

	summary, err := client.Lookup(ctx, nasapi.LookupRequest{Regenerate: *regenerate})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "path=%s regenerated=%t layers=%d operations=%s\n", summary.Path, summary.Regenerated, len(summary.Rows), strings.Join(summary.Operations, ","))
	for i, row := range summary.Rows {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = humanize.FtoaWithDigits(v, 4)
		}
		fmt.Fprintf(stdout, "layer=%d %s\n", i, strings.Join(cells, " "))
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	common := addCommonFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "export the most recent run from run index")
	outDir := fs.String("out", exportsDir, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *runID != "" && *latest {
		return errors.New("use either --run-id or --latest, not both")
	}
	if *runID == "" && !*latest {
		return errors.New("export requires --run-id or --latest")
	}
	cfg, err := resolveConfig(fs, common, nil)
	if err != nil {
		return err
	}
	client, closeFn, err := newClient(cfg, stderr)
	if err != nil {
		return err
	}
	defer closeFn()

	exported, err := client.Export(ctx, nasapi.ExportRequest{RunID: *runID, Latest: *latest, OutDir: *outDir})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
	return nil
}

func writeJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usageError(msg string) error {
	return errors.Errorf("%s\nusage: gumbelnasctl <train|sample|archs|runs|history|lookup|export> [flags]", msg)
}
