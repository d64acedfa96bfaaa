package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"gumbelnas/internal/config"
	"gumbelnas/internal/logging"
	nasapi "gumbelnas/pkg/gumbelnas"
)

// commonFlags are accepted by every subcommand that touches configuration.
type commonFlags struct {
	configPath *string
	storeKind  *string
	storePath  *string
	logLevel   *string
	artifacts  *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "", "optional config JSON path (grouped like CONFIG_SUPERNET)"),
		storeKind:  fs.String("store", "", "store backend: memory|file|sqlite (overrides storage.kind)"),
		storePath:  fs.String("store-path", "", "catalog file or sqlite database path (overrides storage.path)"),
		logLevel:   fs.String("log-level", "", "log level: debug|info|warn|error"),
		artifacts:  fs.String("artifacts", "", "run artifacts directory (overrides logging.path_to_run_artifacts)"),
	}
}

func loadOrDefaultConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// visited reports the flags given explicitly on the command line.
func visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

// overrideFromFlags applies explicitly set flags over cfg and revalidates.
func overrideFromFlags(cfg *config.Config, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "store":
			cfg.Storage.Kind = v.(string)
		case "store-path":
			cfg.Storage.Path = v.(string)
		case "log-level":
			cfg.Logging.Level = v.(string)
		case "artifacts":
			cfg.Logging.RunArtifacts = v.(string)
		case "epochs":
			cfg.Train.Epochs = v.(int)
		case "theta-epoch":
			cfg.Train.ThetaStartEpoch = v.(int)
		case "steps-per-epoch":
			cfg.Train.StepsPerEpoch = v.(int)
		case "seed":
			cfg.Train.Seed = v.(uint64)
		case "execution":
			cfg.Train.Execution = v.(string)
		case "checkpoint":
			cfg.Train.CheckpointPath = v.(string)
		case "data":
			cfg.Data.Path = v.(string)
		case "batch-size":
			cfg.Data.BatchSize = v.(int)
		case "lookup-table":
			cfg.LookupTable.Path = v.(string)
		case "log-file":
			cfg.Logging.LogFile = v.(string)
		default:
			return errors.Errorf("unsupported override flag: %s", name)
		}
	}
	return cfg.Validate()
}

func (c commonFlags) values() map[string]any {
	return map[string]any{
		"store":      *c.storeKind,
		"store-path": *c.storePath,
		"log-level":  *c.logLevel,
		"artifacts":  *c.artifacts,
	}
}

// resolveConfig loads the config file and applies the command line.
func resolveConfig(fs *flag.FlagSet, common commonFlags, extra map[string]any) (config.Config, error) {
	cfg, err := loadOrDefaultConfig(*common.configPath)
	if err != nil {
		return config.Config{}, err
	}
	values := common.values()
	for k, v := range extra {
		values[k] = v
	}
	if err := overrideFromFlags(&cfg, visited(fs), values); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newClient builds a client logging to stderr and, when configured, to the
// log file.
func newClient(cfg config.Config, logOut io.Writer) (*nasapi.Client, func(), error) {
	level, err := config.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Logging.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.LogFile), 0o755); err != nil {
			return nil, nil, err
		}
	}
	logger, closeLog, err := logging.New(logOut, logging.Options{Level: level, File: cfg.Logging.LogFile})
	if err != nil {
		return nil, nil, err
	}
	client, err := nasapi.New(nasapi.Options{Config: cfg, Logger: logger, ExportsDir: exportsDir})
	if err != nil {
		_ = closeLog()
		return nil, nil, err
	}
	return client, func() {
		_ = client.Close()
		_ = closeLog()
	}, nil
}
