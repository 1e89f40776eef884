package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qwenrt/internal/api"
	"github.com/samcharles93/qwenrt/internal/config"
	"github.com/samcharles93/qwenrt/internal/inference"
	"github.com/samcharles93/qwenrt/internal/logger"
)

type configKey struct{}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qwenrt", "config.yaml")
}

// loadConfig reads path, or the default location when path is empty. A
// missing default file is not an error; loaded reports whether a file was
// read.
func loadConfig(path string) (cfg config.Config, loaded bool, err error) {
	if path == "" {
		path = defaultConfigPath()
		if path == "" {
			return config.Default(), false, nil
		}
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), false, nil
		}
	}
	cfg, err = config.Load(path)
	if err != nil {
		return cfg, false, err
	}
	return cfg, true, nil
}

// setup is the root Before hook: it loads the config file and installs the
// logger every command reads from the context.
func setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, loaded, err := loadConfig(cmd.String("config"))
	if err != nil {
		return ctx, err
	}
	level, format := cfg.Logging.Level, cfg.Logging.Format
	if !loaded {
		format = logger.FormatPretty
	}
	if cmd.IsSet("log-level") {
		level = cmd.String("log-level")
	}
	if cmd.Bool("debug") {
		level = "debug"
	}
	if cmd.IsSet("log-format") {
		format = cmd.String("log-format")
	}
	log, err := logger.NewFromConfig(logger.Console(), level, format)
	if err != nil {
		return ctx, err
	}
	cfg.Logging.Level, cfg.Logging.Format = level, format
	ctx = logger.WithContext(ctx, log)
	return context.WithValue(ctx, configKey{}, cfg), nil
}

func configFrom(ctx context.Context) config.Config {
	if cfg, ok := ctx.Value(configKey{}).(config.Config); ok {
		return cfg
	}
	return config.Default()
}

// applyEngineFlags lets explicitly set flags win over the config file.
func applyEngineFlags(cmd *cli.Command, cfg *config.Config) error {
	if cmd.IsSet("kernel") {
		cfg.Engine.Kernel = cmd.String("kernel")
	}
	if cmd.IsSet("threads") {
		cfg.Engine.Threads = cmd.Int("threads")
	}
	if cmd.IsSet("ctx") {
		cfg.Models.ContextWindow = cmd.Int("ctx")
	}
	if cmd.IsSet("f16-cache") {
		cfg.Models.F16KVCache = cmd.Bool("f16-cache")
	}
	if cmd.IsSet("memory-budget-mb") {
		cfg.Engine.MemoryBudgetMB = cmd.Int("memory-budget-mb")
	}
	return cfg.Validate()
}

func loadOptions(cmd *cli.Command, cfg config.Config, log logger.Logger) inference.LoadOptions {
	return inference.LoadOptions{
		ContextLen:   cfg.Models.ContextWindow,
		Kernel:       cfg.Engine.Kernel,
		Threads:      cfg.Engine.Threads,
		F16Cache:     cfg.Models.F16KVCache,
		Window:       cmd.Int("window"),
		MemoryBudget: cfg.MemoryBudget(),
		Logger:       log,
	}
}

// requestOptions copies the sampling flags that were set on the command
// line.
func requestOptions(cmd *cli.Command) inference.RequestOptions {
	var opts inference.RequestOptions
	intPtr := func(name string) *int {
		if !cmd.IsSet(name) {
			return nil
		}
		v := cmd.Int(name)
		return &v
	}
	floatPtr := func(name string) *float32 {
		if !cmd.IsSet(name) {
			return nil
		}
		v := float32(cmd.Float(name))
		return &v
	}
	opts.MaxTokens = intPtr("max-tokens")
	opts.TopK = intPtr("top-k")
	opts.RepeatLastN = intPtr("repeat-last-n")
	opts.Temperature = floatPtr("temp")
	opts.TopP = floatPtr("top-p")
	opts.MinP = floatPtr("min-p")
	opts.RepeatPenalty = floatPtr("repeat-penalty")
	if cmd.IsSet("seed") {
		seed := cmd.Int64("seed")
		opts.Seed = &seed
	}
	opts.Stop = cmd.StringSlice("stop")
	return opts
}

// resolveModel picks the --model flag, else the configured default model.
func resolveModel(flag string, cfg config.Config) (string, error) {
	if flag != "" {
		return flag, nil
	}
	name := strings.TrimSpace(cfg.Models.DefaultModel)
	if name == "" {
		return "", fmt.Errorf("--model is required (or set models.default_model)")
	}
	if strings.ContainsRune(name, os.PathSeparator) || filepath.Ext(name) != "" {
		return name, nil
	}
	return filepath.Join(cfg.Models.Directory, name+api.CheckpointExt), nil
}
