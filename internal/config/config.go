// Package config loads the YAML server configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/samcharles93/qwenrt/internal/backend"
	"github.com/samcharles93/qwenrt/internal/errs"
	"github.com/samcharles93/qwenrt/internal/inference"
	"github.com/samcharles93/qwenrt/internal/logger"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Models     ModelsConfig     `yaml:"models"`
	Engine     EngineConfig     `yaml:"engine"`
	Generation GenerationConfig `yaml:"generation"`
	Limits     LimitsConfig     `yaml:"limits"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	BindAddress string   `yaml:"bind_address"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	// RequestTimeout is in seconds.
	RequestTimeout int `yaml:"request_timeout"`
}

type ModelsConfig struct {
	Directory     string `yaml:"directory"`
	DefaultModel  string `yaml:"default_model"`
	ContextWindow int    `yaml:"context_window"`
	F16KVCache    bool   `yaml:"f16_kv_cache"`
}

type EngineConfig struct {
	Kernel         string `yaml:"kernel"`
	Threads        int    `yaml:"threads"`
	MemoryBudgetMB int    `yaml:"memory_budget_mb"`
}

// GenerationConfig holds the defaults for fields a request leaves unset.
// Temperature 0 means greedy decoding.
type GenerationConfig struct {
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float32 `yaml:"temperature"`
	TopK          int     `yaml:"top_k"`
	TopP          float32 `yaml:"top_p"`
	MinP          float32 `yaml:"min_p"`
	RepeatPenalty float32 `yaml:"repeat_penalty"`
	RepeatLastN   int     `yaml:"repeat_last_n"`
}

type LimitsConfig struct {
	MaxRequestSize        int64 `yaml:"max_request_size"`
	MaxConcurrentRequests int   `yaml:"max_concurrent_requests"`
	RateLimitPerMinute    int   `yaml:"rate_limit_per_minute"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	gen := inference.BuiltinDefaults()
	return Config{
		Server: ServerConfig{
			BindAddress:    "0.0.0.0",
			Port:           8080,
			CORSOrigins:    []string{"*"},
			RequestTimeout: 300,
		},
		Models: ModelsConfig{
			Directory:     "./models",
			ContextWindow: 4096,
		},
		Engine: EngineConfig{
			Kernel: backend.Auto,
		},
		Generation: GenerationConfig{
			MaxTokens:     gen.MaxTokens,
			Temperature:   gen.Sampling.Temperature,
			TopK:          gen.Sampling.TopK,
			TopP:          gen.Sampling.TopP,
			MinP:          gen.Sampling.MinP,
			RepeatPenalty: gen.Sampling.RepeatPenalty,
			RepeatLastN:   gen.Sampling.RepeatLastN,
		},
		Limits: LimitsConfig{
			MaxRequestSize:        1 << 20,
			MaxConcurrentRequests: 4,
			RateLimitPerMinute:    60,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: logger.FormatJSON,
		},
	}
}

// Load reads path over Default, so a file only needs the keys it changes.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.New(errs.ErrFormatInvalid, "parse config %s: %v", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return errs.New(errs.ErrInvalidArgument, "config: "+format, args...)
	}
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return bad("server.port %d out of range", c.Server.Port)
	case c.Server.RequestTimeout < 0:
		return bad("server.request_timeout must not be negative")
	case c.Models.ContextWindow < 0:
		return bad("models.context_window must not be negative")
	case c.Engine.Threads < 0:
		return bad("engine.threads must not be negative")
	case c.Engine.MemoryBudgetMB < 0:
		return bad("engine.memory_budget_mb must not be negative")
	case c.Generation.MaxTokens <= 0:
		return bad("generation.max_tokens must be positive")
	case c.Generation.Temperature < 0:
		return bad("generation.temperature must not be negative")
	case c.Generation.TopK < 0:
		return bad("generation.top_k must not be negative")
	case c.Generation.TopP < 0 || c.Generation.TopP > 1:
		return bad("generation.top_p must be in [0, 1]")
	case c.Generation.MinP < 0 || c.Generation.MinP > 1:
		return bad("generation.min_p must be in [0, 1]")
	case c.Generation.RepeatPenalty < 0:
		return bad("generation.repeat_penalty must not be negative")
	case c.Limits.MaxRequestSize <= 0:
		return bad("limits.max_request_size must be positive")
	case c.Limits.MaxConcurrentRequests <= 0:
		return bad("limits.max_concurrent_requests must be positive")
	case c.Limits.RateLimitPerMinute < 0:
		return bad("limits.rate_limit_per_minute must not be negative")
	}
	if _, err := backend.Normalize(c.Engine.Kernel); err != nil {
		return bad("engine.kernel: %v", err)
	}
	switch c.Logging.Format {
	case logger.FormatJSON, logger.FormatText, logger.FormatPretty:
	default:
		return bad("logging.format %q must be json, text or pretty", c.Logging.Format)
	}
	return nil
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.BindAddress, strconv.Itoa(c.Server.Port))
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeout) * time.Second
}

func (c Config) MemoryBudget() int64 {
	return int64(c.Engine.MemoryBudgetMB) << 20
}

// GenDefaults converts the generation section for the inference layer.
func (c Config) GenDefaults() inference.GenDefaults {
	g := c.Generation
	return inference.GenDefaults{
		MaxTokens: g.MaxTokens,
		Sampling: inference.SampleParams{
			Temperature:   g.Temperature,
			TopK:          g.TopK,
			TopP:          g.TopP,
			MinP:          g.MinP,
			RepeatPenalty: g.RepeatPenalty,
			RepeatLastN:   g.RepeatLastN,
		},
	}
}
