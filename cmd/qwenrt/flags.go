package main

import "github.com/urfave/cli/v3"

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to config.yaml (default ~/.config/qwenrt/config.yaml when present)",
			Sources: cli.EnvVars("QWENRT_CONFIG"),
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "log-format",
			Usage: "log format (pretty, json, text)",
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging (shorthand for --log-level=debug)",
		},
	}
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "kernel",
			Usage: "kernel provider (auto, scalar, generic, avx2)",
		},
		&cli.IntFlag{
			Name:    "threads",
			Aliases: []string{"j"},
			Usage:   "worker threads (0 = GOMAXPROCS)",
		},
		&cli.IntFlag{
			Name:    "ctx",
			Aliases: []string{"max-context", "c"},
			Usage:   "context length cap (0 = checkpoint seq_len)",
		},
		&cli.BoolFlag{
			Name:  "f16-cache",
			Usage: "store the KV cache as float16",
		},
		&cli.IntFlag{
			Name:  "window",
			Usage: "force sliding-window attention of this many tokens",
		},
		&cli.IntFlag{
			Name:  "memory-budget-mb",
			Usage: "KV memory budget; longer contexts switch to a sliding window",
		},
	}
}

func samplingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "max-tokens",
			Aliases: []string{"n", "steps"},
			Usage:   "tokens to generate",
		},
		&cli.FloatFlag{
			Name:    "temp",
			Aliases: []string{"temperature", "t"},
			Usage:   "sampling temperature (0 = greedy)",
		},
		&cli.IntFlag{
			Name:    "top-k",
			Aliases: []string{"top_k"},
			Usage:   "top-k sampling (0 = disabled)",
		},
		&cli.FloatFlag{
			Name:    "top-p",
			Aliases: []string{"top_p"},
			Usage:   "nucleus sampling mass (0 or 1 = disabled)",
		},
		&cli.FloatFlag{
			Name:    "min-p",
			Aliases: []string{"min_p"},
			Usage:   "min_p sampling parameter (0 = disabled)",
		},
		&cli.FloatFlag{
			Name:    "repeat-penalty",
			Aliases: []string{"repeat_penalty"},
			Usage:   "repetition penalty (1 = disabled)",
		},
		&cli.IntFlag{
			Name:  "repeat-last-n",
			Usage: "last n tokens to penalize",
		},
		&cli.Int64Flag{
			Name:  "seed",
			Usage: "sampling RNG seed (unset = random)",
		},
		&cli.StringSliceFlag{
			Name:  "stop",
			Usage: "stop string (repeatable)",
		},
	}
}
