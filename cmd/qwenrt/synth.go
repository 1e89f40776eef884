package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qwenrt/internal/inference"
	"github.com/samcharles93/qwenrt/internal/logger"
	"github.com/samcharles93/qwenrt/internal/model"
	"github.com/samcharles93/qwenrt/internal/tokenizer"
)

// tokenizerPathFor returns the existing tokenizer file next to a
// checkpoint, or "".
func tokenizerPathFor(checkpoint string) string {
	cands := []string{
		checkpoint + inference.TokenizerExt,
		strings.TrimSuffix(checkpoint, filepath.Ext(checkpoint)) + inference.TokenizerExt,
	}
	for _, c := range cands {
		if st, err := os.Stat(c); err == nil && !st.IsDir() {
			return c
		}
	}
	return ""
}

func synthConfig(cmd *cli.Command) model.Config {
	return model.Config{
		VocabSize:  cmd.Int("vocab"),
		Dim:        cmd.Int("dim"),
		HiddenDim:  cmd.Int("hidden"),
		Layers:     cmd.Int("layers"),
		Heads:      cmd.Int("heads"),
		KVHeads:    cmd.Int("kv-heads"),
		SeqLen:     cmd.Int("seq-len"),
		RopeTheta:  1e6,
		GroupSize:  cmd.Int("group-size"),
		Classifier: cmd.Bool("classifier"),
		RMSEps:     1e-6,
	}
}

func synthFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "vocab", Usage: "vocabulary size", Value: 512},
		&cli.IntFlag{Name: "dim", Usage: "model width", Value: 64},
		&cli.IntFlag{Name: "hidden", Usage: "feed-forward width", Value: 192},
		&cli.IntFlag{Name: "layers", Usage: "transformer layers", Value: 2},
		&cli.IntFlag{Name: "heads", Usage: "query heads", Value: 4},
		&cli.IntFlag{Name: "kv-heads", Usage: "key/value heads", Value: 2},
		&cli.IntFlag{Name: "seq-len", Usage: "maximum sequence length", Value: 256},
		&cli.IntFlag{Name: "group-size", Usage: "quantization group size", Value: 32},
		&cli.BoolFlag{Name: "classifier", Usage: "write an untied output projection"},
		&cli.Int64Flag{Name: "seed", Usage: "weight RNG seed", Value: 1},
	}
}

func synthCmd() *cli.Command {
	var out string
	flags := append([]cli.Flag{
		&cli.StringFlag{
			Name:        "out",
			Aliases:     []string{"o"},
			Usage:       "checkpoint path to write; the tokenizer goes next to it",
			Destination: &out,
			Required:    true,
		},
	}, synthFlags()...)

	return &cli.Command{
		Name:  "synth",
		Usage: "Write a random checkpoint and matching tokenizer for testing",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := synthConfig(cmd)
			if err := cfg.Validate(); err != nil {
				return err
			}
			vocab, err := tokenizer.Synthetic(cfg.VocabSize)
			if err != nil {
				return err
			}
			if err := model.WriteFile(out, cfg, model.Synthetic(cfg, cmd.Int64("seed"))); err != nil {
				return fmt.Errorf("write checkpoint: %w", err)
			}
			tokPath := strings.TrimSuffix(out, filepath.Ext(out)) + inference.TokenizerExt
			if err := tokenizer.WriteFile(tokPath, vocab); err != nil {
				return fmt.Errorf("write tokenizer: %w", err)
			}
			log.Info("wrote synthetic model",
				"checkpoint", out,
				"tokenizer", tokPath,
				"params", cfg.ParamCount(),
				"bytes", model.ExpectedSize(cfg),
			)
			return nil
		},
	}
}
