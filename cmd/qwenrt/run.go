package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qwenrt/internal/inference"
	"github.com/samcharles93/qwenrt/internal/logger"
	"github.com/samcharles93/qwenrt/internal/tokenizer"
)

func runCmd() *cli.Command {
	var (
		modelPath string
		prompt    string
		system    string
		tokPath   string
		raw       bool
		think     bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a .bin checkpoint",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (read from stdin when empty)",
			Destination: &prompt,
		},
		&cli.StringFlag{
			Name:        "system",
			Aliases:     []string{"sys"},
			Usage:       "optional system prompt",
			Destination: &system,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "override path to the .tokenizer file",
			Destination: &tokPath,
		},
		&cli.BoolFlag{
			Name:        "raw",
			Usage:       "feed the prompt verbatim instead of through the chat template",
			Destination: &raw,
		},
		&cli.BoolFlag{
			Name:        "think",
			Usage:       "let the model emit a reasoning block (printed to stderr)",
			Destination: &think,
		},
	}
	flags = append(flags, engineFlags()...)
	flags = append(flags, samplingFlags()...)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate a completion for one prompt",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx)
			if err := applyEngineFlags(cmd, &cfg); err != nil {
				return err
			}
			path, err := resolveModel(modelPath, cfg)
			if err != nil {
				return err
			}
			if prompt == "" {
				prompt, err = readPrompt(os.Stdin)
				if err != nil {
					return err
				}
			}

			opts := loadOptions(cmd, cfg, log)
			opts.TokenizerPath = tokPath
			sess, err := inference.Load(path, opts)
			if err != nil {
				return fmt.Errorf("load %s: %w", path, err)
			}
			defer func() { _ = sess.Close() }()

			ro := requestOptions(cmd)
			if raw {
				ro.Prompt = prompt
			} else {
				if system != "" {
					ro.Messages = append(ro.Messages, tokenizer.Message{Role: "system", Content: system})
				}
				ro.Messages = append(ro.Messages, tokenizer.Message{Role: "user", Content: prompt})
				ro.NoThinking = !think
			}
			req := inference.ResolveRequest(ro, cfg.GenDefaults())

			// Reasoning goes to stderr so stdout carries only the answer.
			out := newStreamWriter(os.Stdout, os.Stderr, !raw)
			res, err := sess.Generate(ctx, req, out.Write)
			out.Close()
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if res != nil {
				st := res.Stats
				log.Info("generation finished",
					"finish", res.FinishReason,
					"prompt_tokens", st.PromptTokens,
					"cached_tokens", st.CachedTokens,
					"tokens", st.TokensGenerated,
					"prefill", st.PrefillDuration,
					"decode", st.DecodeDuration,
					"tok_per_s", st.TPS,
					"seed", req.Sampling.Seed,
				)
			}
			return nil
		},
	}
}

func readPrompt(r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	p := strings.TrimSpace(string(b))
	if p == "" {
		return "", errors.New("empty prompt: pass --prompt or pipe text on stdin")
	}
	return p, nil
}
