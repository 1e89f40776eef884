package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qwenrt/internal/backend"
	"github.com/samcharles93/qwenrt/internal/inference"
	"github.com/samcharles93/qwenrt/internal/logger"
	"github.com/samcharles93/qwenrt/internal/logits"
	"github.com/samcharles93/qwenrt/internal/model"
)

type benchResult struct {
	prefill time.Duration
	decode  time.Duration
}

func benchCmd() *cli.Command {
	var modelPath string
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "checkpoint to benchmark (default: synthetic weights from the synth flags)",
			Destination: &modelPath,
		},
		&cli.IntFlag{Name: "prompt-tokens", Usage: "tokens per prefill", Value: 32},
		&cli.IntFlag{Name: "steps", Usage: "decode steps per run", Value: 64},
		&cli.IntFlag{Name: "runs", Usage: "measured runs", Value: 3},
		&cli.IntFlag{Name: "warmup", Usage: "unmeasured runs", Value: 1},
	}
	flags = append(flags, engineFlags()...)
	flags = append(flags, synthFlags()...)

	return &cli.Command{
		Name:  "bench",
		Usage: "Measure prefill and decode throughput",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx)
			if err := applyEngineFlags(cmd, &cfg); err != nil {
				return err
			}
			opts := loadOptions(cmd, cfg, log)

			var (
				sess    *inference.Session
				release func()
				err     error
			)
			if modelPath != "" {
				sess, err = inference.Load(modelPath, opts)
				release = func() { _ = sess.Close() }
			} else {
				sess, release, err = syntheticSession(cmd, opts)
			}
			if err != nil {
				return err
			}
			defer release()

			info := sess.Info()
			promptLen := cmd.Int("prompt-tokens")
			steps := cmd.Int("steps")
			if promptLen+steps > info.ContextLen {
				return fmt.Errorf("prompt-tokens + steps = %d exceeds context %d", promptLen+steps, info.ContextLen)
			}
			log.Info("benchmarking", "model", info.ID, "kernel", info.Kernel, "context", info.ContextLen,
				"arena_bytes", info.ArenaBytes, "cache_bytes", info.CacheBytes)

			rng := rand.New(rand.NewSource(1))
			prompt := make([]int, promptLen)
			for i := range prompt {
				prompt[i] = rng.Intn(info.Config.VocabSize)
			}

			for range cmd.Int("warmup") {
				if _, err := benchOnce(ctx, sess, prompt, steps); err != nil {
					return err
				}
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "run\tprefill\tprefill tok/s\tdecode\tdecode tok/s")
			for i := range cmd.Int("runs") {
				r, err := benchOnce(ctx, sess, prompt, steps)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%.1f\t%s\t%.1f\n", i+1,
					r.prefill.Round(time.Microsecond), perSecond(promptLen, r.prefill),
					r.decode.Round(time.Microsecond), perSecond(steps, r.decode))
			}
			return tw.Flush()
		},
	}
}

// syntheticSession builds random weights in memory. release closes the
// session and then the kernel provider it was built with.
func syntheticSession(cmd *cli.Command, opts inference.LoadOptions) (*inference.Session, func(), error) {
	mcfg := synthConfig(cmd)
	if err := mcfg.Validate(); err != nil {
		return nil, nil, err
	}
	k, err := backend.New(opts.Kernel, opts.Threads)
	if err != nil {
		return nil, nil, err
	}
	m, err := model.FromWeights(mcfg, model.Synthetic(mcfg, cmd.Int64("seed")), model.Options{
		Kernel:       k,
		ContextLen:   opts.ContextLen,
		F16Cache:     opts.F16Cache,
		Window:       opts.Window,
		MemoryBudget: opts.MemoryBudget,
		Logger:       opts.Logger,
	})
	if err != nil {
		k.Close()
		return nil, nil, err
	}
	sess, err := inference.NewSession("synthetic", m, nil, opts.Logger)
	if err != nil {
		_ = m.Close()
		k.Close()
		return nil, nil, err
	}
	return sess, func() {
		_ = sess.Close()
		k.Close()
	}, nil
}

// benchOnce prefills prompt then decodes steps tokens greedily.
func benchOnce(ctx context.Context, sess *inference.Session, prompt []int, steps int) (benchResult, error) {
	var r benchResult
	sess.Reset()
	positions := make([]int, len(prompt))
	for i := range positions {
		positions[i] = i
	}
	vocab := sess.Info().Config.VocabSize

	start := time.Now()
	out, err := sess.Forward(prompt, positions)
	if err != nil {
		return r, err
	}
	r.prefill = time.Since(start)

	pos := len(prompt)
	start = time.Now()
	for range steps {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		next := logits.Argmax(out[len(out)-vocab:])
		out, err = sess.Forward([]int{next}, []int{pos})
		if err != nil {
			return r, err
		}
		pos++
	}
	r.decode = time.Since(start)
	return r, nil
}

func perSecond(n int, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / d.Seconds()
}
