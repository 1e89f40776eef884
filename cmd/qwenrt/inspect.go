package main

import (
	"context"
	"fmt"
	"os"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qwenrt/internal/model"
	"github.com/samcharles93/qwenrt/internal/tokenizer"
)

type tokenizerSummary struct {
	Path        string `json:"path"`
	Size        int    `json:"size"`
	BOS         int    `json:"bos"`
	EOS         int    `json:"eos"`
	MaxTokenLen int    `json:"max_token_len"`
	StopIDs     []int  `json:"stop_ids"`
}

type inspectOutput struct {
	Path      string            `json:"path"`
	Model     model.Info        `json:"model"`
	HeadDim   int               `json:"head_dim"`
	KVDim     int               `json:"kv_dim"`
	Truncated bool              `json:"truncated"`
	Tokenizer *tokenizerSummary `json:"tokenizer,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		modelPath string
		tokPath   string
	)
	return &cli.Command{
		Name:  "inspect",
		Usage: "Print a checkpoint header and its tokenizer as JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to a .bin checkpoint",
				Destination: &modelPath,
				Required:    true,
			},
			&cli.StringFlag{
				Name:        "tokenizer",
				Usage:       "tokenizer path (default <model>.tokenizer)",
				Destination: &tokPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info, err := model.Inspect(modelPath)
			if err != nil {
				return fmt.Errorf("inspect %s: %w", modelPath, err)
			}
			out := inspectOutput{
				Path:      modelPath,
				Model:     info,
				HeadDim:   info.Config.HeadDim(),
				KVDim:     info.Config.KVDim(),
				Truncated: info.FileSize < info.ExpectedSize,
			}
			if tokPath == "" {
				tokPath = tokenizerPathFor(modelPath)
			}
			if tokPath != "" {
				v, err := tokenizer.Load(tokPath)
				if err != nil {
					return fmt.Errorf("tokenizer %s: %w", tokPath, err)
				}
				out.Tokenizer = &tokenizerSummary{
					Path:        tokPath,
					Size:        v.Size(),
					BOS:         v.BOS(),
					EOS:         v.EOS(),
					MaxTokenLen: v.MaxTokenLen(),
					StopIDs:     v.StopIDs(),
				}
			}
			b, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(os.Stdout, string(b))
			return err
		},
	}
}
