package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qwenrt/internal/api"
	"github.com/samcharles93/qwenrt/internal/logger"
	"github.com/samcharles93/qwenrt/internal/model"
)

func listModelsCmd() *cli.Command {
	return &cli.Command{
		Name:    "list-models",
		Aliases: []string{"ls", "models"},
		Usage:   "List checkpoints in the models directory",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "models-path",
				Aliases: []string{"path"},
				Usage:   "directory of .bin checkpoints",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := configFrom(ctx)
			if cmd.IsSet("models-path") {
				cfg.Models.Directory = cmd.String("models-path")
			}
			models, err := api.NewRegistry(api.RegistryConfig{ModelsDir: cfg.Models.Directory}).Available()
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(models) == 0 {
				log.Info("no models found", "path", cfg.Models.Directory)
				return nil
			}
			return printModels(os.Stdout, cfg.Models.Directory, models)
		},
	}
}

func printModels(w io.Writer, dir string, models []api.ModelInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "Models in %s:\n\n", dir)
	_, _ = fmt.Fprintln(tw, "  ID\tSIZE\tLAYERS\tDIM\tVOCAB\tPARAMS")
	for _, m := range models {
		info, err := model.Inspect(m.Path)
		if err != nil {
			// Unreadable headers still get listed so the user can see them.
			_, _ = fmt.Fprintf(tw, "  %s\t?\t\t\t\t(%v)\n", m.ID, err)
			continue
		}
		c := info.Config
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%d\t%s\n",
			m.ID, formatModelSize(info.FileSize), c.Layers, c.Dim, c.VocabSize, formatCount(info.Params))
	}
	_, _ = fmt.Fprintf(tw, "\n%d model(s) found\n", len(models))
	return tw.Flush()
}

func formatModelSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func formatCount(n int64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.1fB", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.1fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.1fK", float64(n)/1e3)
	default:
		return fmt.Sprintf("%d", n)
	}
}
