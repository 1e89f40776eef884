package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qwenrt/internal/backend"
	"github.com/samcharles93/qwenrt/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version and kernel backend information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			printVersion(os.Stdout, version.Resolve(), backend.Probe())
			return nil
		},
	}
}

func printVersion(w io.Writer, info version.Info, cpu backend.Features) {
	fmt.Fprintf(w, "version:    %s\n", info.Version)
	if info.Commit != "" {
		fmt.Fprintf(w, "commit:     %s\n", info.Commit)
	}
	if info.BuildTime != "" {
		fmt.Fprintf(w, "build time: %s\n", info.BuildTime)
	}
	fmt.Fprintf(w, "go:         %s %s\n", info.GoVersion, info.Platform)
	fmt.Fprintf(w, "backend:    %s (available: %s)\n", backend.Best(), backend.Available())
	fmt.Fprintf(w, "cpu:        %s\n", cpu)
}
