package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qwenrt/internal/backend"
)

func cpuCmd() *cli.Command {
	return &cli.Command{
		Name:  "cpu",
		Usage: "Report CPU features and the kernel providers they enable",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			f := backend.Probe()
			fmt.Printf("cpu:       %s\n", f)
			fmt.Printf("kernels:   %s\n", backend.Available())
			fmt.Printf("auto:      %s\n", backend.Best())
			return nil
		},
	}
}
