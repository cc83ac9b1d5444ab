package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"photovault/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

// exitInterrupted follows the shell convention for SIGINT.
const exitInterrupted = 130

func main() {
	// Ctrl-C cancels in-flight requests; an interrupted upload keeps its session.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if cfg.TrustedProjectConfigPath != "" {
		fmt.Fprintf(stderr, "warning: using trusted project config from %s\n", cfg.TrustedProjectConfigPath)
	}

	root := newRootCmd(cfg)
	root.SetArgs(args)
	err = root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	for _, line := range formatCLIError(err) {
		fmt.Fprintln(stderr, line)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return exitInterrupted
	}
	return 1
}
