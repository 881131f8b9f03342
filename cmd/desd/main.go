// SPDX-License-Identifier: GPL-3.0-or-later

// Command desd is the service supervisor daemon: it loads a YAML
// configuration, attaches to an already-running spawner host over an
// inherited control descriptor, and serves a control socket for
// clients to query and drive service actions.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var opts options
	var verboseCount, quietCount int

	cmd := &cobra.Command{
		Use:     "desd",
		Short:   "Service supervisor daemon",
		Version: version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.verbosity = verboseCount - quietCount
			return runDaemon(cmd.Context(), opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.baseDir, "base-dir", "", "directory Desd chdirs into before anything else")
	flags.StringVar(&opts.configPath, "config", "/etc/desd/desd.yaml", "path to the YAML service configuration")
	flags.StringVar(&opts.socketPath, "socket", "/run/desd/control.sock", "control socket path to listen on")
	flags.StringVar(&opts.desdPath, "desd-path", "", "path to this binary, for the spawner's re-exec bookkeeping")
	flags.StringVar(&opts.daemonproxyPath, "daemonproxy-path", "", "path to the daemonproxy spawner binary")
	flags.StringVar(&opts.control, "control", "3", "inherited FD or unix socket path for the spawner connection")
	flags.CountVarP(&verboseCount, "verbose", "v", "increase log verbosity (repeatable)")
	flags.CountVarP(&quietCount, "quiet", "q", "decrease log verbosity (repeatable)")

	cmd.SetArgs(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "desd:", err)
		return 1
	}
	return 0
}

func runDaemon(ctx context.Context, opts options) error {
	if opts.baseDir != "" {
		if err := os.Chdir(opts.baseDir); err != nil {
			return fmt.Errorf("chdir %s: %w", opts.baseDir, err)
		}
	}

	a, err := newApp(ctx, opts)
	if err != nil {
		return err
	}
	defer a.close()

	return a.run(ctx)
}
