// Curatorctl is the operator CLI of the archive request orchestrator.
//
// It connects to the same database as the long running binaries and runs
// one administrative operation per invocation: migrations, listing, abort,
// relaunch, versioning decisions and request deletion.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vin-jex/archive-orchestrator/internal/cli"
	"github.com/vin-jex/archive-orchestrator/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	if err := cli.NewRootCommand(cfg, cli.OpenPostgres).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
