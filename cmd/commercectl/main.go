// Command commercectl runs operator tasks against the commerce database:
// reconciler sweeps, dead-letter redrive, audit queries and catalog checks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ahmetcoskunkizilkaya/fitcore/internal/logging"
)

func main() {
	logging.Setup(os.Getenv("APP_ENV"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
