package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(ctx).cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "captchad:", err)
		stop()
		os.Exit(1)
	}
}
