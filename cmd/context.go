package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// newCommandContext is cancelled on SIGINT/SIGTERM so a blocked lock wait stops early.
func newCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
