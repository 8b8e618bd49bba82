package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newCommandContext is cancelled by SIGINT/SIGTERM. A cancelled build closes
// its event stream, and watch/serve shut down their listeners.
func newCommandContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// timeoutContext bounds the command context by the duration flag named
// name; zero or a missing flag means no bound.
func timeoutContext(cmd *cobra.Command, name string) (context.Context, context.CancelFunc) {
	ctx := commandContext(cmd)
	d, err := cmd.Flags().GetDuration(name)
	if err != nil || d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
