package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cocoonstack/nbinteract/types"
)

var buildCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the Binder image, start a notebook server and print its URL and token",
		Args:  cobra.NoArgs,
		RunE:  runBuild,
	}
	cmd.Flags().Duration("timeout", 0, "give up on the build after this long (0 waits forever)")
	return cmd
}()

func runBuild(cmd *cobra.Command, _ []string) error {
	ctx, cancel := timeoutContext(cmd, "timeout")
	defer cancel()
	hub, err := initHub()
	if err != nil {
		return err
	}
	hub.RegisterCallback(types.StateAny, func(_ context.Context, _, newState types.State, ev *types.BuildEvent) {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "[%s] %s\n", newState, ev.Message)
	})

	srv, err := hub.StartServer(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "url:   %s\n", srv.URL)
	_, _ = fmt.Fprintf(out, "token: %s\n", srv.Token)
	return nil
}
