package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/cocoonstack/nbinteract/jupyter"
)

var kernelCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kernel",
		Short: "Inspect or shut down the cached kernel",
	}
	cmd.AddCommand(kernelStatusCmd, kernelKillCmd)
	return cmd
}()

var kernelStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached kernel and whether it is still alive",
	Args:  cobra.NoArgs,
	RunE:  runKernelStatus,
}

var kernelKillCmd = &cobra.Command{
	Use:   "kill",
	Short: "Shut down the cached kernel",
	Args:  cobra.NoArgs,
	RunE:  runKernelKill,
}

func runKernelStatus(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	hub, err := initHub()
	if err != nil {
		return err
	}
	c, err := initCache(hub)
	if err != nil {
		return err
	}
	srv, id, err := c.Session(ctx)
	if err != nil {
		fmt.Println("No cached kernel.")
		return nil //nolint:nilerr
	}

	state, activity, connections := "gone", "-", "-"
	model, err := jupyter.NewClient(jupyter.NewSettings(srv)).FindKernel(ctx, id)
	if err == nil {
		state = model.ExecutionState
		connections = fmt.Sprint(model.Connections)
		if !model.LastActivity.IsZero() {
			activity = units.HumanDuration(time.Since(model.LastActivity)) + " ago"
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KERNEL\tSTATE\tCONNECTIONS\tLAST ACTIVITY\tSERVER")
	_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, state, connections, activity, srv.URL)
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func runKernelKill(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	hub, err := initHub()
	if err != nil {
		return err
	}
	c, err := initCache(hub)
	if err != nil {
		return err
	}
	srv, id, err := c.Session(ctx)
	if err != nil {
		return err
	}
	if err := jupyter.NewClient(jupyter.NewSettings(srv)).Shutdown(ctx, id); err != nil {
		return err
	}
	fmt.Printf("kernel %s shut down\n", id)
	return nil
}
