package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/cocoonstack/nbinteract/gc"
	"github.com/cocoonstack/nbinteract/jupyter"
	"github.com/cocoonstack/nbinteract/types"
	"github.com/cocoonstack/nbinteract/utils"
)

var gcCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Remove cached sessions whose kernel is gone",
		Args:  cobra.NoArgs,
		RunE:  runGC,
	}
	cmd.Flags().Duration("max-age", 0, "also remove sessions not updated for this long (0 disables)")
	cmd.Flags().Bool("dry-run", false, "list what would be removed")
	cmd.Flags().Bool("offline", false, "skip contacting notebook servers")
	return cmd
}()

func runGC(cmd *cobra.Command, _ []string) error {
	ctx := commandContext(cmd)
	maxAge, _ := cmd.Flags().GetDuration("max-age")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	offline, _ := cmd.Flags().GetBool("offline")

	opts := gc.Options{MaxAge: maxAge, DryRun: dryRun}
	if !offline {
		opts.Probe = probeKernel
	}
	removed, err := gc.Sweep(ctx, conf.CacheDir(), opts)
	if len(removed) == 0 {
		fmt.Println("Nothing to remove.")
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FILE\tKERNEL\tREASON")
	for _, c := range removed {
		kernel := c.KernelID
		if kernel == "" {
			kernel = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", c.Path, kernel, c.Reason)
	}
	w.Flush() //nolint:errcheck,gosec
	if err == nil && !dryRun {
		log.WithFunc("cmd.gc").Infof(ctx, "GC completed, %d removed", len(removed))
	}
	return err
}

// probeKernel treats any HTTP answer other than the kernel model as "gone":
// a culled Binder server answers through the hub with 404 or 503.
func probeKernel(ctx context.Context, srv *types.Server, kernelID string) (bool, error) {
	_, err := jupyter.NewClient(jupyter.NewSettings(srv)).FindKernel(ctx, kernelID)
	var apiErr *utils.APIError
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, jupyter.ErrKernelNotFound), errors.As(err, &apiErr):
		return false, nil
	default:
		return false, err
	}
}
