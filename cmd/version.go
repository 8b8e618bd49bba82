package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cocoonstack/nbinteract/binder"
	"github.com/cocoonstack/nbinteract/jupyter"
	"github.com/cocoonstack/nbinteract/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show build metadata and the protocol versions spoken",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprint(out, version.String())
		_, _ = fmt.Fprintf(out, "Kernel protocol: %s\n", jupyter.ProtocolVersion)
		_, _ = fmt.Fprintf(out, "Binder default:  %s\n", binder.DefaultBaseURL)
	},
}
