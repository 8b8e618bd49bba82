package cmd

import (
	"github.com/spf13/cobra"
)

var runCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] PAGE",
		Short: "Run a page's cells on a Binder kernel and write the rendered page",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	cmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	return cmd
}()

func runRun(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	out, _ := cmd.Flags().GetString("output")

	s, err := initSession(args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	if err := prepareAndRun(ctx, s.ia); err != nil {
		return err
	}
	return writeOutput(s.page, out)
}
