package cmd

import (
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cocoonstack/nbinteract/server"
)

var serveCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [flags] PAGE",
		Short: "Serve a page with live widgets, status and lifecycle events",
		Args:  cobra.ExactArgs(1),
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "127.0.0.1:8080", "listen address")
	return cmd
}()

func runServe(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cmd.serve")
	addr, _ := cmd.Flags().GetString("listen")

	s, err := initSession(args[0])
	if err != nil {
		return err
	}
	defer s.ia.Close()

	srv := server.New(ctx, s.ia, s.page, s.events)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return srv.ListenAndServe(gctx, addr)
	})
	grp.Go(func() error {
		if err := s.ia.Prepare(gctx); err != nil {
			logger.Warnf(gctx, "prepare: %v", err)
		}
		return nil
	})
	return grp.Wait()
}
