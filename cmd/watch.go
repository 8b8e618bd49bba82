package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cocoonstack/nbinteract/interact"
)

var watchCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [flags] PAGE",
		Short: "Re-run a page every time it changes on disk",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	cmd.Flags().StringP("output", "o", "", "output file (required)")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}()

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	logger := log.WithFunc("cmd.watch")
	out, _ := cmd.Flags().GetString("output")

	s, err := initSession(args[0])
	if err != nil {
		return err
	}
	defer s.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck

	target, err := filepath.Abs(s.page.Path())
	if err != nil {
		return err
	}
	// Watch the directory: editors often replace the file instead of writing it.
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	if err := prepareAndRun(ctx, s.ia); err != nil {
		logger.Warnf(ctx, "initial run: %v", err)
	} else if err := writeOutput(s.page, out); err != nil {
		return err
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Warnf(gctx, "watcher: %v", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				if err := onPageChange(gctx, s, out); err != nil {
					logger.Warnf(gctx, "page change: %v", err)
				}
			}
		}
	})
	logger.Infof(ctx, "watching %s", target)
	return grp.Wait()
}

// onPageChange reloads the page and re-runs it. Output is only rewritten
// when the run was not debounced away.
func onPageChange(ctx context.Context, s *session, out string) error {
	before := s.ia.Status().LastRun
	s.events.Publish(interact.Event{Kind: interact.KindPage, State: "changed", Time: time.Now()})
	if err := s.page.Reload(); err != nil {
		return err
	}
	if err := s.ia.Run(ctx); err != nil {
		return err
	}
	if s.ia.Status().LastRun.Equal(before) {
		log.WithFunc("cmd.onPageChange").Debugf(ctx, "run debounced, keeping %s", out)
		return nil
	}
	return writeOutput(s.page, out)
}
