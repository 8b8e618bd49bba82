// Package gc prunes session cache files that can no longer reconnect:
// entries with no session, entries older than a cutoff, and entries whose
// kernel the notebook server no longer knows about.
package gc

import (
	"context"
	"errors"
	"time"

	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/cocoonstack/nbinteract/cache"
	"github.com/cocoonstack/nbinteract/types"
)

const (
	ReasonEmpty      = "empty"
	ReasonExpired    = "expired"
	ReasonKernelGone = "kernel gone"

	defaultParallel = 4
)

// Probe reports whether kernelID still exists on srv. An error means the
// answer is unknown and the entry is kept.
type Probe func(ctx context.Context, srv *types.Server, kernelID string) (bool, error)

// Options controls a sweep.
type Options struct {
	MaxAge   time.Duration // zero disables the age check
	Probe    Probe         // nil disables the liveness check
	DryRun   bool
	Parallel int
}

// Candidate is a cache file selected for removal.
type Candidate struct {
	Path     string
	KernelID string
	Reason   string
}

// Sweep resolves every cache file under dir and removes the stale ones
// unless opts.DryRun is set. Candidates are returned in scan order.
func Sweep(ctx context.Context, dir string, opts Options) ([]Candidate, error) {
	logger := log.WithFunc("gc.Sweep")
	paths, err := cache.Scan(dir)
	if err != nil {
		return nil, err
	}
	if opts.Parallel <= 0 {
		opts.Parallel = defaultParallel
	}

	resolved := make([]*Candidate, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Parallel)
	for i, path := range paths {
		g.Go(func() error {
			cand, err := resolve(gctx, path, opts)
			if err != nil {
				logger.Warnf(gctx, "skip %s: %v", path, err)
				return nil
			}
			resolved[i] = cand
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var (
		out  []Candidate
		errs []error
	)
	for _, cand := range resolved {
		if cand == nil {
			continue
		}
		out = append(out, *cand)
		if opts.DryRun {
			continue
		}
		if err := cache.Open(cand.Path).Remove(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Infof(ctx, "removed %s (%s)", cand.Path, cand.Reason)
	}
	return out, errors.Join(errs...)
}

// resolve returns nil when the entry at path should be kept.
func resolve(ctx context.Context, path string, opts Options) (*Candidate, error) {
	c := cache.Open(path)
	srv, kernelID, err := c.Session(ctx)
	if errors.Is(err, cache.ErrNoCachedSession) {
		return &Candidate{Path: path, Reason: ReasonEmpty}, nil
	}
	if err != nil {
		return nil, err
	}
	if opts.MaxAge > 0 {
		updated, err := c.UpdatedAt(ctx)
		if err != nil {
			return nil, err
		}
		if time.Since(updated) > opts.MaxAge {
			return &Candidate{Path: path, KernelID: kernelID, Reason: ReasonExpired}, nil
		}
	}
	if opts.Probe == nil {
		return nil, nil
	}
	alive, err := opts.Probe(ctx, srv, kernelID)
	if err != nil {
		return nil, err
	}
	if !alive {
		return &Candidate{Path: path, KernelID: kernelID, Reason: ReasonKernelGone}, nil
	}
	return nil, nil //nolint:nilnil
}
