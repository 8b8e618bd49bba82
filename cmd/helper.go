package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/projecteru2/core/log"
	"go.opentelemetry.io/otel"

	"github.com/cocoonstack/nbinteract/binder"
	"github.com/cocoonstack/nbinteract/cache"
	"github.com/cocoonstack/nbinteract/interact"
	"github.com/cocoonstack/nbinteract/page"
	"github.com/cocoonstack/nbinteract/progress"
)

const meterName = "github.com/cocoonstack/nbinteract"

// session bundles everything a page command needs.
type session struct {
	hub    *binder.Hub
	cache  *cache.Cache
	page   *page.Page
	events *progress.Broadcaster[interact.Event]
	ia     *interact.Interact
}

func (s *session) Close() {
	s.ia.Close()
	s.events.Close()
}

// initHub builds the BinderHub client from conf.
func initHub() (*binder.Hub, error) {
	cfg := conf.HubConfig()
	cfg.Meter = otel.Meter(meterName)
	hub, err := binder.NewHub(cfg)
	if err != nil {
		return nil, fmt.Errorf("init binder: %w", err)
	}
	return hub, nil
}

// initCache opens the session cache of hub's build target.
func initCache(hub *binder.Hub) (*cache.Cache, error) {
	if err := conf.EnsureDirs(); err != nil {
		return nil, err
	}
	return cache.New(conf.CacheDir(), hub.Target()), nil
}

// initSession loads the page at path and wires an orchestrator for it.
func initSession(pagePath string) (*session, error) {
	pg, err := page.Load(pagePath)
	if err != nil {
		return nil, err
	}
	hub, err := initHub()
	if err != nil {
		return nil, err
	}
	c, err := initCache(hub)
	if err != nil {
		return nil, err
	}
	events := progress.NewBroadcaster[interact.Event](64) //nolint:mnd
	ia, err := interact.New(interact.Config{
		HeartbeatInterval:  conf.HeartbeatInterval(),
		Debounce:           conf.Debounce(),
		KernelStartTimeout: conf.KernelStartTimeout(),
		Meter:              otel.Meter(meterName),
		Tracker:            progress.Multi[interact.Event](progress.TrackerFunc[interact.Event](logEvent), events),
	}, hub, c, pg)
	if err != nil {
		events.Close()
		return nil, err
	}
	return &session{hub: hub, cache: c, page: pg, events: events, ia: ia}, nil
}

// prepareAndRun runs the page once, reusing a live cached kernel when
// Prepare already did the work.
func prepareAndRun(ctx context.Context, ia *interact.Interact) error {
	if err := ia.Prepare(ctx); err != nil {
		return err
	}
	if !ia.Status().LastRun.IsZero() {
		return nil
	}
	return ia.Run(ctx)
}

// writeOutput renders pg to out, or to stdout when out is empty.
func writeOutput(pg *page.Page, out string) error {
	if out == "" {
		return pg.Render(os.Stdout)
	}
	if err := pg.WriteFile(out); err != nil {
		return err
	}
	log.WithFunc("cmd.writeOutput").Infof(context.Background(), "wrote %s", out)
	return nil
}

func logEvent(ev interact.Event) {
	logger := log.WithFunc("cmd.event")
	ctx := context.Background()
	switch {
	case ev.Kind == interact.KindBuild:
		// binder logs build phases itself
	case ev.KernelID != "":
		logger.Infof(ctx, "%s %s: kernel %s %s", ev.Kind, ev.State, ev.KernelID, ev.Message)
	default:
		logger.Infof(ctx, "%s %s %s", ev.Kind, ev.State, ev.Message)
	}
}
