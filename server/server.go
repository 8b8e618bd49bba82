// Package server is the HTTP sidecar of a served page: it renders the page
// with its widgets, reports orchestrator status, accepts run triggers and
// streams lifecycle events over SSE. DELETE /kernel shuts down the cached
// kernel.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/cocoonstack/nbinteract/interact"
	"github.com/cocoonstack/nbinteract/progress"
)

const shutdownTimeout = 10 * time.Second

// Orchestrator is the part of interact.Interact the server drives.
type Orchestrator interface {
	Run(ctx context.Context) error
	KillKernel(ctx context.Context) error
	Status() interact.Status
}

// Renderer writes the current page.
type Renderer interface {
	Render(w io.Writer) error
}

// Server serves one page.
type Server struct {
	orch   Orchestrator
	page   Renderer
	events *progress.Broadcaster[interact.Event]
	runCtx context.Context
}

// New returns a server. Runs triggered over HTTP use runCtx so they outlive
// the request.
func New(runCtx context.Context, orch Orchestrator, pg Renderer, events *progress.Broadcaster[interact.Event]) *Server {
	return &Server{orch: orch, page: pg, events: events, runCtx: runCtx}
}

// Handler returns the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handlePage)
	r.Get("/status", s.handleStatus)
	r.Post("/run", s.handleRun)
	r.Get("/events", s.handleEvents)
	r.Delete("/kernel", s.handleKill)
	return r
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	logger := log.WithFunc("server.ListenAndServe")
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		logger.Infof(ctx, "listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve %s: %w", addr, err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if s.events != nil {
			s.events.Close()
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Infof(ctx, "http server stopped")
		return nil
	})
	return grp.Wait()
}

func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.page.Render(w); err != nil {
		log.WithFunc("server.handlePage").Errorf(r.Context(), err, "render page")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	logger := log.WithFunc("server.handleRun")
	remote := r.RemoteAddr
	go func() {
		if err := s.orch.Run(s.runCtx); err != nil {
			logger.Errorf(s.runCtx, err, "run triggered by %s", remote)
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	if err := s.orch.KillKernel(r.Context()); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok || s.events == nil {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, err := s.events.Subscribe(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return
		}
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
