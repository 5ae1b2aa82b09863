package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	pghttp "github.com/mihaimyh/promptgate/middleware/http"
	"github.com/mihaimyh/promptgate/pkg/api"
	zerologadapter "github.com/mihaimyh/promptgate/pkg/promptgate/logger/zerolog"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP admission service",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "override listen address (e.g. :8080)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if serveAddr != "" {
		a.cfg.Server.Addr = serveAddr
	}

	router, err := newRouter(a)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info().
			Str("addr", srv.Addr).
			Str("storage", a.cfg.Storage.Driver).
			Str("consistency", a.cfg.Consistency).
			Msg("promptgate listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newRouter mounts the admission, usage, admin, health and metrics routes
func newRouter(a *app) (http.Handler, error) {
	getUserID := pghttp.FromHeader(a.cfg.Server.UserIDHeader)

	proxies, err := a.cfg.Server.Proxies()
	if err != nil {
		return nil, err
	}
	getClientIP := pghttp.TrustedClientIP(proxies)

	usage, err := api.NewHandler(api.Config{
		Controller:  a.controller,
		GetClientIP: getClientIP,
		GetUserID:   getUserID,
		AdminToken:  a.cfg.Server.AdminToken,
		Logger:      zerologadapter.NewLogger(a.logger.With().Str("component", "api").Logger()),
	})
	if err != nil {
		return nil, err
	}

	admit := pghttp.Middleware(pghttp.Config{
		Controller:  a.controller,
		GetClientIP: getClientIP,
		GetUserID:   getUserID,
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.logger))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.store.Ping(ctx); err != nil {
			pghttp.WriteError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if a.registry != nil {
		r.Handle(a.cfg.Metrics.Path, promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.With(admit).Post("/chat", chatHandler)
		r.Get("/usage", usage.GetUsage)
	})

	if a.cfg.Server.AdminToken != "" {
		r.Post("/admin/block-ip", usage.BlockIP)
	}

	return r, nil
}

// chatHandler runs after admission. Prompt execution lives in the chat backend;
// this endpoint reports the charge so the client can update its counter.
func chatHandler(w http.ResponseWriter, r *http.Request) {
	count, _ := pghttp.PromptCountFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"allowed":      true,
		"prompt_count": count,
	})
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
