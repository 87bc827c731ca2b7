package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/MrWong99/takewright/internal/health"
	"github.com/MrWong99/takewright/internal/observe"
	"github.com/MrWong99/takewright/internal/persist"
	"github.com/MrWong99/takewright/internal/remotestore"
)

const shutdownTimeout = 15 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the remote pick store service",
		Long: "Serve the pick store API under /v1/productions/{id}/picks together with\n" +
			"/healthz, /readyz and /metrics. The backend is chosen by server.backend.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(ctx context.Context) error {
	cfg := c.cfg
	if cfg.Server.AuthToken == "" {
		return errors.New("server.auth_token is required to serve")
	}

	var (
		store    persist.Store
		checkers []health.Checker
	)
	switch cfg.Server.Backend {
	case "postgres":
		pg, err := remotestore.NewPostgresStore(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
		checkers = append(checkers, health.PingChecker("postgres", pg))
	default:
		store = persist.NewMemory()
	}
	checkers = append(checkers, health.StoreChecker("store", store))

	srv, err := remotestore.New(store, cfg.Server.AuthToken,
		remotestore.WithAllowedOrigins(cfg.Server.AllowedOrigins...),
		remotestore.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	srv.Register(mux)
	health.New(checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopWatch := c.watch(nil)
	defer stopWatch()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	slog.Info("pick store listening",
		"addr", cfg.Server.ListenAddr,
		"backend", cfg.Server.Backend,
		"tls", cfg.Server.TLS != nil,
	)

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutdown signal received, stopping")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("serve: shutdown: %w", err)
	}
	slog.Info("goodbye")
	return nil
}
