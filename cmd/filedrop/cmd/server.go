package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jmcleod/filedrop/api"
	"github.com/jmcleod/filedrop/files"
	"github.com/jmcleod/filedrop/keys"
	"github.com/jmcleod/filedrop/master"
	"github.com/jmcleod/filedrop/session"
)

const maintenanceInterval = 5 * time.Minute

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the file drop server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg, os.Stderr)

		store, closeStore, err := openStore(cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		sessions, generated, err := session.FromSecret(cfg.SessionSecret)
		if err != nil {
			return fmt.Errorf("failed to initialise sessions: %w", err)
		}
		if generated {
			logger.Warn("no session_secret configured; generated a random one, sessions end on restart")
		}

		svc := files.NewService(store,
			files.WithLogger(logger),
			files.WithPublicURL(cfg.PublicURL),
			files.WithDefaultDecayDays(cfg.DefaultDecayDays))
		registry := keys.NewRegistry(store)
		mgr := master.NewManager(store, master.WithLogger(logger))

		proxies, err := api.WithTrustedProxies(cfg.TrustedProxies)
		if err != nil {
			return err
		}
		a := api.New(svc, registry, mgr, sessions,
			api.WithLogger(logger),
			api.WithMaxUploadBytes(cfg.MaxUploadBytes()),
			api.WithMetricsRegisterer(prometheus.DefaultRegisterer),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn("security alert",
					slog.String("type", string(e.Type)),
					slog.String("message", e.Message),
					slog.Int("count", e.Count),
					slog.Int("threshold", e.Threshold))
			}),
			proxies,
		)

		r := chi.NewRouter()
		r.Use(middleware.RequestID)
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})
		r.Handle("/metrics", promhttp.Handler())
		r.Mount("/api", a.Router())

		var tlsConfig *tls.Config
		if cfg.TLSCert != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// No WriteTimeout: downloads stream for as long as the client reads.
		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go a.RunMaintenance(ctx, maintenanceInterval)

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if tlsConfig != nil {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		logger.Info("server starting",
			slog.String("listen", cfg.Listen),
			slog.String("storage", cfg.Storage.Backend),
			slog.Bool("tls", tlsConfig != nil))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", slog.String("signal", sig.String()))
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelShutdown()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
