package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aretw0/tandem"
	"github.com/aretw0/tandem/internal/metrics"
	"github.com/aretw0/tandem/internal/presentation/tui"
	relay "github.com/aretw0/tandem/pkg/adapters/http"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the collaborative editing relay",
	Long:  `Starts the WebSocket relay. Peers connect to /sync/{objectType}:{objectId}; documents are persisted to the configured store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.ListenAddr = addr
		}

		svc, err := openServices(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer svc.Close()

		if tui.IsTerminal(os.Stdout) {
			tui.PrintBanner(os.Stdout)
		}

		m := metrics.New()
		opts := []relay.Option{
			relay.WithSecret([]byte(cfg.Auth.JWTSecret)),
			relay.WithMaxConnections(cfg.Relay.MaxConnections),
			relay.WithStore(svc.store),
			relay.WithLogger(logger),
			relay.WithVersion(tandem.Version),
		}
		if svc.replication != nil {
			opts = append(opts, relay.WithReplication(svc.replication))
		}
		// Metrics live on the relay port unless a dedicated address is configured.
		if cfg.MetricsAddr == "" {
			opts = append(opts, relay.WithMetrics(m))
		}
		server := relay.NewServer(opts...)

		srv := &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           server.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		servers := []*http.Server{srv}
		if cfg.MetricsAddr != "" {
			servers = append(servers, &http.Server{
				Addr:              cfg.MetricsAddr,
				Handler:           m.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			})
		}

		// Channel to listen for errors coming from the listeners.
		serverErrors := make(chan error, len(servers))
		for _, s := range servers {
			go func(s *http.Server) {
				logger.Info("Listening", "addr", s.Addr)
				if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErrors <- err
				}
			}(s)
		}
		logger.Info("Tandem relay started", "version", tandem.Version, "store", cfg.Store.Kind, "auth", cfg.Auth.JWTSecret != "")

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		var runErr error
		select {
		case err := <-serverErrors:
			runErr = fmt.Errorf("server error: %w", err)
		case sig := <-shutdown:
			logger.Info("Shutting down", "signal", sig.String())
		}

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		for _, s := range servers {
			if err := s.Shutdown(ctx); err != nil {
				logger.Warn("Graceful shutdown did not complete", "addr", s.Addr, "timeout", shutdownTimeout, "err", err)
				_ = s.Close()
			}
		}
		// Hijacked WebSocket connections are not tracked by Shutdown; close the rooms explicitly.
		if err := server.Close(ctx); err != nil {
			logger.Error("Failed to persist rooms", "err", err)
		}
		logger.Info("Tandem relay stopped")
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("addr", "a", "", "Address to listen on (overrides listen_addr)")
}
