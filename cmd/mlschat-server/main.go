// The entrypoint for the mlschat server: the KeyPackageRegistry,
// UserDirectory, and EnvelopeBroker behind the §6.1 HTTP API and §6.2
// websocket stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mlschat/internal/server/app"
)

const (
	minPort           = 0
	maxPort           = 65535
	readHeaderTO      = 5 * time.Second
	readTO            = 10 * time.Second
	writeTO           = 10 * time.Second
	idleTO            = 60 * time.Second
	shutdownGrace = 10 * time.Second
	defaultPort   = 8080
)

func main() {
	var (
		dataDir         string
		port            int
		enableLogging   bool
		reservationSecs int
		cleanupInterval time.Duration
		pidfile         string
	)

	root := &cobra.Command{
		Use:   "mlschat-server",
		Short: "MLS group chat KeyPackage registry, broker, and directory server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if port <= minPort || port > maxPort {
				port = defaultPort
			}
			if dataDir == "" {
				return fmt.Errorf("--data-dir is required")
			}
			if err := os.MkdirAll(dataDir, 0o700); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}

			logger := slog.New(slog.NewTextHandler(log.Writer(), &slog.HandlerOptions{Level: slog.LevelInfo}))
			slog.SetDefault(logger)

			cfg := app.DefaultConfig()
			cfg.DataDir = dataDir
			cfg.Port = port
			cfg.EnableLogging = enableLogging
			cfg.CleanupInterval = cleanupInterval
			if reservationSecs > 0 {
				cfg.ReservationTTL = time.Duration(reservationSecs) * time.Second
			}

			wire, err := app.NewWire(cfg, logger)
			if err != nil {
				return fmt.Errorf("initialising server: %w", err)
			}
			defer wire.Close()

			if pidfile != "" {
				if err := os.WriteFile(pidfile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
					return fmt.Errorf("writing pidfile: %w", err)
				}
				defer os.Remove(pidfile)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			go wire.RunCleanupSweep(ctx)

			srv := &http.Server{
				Addr:              fmt.Sprintf(":%d", port),
				Handler:           wire.Mux,
				ReadHeaderTimeout: readHeaderTO,
				ReadTimeout:       readTO,
				WriteTimeout:      writeTO,
				IdleTimeout:       idleTO,
			}

			go func() {
				logger.Info("server listening", "addr", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", "error", err)
				}
			}()

			<-ctx.Done()
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("graceful shutdown failed", "error", err)
			}
			return nil
		},
	}

	root.Flags().StringVar(&dataDir, "data-dir", "", "directory holding the server's SQLite databases")
	root.Flags().IntVarP(&port, "port", "p", defaultPort, "port to listen on")
	root.Flags().BoolVar(&enableLogging, "log", true, "enable access logging")
	root.Flags().IntVar(&reservationSecs, "reservation-timeout-seconds", 60, "KeyPackage reservation lifetime in seconds")
	root.Flags().DurationVar(&cleanupInterval, "cleanup-interval", time.Hour, "interval between expired-keypackage sweeps (0 disables the sweep)")
	root.Flags().StringVar(&pidfile, "pidfile", "", "optional path to write the server's pid to")

	if err := root.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
