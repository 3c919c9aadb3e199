package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"mlschat/internal/server/broker"
	"mlschat/internal/server/directory"
	"mlschat/internal/server/httpapi"
	"mlschat/internal/server/registry"
)

// Wire bundles the server's stores and the routed mux built on top of them.
type Wire struct {
	Registry  *registry.Registry
	Directory *directory.Directory
	Broker    *broker.Broker
	Server    *httpapi.Server
	Mux       *http.ServeMux

	cleanupInterval time.Duration
	log             *slog.Logger
}

// NewWire constructs the dependency graph from cfg. The caller is
// responsible for calling Close once done.
func NewWire(cfg Config, log *slog.Logger) (*Wire, error) {
	if log == nil {
		log = slog.Default()
	}

	regOpts := registry.DefaultOptions()
	if cfg.ReservationTTL > 0 {
		regOpts.ReservationTTL = cfg.ReservationTTL
	}
	reg, err := registry.Open(cfg.registryPath(), regOpts)
	if err != nil {
		return nil, err
	}

	dir, err := directory.Open(cfg.directoryPath(), directory.DefaultOptions())
	if err != nil {
		reg.Close()
		return nil, err
	}

	brk, err := broker.Open(cfg.brokerPath(), broker.DefaultOptions())
	if err != nil {
		dir.Close()
		reg.Close()
		return nil, err
	}

	httpCfg := httpapi.DefaultConfig()
	httpCfg.EnableLogging = cfg.EnableLogging
	srv, mux := httpapi.New(reg, dir, brk, log, httpCfg)

	return &Wire{
		Registry:        reg,
		Directory:       dir,
		Broker:          brk,
		Server:          srv,
		Mux:             mux,
		cleanupInterval: cfg.CleanupInterval,
		log:             log,
	}, nil
}

// RunCleanupSweep runs KeyPackageRegistry.CleanupExpired on the configured
// interval until ctx is cancelled (spec.md §4.3 cleanup_expired: "runs on a
// server-configurable interval, default 1 hour"). A zero interval disables
// the sweep entirely, which callers use to keep test runs from sweeping
// implicitly.
func (w *Wire) RunCleanupSweep(ctx context.Context) {
	if w.cleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(w.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.Registry.CleanupExpired(ctx, time.Now())
			if err != nil {
				w.log.Error("cleanup sweep failed", "error", err)
				continue
			}
			if n > 0 {
				w.log.Info("cleanup sweep removed expired keypackages", "count", n)
			}
		}
	}
}

// Close releases all three store handles, in reverse construction order.
func (w *Wire) Close() error {
	if err := w.Broker.Close(); err != nil {
		return err
	}
	if err := w.Directory.Close(); err != nil {
		return err
	}
	return w.Registry.Close()
}
