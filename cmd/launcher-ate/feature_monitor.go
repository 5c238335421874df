//go:build !no_monitor

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"launcher-ate/internal/events"
	"launcher-ate/internal/store"
	"launcher-ate/internal/web"
)

type monitorStopper struct {
	server *web.Server
	http   *http.Server
	logger *slog.Logger
}

func (m *monitorStopper) Stop() {
	if m.http == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.http.Shutdown(ctx); err != nil {
		m.logger.Error("http server shutdown", "err", err)
	}
	m.server.Stop()
}

func initMonitor(bus *events.Bus, db store.Store, cfg *Config, logger *slog.Logger) *monitorStopper {
	if !cfg.Monitor.Enabled {
		return &monitorStopper{}
	}

	opts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Monitor.APIKey != "" {
		opts = append(opts, web.WithAPIKey(cfg.Monitor.APIKey))
	}
	if len(cfg.Monitor.AllowedOrigins) > 0 {
		opts = append(opts, web.WithAllowedOrigins(cfg.Monitor.AllowedOrigins))
	}
	if db != nil {
		opts = append(opts, web.WithHistory(db))
	}
	server := web.NewServer(bus, logger, opts...)

	httpServer := &http.Server{
		Addr:         cfg.Monitor.Listen,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("monitor starting", "addr", cfg.Monitor.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	return &monitorStopper{server: server, http: httpServer, logger: logger}
}
