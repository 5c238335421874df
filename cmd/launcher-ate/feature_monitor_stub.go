//go:build no_monitor

package main

import (
	"log/slog"

	"launcher-ate/internal/events"
	"launcher-ate/internal/store"
)

type monitorStopper struct{}

func (m *monitorStopper) Stop() {}

func initMonitor(_ *events.Bus, _ store.Store, _ *Config, _ *slog.Logger) *monitorStopper {
	return &monitorStopper{}
}
