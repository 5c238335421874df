//go:build no_mqtt

package main

import (
	"log/slog"

	"launcher-ate/internal/events"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *events.Bus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
