//go:build !no_mqtt

package main

import (
	"log/slog"

	"launcher-ate/internal/events"
	"launcher-ate/internal/mqtt"
)

type mqttStopper struct {
	publisher *mqtt.Publisher
}

func (m *mqttStopper) Stop() {
	if m.publisher != nil {
		m.publisher.Stop()
	}
}

func initMQTT(bus *events.Bus, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	publisher, err := mqtt.NewPublisher(bus, mqtt.Config{
		Broker:          cfg.MQTT.Broker,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		TopicPrefix:     cfg.MQTT.TopicPrefix,
		ClientID:        cfg.MQTT.ClientID,
		Node:            cfg.MQTT.Node,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt publisher", "err", err)
		return &mqttStopper{}
	}
	publisher.Start()
	return &mqttStopper{publisher: publisher}
}
