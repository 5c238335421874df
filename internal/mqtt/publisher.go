//go:build !no_mqtt

// Package mqtt publishes bench lifecycle events to an MQTT broker.
package mqtt

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"launcher-ate/internal/events"
)

// Config holds MQTT publisher configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string
	ClientID        string
	Node            string // bench name used in HA discovery; defaults to hostname
	DiscoveryPrefix string // empty disables HA discovery

	ConnectTimeout time.Duration // default 10s
	RetryInterval  time.Duration // default 5s
}

// Publisher forwards events from the bus to MQTT.
type Publisher struct {
	client pahomqtt.Client
	bus    *events.Bus
	cfg    Config
	logger *slog.Logger
	unsub  func()

	mu       sync.Mutex
	campaign string // ID of the campaign in progress
}

// NewPublisher creates and connects an MQTT publisher.
func NewPublisher(bus *events.Bus, cfg Config, logger *slog.Logger) (*Publisher, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "launcher-ate"
	}
	if cfg.Node == "" {
		cfg.Node, _ = os.Hostname()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	p := &Publisher{
		bus:    bus,
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(cfg.RetryInterval).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.logger.Info("MQTT connected")
			p.publishBridgeState("online")
			p.publishDiscovery()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The connect handler may run before Connect returns.
	p.client = pahomqtt.NewClient(opts)
	token := p.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		// Stop the background retry loop before giving up on the client.
		p.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect timeout after %s", cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		p.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return p, nil
}

// Start subscribes to the event bus.
func (p *Publisher) Start() {
	p.unsub = p.bus.OnAll(p.handleEvent)
	p.logger.Info("MQTT publisher started", "prefix", p.cfg.TopicPrefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (p *Publisher) Stop() {
	if p.unsub != nil {
		p.unsub()
	}
	p.publishBridgeState("offline")
	p.client.Disconnect(1000)
	p.logger.Info("MQTT publisher stopped")
}

func (p *Publisher) handleEvent(e events.Event) {
	p.mu.Lock()
	if e.Type == events.CampaignStarted {
		p.campaign = e.Data.String("id")
	}
	msgs := buildMessages(p.cfg.TopicPrefix, p.campaign, e)
	if e.Type == events.CampaignFinished {
		p.campaign = ""
	}
	p.mu.Unlock()

	for _, m := range msgs {
		p.publish(m.Topic, m.Payload, m.Retained)
	}
}

func (p *Publisher) publishBridgeState(state string) {
	p.publish(p.cfg.TopicPrefix+"/bridge/state", []byte(state), true)
}

func (p *Publisher) publishDiscovery() {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	for _, m := range buildDiscovery(p.cfg.DiscoveryPrefix, p.cfg.TopicPrefix, p.cfg.Node) {
		p.publish(m.Topic, m.Payload, m.Retained)
	}
	p.logger.Info("published HA discovery", "node", p.cfg.Node)
}

func (p *Publisher) publish(topic string, payload []byte, retained bool) {
	if p.client == nil {
		return
	}
	token := p.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			p.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			p.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
