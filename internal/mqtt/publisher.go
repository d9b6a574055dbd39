package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/emberhall/hearth/internal/config"
)

// StatsSource provides runtime data for sensor state publishing. The
// concrete adapter is wired in main.go to avoid coupling the MQTT
// package to the API server or orchestrator.
type StatsSource interface {
	// Uptime returns the process uptime.
	Uptime() time.Duration
	// Version returns the software version string.
	Version() string
	// ActiveSessions returns the count of pending confirmation sessions.
	ActiveSessions() int
	// IndexedDocuments returns the number of documents in the vector index.
	IndexedDocuments() int
}

// RebuildHandler is invoked when the HA rebuild button is pressed.
// It must not block; kick off the rebuild in a goroutine if needed.
type RebuildHandler func()

// Publisher manages the MQTT connection, publishes HA discovery
// config messages on (re-)connect, and runs a periodic loop that
// pushes sensor state updates to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	collector  *Collector
	stats      StatsSource
	onRebuild  RebuildHandler
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. onRebuild may be nil, in
// which case no rebuild button is advertised.
func New(cfg config.MQTTConfig, instanceID string, collector *Collector, stats StatsSource, onRebuild RebuildHandler, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		collector:  collector,
		stats:      stats,
		onRebuild:  onRebuild,
		logger:     logger,
	}
}

// Device returns the HA device block shared by all published entities.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes discovery configs and a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.subscribeRebuild(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "hearth-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				p.onMessage,
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "hearth/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) rebuildCommandTopic() string {
	return p.baseTopic() + "/rebuild/press"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

// Sensor names stay short and ObjectID matches the suffix so HA
// derives clean entity IDs without double-prefixing the device name.
func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	def := func(suffix, name, icon string) sensorDef {
		return sensorDef{
			entitySuffix: suffix,
			config: SensorConfig{
				Name:              name,
				ObjectID:          suffix,
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_" + suffix,
				StateTopic:        p.stateTopic(suffix),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              icon,
			},
		}
	}

	uptime := def("uptime", "Uptime", "mdi:clock-outline")
	uptime.config.EntityCategory = "diagnostic"

	version := def("version", "Version", "mdi:tag")
	version.config.EntityCategory = "diagnostic"

	sessions := def("active_sessions", "Active Sessions", "mdi:chat-question")
	sessions.config.StateClass = "measurement"

	indexed := def("indexed_documents", "Indexed Documents", "mdi:database")
	indexed.config.StateClass = "measurement"

	requests := def("requests_today", "Requests Today", "mdi:counter")
	requests.config.StateClass = "total_increasing"

	commands := def("commands_today", "Commands Today", "mdi:home-lightning-bolt")
	commands.config.StateClass = "total_increasing"

	lastRequest := def("last_request", "Last Request", "mdi:clock-check")
	lastRequest.config.EntityCategory = "diagnostic"

	lastIntent := def("last_intent", "Last Intent", "mdi:head-question")
	lastIntent.config.EntityCategory = "diagnostic"

	return []sensorDef{
		uptime, version, sessions, indexed,
		requests, commands, lastRequest, lastIntent,
	}
}

func (p *Publisher) rebuildButton() ButtonConfig {
	return ButtonConfig{
		Name:              "Rebuild Index",
		ObjectID:          "rebuild_index",
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_rebuild_index",
		CommandTopic:      p.rebuildCommandTopic(),
		AvailabilityTopic: p.availabilityTopic(),
		PayloadPress:      "PRESS",
		Device:            p.device,
		Icon:              "mdi:database-refresh",
		EntityCategory:    "config",
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	publish := func(entity, topic string, config any) {
		payload, err := json.Marshal(config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", entity, "error", err)
			return
		}
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			p.logger.Warn("mqtt discovery publish failed",
				"entity", entity, "topic", topic, "error", err)
			return
		}
		p.logger.Debug("mqtt discovery published",
			"entity", entity, "topic", topic)
	}

	for _, s := range p.sensorDefinitions() {
		publish(s.entitySuffix, p.discoveryTopic("sensor", s.entitySuffix), s.config)
	}
	if p.onRebuild != nil {
		publish("rebuild_index", p.discoveryTopic("button", "rebuild_index"), p.rebuildButton())
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Rebuild button ---

func (p *Publisher) subscribeRebuild(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.onRebuild == nil {
		return
	}
	topic := p.rebuildCommandTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: 1},
		},
	}); err != nil {
		p.logger.Warn("mqtt rebuild subscribe failed", "topic", topic, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", topic)
}

func (p *Publisher) onMessage(pr paho.PublishReceived) (bool, error) {
	if pr.Packet.Topic != p.rebuildCommandTopic() {
		return false, nil
	}
	p.logger.Info("mqtt rebuild button pressed",
		"payload", string(pr.Packet.Payload))
	if p.onRebuild != nil {
		p.onRebuild()
	}
	return true, nil
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) sensorStates() map[string]string {
	snap := p.collector.Snapshot()

	states := map[string]string{
		"requests_today": strconv.FormatInt(snap.RequestsToday, 10),
		"commands_today": strconv.FormatInt(snap.CommandsToday, 10),
	}

	if snap.LastRequest.IsZero() {
		states["last_request"] = "never"
	} else {
		states["last_request"] = snap.LastRequest.Format(time.RFC3339)
	}
	if snap.LastIntent == "" {
		states["last_intent"] = "none"
	} else {
		states["last_intent"] = snap.LastIntent
	}

	if p.stats != nil {
		states["uptime"] = p.stats.Uptime().Truncate(time.Second).String()
		states["version"] = p.stats.Version()
		states["active_sessions"] = strconv.Itoa(p.stats.ActiveSessions())
		states["indexed_documents"] = strconv.Itoa(p.stats.IndexedDocuments())
	}

	return states
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	states := p.sensorStates()
	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(states))
}
