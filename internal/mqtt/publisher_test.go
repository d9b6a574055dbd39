package mqtt

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emberhall/hearth/internal/config"
)

func testPublisher(cfg config.MQTTConfig, stats StatsSource, onRebuild RebuildHandler) *Publisher {
	logger := slog.New(slog.DiscardHandler)
	return New(cfg, "instance-123", NewCollector(time.UTC), stats, onRebuild, logger)
}

func TestLoadOrCreateInstanceID_CreatesFile(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file content = %q, want %q", got, id)
	}
}

func TestLoadOrCreateInstanceID_ReturnsExisting(t *testing.T) {
	dir := t.TempDir()

	first, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}

	second, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "test-device")
	if info.Name != "test-device" {
		t.Errorf("Name = %q, want %q", info.Name, "test-device")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "den-hearth",
		DiscoveryPrefix: "homeassistant",
	}
	p := testPublisher(cfg, nil, nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "hearth/den-hearth"},
		{"availabilityTopic", p.availabilityTopic(), "hearth/den-hearth/availability"},
		{"stateTopic uptime", p.stateTopic("uptime"), "hearth/den-hearth/uptime/state"},
		{"rebuildCommandTopic", p.rebuildCommandTopic(), "hearth/den-hearth/rebuild/press"},
		{"discoveryTopic sensor uptime", p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/den-hearth/uptime/config"},
		{"discoveryTopic button", p.discoveryTopic("button", "rebuild_index"), "homeassistant/button/den-hearth/rebuild_index/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_SensorDefinitions(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		DeviceName:         "test-hearth",
		DiscoveryPrefix:    "homeassistant",
		PublishIntervalSec: 60,
	}
	p := testPublisher(cfg, nil, nil)

	defs := p.sensorDefinitions()

	expectedEntities := []string{
		"uptime", "version", "active_sessions", "indexed_documents",
		"requests_today", "commands_today", "last_request", "last_intent",
	}

	if len(defs) != len(expectedEntities) {
		t.Fatalf("got %d sensor definitions, want %d", len(defs), len(expectedEntities))
	}

	entitySet := make(map[string]bool)
	for _, d := range defs {
		entitySet[d.entitySuffix] = true

		// Sensor Name must NOT contain the device name (causes HA
		// double-prefix entity IDs like sensor.foo_foo_uptime).
		if strings.Contains(d.config.Name, cfg.DeviceName) {
			t.Errorf("sensor %s: Name %q contains device name %q",
				d.entitySuffix, d.config.Name, cfg.DeviceName)
		}

		wantAvail := "hearth/test-hearth/availability"
		if d.config.AvailabilityTopic != wantAvail {
			t.Errorf("sensor %s: AvailabilityTopic = %q, want %q",
				d.entitySuffix, d.config.AvailabilityTopic, wantAvail)
		}

		if !strings.HasPrefix(d.config.UniqueID, "instance-123_") {
			t.Errorf("sensor %s: UniqueID = %q, should start with %q",
				d.entitySuffix, d.config.UniqueID, "instance-123_")
		}

		// ObjectID must match entitySuffix so HA derives clean entity IDs.
		if d.config.ObjectID != d.entitySuffix {
			t.Errorf("sensor %s: ObjectID = %q, want %q",
				d.entitySuffix, d.config.ObjectID, d.entitySuffix)
		}

		// HasEntityName must be true so HA treats the sensor Name as
		// relative to the device name.
		if !d.config.HasEntityName {
			t.Errorf("sensor %s: HasEntityName = false, want true",
				d.entitySuffix)
		}

		if len(d.config.Device.Identifiers) == 0 {
			t.Errorf("sensor %s: Device.Identifiers is empty", d.entitySuffix)
		}
	}

	for _, name := range expectedEntities {
		if !entitySet[name] {
			t.Errorf("missing sensor definition for %q", name)
		}
	}
}

func TestPublisher_RebuildButton(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "test-hearth",
		DiscoveryPrefix: "homeassistant",
	}
	p := testPublisher(cfg, nil, func() {})

	btn := p.rebuildButton()
	if btn.CommandTopic != "hearth/test-hearth/rebuild/press" {
		t.Errorf("CommandTopic = %q", btn.CommandTopic)
	}
	if btn.UniqueID != "instance-123_rebuild_index" {
		t.Errorf("UniqueID = %q", btn.UniqueID)
	}
	if btn.PayloadPress != "PRESS" {
		t.Errorf("PayloadPress = %q, want PRESS", btn.PayloadPress)
	}
}

type fixedStats struct {
	uptime   time.Duration
	version  string
	sessions int
	indexed  int
}

func (f fixedStats) Uptime() time.Duration { return f.uptime }
func (f fixedStats) Version() string       { return f.version }
func (f fixedStats) ActiveSessions() int   { return f.sessions }
func (f fixedStats) IndexedDocuments() int { return f.indexed }

func TestPublisher_SensorStates(t *testing.T) {
	cfg := config.MQTTConfig{
		Broker:     "mqtt://localhost:1883",
		DeviceName: "test-hearth",
	}
	stats := fixedStats{
		uptime:   90 * time.Second,
		version:  "1.2.3",
		sessions: 2,
		indexed:  140,
	}
	p := testPublisher(cfg, stats, nil)
	p.collector.OnRequest("control", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	p.collector.OnCommands(3)

	states := p.sensorStates()

	want := map[string]string{
		"uptime":            "1m30s",
		"version":           "1.2.3",
		"active_sessions":   "2",
		"indexed_documents": "140",
		"requests_today":    "1",
		"commands_today":    "3",
		"last_request":      "2026-03-01T12:00:00Z",
		"last_intent":       "control",
	}
	for k, v := range want {
		if states[k] != v {
			t.Errorf("states[%q] = %q, want %q", k, states[k], v)
		}
	}
}

func TestPublisher_SensorStatesNeverRequested(t *testing.T) {
	cfg := config.MQTTConfig{Broker: "mqtt://localhost:1883", DeviceName: "h"}
	p := testPublisher(cfg, nil, nil)

	states := p.sensorStates()
	if states["last_request"] != "never" {
		t.Errorf("last_request = %q, want never", states["last_request"])
	}
	if states["last_intent"] != "none" {
		t.Errorf("last_intent = %q, want none", states["last_intent"])
	}
	if _, ok := states["uptime"]; ok {
		t.Error("uptime should be absent without a stats source")
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if (config.MQTTConfig{}).Configured() {
		t.Error("empty config should not be configured")
	}
	if !(config.MQTTConfig{Broker: "mqtt://localhost"}).Configured() {
		t.Error("config with broker should be configured")
	}
}
