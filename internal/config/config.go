// Package config handles Hearth configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./hearth.yaml, ~/.config/hearth/hearth.yaml, /etc/hearth/hearth.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"hearth.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "hearth", "hearth.yaml"))
	}

	paths = append(paths, "/etc/hearth/hearth.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Hearth configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	LLM           LLMConfig           `yaml:"llm"`
	Embeddings    EmbeddingsConfig    `yaml:"embeddings"`
	Spotify       SpotifyConfig       `yaml:"spotify"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Session       SessionConfig       `yaml:"session"`
	DataDir       string              `yaml:"data_dir"`
	LogLevel      string              `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// LLMConfig defines the reasoning provider (OpenAI-compatible chat API).
type LLMConfig struct {
	BaseURL  string `yaml:"base_url"` // e.g. "https://api.openai.com" or an Ollama proxy
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`         // Fast model for classification and refinement
	CmdModel string `yaml:"command_model"` // Model for command generation (defaults to Model)
}

// EmbeddingsConfig defines the embedding provider.
type EmbeddingsConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`      // e.g. "text-embedding-3-small"
	BatchSize int    `yaml:"batch_size"` // Texts per embedding call (default 50)
}

// SpotifyConfig defines music search credentials. Music lookups are
// skipped entirely when ClientID is empty.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Market       string `yaml:"market"` // default "US"
}

// MQTTConfig defines the optional status publisher. Disabled unless
// Broker is set.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. "mqtt://ha.local:1883"
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`      // default "hearth"
	DiscoveryPrefix    string `yaml:"discovery_prefix"` // default "homeassistant"
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether the status publisher should run.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// RetrievalConfig externalizes the heuristic vocabularies so the
// filter/rerank logic stays testable independent of the word lists.
type RetrievalConfig struct {
	TopK             int      `yaml:"top_k"`         // candidates from the vector index (default 50)
	KeepN            int      `yaml:"keep_n"`        // candidates after rerank (default 20)
	SnippetLimit     int      `yaml:"snippet_limit"` // max chars of each doc in the LLM context (default 1000)
	ExcludedDomains  []string `yaml:"excluded_domains"`
	PreferredDomains []string `yaml:"preferred_domains"`
	RoomKeywords     []string `yaml:"room_keywords"`
}

// SessionConfig defines confirmation session behavior.
type SessionConfig struct {
	TimeoutSec int      `yaml:"timeout_sec"` // default 300
	YesWords   []string `yaml:"yes_words"`
	NoWords    []string `yaml:"no_words"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a configuration with all defaults applied.
func Default() *Config {
	cfg := &Config{
		Listen:  ListenConfig{Port: 8099},
		DataDir: "data",
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-valued fields so partial config files work.
func (c *Config) applyDefaults() {
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.CmdModel == "" {
		c.LLM.CmdModel = c.LLM.Model
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "text-embedding-3-small"
	}
	if c.Embeddings.BatchSize <= 0 {
		c.Embeddings.BatchSize = 50
	}
	if c.Spotify.Market == "" {
		c.Spotify.Market = "US"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "hearth"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.Retrieval.TopK <= 0 {
		c.Retrieval.TopK = 50
	}
	if c.Retrieval.KeepN <= 0 {
		c.Retrieval.KeepN = 20
	}
	if c.Retrieval.SnippetLimit <= 0 {
		c.Retrieval.SnippetLimit = 1000
	}
	if len(c.Retrieval.ExcludedDomains) == 0 {
		c.Retrieval.ExcludedDomains = DefaultExcludedDomains()
	}
	if len(c.Retrieval.PreferredDomains) == 0 {
		c.Retrieval.PreferredDomains = DefaultPreferredDomains()
	}
	if len(c.Retrieval.RoomKeywords) == 0 {
		c.Retrieval.RoomKeywords = DefaultRoomKeywords()
	}
	if c.Session.TimeoutSec <= 0 {
		c.Session.TimeoutSec = 300
	}
	if len(c.Session.YesWords) == 0 {
		c.Session.YesWords = DefaultYesWords()
	}
	if len(c.Session.NoWords) == 0 {
		c.Session.NoWords = DefaultNoWords()
	}
}

// DefaultYesWords lists accepted confirmation answers.
func DefaultYesWords() []string {
	return []string{"yes", "yep", "yeah", "sure", "go ahead"}
}

// DefaultNoWords lists accepted cancellation answers.
func DefaultNoWords() []string {
	return []string{"no", "nope", "nah"}
}

// DefaultExcludedDomains lists entity domains that never belong in the
// retrieval index: diagnostics, automations, helper entities, and the
// assistant's own plumbing.
func DefaultExcludedDomains() []string {
	return []string{
		"number",
		"switch",
		"binary_sensor",
		"automation",
		"assist_satellite",
		"button",
		"camera",
		"conversation",
		"event",
		"input_select",
		"script",
		"select",
		"sensor",
		"stt",
		"sun",
		"tts",
		"time",
		"update",
		"wake_word",
		"zone",
	}
}

// DefaultPreferredDomains lists controllable domains in priority order.
// Earlier entries receive a larger rerank bonus.
func DefaultPreferredDomains() []string {
	return []string{"light", "climate", "fan", "media_player", "switch", "cover"}
}

// DefaultRoomKeywords lists location words detected in user queries.
func DefaultRoomKeywords() []string {
	return []string{"office", "living room", "bedroom", "nursery", "kitchen"}
}
