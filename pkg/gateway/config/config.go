// Package config loads and validates the hub configuration from an optional
// YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "GROUNDSTATION_"

type Config struct {
	Addr string `yaml:"addr" env:"ADDR"`

	// Speech services.
	TranscriptionURL   string        `yaml:"transcription_url" env:"TRANSCRIPTION_URL"`
	SynthesisURL       string        `yaml:"synthesis_url" env:"SYNTHESIS_URL"`
	TranscriptionToken string        `yaml:"transcription_token" env:"TRANSCRIPTION_TOKEN"`
	SynthesisToken     string        `yaml:"synthesis_token" env:"SYNTHESIS_TOKEN"`
	SpeechCallTimeout  time.Duration `yaml:"speech_call_timeout" env:"SPEECH_CALL_TIMEOUT"`

	// Broker connection. ClientID defaults to the hostname and doubles as
	// the hub's identity in topic names.
	MQTTHost string `yaml:"mqtt_host" env:"MQTT_HOST"`
	MQTTPort int    `yaml:"mqtt_port" env:"MQTT_PORT"`
	ClientID string `yaml:"client_id" env:"CLIENT_ID"`

	// Topic scheme. Each overwrite replaces the derived topic wholesale;
	// empty means use the default scheme.
	BroadcastTopic       string `yaml:"broadcast_topic" env:"BROADCAST_TOPIC"`
	BaseTopicOverwrite   string `yaml:"base_topic_overwrite" env:"BASE_TOPIC_OVERWRITE"`
	InputTopicOverwrite  string `yaml:"input_topic_overwrite" env:"INPUT_TOPIC_OVERWRITE"`
	OutputTopicOverwrite string `yaml:"output_topic_overwrite" env:"OUTPUT_TOPIC_OVERWRITE"`

	// Command pipeline bounds.
	MaxCommandInput time.Duration `yaml:"max_command_input" env:"MAX_COMMAND_INPUT"`
	MaxBufferBytes  int           `yaml:"max_buffer_bytes" env:"MAX_BUFFER_BYTES"`
	CommandTimeout  time.Duration `yaml:"command_timeout" env:"COMMAND_TIMEOUT"`

	// Satellite websocket limits.
	MaxConnections   int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"HANDSHAKE_TIMEOUT"`
	WSWriteTimeout   time.Duration `yaml:"ws_write_timeout" env:"WS_WRITE_TIMEOUT"`
	WSPingInterval   time.Duration `yaml:"ws_ping_interval" env:"WS_PING_INTERVAL"`

	// Error feedback. The text signal is always sent; the audible tone only
	// when SendErrorTone is set.
	SendErrorTone bool   `yaml:"send_error_tone" env:"SEND_ERROR_TONE"`
	ErrorTonePath string `yaml:"error_tone_path" env:"ERROR_TONE_PATH"`

	// Operational defaults.
	ReadHeaderTimeout   time.Duration `yaml:"read_header_timeout" env:"READ_HEADER_TIMEOUT"`
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period" env:"SHUTDOWN_GRACE_PERIOD"`
	LogLevel            string        `yaml:"log_level" env:"LOG_LEVEL"`
}

func defaults() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "ground-station"
	}
	return Config{
		Addr:                ":8000",
		SpeechCallTimeout:   10 * time.Second,
		MQTTHost:            "localhost",
		MQTTPort:            1883,
		ClientID:            hostname,
		BroadcastTopic:      "assistant/ground_station/broadcast",
		MaxCommandInput:     30 * time.Second,
		MaxBufferBytes:      1 << 20,
		CommandTimeout:      30 * time.Second,
		MaxConnections:      50,
		HandshakeTimeout:    5 * time.Second,
		WSWriteTimeout:      5 * time.Second,
		WSPingInterval:      20 * time.Second,
		ReadHeaderTimeout:   10 * time.Second,
		ShutdownGracePeriod: 30 * time.Second,
		LogLevel:            "info",
	}
}

// Load builds the configuration in three layers: built-in defaults, then the
// YAML file at path (skipped when path is empty or the file is absent), then
// GROUNDSTATION_* environment variables.
func Load(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("addr must not be empty")
	}
	if strings.TrimSpace(c.TranscriptionURL) == "" {
		return fmt.Errorf("transcription_url must not be empty")
	}
	if strings.TrimSpace(c.SynthesisURL) == "" {
		return fmt.Errorf("synthesis_url must not be empty")
	}
	if strings.TrimSpace(c.MQTTHost) == "" {
		return fmt.Errorf("mqtt_host must not be empty")
	}
	if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
		return fmt.Errorf("mqtt_port must be in 1..65535")
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("client_id must not be empty")
	}
	if strings.TrimSpace(c.BroadcastTopic) == "" {
		return fmt.Errorf("broadcast_topic must not be empty")
	}
	if c.MaxCommandInput <= 0 {
		return fmt.Errorf("max_command_input must be > 0")
	}
	if c.MaxBufferBytes <= 0 {
		return fmt.Errorf("max_buffer_bytes must be > 0")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command_timeout must be > 0")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be > 0")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake_timeout must be > 0")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("ws_write_timeout must be > 0")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("ws_ping_interval must be > 0")
	}
	if c.SpeechCallTimeout <= 0 {
		return fmt.Errorf("speech_call_timeout must be > 0")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("read_header_timeout must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("shutdown_grace_period must be > 0")
	}
	return nil
}

// BrokerURL returns the MQTT dial address.
func (c Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.MQTTHost, c.MQTTPort)
}

// BaseTopic is the hub's private topic namespace.
func (c Config) BaseTopic() string {
	if c.BaseTopicOverwrite != "" {
		return c.BaseTopicOverwrite
	}
	return "assistant/ground_station/all/" + c.ClientID
}

// InputTopic is where the hub publishes transcribed commands for the intent
// engine.
func (c Config) InputTopic() string {
	if c.InputTopicOverwrite != "" {
		return c.InputTopicOverwrite
	}
	return c.BaseTopic() + "/input"
}

// OutputTopicFor returns the reply topic a satellite in room listens on.
func (c Config) OutputTopicFor(room string) string {
	if c.OutputTopicOverwrite != "" {
		return c.OutputTopicOverwrite
	}
	return "assistant/" + room + "/output"
}
