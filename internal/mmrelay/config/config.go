// Package config loads and validates the MMRelay YAML configuration.
// Loading is explicit and side-effect-free: nothing here parses flags or
// touches the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// MinMessageDelay is the firmware-imposed lower bound on the interval
	// between radio sends. Configured values below it are clamped.
	MinMessageDelay = 2.0
	// DefaultMessageDelay leaves a little headroom above the minimum.
	DefaultMessageDelay = 2.2

	DefaultHeartbeatInterval = 60
	DefaultMsgsToKeep        = 500
)

// Connection types accepted in meshtastic.connection_type.
const (
	ConnSerial = "serial"
	ConnTCP    = "tcp"
	ConnBLE    = "ble"
	// connNetwork is the deprecated alias for tcp.
	connNetwork = "network"
)

// Config is the root of the YAML configuration file.
type Config struct {
	Matrix      MatrixConfig     `yaml:"matrix"`
	MatrixRooms []*RoomMapping   `yaml:"matrix_rooms"`
	Meshtastic  MeshtasticConfig `yaml:"meshtastic"`
	Database    DatabaseConfig   `yaml:"database"`
	LegacyDB    *DatabaseConfig  `yaml:"db"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// MatrixConfig holds the legacy inline auth fields and the Matrix-side
// relay options. When a credentials file exists it takes precedence over
// the inline auth fields.
type MatrixConfig struct {
	Homeserver  string `yaml:"homeserver"`
	AccessToken string `yaml:"access_token"`
	BotUserID   string `yaml:"bot_user_id"`

	E2EE E2EEConfig `yaml:"e2ee"`

	PrefixEnabled *bool  `yaml:"prefix_enabled"`
	PrefixFormat  string `yaml:"prefix_format"`
}

// E2EEConfig controls end-to-end encryption support.
type E2EEConfig struct {
	Enabled   bool   `yaml:"enabled"`
	StorePath string `yaml:"store_path"`
}

// RoomMapping pairs one Matrix room with one mesh channel. Alias-form room
// IDs ("#room:server") are resolved at startup and rewritten in place.
type RoomMapping struct {
	ID      string `yaml:"id"`
	Channel int    `yaml:"meshtastic_channel"`
}

// MeshtasticConfig selects and parameterizes the radio connection.
type MeshtasticConfig struct {
	ConnectionType string `yaml:"connection_type"`
	SerialPort     string `yaml:"serial_port"`
	Host           string `yaml:"host"`
	BLEAddress     string `yaml:"ble_address"`

	MeshnetName      string `yaml:"meshnet_name"`
	BroadcastEnabled *bool  `yaml:"broadcast_enabled"`
	DetectionSensor  bool   `yaml:"detection_sensor"`

	PrefixEnabled *bool  `yaml:"prefix_enabled"`
	PrefixFormat  string `yaml:"prefix_format"`

	MessageInteractions MessageInteractions `yaml:"message_interactions"`
	// RelayReactions is the deprecated predecessor of message_interactions.
	RelayReactions *bool `yaml:"relay_reactions"`

	MessageDelay float64           `yaml:"message_delay"`
	HealthCheck  HealthCheckConfig `yaml:"health_check"`
}

// MessageInteractions gates reaction and reply relaying. Both default to
// off: each enabled interaction costs message-map storage.
type MessageInteractions struct {
	Reactions bool `yaml:"reactions"`
	Replies   bool `yaml:"replies"`
}

// HealthCheckConfig controls the periodic radio metadata probe.
type HealthCheckConfig struct {
	Enabled           *bool `yaml:"enabled"`
	HeartbeatInterval int   `yaml:"heartbeat_interval"`
}

// DatabaseConfig holds message-map retention settings.
type DatabaseConfig struct {
	MsgMap MsgMapConfig `yaml:"msg_map"`
}

// MsgMapConfig controls pruning of the message map.
type MsgMapConfig struct {
	MsgsToKeep *int `yaml:"msgs_to_keep"`
}

// LoggingConfig controls the slog handler and optional rotating file output.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	LogToFile   bool   `yaml:"log_to_file"`
	Filename    string `yaml:"filename"`
	MaxLogSize  int    `yaml:"max_log_size"`
	BackupCount int    `yaml:"backup_count"`
}

// Load reads, parses, and normalizes the configuration file. Legacy keys
// are migrated with deprecation warnings; out-of-range values are clamped.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyLegacy()
	cfg.applyDefaults()
	return &cfg, nil
}

// applyLegacy migrates deprecated keys to their current equivalents.
func (c *Config) applyLegacy() {
	if c.Meshtastic.ConnectionType == connNetwork {
		slog.Warn("config: meshtastic.connection_type 'network' is deprecated, use 'tcp'")
		c.Meshtastic.ConnectionType = ConnTCP
	}

	if c.Meshtastic.RelayReactions != nil {
		slog.Warn("config: meshtastic.relay_reactions is deprecated, use meshtastic.message_interactions")
		c.Meshtastic.MessageInteractions = MessageInteractions{
			Reactions: *c.Meshtastic.RelayReactions,
			Replies:   false,
		}
		c.Meshtastic.RelayReactions = nil
	}

	if c.LegacyDB != nil {
		slog.Warn("config: top-level 'db' section is deprecated, use 'database'")
		if c.Database.MsgMap.MsgsToKeep == nil {
			c.Database.MsgMap.MsgsToKeep = c.LegacyDB.MsgMap.MsgsToKeep
		}
		c.LegacyDB = nil
	}
}

func (c *Config) applyDefaults() {
	if c.Meshtastic.MessageDelay == 0 {
		c.Meshtastic.MessageDelay = DefaultMessageDelay
	}
	if c.Meshtastic.MessageDelay < MinMessageDelay {
		slog.Warn("config: meshtastic.message_delay below firmware minimum, clamping",
			"configured", c.Meshtastic.MessageDelay, "minimum", MinMessageDelay)
		c.Meshtastic.MessageDelay = MinMessageDelay
	}
	if c.Meshtastic.HealthCheck.HeartbeatInterval <= 0 {
		c.Meshtastic.HealthCheck.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Database.MsgMap.MsgsToKeep == nil {
		keep := DefaultMsgsToKeep
		c.Database.MsgMap.MsgsToKeep = &keep
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// MsgsToKeep returns the message-map retention window; 0 disables pruning.
func (c *Config) MsgsToKeep() int {
	if c.Database.MsgMap.MsgsToKeep == nil {
		return DefaultMsgsToKeep
	}
	return *c.Database.MsgMap.MsgsToKeep
}

// InteractionsEnabled reports whether any cross-protocol interaction
// (reaction or reply relaying) needs message-map rows.
func (c *Config) InteractionsEnabled() bool {
	return c.Meshtastic.MessageInteractions.Reactions || c.Meshtastic.MessageInteractions.Replies
}

// BroadcastEnabled defaults to true when unset.
func (m *MeshtasticConfig) IsBroadcastEnabled() bool {
	return m.BroadcastEnabled == nil || *m.BroadcastEnabled
}

// IsPrefixEnabled defaults to true when unset (mesh→matrix direction).
func (m *MatrixConfig) IsPrefixEnabled() bool {
	return m.PrefixEnabled == nil || *m.PrefixEnabled
}

// IsPrefixEnabled defaults to true when unset (matrix→mesh direction).
func (m *MeshtasticConfig) IsPrefixEnabled() bool {
	return m.PrefixEnabled == nil || *m.PrefixEnabled
}

// IsHealthCheckEnabled defaults to true when unset.
func (h *HealthCheckConfig) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// ChannelFor returns the mesh channel mapped to the given room, if any.
func (c *Config) ChannelFor(roomID string) (int, bool) {
	for _, m := range c.MatrixRooms {
		if m.ID == roomID {
			return m.Channel, true
		}
	}
	return 0, false
}

// RoomFor returns the Matrix room mapped to the given mesh channel, if any.
func (c *Config) RoomFor(channel int) (string, bool) {
	for _, m := range c.MatrixRooms {
		if m.Channel == channel {
			return m.ID, true
		}
	}
	return "", false
}
