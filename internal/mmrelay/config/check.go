package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

// Check validates the configuration file at path: first structurally against
// the embedded JSON schema, then semantically (unique rooms and channels,
// required meshnet name, connection branch completeness). It is the single
// canonical validation entry point; Load performs no validation of its own
// so a running relay can tolerate a partially valid file.
func Check(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	// Normalize YAML scalar types through a JSON round trip so the schema
	// validator sees the same shapes encoding/json would produce.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(normalized, &jsonDoc); err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load embedded schema: %w", err)
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile embedded schema: %w", err)
	}
	if err := schema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}

	cfg, err := Load(path)
	if err != nil {
		return err
	}
	return cfg.Validate()
}

// Validate applies the semantic rules that the JSON schema cannot express.
func (c *Config) Validate() error {
	if c.Meshtastic.MeshnetName == "" {
		return fmt.Errorf("meshtastic.meshnet_name is required")
	}

	switch c.Meshtastic.ConnectionType {
	case ConnSerial:
		if c.Meshtastic.SerialPort == "" {
			return fmt.Errorf("meshtastic.serial_port is required for connection_type serial")
		}
	case ConnTCP:
		if c.Meshtastic.Host == "" {
			return fmt.Errorf("meshtastic.host is required for connection_type tcp")
		}
	case ConnBLE:
		if c.Meshtastic.BLEAddress == "" {
			return fmt.Errorf("meshtastic.ble_address is required for connection_type ble")
		}
	case "":
		return fmt.Errorf("meshtastic.connection_type is required")
	default:
		return fmt.Errorf("unknown meshtastic.connection_type %q", c.Meshtastic.ConnectionType)
	}

	if len(c.MatrixRooms) == 0 {
		return fmt.Errorf("matrix_rooms must list at least one room mapping")
	}
	rooms := make(map[string]struct{}, len(c.MatrixRooms))
	channels := make(map[int]struct{}, len(c.MatrixRooms))
	for i, m := range c.MatrixRooms {
		if m.ID == "" {
			return fmt.Errorf("matrix_rooms[%d]: id must not be empty", i)
		}
		if _, dup := rooms[m.ID]; dup {
			return fmt.Errorf("matrix_rooms[%d]: duplicate room id %q", i, m.ID)
		}
		if _, dup := channels[m.Channel]; dup {
			return fmt.Errorf("matrix_rooms[%d]: duplicate channel %d", i, m.Channel)
		}
		if m.Channel < 0 || m.Channel > 7 {
			return fmt.Errorf("matrix_rooms[%d]: channel %d out of range 0-7", i, m.Channel)
		}
		rooms[m.ID] = struct{}{}
		channels[m.Channel] = struct{}{}
	}

	return nil
}
