package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PluginData returns the stored JSON blob for a plugin/node pair, or "" when
// nothing has been stored.
func (s *Store) PluginData(pluginName, meshID string) (string, error) {
	var data string
	err := s.db.QueryRow(
		"SELECT data FROM plugin_data WHERE plugin_name = ? AND mesh_id = ?",
		pluginName, meshID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query plugin data: %w", err)
	}
	return data, nil
}

// SavePluginData upserts the JSON blob for a plugin/node pair.
func (s *Store) SavePluginData(pluginName, meshID, data string) error {
	_, err := s.db.Exec(`
		INSERT INTO plugin_data (plugin_name, mesh_id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(plugin_name, mesh_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at
	`, pluginName, meshID, data, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save plugin data: %w", err)
	}
	return nil
}

// DeletePluginData removes all state stored by a plugin.
func (s *Store) DeletePluginData(pluginName string) error {
	if _, err := s.db.Exec("DELETE FROM plugin_data WHERE plugin_name = ?", pluginName); err != nil {
		return fmt.Errorf("failed to delete plugin data: %w", err)
	}
	return nil
}
