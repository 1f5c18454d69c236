package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Longname returns the cached long name for a mesh node, or "" when the node
// has never been seen.
func (s *Store) Longname(meshID string) (string, error) {
	var name string
	err := s.db.QueryRow("SELECT longname FROM longnames WHERE mesh_id = ?", meshID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query longname: %w", err)
	}
	return name, nil
}

// SaveLongname upserts the long name for a mesh node.
func (s *Store) SaveLongname(meshID, longname string) error {
	_, err := s.db.Exec(`
		INSERT INTO longnames (mesh_id, longname, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(mesh_id) DO UPDATE SET longname = excluded.longname, updated_at = excluded.updated_at
	`, meshID, longname, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save longname: %w", err)
	}
	return nil
}

// Shortname returns the cached short name for a mesh node, or "" when unknown.
func (s *Store) Shortname(meshID string) (string, error) {
	var name string
	err := s.db.QueryRow("SELECT shortname FROM shortnames WHERE mesh_id = ?", meshID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query shortname: %w", err)
	}
	return name, nil
}

// SaveShortname upserts the short name for a mesh node.
func (s *Store) SaveShortname(meshID, shortname string) error {
	_, err := s.db.Exec(`
		INSERT INTO shortnames (mesh_id, shortname, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(mesh_id) DO UPDATE SET shortname = excluded.shortname, updated_at = excluded.updated_at
	`, meshID, shortname, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save shortname: %w", err)
	}
	return nil
}
