package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MapEntry correlates a relayed message across the two networks. MeshID is the
// Meshtastic packet id; the Matrix side is identified by event and room.
type MapEntry struct {
	MeshID        uint32
	MatrixEventID string
	MatrixRoomID  string
	MeshText      string
	Meshnet       string
}

// StoreMap records a relayed message. A second write with the same mesh packet
// id replaces the earlier row, so redelivered packets do not accumulate.
func (s *Store) StoreMap(e MapEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO message_map (mesh_id, matrix_event_id, matrix_room_id, mesh_text, meshnet, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mesh_id) DO UPDATE SET
			matrix_event_id = excluded.matrix_event_id,
			matrix_room_id = excluded.matrix_room_id,
			mesh_text = excluded.mesh_text,
			meshnet = excluded.meshnet,
			created_at = excluded.created_at
	`, e.MeshID, e.MatrixEventID, e.MatrixRoomID, e.MeshText, e.Meshnet, time.Now())
	if err != nil {
		return fmt.Errorf("failed to store message mapping: %w", err)
	}
	return nil
}

// LookupByMesh finds the mapping for a mesh packet id. The second return is
// false when no mapping exists.
func (s *Store) LookupByMesh(meshID uint32) (MapEntry, bool, error) {
	var e MapEntry
	err := s.db.QueryRow(`
		SELECT mesh_id, matrix_event_id, matrix_room_id, mesh_text, meshnet
		FROM message_map WHERE mesh_id = ?
	`, meshID).Scan(&e.MeshID, &e.MatrixEventID, &e.MatrixRoomID, &e.MeshText, &e.Meshnet)
	if errors.Is(err, sql.ErrNoRows) {
		return MapEntry{}, false, nil
	}
	if err != nil {
		return MapEntry{}, false, fmt.Errorf("failed to query message mapping: %w", err)
	}
	return e, true, nil
}

// LookupByEvent finds the mapping for a Matrix event id.
func (s *Store) LookupByEvent(eventID string) (MapEntry, bool, error) {
	var e MapEntry
	err := s.db.QueryRow(`
		SELECT mesh_id, matrix_event_id, matrix_room_id, mesh_text, meshnet
		FROM message_map WHERE matrix_event_id = ?
	`, eventID).Scan(&e.MeshID, &e.MatrixEventID, &e.MatrixRoomID, &e.MeshText, &e.Meshnet)
	if errors.Is(err, sql.ErrNoRows) {
		return MapEntry{}, false, nil
	}
	if err != nil {
		return MapEntry{}, false, fmt.Errorf("failed to query message mapping: %w", err)
	}
	return e, true, nil
}

// PruneMap deletes all but the most recent keep mappings. keep <= 0 disables
// pruning.
func (s *Store) PruneMap(keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM message_map WHERE seq NOT IN (
			SELECT seq FROM message_map ORDER BY seq DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return fmt.Errorf("failed to prune message map: %w", err)
	}
	return nil
}

// MapCount returns the number of stored mappings.
func (s *Store) MapCount() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM message_map").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count message mappings: %w", err)
	}
	return n, nil
}

// WipeMap removes every stored mapping.
func (s *Store) WipeMap() error {
	if _, err := s.db.Exec("DELETE FROM message_map"); err != nil {
		return fmt.Errorf("failed to wipe message map: %w", err)
	}
	return nil
}
