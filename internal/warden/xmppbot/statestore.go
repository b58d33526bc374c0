package xmppbot

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// StateStore persists which rooms the bot has joined, so a restart rejoins
// exactly the rooms it managed before instead of everything it can see.
type StateStore struct {
	db *sql.DB
}

// OpenStateStore opens (and if needed creates) the bot state database.
func OpenStateStore(dbPath string) (*StateStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open bot state db: %w", err)
	}

	// SQLite is single-writer by design. Keep a single shared connection so
	// concurrent callers are serialized by database/sql instead of fighting
	// for write locks across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS joined_rooms (
			room_jid TEXT PRIMARY KEY,
			joined_at TIMESTAMP NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create joined_rooms table: %w", err)
	}

	return &StateStore{db: db}, nil
}

// Close closes the database connection.
func (s *StateStore) Close() error {
	return s.db.Close()
}

// MarkJoined records that the bot has joined the room. Re-marking an already
// joined room refreshes the timestamp.
func (s *StateStore) MarkJoined(roomJID string) error {
	_, err := s.db.Exec(`
		INSERT INTO joined_rooms (room_jid, joined_at) VALUES (?, ?)
		ON CONFLICT(room_jid) DO UPDATE SET joined_at = excluded.joined_at
	`, roomJID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark room joined: %w", err)
	}
	return nil
}

// MarkLeft removes the room from the joined set.
func (s *StateStore) MarkLeft(roomJID string) error {
	if _, err := s.db.Exec(`DELETE FROM joined_rooms WHERE room_jid = ?`, roomJID); err != nil {
		return fmt.Errorf("mark room left: %w", err)
	}
	return nil
}

// JoinedRooms lists the rooms the bot considers itself a member of, in
// lexical order.
func (s *StateStore) JoinedRooms() ([]string, error) {
	rows, err := s.db.Query(`SELECT room_jid FROM joined_rooms ORDER BY room_jid`)
	if err != nil {
		return nil, fmt.Errorf("list joined rooms: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var jid string
		if err := rows.Scan(&jid); err != nil {
			return nil, fmt.Errorf("scan joined room: %w", err)
		}
		out = append(out, jid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list joined rooms: %w", err)
	}
	return out, nil
}
