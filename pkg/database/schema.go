package database

import (
	"database/sql"
	"fmt"
)

// Schema statements, applied idempotently at startup. Numeric autoincrement
// ids keep message references compact on the wire.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT UNIQUE NOT NULL,
		phone_number TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_login DATETIME,
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		connection_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		username TEXT NOT NULL,
		message TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'public',
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users (id)
	)`,
	`CREATE TABLE IF NOT EXISTS direct_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_user_id INTEGER NOT NULL,
		to_user_id INTEGER NOT NULL,
		message TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		read BOOLEAN NOT NULL DEFAULT FALSE,
		read_at DATETIME,
		delivered BOOLEAN NOT NULL DEFAULT FALSE,
		delivered_at DATETIME,
		FOREIGN KEY (from_user_id) REFERENCES users (id),
		FOREIGN KEY (to_user_id) REFERENCES users (id)
	)`,
	`CREATE TABLE IF NOT EXISTS typing_indicators (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		target_user_id INTEGER NOT NULL,
		is_typing BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users (id),
		FOREIGN KEY (target_user_id) REFERENCES users (id),
		UNIQUE(user_id, target_user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dm_conversation
		ON direct_messages(from_user_id, to_user_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_dm_user_messages
		ON direct_messages(to_user_id, read, timestamp)`,
}

// InitializeSchema creates all tables and indexes if they do not exist.
func InitializeSchema(db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}
