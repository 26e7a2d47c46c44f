// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/opentalk-app/opentalk/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a delete targets a missing key.
	ErrNotFound = errors.New("record not found")
)

// =============================================================================
// STORE
// =============================================================================

// Store is the sqlite-backed record store. A single connection serves both
// collections; sqlite serializes writers internally.
type Store struct {
	db     *sql.DB
	path   string
	cipher *Cipher
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	record TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens (or creates) the store at path. The parent directory is
// created if needed. A cipher may be nil, in which case setting values are
// stored in the clear.
func Open(path string, cipher *Cipher) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer connection avoids SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{db: db, path: path, cipher: cipher}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// =============================================================================
// CHATS COLLECTION
// =============================================================================

// GetAllChats returns every chat record in insertion order.
func (s *Store) GetAllChats(ctx context.Context) ([]model.ChatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, record FROM chats ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var records []model.ChatRecord
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		var rec model.ChatRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode chat %d: %w", id, err)
		}
		// The column is authoritative for the key.
		rec.ID = id
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpsertChat inserts the record when its ID is zero and returns the
// assigned key; otherwise it replaces the stored record under that key.
func (s *Store) UpsertChat(ctx context.Context, rec model.ChatRecord) (int64, error) {
	body := rec
	body.ID = 0 // the key lives in the column, not the payload
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to encode chat: %w", err)
	}

	if rec.ID == 0 {
		res, err := s.db.ExecContext(ctx, `INSERT INTO chats (record) VALUES (?)`, string(raw))
		if err != nil {
			return 0, fmt.Errorf("failed to insert chat: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("failed to read assigned chat id: %w", err)
		}
		return id, nil
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (id, record) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET record = excluded.record`,
		rec.ID, string(raw)); err != nil {
		return 0, fmt.Errorf("failed to upsert chat %d: %w", rec.ID, err)
	}
	return rec.ID, nil
}

// DeleteChat removes a chat by key.
func (s *Store) DeleteChat(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete chat %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// SETTINGS COLLECTION
// =============================================================================

// sensitiveSettings lists the setting keys whose values are encrypted at
// rest when a cipher is configured.
var sensitiveSettings = map[string]bool{
	model.SettingAPIKey: true,
}

// GetAllSettings returns every setting. Encrypted values are decrypted
// transparently.
func (s *Store) GetAllSettings(ctx context.Context) ([]model.SettingRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings ORDER BY key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	var records []model.SettingRecord
	for rows.Next() {
		var rec model.SettingRecord
		if err := rows.Scan(&rec.Key, &rec.Value); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		if s.cipher != nil && IsEncrypted(rec.Value) {
			plain, err := s.cipher.Decrypt(rec.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt setting %q: %w", rec.Key, err)
			}
			rec.Value = plain
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// UpsertSetting inserts or replaces a setting by its natural key.
func (s *Store) UpsertSetting(ctx context.Context, rec model.SettingRecord) error {
	value := rec.Value
	if s.cipher != nil && sensitiveSettings[rec.Key] && value != "" {
		enc, err := s.cipher.Encrypt(value)
		if err != nil {
			return fmt.Errorf("failed to encrypt setting %q: %w", rec.Key, err)
		}
		value = enc
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		rec.Key, value); err != nil {
		return fmt.Errorf("failed to upsert setting %q: %w", rec.Key, err)
	}
	return nil
}

// DeleteSetting removes a setting by key.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %q: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}
