// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalk-app/opentalk/internal/model"
)

func openTestStore(t *testing.T, cipher *Cipher) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "opentalk.db"), cipher)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// CHATS COLLECTION
// =============================================================================

func TestStore_UpsertChat_AssignsKey(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	id1, err := s.UpsertChat(ctx, model.ChatRecord{Name: "first"})
	require.NoError(t, err)
	id2, err := s.UpsertChat(ctx, model.ChatRecord{Name: "second"})
	require.NoError(t, err)

	assert.Greater(t, id1, int64(0))
	assert.NotEqual(t, id1, id2)

	chats, err := s.GetAllChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	// Insertion order.
	assert.Equal(t, "first", chats[0].Name)
	assert.Equal(t, id1, chats[0].ID)
	assert.Equal(t, "second", chats[1].Name)
}

func TestStore_UpsertChat_ReplacesExisting(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	id, err := s.UpsertChat(ctx, model.ChatRecord{Name: "before"})
	require.NoError(t, err)

	got, err := s.UpsertChat(ctx, model.ChatRecord{
		ID:       id,
		Name:     "after",
		Messages: []model.Message{model.NewUserMessage("hi")},
	})
	require.NoError(t, err)
	assert.Equal(t, id, got)

	chats, err := s.GetAllChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1)
	assert.Equal(t, "after", chats[0].Name)
	require.Len(t, chats[0].Messages, 1)
	assert.Equal(t, "hi", chats[0].Messages[0].Content)
}

func TestStore_DeleteChat(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	id, err := s.UpsertChat(ctx, model.ChatRecord{Name: "doomed"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteChat(ctx, id))

	chats, err := s.GetAllChats(ctx)
	require.NoError(t, err)
	assert.Empty(t, chats)

	err = s.DeleteChat(ctx, id)
	assert.True(t, errors.Is(err, ErrNotFound))
}

// =============================================================================
// SETTINGS COLLECTION
// =============================================================================

func TestStore_Settings_Upsert(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.UpsertSetting(ctx, model.SettingRecord{Key: model.SettingModel, Value: "gpt-4o"}))
	require.NoError(t, s.UpsertSetting(ctx, model.SettingRecord{Key: model.SettingModel, Value: "gpt-4o-mini"}))

	settings, err := s.GetAllSettings(ctx)
	require.NoError(t, err)
	require.Len(t, settings, 1)
	assert.Equal(t, "gpt-4o-mini", settings[0].Value)
}

func TestStore_Settings_Delete(t *testing.T) {
	s := openTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.UpsertSetting(ctx, model.SettingRecord{Key: "k", Value: "v"}))
	require.NoError(t, s.DeleteSetting(ctx, "k"))
	assert.True(t, errors.Is(s.DeleteSetting(ctx, "k"), ErrNotFound))
}

func TestStore_APIKey_EncryptedAtRest(t *testing.T) {
	dir := t.TempDir()
	cipher, err := NewCipher(filepath.Join(dir, "secret.key"))
	require.NoError(t, err)

	dbPath := filepath.Join(dir, "opentalk.db")
	s, err := Open(dbPath, cipher)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.UpsertSetting(ctx, model.SettingRecord{Key: model.SettingAPIKey, Value: "sk-secret"}))

	// The raw column must not hold the plaintext.
	raw, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer raw.Close()
	var stored string
	require.NoError(t, raw.QueryRow(`SELECT value FROM settings WHERE key = ?`, model.SettingAPIKey).Scan(&stored))
	assert.True(t, IsEncrypted(stored))
	assert.NotContains(t, stored, "sk-secret")

	// GetAll decrypts transparently.
	settings, err := s.GetAllSettings(ctx)
	require.NoError(t, err)
	require.Len(t, settings, 1)
	assert.Equal(t, "sk-secret", settings[0].Value)
}

// =============================================================================
// CIPHER
// =============================================================================

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher(filepath.Join(t.TempDir(), "secret.key"))
	require.NoError(t, err)

	enc, err := c.Encrypt("hello")
	require.NoError(t, err)
	assert.True(t, IsEncrypted(enc))

	plain, err := c.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "hello", plain)
}

func TestCipher_KeyFileReuse(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "secret.key")

	c1, err := NewCipher(keyPath)
	require.NoError(t, err)
	enc, err := c1.Encrypt("persisted")
	require.NoError(t, err)

	// A fresh cipher from the same key file can decrypt.
	c2, err := NewCipher(keyPath)
	require.NoError(t, err)
	plain, err := c2.Decrypt(enc)
	require.NoError(t, err)
	assert.Equal(t, "persisted", plain)
}

func TestCipher_RejectsTamperedValue(t *testing.T) {
	c, err := NewCipher(filepath.Join(t.TempDir(), "secret.key"))
	require.NoError(t, err)

	_, err = c.Decrypt("not encrypted")
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	enc, err := c.Encrypt("data")
	require.NoError(t, err)
	// Flip the last character of the base64 body.
	tampered := enc[:len(enc)-2] + "AA"
	_, err = c.Decrypt(tampered)
	assert.Error(t, err)
}
