// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package entity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opentalk-app/opentalk/internal/model"
)

// SettingStore is the durable backend for settings.
type SettingStore interface {
	GetAllSettings(ctx context.Context) ([]model.SettingRecord, error)
	UpsertSetting(ctx context.Context, rec model.SettingRecord) error
	DeleteSetting(ctx context.Context, key string) error
}

// SettingSet owns the settings working set. Unlike chats, settings are
// written through synchronously: they are tiny, rarely change, and the
// caller wants to know a bad API key failed to save.
type SettingSet struct {
	mu      sync.Mutex
	store   SettingStore
	log     zerolog.Logger
	values  map[string]string
	changed *Value[map[string]string]
}

// NewSettingSet creates an empty set backed by store.
func NewSettingSet(store SettingStore, log zerolog.Logger) *SettingSet {
	return &SettingSet{
		store:   store,
		log:     log.With().Str("component", "settings").Logger(),
		values:  make(map[string]string),
		changed: NewValue(map[string]string{}),
	}
}

// Hydrate loads all stored settings, replacing the working set.
func (s *SettingSet) Hydrate(ctx context.Context) error {
	recs, err := s.store.GetAllSettings(ctx)
	if err != nil {
		return fmt.Errorf("hydrating settings: %w", err)
	}
	s.mu.Lock()
	s.values = make(map[string]string, len(recs))
	for _, rec := range recs {
		s.values[rec.Key] = rec.Value
	}
	s.mu.Unlock()
	s.publish()
	return nil
}

// Get returns the value under key, or "" when unset.
func (s *SettingSet) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// All returns a copy of the working set.
func (s *SettingSet) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Set persists the setting and updates the working set on success.
func (s *SettingSet) Set(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("setting key must not be empty")
	}
	if err := s.store.UpsertSetting(ctx, model.SettingRecord{Key: key, Value: value}); err != nil {
		return fmt.Errorf("saving setting %q: %w", key, err)
	}
	s.mu.Lock()
	s.values[key] = value
	s.mu.Unlock()
	s.publish()
	return nil
}

// Delete removes the setting from the store and the working set.
func (s *SettingSet) Delete(ctx context.Context, key string) error {
	if err := s.store.DeleteSetting(ctx, key); err != nil {
		return fmt.Errorf("deleting setting %q: %w", key, err)
	}
	s.mu.Lock()
	delete(s.values, key)
	s.mu.Unlock()
	s.publish()
	return nil
}

// Changed is the published snapshot of all settings.
func (s *SettingSet) Changed() *Value[map[string]string] {
	return s.changed
}

func (s *SettingSet) publish() {
	s.changed.Set(s.All())
}

// =============================================================================
// PROVIDER CONFIG VIEW
// =============================================================================

// APIKey returns the configured provider key.
func (s *SettingSet) APIKey() string { return s.Get(model.SettingAPIKey) }

// APIBase returns the configured provider base URL without a trailing
// slash.
func (s *SettingSet) APIBase() string {
	return strings.TrimRight(s.Get(model.SettingAPIBase), "/")
}

// Model returns the conversation model id.
func (s *SettingSet) Model() string { return s.Get(model.SettingModel) }

// TaskModel returns the model used for background tasks such as chat
// naming, falling back to the conversation model when unset.
func (s *SettingSet) TaskModel() string {
	if m := s.Get(model.SettingTaskModel); m != "" {
		return m
	}
	return s.Get(model.SettingModel)
}
