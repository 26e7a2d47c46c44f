// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// DefaultChatName is the placeholder name a chat carries until the naming
// step completes (or when it yields nothing usable).
const DefaultChatName = "New Chat"

// =============================================================================
// STORE RECORDS
// =============================================================================

// ChatRecord is the durable shape of a chat in the record store. ID is the
// store-assigned key; zero means not yet persisted.
type ChatRecord struct {
	ID       int64          `json:"id,omitempty"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Messages []Message      `json:"messages"`
}

// SettingRecord is one key/value configuration entry ("openai_api_key",
// "openai_api_base", "openai_model", "openai_task_model", ...).
type SettingRecord struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Well-known setting keys.
const (
	SettingAPIKey    = "openai_api_key"
	SettingAPIBase   = "openai_api_base"
	SettingModel     = "openai_model"
	SettingTaskModel = "openai_task_model"
)

// =============================================================================
// MODELS LIST
// =============================================================================

// ModelInfo is one entry of the provider's models listing.
type ModelInfo struct {
	ID string `json:"id"`
}
