// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the optional local HTTP API over the chat
// store, mirroring the shapes the front ends use internally.
//
// Endpoints:
//   - GET    /health                 - Health check
//   - GET    /v1/chats               - List chats
//   - POST   /v1/chats               - Create or update a chat
//   - GET    /v1/chats/{id}          - Fetch one chat
//   - DELETE /v1/chats/{id}          - Delete a chat
//   - POST   /v1/chats/{id}/title    - Generate and save a chat name
//   - GET    /v1/settings            - List settings
//   - PUT    /v1/settings            - Upsert a setting
//   - DELETE /v1/settings/{key}      - Delete a setting
//   - GET    /v1/models              - List provider models
//   - POST   /v1/chat/completions    - Streaming completion passthrough (SSE)
//
// The server binds to loopback by default and is not an authentication
// boundary; anything that can reach it owns the data.
package server
