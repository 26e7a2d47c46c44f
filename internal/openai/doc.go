// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openai implements the client for OpenAI-compatible chat
// completion providers.
//
// The client reads its provider configuration (base URL, API key,
// model ids) live from the settings working set on every call, so a
// settings change takes effect on the next request without a restart.
// Streaming responses arrive over SSE and are surfaced as incremental
// deltas; network failures mid-stream preserve the partial content
// received so far.
package openai
