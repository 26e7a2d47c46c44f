// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chats, messages,
// attachments and streaming deltas.
//
// The JSON encoding of these types is shared between the record store and
// the completions wire format, so messages persisted by one version of the
// client stay readable by the next.
package model
