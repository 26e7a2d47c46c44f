// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session drives a chat conversation: sending, streaming the
// assistant reply, stopping, editing, regenerating, and attachments.
//
// The controller owns one in-flight stream per chat. The streaming
// reply lives in controller state until the stream settles; only then
// is it written through the chat entity, so a token never costs a
// database write. Front ends subscribe through a notify callback and
// re-render from Messages.
package session
