// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package entity keeps the in-memory working set of chats and settings.
//
// Every entity lives in a cache keyed by its identity and is the single
// authoritative copy for the UI. Durable writes go through the store
// asynchronously; a chat created locally is reachable in the cache
// immediately and acquires its durable key once the insert completes.
// Reactive values let front ends subscribe to the active chat and to
// the chat list without polling.
package entity
