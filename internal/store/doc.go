// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store is the durable record store backing chats and settings.
//
// It exposes exactly three operations per collection: get-all, upsert and
// delete-by-key. Chats use a store-assigned numeric key; settings use their
// natural string key. Everything above this package treats the in-memory
// entity cache as authoritative and this store as the durable mirror.
package store
