// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small shared helpers: atomic file writes for
// crash-safe persistence and string utilities used across the UI and
// logging layers.
package util
