// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "strings"

// TruncateRunes truncates s to at most maxLen runes, appending "..." when
// something was cut. Rune-based so multi-byte text is never split.
func TruncateRunes(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// CollapseLines replaces newlines with spaces so a multi-line string can be
// shown on one line (chat list previews, log fields).
func CollapseLines(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", " ")
}

// TrimForLog shortens a value for debug logging of request bodies. Long
// strings (inline media payloads in particular) are cut to maxLen runes.
func TrimForLog(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 80
	}
	return TruncateRunes(CollapseLines(s), maxLen)
}
