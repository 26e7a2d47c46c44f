// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/opentalk-app/opentalk/internal/ui/styles"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// markdownRenderer wraps glamour with the theme and current width.
// Rebuilt on resize; rendering falls back to plain text on failure.
type markdownRenderer struct {
	renderer *glamour.TermRenderer
	enabled  bool
}

func newMarkdownRenderer(theme *styles.Theme, width int, enabled bool) *markdownRenderer {
	if !enabled {
		return &markdownRenderer{enabled: false}
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(theme.GlamourStyle()),
		glamour.WithWordWrap(width),
		glamour.WithEmoji(),
	)
	if err != nil {
		return &markdownRenderer{enabled: false}
	}
	return &markdownRenderer{renderer: r, enabled: true}
}

// Render formats text as markdown, or returns it untouched when
// rendering is off or fails.
func (m *markdownRenderer) Render(text string) string {
	if !m.enabled || m.renderer == nil {
		return text
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	// Glamour pads with leading and trailing blank lines.
	return strings.Trim(out, "\n")
}
