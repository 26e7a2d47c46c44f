// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the visual styling system for the terminal
// front end. A Theme bundles every lipgloss style the chat view uses,
// resolved once against the terminal's background.
package styles

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// =============================================================================
// COLOR PALETTES
// =============================================================================

// palette is the small set of colors a theme is built from.
type palette struct {
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Text      lipgloss.Color
	Muted     lipgloss.Color
	Error     lipgloss.Color
	Border    lipgloss.Color
}

var darkPalette = palette{
	Primary:   lipgloss.Color("#7C9EF4"),
	Secondary: lipgloss.Color("#A0E8AF"),
	Text:      lipgloss.Color("#E6E6E6"),
	Muted:     lipgloss.Color("#6B7280"),
	Error:     lipgloss.Color("#F47C7C"),
	Border:    lipgloss.Color("#3B4252"),
}

var lightPalette = palette{
	Primary:   lipgloss.Color("#2F5FD0"),
	Secondary: lipgloss.Color("#1E7F3C"),
	Text:      lipgloss.Color("#1A1A1A"),
	Muted:     lipgloss.Color("#8A8F98"),
	Error:     lipgloss.Color("#C03030"),
	Border:    lipgloss.Color("#C8CCD4"),
}

// =============================================================================
// THEME
// =============================================================================

// Theme holds the styled components for the chat view.
type Theme struct {
	IsDark bool

	Header    lipgloss.Style
	ChatName  lipgloss.Style
	StatusBar lipgloss.Style
	Shortcut  lipgloss.Style

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	MessageText    lipgloss.Style
	Reasoning      lipgloss.Style
	Attachment     lipgloss.Style

	SystemText lipgloss.Style
	ErrorText  lipgloss.Style
	Spinner    lipgloss.Style

	InputBox    lipgloss.Style
	InputPrompt lipgloss.Style

	ListItem     lipgloss.Style
	ListSelected lipgloss.Style
}

// New builds a Theme for the requested mode. "auto" queries the
// terminal background; "dark" and "light" force a palette.
func New(mode string) *Theme {
	var isDark bool
	switch mode {
	case "dark":
		isDark = true
	case "light":
		isDark = false
	default:
		isDark = termenv.HasDarkBackground()
	}

	p := lightPalette
	if isDark {
		p = darkPalette
	}

	return &Theme{
		IsDark: isDark,

		Header:    lipgloss.NewStyle().Bold(true).Foreground(p.Primary),
		ChatName:  lipgloss.NewStyle().Foreground(p.Text).Bold(true),
		StatusBar: lipgloss.NewStyle().Foreground(p.Muted),
		Shortcut:  lipgloss.NewStyle().Foreground(p.Secondary),

		UserLabel:      lipgloss.NewStyle().Bold(true).Foreground(p.Secondary),
		AssistantLabel: lipgloss.NewStyle().Bold(true).Foreground(p.Primary),
		MessageText:    lipgloss.NewStyle().Foreground(p.Text),
		Reasoning:      lipgloss.NewStyle().Foreground(p.Muted).Italic(true),
		Attachment:     lipgloss.NewStyle().Foreground(p.Secondary),

		SystemText: lipgloss.NewStyle().Foreground(p.Muted),
		ErrorText:  lipgloss.NewStyle().Foreground(p.Error),
		Spinner:    lipgloss.NewStyle().Foreground(p.Primary),

		InputBox: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(p.Border).
			Padding(0, 1),
		InputPrompt: lipgloss.NewStyle().Foreground(p.Primary).Bold(true),

		ListItem:     lipgloss.NewStyle().Foreground(p.Text).PaddingLeft(2),
		ListSelected: lipgloss.NewStyle().Foreground(p.Primary).Bold(true).PaddingLeft(0),
	}
}

// GlamourStyle names the glamour style matching the theme.
func (t *Theme) GlamourStyle() string {
	if t.IsDark {
		return "dark"
	}
	return "light"
}
