// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui wires the session controller to the terminal front ends:
// the full-screen chat view and the plain line-mode REPL.
package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/opentalk-app/opentalk/internal/config"
	"github.com/opentalk-app/opentalk/internal/entity"
	"github.com/opentalk-app/opentalk/internal/session"
	"github.com/opentalk-app/opentalk/internal/ui/chat"
)

// Run starts the full-screen chat view and blocks until the user
// quits. Controller events are forwarded into the program as messages.
func Run(ctrl *session.Controller, chats *entity.ChatSet, settings *entity.SettingSet, provider chat.ModelLister, cfg config.UIConfig) error {
	m := chat.New(ctrl, chats, settings, provider, cfg)
	p := tea.NewProgram(m, tea.WithAltScreen())

	ctrl.SetNotify(func(ev session.Event) {
		p.Send(chat.SessionEventMsg{Event: ev})
	})
	defer ctrl.SetNotify(nil)

	_, err := p.Run()
	return err
}
