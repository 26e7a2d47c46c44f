// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/opentalk-app/opentalk/internal/model"
	"github.com/opentalk-app/opentalk/internal/session"
)

// =============================================================================
// MESSAGES
// =============================================================================

// SessionEventMsg carries a controller event into the update loop. The
// run loop forwards controller notifications as this message.
type SessionEventMsg struct {
	Event session.Event
}

// ModelsMsg carries the provider's models listing.
type ModelsMsg struct {
	Models []model.ModelInfo
	Error  error
}

// ExportDoneMsg reports the outcome of a conversation export.
type ExportDoneMsg struct {
	Path  string
	Error error
}

// SendResultMsg reports a failed send; successful sends surface
// through controller events instead.
type SendResultMsg struct {
	Error error
}

// =============================================================================
// COMMAND CREATORS
// =============================================================================

// ModelLister is the slice of the provider the view needs for /models.
type ModelLister interface {
	ListModels(ctx context.Context) ([]model.ModelInfo, error)
}

// ListModelsCmd fetches the models listing off the update loop.
func ListModelsCmd(provider ModelLister) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		models, err := provider.ListModels(ctx)
		return ModelsMsg{Models: models, Error: err}
	}
}

// SendCmd hands the prompt to the controller. The stream itself runs
// in the controller's goroutine; only refusal comes back here.
func SendCmd(ctrl *session.Controller, text string) tea.Cmd {
	return func() tea.Msg {
		return SendResultMsg{Error: ctrl.Send(context.Background(), text)}
	}
}

// ExportCmd writes the conversation to path as markdown.
func ExportCmd(name string, messages []model.Message, path string) tea.Cmd {
	return func() tea.Msg {
		err := ExportTranscript(name, messages, path)
		return ExportDoneMsg{Path: path, Error: err}
	}
}
