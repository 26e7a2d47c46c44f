// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat implements the interactive chat view. The Model follows
// the usual Elm shape: controller events and key presses arrive as
// messages, Update folds them into state, View renders the frame.
package chat

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/opentalk-app/opentalk/internal/config"
	"github.com/opentalk-app/opentalk/internal/entity"
	"github.com/opentalk-app/opentalk/internal/model"
	"github.com/opentalk-app/opentalk/internal/session"
	"github.com/opentalk-app/opentalk/internal/ui/styles"
)

// viewMode selects what the main area shows.
type viewMode int

const (
	modeChat viewMode = iota
	modeChatList
)

// =============================================================================
// MODEL
// =============================================================================

// Model is the chat view state.
type Model struct {
	ctrl     *session.Controller
	chats    *entity.ChatSet
	settings *entity.SettingSet
	provider ModelLister
	cfg      config.UIConfig
	theme    *styles.Theme

	vp   viewport.Model
	ta   textarea.Model
	spin spinner.Model
	md   *markdownRenderer

	width  int
	height int
	ready  bool

	mode      viewMode
	listIndex int
	listItems []*entity.Chat

	statusText string
	errText    string
}

// New builds the chat view over an already hydrated controller.
func New(ctrl *session.Controller, chats *entity.ChatSet, settings *entity.SettingSet, provider ModelLister, cfg config.UIConfig) Model {
	theme := styles.New(cfg.Theme)

	ta := textarea.New()
	ta.Placeholder = "Message (enter sends, /help for commands)"
	ta.Prompt = "> "
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = theme.Spinner

	return Model{
		ctrl:     ctrl,
		chats:    chats,
		settings: settings,
		provider: provider,
		cfg:      cfg,
		theme:    theme,
		ta:       ta,
		spin:     sp,
		md:       newMarkdownRenderer(theme, 80, cfg.Markdown),
	}
}

// Init starts the blink and spinner tickers.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spin.Tick)
}

// =============================================================================
// UPDATE
// =============================================================================

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		return m.handleResize(msg), nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case SessionEventMsg:
		return m.handleSessionEvent(msg.Event)

	case SendResultMsg:
		if msg.Error != nil {
			m.setError(msg.Error.Error())
			m.refreshViewport()
		}
		return m, nil

	case ModelsMsg:
		if msg.Error != nil {
			m.setError(fmt.Sprintf("models: %v", msg.Error))
			return m, nil
		}
		ids := make([]string, len(msg.Models))
		for i, info := range msg.Models {
			ids[i] = "  " + info.ID
		}
		m.setSystem("Models:\n" + strings.Join(ids, "\n"))
		return m, nil

	case ExportDoneMsg:
		if msg.Error != nil {
			m.setError(fmt.Sprintf("export: %v", msg.Error))
		} else {
			m.setSystem(fmt.Sprintf("exported to %s", msg.Path))
		}
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.ta, cmd = m.ta.Update(msg)
	return m, cmd
}

func (m Model) handleResize(msg tea.WindowSizeMsg) Model {
	m.width = msg.Width
	m.height = msg.Height

	inputHeight := m.ta.Height() + 2
	chromeHeight := 2 // header + status bar
	vpHeight := m.height - inputHeight - chromeHeight
	if vpHeight < 3 {
		vpHeight = 3
	}

	if !m.ready {
		m.vp = viewport.New(m.width, vpHeight)
		m.ready = true
	} else {
		m.vp.Width = m.width
		m.vp.Height = vpHeight
	}
	m.ta.SetWidth(m.width - 2)

	wrap := m.width - 4
	if wrap > 100 {
		wrap = 100
	}
	m.md = newMarkdownRenderer(m.theme, wrap, m.cfg.Markdown)
	m.refreshViewport()
	return m
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.mode == modeChatList {
		return m.handleListKey(msg)
	}

	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyEsc:
		if _, _, editing := m.ctrl.Editing(); editing {
			m.ctrl.CancelEdit()
			m.ta.Reset()
			m.setSystem("edit cancelled")
			return m, nil
		}
		if m.ctrl.IsStreaming(m.ctrl.Active()) {
			m.ctrl.Stop()
			return m, nil
		}
		return m, nil

	case tea.KeyEnter:
		// Shift+enter inserts a newline via the textarea default.
		if msg.Alt {
			break
		}
		return m.handleSubmit()

	case tea.KeyCtrlL:
		m.openChatList()
		return m, nil

	case tea.KeyCtrlN:
		m.ctrl.NewChat(context.Background())
		m.errText = ""
		m.statusText = ""
		m.refreshViewport()
		return m, nil
	}

	var cmd tea.Cmd
	m.ta, cmd = m.ta.Update(msg)
	return m, cmd
}

func (m Model) handleSubmit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.ta.Value())
	if text == "" && len(m.ctrl.Attachments()) == 0 {
		return m, nil
	}

	if cmd, ok := parseCommand(text); ok {
		m.ta.Reset()
		m.errText = ""
		return m.runCommand(cmd)
	}

	if _, _, editing := m.ctrl.Editing(); editing {
		if err := m.ctrl.SaveEdit(context.Background(), text); err != nil {
			m.setError(err.Error())
			return m, nil
		}
		m.ta.Reset()
		m.setSystem("")
		m.refreshViewport()
		return m, m.spin.Tick
	}

	m.ta.Reset()
	m.errText = ""
	m.statusText = ""
	return m, tea.Batch(SendCmd(m.ctrl, text), m.spin.Tick)
}

func (m Model) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "q", "ctrl+l":
		m.mode = modeChat
		return m, nil
	case "up", "k":
		if m.listIndex > 0 {
			m.listIndex--
		}
		return m, nil
	case "down", "j":
		if m.listIndex < len(m.listItems)-1 {
			m.listIndex++
		}
		return m, nil
	case "enter":
		if m.listIndex < len(m.listItems) {
			m.ctrl.SelectChat(m.listItems[m.listIndex].ID())
			m.errText = ""
			m.statusText = ""
		}
		m.mode = modeChat
		m.refreshViewport()
		return m, nil
	case "ctrl+c":
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) handleSessionEvent(ev session.Event) (tea.Model, tea.Cmd) {
	switch ev.Kind {
	case session.EventStreamError:
		if ev.Err != nil {
			m.setError(ev.Err.Error())
		}
	case session.EventNamed, session.EventDelta, session.EventTyping, session.EventStreamDone:
		// Rendered from controller state below.
	}
	m.refreshViewport()
	return m, nil
}

// =============================================================================
// STATE HELPERS
// =============================================================================

func (m *Model) setSystem(text string) {
	m.statusText = text
	m.errText = ""
}

func (m *Model) setError(text string) {
	m.errText = text
}

func (m *Model) openChatList() {
	m.listItems = m.chats.List().Snapshot()
	m.listIndex = 0
	active := m.ctrl.Active()
	for i, c := range m.listItems {
		if c.ID() == active {
			m.listIndex = i
			break
		}
	}
	m.mode = modeChatList
}

// refreshViewport re-renders the conversation and keeps the view
// pinned to the bottom.
func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	atBottom := m.vp.AtBottom()
	m.vp.SetContent(m.renderConversation())
	if atBottom {
		m.vp.GotoBottom()
	}
}

// =============================================================================
// VIEW
// =============================================================================

func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}
	if m.mode == modeChatList {
		return m.viewChatList()
	}

	var b strings.Builder
	b.WriteString(m.viewHeader())
	b.WriteString("\n")
	b.WriteString(m.vp.View())
	b.WriteString("\n")
	b.WriteString(m.theme.InputBox.Width(m.width - 2).Render(m.ta.View()))
	b.WriteString("\n")
	b.WriteString(m.viewStatusBar())
	return b.String()
}

func (m Model) viewHeader() string {
	title := m.theme.Header.Render("opentalk")
	name := ""
	if chat, ok := m.chats.Get(m.ctrl.Active()); ok {
		name = m.theme.ChatName.Render(truncateCell(chat.Snapshot().Name, m.width/2))
	}
	modelName := m.theme.StatusBar.Render(m.settings.Model())
	gap := m.width - lipgloss.Width(title) - lipgloss.Width(name) - lipgloss.Width(modelName) - 4
	if gap < 1 {
		gap = 1
	}
	return title + "  " + name + strings.Repeat(" ", gap) + modelName
}

func (m Model) viewStatusBar() string {
	if m.errText != "" {
		return m.theme.ErrorText.Render(truncateCell(m.errText, m.width))
	}
	active := m.ctrl.Active()
	if m.ctrl.IsTyping(active) {
		return m.spin.View() + m.theme.SystemText.Render(" waiting for reply (esc stops)")
	}
	if m.ctrl.IsStreaming(active) {
		return m.spin.View() + m.theme.SystemText.Render(" streaming (esc stops)")
	}
	if n := len(m.ctrl.Attachments()); n > 0 {
		return m.theme.SystemText.Render(fmt.Sprintf("%d attachment(s) queued", n))
	}
	return m.theme.StatusBar.Render("enter send") +
		m.theme.Shortcut.Render("  ctrl+n") + m.theme.StatusBar.Render(" new") +
		m.theme.Shortcut.Render("  ctrl+l") + m.theme.StatusBar.Render(" chats") +
		m.theme.Shortcut.Render("  /help")
}

func (m Model) viewChatList() string {
	var b strings.Builder
	b.WriteString(m.theme.Header.Render("Chats"))
	b.WriteString("\n\n")
	if len(m.listItems) == 0 {
		b.WriteString(m.theme.SystemText.Render("  no chats yet (ctrl+n starts one)"))
	}
	for i, c := range m.listItems {
		label := chatLabel(c)
		if i == m.listIndex {
			b.WriteString(m.theme.ListSelected.Render("> " + label))
		} else {
			b.WriteString(m.theme.ListItem.Render(label))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.theme.StatusBar.Render("enter open  esc back"))
	return b.String()
}

// renderConversation formats the active chat's transcript.
func (m Model) renderConversation() string {
	active := m.ctrl.Active()
	if active.IsZero() {
		return m.welcome()
	}

	messages := m.ctrl.Messages(active)
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderMessage(i, msg))
	}
	if m.statusText != "" {
		b.WriteString("\n")
		b.WriteString(m.theme.SystemText.Render(m.statusText))
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return m.welcome()
	}
	return b.String()
}

func (m Model) renderMessage(index int, msg model.Message) string {
	var b strings.Builder

	label := m.theme.AssistantLabel.Render("Assistant")
	if msg.Role == model.RoleUser {
		label = m.theme.UserLabel.Render("You")
	}
	fmt.Fprintf(&b, "%s %s\n", label, m.theme.StatusBar.Render(fmt.Sprintf("[%d]", index)))

	if m.cfg.ShowReasoning && msg.Reasoning != "" {
		b.WriteString(m.theme.Reasoning.Render(msg.Reasoning))
		b.WriteString("\n")
	}
	if text := msg.DisplayText(); text != "" {
		b.WriteString(m.md.Render(text))
		b.WriteString("\n")
	}
	for _, att := range msg.Images {
		b.WriteString(m.theme.Attachment.Render("[" + attachmentLabel(att) + "]"))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) welcome() string {
	lines := []string{
		m.theme.Header.Render("opentalk"),
		"",
		m.theme.SystemText.Render("Type a message to start a chat."),
		m.theme.SystemText.Render("Set up a provider first: /set base <url>, /set key <key>, /set model <id>"),
	}
	if m.statusText != "" {
		lines = append(lines, "", m.theme.SystemText.Render(m.statusText))
	}
	return strings.Join(lines, "\n")
}

// truncateCell trims a string to the given display width.
func truncateCell(s string, width int) string {
	if width <= 0 {
		return ""
	}
	return runewidth.Truncate(s, width, "...")
}
