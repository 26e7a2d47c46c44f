// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/opentalk-app/opentalk/internal/entity"
	"github.com/opentalk-app/opentalk/internal/model"
)

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// command is one parsed slash command.
type command struct {
	Name string
	Args []string
}

// parseCommand splits a "/name arg arg" input. Returns ok=false for
// anything that is not a slash command.
func parseCommand(input string) (command, bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return command{}, false
	}
	fields := strings.Fields(input[1:])
	if len(fields) == 0 {
		return command{}, false
	}
	var args []string
	if len(fields) > 1 {
		args = fields[1:]
	}
	return command{Name: strings.ToLower(fields[0]), Args: args}, true
}

// helpText lists every command; kept next to the dispatcher so the two
// stay in sync.
const helpText = `Commands:
  /new                start a fresh chat
  /chats              pick a chat to open
  /stop               cancel the running response
  /edit <n>           edit message n and resend
  /regen <n>          regenerate the response at message n
  /delete <n>         delete message n
  /delchat            delete the current chat
  /attach <path>      queue a file for the next message
  /detach <n>         drop queued attachment n
  /set <key> <value>  store a setting (api key, base, model)
  /settings           show stored settings
  /models             list the provider's models
  /export <path>      write the chat to a markdown file
  /help               this help
  /quit               exit`

// runCommand executes a parsed command against the model. It returns
// the updated model and any follow-up command.
func (m Model) runCommand(cmd command) (Model, tea.Cmd) {
	switch cmd.Name {
	case "quit", "exit", "q":
		return m, tea.Quit

	case "help":
		m.setSystem(helpText)
		return m, nil

	case "new":
		id := m.ctrl.NewChat(context.Background())
		m.setSystem(fmt.Sprintf("started %s", id))
		m.refreshViewport()
		return m, nil

	case "chats":
		m.openChatList()
		return m, nil

	case "stop":
		m.ctrl.Stop()
		return m, nil

	case "edit":
		return m.commandEdit(cmd.Args)

	case "regen":
		index, err := argIndex(cmd.Args)
		if err != nil {
			m.setError(err.Error())
			return m, nil
		}
		if err := m.ctrl.RegenerateAt(context.Background(), index); err != nil {
			m.setError(err.Error())
			return m, nil
		}
		m.refreshViewport()
		return m, m.spin.Tick

	case "delete":
		index, err := argIndex(cmd.Args)
		if err != nil {
			m.setError(err.Error())
			return m, nil
		}
		if err := m.ctrl.DeleteMessageAt(context.Background(), index); err != nil {
			m.setError(err.Error())
			return m, nil
		}
		m.refreshViewport()
		return m, nil

	case "delchat":
		active := m.ctrl.Active()
		if active.IsZero() {
			m.setError("no chat selected")
			return m, nil
		}
		if err := m.ctrl.DeleteChat(context.Background(), active); err != nil {
			m.setError(err.Error())
			return m, nil
		}
		m.setSystem("chat deleted")
		m.refreshViewport()
		return m, nil

	case "attach":
		if len(cmd.Args) == 0 {
			m.setError("usage: /attach <path>")
			return m, nil
		}
		path := strings.Join(cmd.Args, " ")
		if _, err := m.ctrl.AttachFile(path); err != nil {
			m.setError(err.Error())
			return m, nil
		}
		m.setSystem(fmt.Sprintf("attached %s (%d queued)", path, len(m.ctrl.Attachments())))
		return m, nil

	case "detach":
		index, err := argIndex(cmd.Args)
		if err != nil {
			m.setError(err.Error())
			return m, nil
		}
		m.ctrl.RemoveAttachment(index)
		m.setSystem(fmt.Sprintf("%d attachments queued", len(m.ctrl.Attachments())))
		return m, nil

	case "set":
		return m.commandSet(cmd.Args)

	case "settings":
		m.setSystem(m.renderSettings())
		return m, nil

	case "models":
		m.setSystem("fetching models...")
		return m, ListModelsCmd(m.provider)

	case "export":
		if len(cmd.Args) == 0 {
			m.setError("usage: /export <path>")
			return m, nil
		}
		return m.commandExport(strings.Join(cmd.Args, " "))

	default:
		m.setError(fmt.Sprintf("unknown command /%s (try /help)", cmd.Name))
		return m, nil
	}
}

func (m Model) commandEdit(args []string) (Model, tea.Cmd) {
	index, err := argIndex(args)
	if err != nil {
		m.setError(err.Error())
		return m, nil
	}
	msg, err := m.ctrl.EditMessage(index)
	if err != nil {
		m.setError(err.Error())
		return m, nil
	}
	m.ta.SetValue(msg.DisplayText())
	m.setSystem(fmt.Sprintf("editing message %d (enter saves, esc cancels)", index))
	return m, nil
}

func (m Model) commandSet(args []string) (Model, tea.Cmd) {
	if len(args) < 2 {
		m.setError("usage: /set <key> <value>")
		return m, nil
	}
	key := SettingKey(args[0])
	value := strings.Join(args[1:], " ")
	if err := m.settings.Set(context.Background(), key, value); err != nil {
		m.setError(err.Error())
		return m, nil
	}
	m.setSystem(fmt.Sprintf("set %s", key))
	return m, nil
}

func (m Model) commandExport(path string) (Model, tea.Cmd) {
	active := m.ctrl.Active()
	chat, ok := m.chats.Get(active)
	if !ok {
		m.setError("no chat selected")
		return m, nil
	}
	rec := chat.Snapshot()
	m.setSystem("exporting...")
	return m, ExportCmd(rec.Name, m.ctrl.Messages(active), path)
}

// SettingKey maps short names like "key" or "base" onto the stored
// setting keys. Unknown names pass through untouched.
func SettingKey(key string) string {
	switch strings.ToLower(key) {
	case "key", "apikey", "api_key":
		return model.SettingAPIKey
	case "base", "url", "api_base":
		return model.SettingAPIBase
	case "model":
		return model.SettingModel
	case "taskmodel", "task_model":
		return model.SettingTaskModel
	default:
		return key
	}
}

// renderSettings formats stored settings with the key redacted.
func (m Model) renderSettings() string {
	all := m.settings.All()
	if len(all) == 0 {
		return "no settings stored (try /set key sk-...)"
	}
	var b strings.Builder
	b.WriteString("Settings:\n")
	for _, key := range []string{model.SettingAPIBase, model.SettingModel, model.SettingTaskModel, model.SettingAPIKey} {
		value, ok := all[key]
		if !ok {
			continue
		}
		if key == model.SettingAPIKey {
			value = "(set)"
		}
		fmt.Fprintf(&b, "  %s = %s\n", key, value)
		delete(all, key)
	}
	for key, value := range all {
		fmt.Fprintf(&b, "  %s = %s\n", key, value)
	}
	return strings.TrimRight(b.String(), "\n")
}

// argIndex parses the single numeric argument commands like /edit take.
func argIndex(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected a message number")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid message number %q", args[0])
	}
	return n, nil
}

// chatLabel renders one chat list entry.
func chatLabel(c *entity.Chat) string {
	rec := c.Snapshot()
	return fmt.Sprintf("%s (%d messages)", rec.Name, len(rec.Messages))
}
