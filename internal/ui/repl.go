// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package ui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/peterh/liner"

	"github.com/opentalk-app/opentalk/internal/config"
	"github.com/opentalk-app/opentalk/internal/entity"
	"github.com/opentalk-app/opentalk/internal/model"
	"github.com/opentalk-app/opentalk/internal/session"
	"github.com/opentalk-app/opentalk/internal/ui/chat"
)

// =============================================================================
// LINE-MODE REPL
// =============================================================================

// replCommands feeds liner's completer.
var replCommands = []string{
	"/new", "/chats", "/open", "/stop", "/edit", "/regen", "/delete",
	"/delchat", "/attach", "/set", "/settings", "/models", "/export",
	"/help", "/quit",
}

const replHelp = `Commands:
  /new                start a fresh chat
  /chats              list chats
  /open <n>           open chat n from the listing
  /edit <n> <text>    replace message n and resend
  /regen <n>          regenerate the response at message n
  /delete <n>         delete message n
  /delchat            delete the current chat
  /attach <path>      queue a file for the next message
  /set <key> <value>  store a setting
  /settings           show stored settings
  /models             list the provider's models
  /export <path>      write the chat to a markdown file
  /quit               exit`

// RunREPL drives the controller from a plain line editor. Meant for
// dumb terminals and scripting; the full-screen view is the default.
func RunREPL(ctrl *session.Controller, chats *entity.ChatSet, settings *entity.SettingSet, provider chat.ModelLister, cfg *config.Config) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(func(prefix string) (out []string) {
		for _, cmd := range replCommands {
			if strings.HasPrefix(cmd, prefix) {
				out = append(out, cmd)
			}
		}
		return out
	})

	if dir, err := cfg.DataDir(); err == nil {
		historyPath := filepath.Join(dir, "history")
		if f, err := os.Open(historyPath); err == nil {
			_, _ = line.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if f, err := os.Create(historyPath); err == nil {
				_, _ = line.WriteHistory(f)
				f.Close()
			}
		}()
	}

	r := &repl{
		ctrl:     ctrl,
		chats:    chats,
		settings: settings,
		provider: provider,
		done:     make(chan struct{}, 1),
	}
	ctrl.SetNotify(r.onEvent)
	defer ctrl.SetNotify(nil)

	fmt.Println("opentalk (plain mode, /help for commands)")
	for {
		input, err := line.Prompt("> ")
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := r.command(input); quit {
				return nil
			}
			continue
		}
		r.send(input)
	}
}

// repl holds the line-mode state shared with the event callback.
type repl struct {
	ctrl     *session.Controller
	chats    *entity.ChatSet
	settings *entity.SettingSet
	provider chat.ModelLister

	mu      sync.Mutex
	listing []*entity.Chat
	done    chan struct{}
}

// onEvent signals stream completion back to the prompt loop.
func (r *repl) onEvent(ev session.Event) {
	switch ev.Kind {
	case session.EventStreamDone:
		select {
		case r.done <- struct{}{}:
		default:
		}
	case session.EventStreamError:
		if ev.Err != nil {
			fmt.Fprintf(os.Stderr, "\nerror: %v\n", ev.Err)
		}
	}
}

// send submits a prompt and blocks until the reply settles, printing
// the final text. Plain mode trades live token output for clean lines.
func (r *repl) send(text string) {
	if err := r.ctrl.Send(context.Background(), text); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	r.printReply()
}

// printReply waits out the active stream and prints the last message.
func (r *repl) printReply() {
	<-r.done

	active := r.ctrl.Active()
	messages := r.ctrl.Messages(active)
	if len(messages) == 0 {
		return
	}
	last := messages[len(messages)-1]
	if last.Role != model.RoleAssistant {
		return
	}
	if text := last.DisplayText(); text != "" {
		fmt.Println(text)
	}
}

// command dispatches a slash command; the return reports /quit.
func (r *repl) command(input string) bool {
	fields := strings.Fields(input[1:])
	if len(fields) == 0 {
		return false
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "quit", "exit", "q":
		return true

	case "help":
		fmt.Println(replHelp)

	case "new":
		id := r.ctrl.NewChat(context.Background())
		fmt.Printf("started %s\n", id)

	case "chats":
		r.mu.Lock()
		r.listing = r.chats.List().Snapshot()
		listing := r.listing
		r.mu.Unlock()
		if len(listing) == 0 {
			fmt.Println("no chats yet")
			return false
		}
		active := r.ctrl.Active()
		for i, c := range listing {
			marker := " "
			if c.ID() == active {
				marker = "*"
			}
			rec := c.Snapshot()
			fmt.Printf("%s %2d  %s (%d messages)\n", marker, i, rec.Name, len(rec.Messages))
		}

	case "open":
		index, err := argInt(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		r.mu.Lock()
		listing := r.listing
		r.mu.Unlock()
		if index < 0 || index >= len(listing) {
			fmt.Fprintln(os.Stderr, "error: run /chats first, then /open <n>")
			return false
		}
		r.ctrl.SelectChat(listing[index].ID())
		r.printTranscript()

	case "stop":
		r.ctrl.Stop()

	case "edit":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: /edit <n> <text>")
			return false
		}
		index, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid message number %q\n", args[0])
			return false
		}
		if _, err := r.ctrl.EditMessage(index); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		if err := r.ctrl.SaveEdit(context.Background(), strings.Join(args[1:], " ")); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		r.printReply()

	case "regen":
		index, err := argInt(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		if err := r.ctrl.RegenerateAt(context.Background(), index); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		r.printReply()

	case "delete":
		index, err := argInt(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		if err := r.ctrl.DeleteMessageAt(context.Background(), index); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

	case "delchat":
		active := r.ctrl.Active()
		if active.IsZero() {
			fmt.Fprintln(os.Stderr, "error: no chat selected")
			return false
		}
		if err := r.ctrl.DeleteChat(context.Background(), active); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}

	case "attach":
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "usage: /attach <path>")
			return false
		}
		path := strings.Join(args, " ")
		if _, err := r.ctrl.AttachFile(path); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		fmt.Printf("attached %s (%d queued)\n", path, len(r.ctrl.Attachments()))

	case "set":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: /set <key> <value>")
			return false
		}
		key := chat.SettingKey(args[0])
		if err := r.settings.Set(context.Background(), key, strings.Join(args[1:], " ")); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		fmt.Printf("set %s\n", key)

	case "settings":
		all := r.settings.All()
		if len(all) == 0 {
			fmt.Println("no settings stored")
			return false
		}
		for key, value := range all {
			if key == model.SettingAPIKey {
				value = "(set)"
			}
			fmt.Printf("  %s = %s\n", key, value)
		}

	case "models":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		models, err := r.provider.ListModels(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}
		for _, info := range models {
			fmt.Println("  " + info.ID)
		}

	case "export":
		if len(args) == 0 {
			fmt.Fprintln(os.Stderr, "usage: /export <path>")
			return false
		}
		if err := r.export(strings.Join(args, " ")); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return false
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown command /%s (try /help)\n", name)
	}
	return false
}

// printTranscript dumps the active chat.
func (r *repl) printTranscript() {
	active := r.ctrl.Active()
	if c, ok := r.chats.Get(active); ok {
		fmt.Printf("== %s ==\n", c.Snapshot().Name)
	}
	for i, msg := range r.ctrl.Messages(active) {
		who := "assistant"
		if msg.Role == model.RoleUser {
			who = "you"
		}
		fmt.Printf("[%d] %s: %s\n", i, who, msg.DisplayText())
	}
}

func (r *repl) export(path string) error {
	active := r.ctrl.Active()
	c, ok := r.chats.Get(active)
	if !ok {
		return errors.New("no chat selected")
	}
	if err := chat.ExportTranscript(c.Snapshot().Name, r.ctrl.Messages(active), path); err != nil {
		return err
	}
	fmt.Printf("exported to %s\n", path)
	return nil
}

func argInt(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("expected a number")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid number %q", args[0])
	}
	return n, nil
}
