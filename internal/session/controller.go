// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opentalk-app/opentalk/internal/entity"
	"github.com/opentalk-app/opentalk/internal/model"
	"github.com/opentalk-app/opentalk/internal/openai"
)

// =============================================================================
// EVENTS
// =============================================================================

// EventKind classifies a controller notification.
type EventKind int

const (
	// EventDelta fires for every applied stream fragment.
	EventDelta EventKind = iota

	// EventTyping fires when the typing indicator turns on or off.
	EventTyping

	// EventStreamDone fires when a stream settles, cleanly or not.
	EventStreamDone

	// EventStreamError fires when a stream fails for a reason other
	// than cancellation.
	EventStreamError

	// EventNamed fires when background naming renames a chat.
	EventNamed
)

// Event is one controller notification. Err is set for
// EventStreamError only.
type Event struct {
	Chat entity.ChatID
	Kind EventKind
	Err  error
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrBusy indicates the chat already has a stream in flight.
	ErrBusy = errors.New("chat is busy streaming")

	// ErrNothingToSend indicates an empty message with no attachments.
	ErrNothingToSend = errors.New("nothing to send")

	// ErrNoSuchMessage indicates a message index out of range.
	ErrNoSuchMessage = errors.New("no such message")

	// ErrNotEditing indicates SaveEdit without a pending edit.
	ErrNotEditing = errors.New("no edit in progress")
)

// =============================================================================
// DRIVER
// =============================================================================

// Driver abstracts the completion backend.
type Driver interface {
	ChatStream(ctx context.Context, messages []model.Message, useTaskModel bool, callback openai.StreamCallback) error
	GenerateChatName(ctx context.Context, firstMessage string) string
}

// =============================================================================
// CONTROLLER
// =============================================================================

// stream is the per-chat in-flight state. The partial assistant reply
// accumulates here and is only written through the entity when the
// stream settles.
type stream struct {
	cancel  context.CancelFunc
	partial model.Message
	typing  bool
}

// editState holds a message being edited.
type editState struct {
	chat  entity.ChatID
	index int
	draft model.Message
}

// Controller is the chat session state machine. All exported methods
// are safe for concurrent use.
type Controller struct {
	mu      sync.Mutex
	chats   *entity.ChatSet
	driver  Driver
	log     zerolog.Logger
	notify  func(Event)
	streams map[string]*stream
	draft   []model.Attachment
	editing *editState
	wg      sync.WaitGroup
}

// NewController creates a controller over the chat working set.
func NewController(chats *entity.ChatSet, driver Driver, log zerolog.Logger) *Controller {
	return &Controller{
		chats:   chats,
		driver:  driver,
		log:     log.With().Str("component", "session").Logger(),
		notify:  func(Event) {},
		streams: make(map[string]*stream),
	}
}

// SetNotify installs the front end's event callback. Events are
// delivered from streaming goroutines; the callback must not block.
func (c *Controller) SetNotify(fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fn == nil {
		fn = func(Event) {}
	}
	c.notify = fn
}

func (c *Controller) emit(ev Event) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	fn(ev)
}

// Wait blocks until all streaming and persistence goroutines finish.
func (c *Controller) Wait() {
	c.wg.Wait()
	c.chats.Wait()
}

// =============================================================================
// SELECTION
// =============================================================================

// SelectChat makes id the active chat. Streams in other chats keep
// running; their replies land in their own chats.
func (c *Controller) SelectChat(id entity.ChatID) {
	c.chats.SetActive(id)
}

// NewChat creates a fresh chat and selects it.
func (c *Controller) NewChat(ctx context.Context) entity.ChatID {
	chat := c.chats.NewChat(ctx, model.ChatRecord{}, nil)
	id := chat.ID()
	c.chats.SetActive(id)
	return id
}

// Active returns the active chat id, which may be zero.
func (c *Controller) Active() entity.ChatID {
	return c.chats.Active().Snapshot()
}

// =============================================================================
// READ SIDE
// =============================================================================

// Messages returns the chat's history with the in-flight partial
// reply, if any, appended. This is what front ends render.
func (c *Controller) Messages(id entity.ChatID) []model.Message {
	chat, ok := c.chats.Get(id)
	if !ok {
		return nil
	}
	msgs := chat.Snapshot().Messages

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.streams[id.Key()]; ok && !st.partial.IsEmpty() {
		msgs = append(msgs, st.partial.Clone())
	}
	return msgs
}

// IsStreaming reports whether the chat has a reply in flight.
func (c *Controller) IsStreaming(id entity.ChatID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.streams[id.Key()]
	return ok
}

// IsTyping reports whether the typing indicator should show for the
// chat: a stream is in flight and nothing visible has arrived yet.
func (c *Controller) IsTyping(id entity.ChatID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[id.Key()]
	return ok && st.typing
}

// =============================================================================
// SEND / STOP
// =============================================================================

// Send submits text with any pending attachments to the active chat,
// creating one when none is selected. The user message is persisted
// immediately; the assistant reply streams in the background. The
// first message of a chat also kicks off background naming.
func (c *Controller) Send(ctx context.Context, text string) error {
	c.mu.Lock()
	attachments := c.draft
	c.mu.Unlock()

	if text == "" && len(attachments) == 0 {
		return ErrNothingToSend
	}

	id := c.chats.Active().Snapshot()
	if id.IsZero() {
		id = c.NewChat(ctx)
	}
	chat, ok := c.chats.Get(id)
	if !ok {
		return fmt.Errorf("sending to %s: %w", id, entity.ErrChatNotFound)
	}

	c.mu.Lock()
	if _, busy := c.streams[id.Key()]; busy {
		c.mu.Unlock()
		return ErrBusy
	}
	c.draft = nil
	c.mu.Unlock()

	msg := model.NewUserMessage(text)
	msg.Images = attachments

	messages := append(chat.Snapshot().Messages, msg)
	newID, err := c.chats.Update(ctx, id, entity.ChatMutation{Messages: messages, SetMessages: true})
	if err != nil {
		return err
	}

	if len(messages) == 1 {
		c.nameChat(newID, msg.DisplayText())
	}
	c.startStream(newID, messages)
	return nil
}

// Stop cancels the active chat's in-flight stream. The partial reply
// received so far is kept and persisted. No-op when nothing streams.
func (c *Controller) Stop() {
	id := c.chats.Active().Snapshot()
	c.mu.Lock()
	st, ok := c.streams[id.Key()]
	c.mu.Unlock()
	if ok {
		st.cancel()
	}
}

// nameChat asks the task model for a chat name in the background.
func (c *Controller) nameChat(id entity.ChatID, firstMessage string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		name := c.driver.GenerateChatName(context.Background(), firstMessage)
		if name == "" || name == model.DefaultChatName {
			return
		}
		if _, err := c.chats.Update(context.Background(), id, entity.ChatMutation{Name: &name}); err != nil {
			c.log.Warn().Err(err).Str("chat", id.String()).Msg("saving chat name failed")
			return
		}
		c.emit(Event{Chat: id, Kind: EventNamed})
	}()
}

// startStream launches the assistant reply for the given history.
func (c *Controller) startStream(id entity.ChatID, history []model.Message) {
	ctx, cancel := context.WithCancel(context.Background())

	st := &stream{
		cancel:  cancel,
		partial: model.Message{Role: model.RoleAssistant},
		typing:  true,
	}
	c.mu.Lock()
	c.streams[id.Key()] = st
	c.mu.Unlock()
	c.emit(Event{Chat: id, Kind: EventTyping})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		err := c.driver.ChatStream(ctx, history, false, func(delta model.Delta) {
			c.applyDelta(id, st, delta)
		})
		c.finishStream(id, st, err)
	}()
}

// applyDelta folds one fragment into the partial reply. Duplicate
// image copies on the reasoning channel are dropped; the first visible
// fragment dismisses the typing indicator.
func (c *Controller) applyDelta(id entity.ChatID, st *stream, delta model.Delta) {
	c.mu.Lock()
	st.partial.AppendContent(delta.Content)
	st.partial.AppendReasoning(delta.Reasoning)
	if delta.ShouldApplyImages() {
		st.partial.AppendImages(delta.Images)
	}
	typingChanged := st.typing && delta.IsSubstantive()
	if typingChanged {
		st.typing = false
	}
	c.mu.Unlock()

	if typingChanged {
		c.emit(Event{Chat: id, Kind: EventTyping})
	}
	c.emit(Event{Chat: id, Kind: EventDelta})
}

// finishStream settles a stream: the reply is persisted on clean
// completion and on cancellation, but a failed stream leaves the chat
// as it was before the send started streaming.
func (c *Controller) finishStream(id entity.ChatID, st *stream, err error) {
	c.mu.Lock()
	partial := st.partial.Clone()
	delete(c.streams, id.Key())
	c.mu.Unlock()

	canceled := errors.Is(err, context.Canceled)
	persist := err == nil || canceled

	if persist && !partial.IsEmpty() {
		chat, ok := c.chats.Get(id)
		if ok {
			messages := append(chat.Snapshot().Messages, partial)
			if _, uerr := c.chats.Update(context.Background(), id, entity.ChatMutation{Messages: messages, SetMessages: true}); uerr != nil {
				c.log.Error().Err(uerr).Str("chat", id.String()).Msg("persisting reply failed")
			}
		}
	}

	if err != nil && !canceled {
		c.log.Warn().Err(err).Str("chat", id.String()).Msg("stream failed")
		c.emit(Event{Chat: id, Kind: EventStreamError, Err: err})
	}
	c.emit(Event{Chat: id, Kind: EventStreamDone})
}

// =============================================================================
// EDIT
// =============================================================================

// EditMessage begins editing the message at index in the active chat.
// Editing is refused while the chat streams.
func (c *Controller) EditMessage(index int) (model.Message, error) {
	id := c.chats.Active().Snapshot()
	if c.IsStreaming(id) {
		return model.Message{}, ErrBusy
	}
	chat, ok := c.chats.Get(id)
	if !ok {
		return model.Message{}, entity.ErrChatNotFound
	}
	msgs := chat.Snapshot().Messages
	if index < 0 || index >= len(msgs) {
		return model.Message{}, fmt.Errorf("%w: index %d of %d", ErrNoSuchMessage, index, len(msgs))
	}

	c.mu.Lock()
	c.editing = &editState{chat: id, index: index, draft: msgs[index].Clone()}
	c.mu.Unlock()
	return msgs[index].Clone(), nil
}

// SaveEdit replaces the edited message's text and persists the chat.
// Attachments on the message are kept.
func (c *Controller) SaveEdit(ctx context.Context, text string) error {
	c.mu.Lock()
	ed := c.editing
	c.editing = nil
	c.mu.Unlock()
	if ed == nil {
		return ErrNotEditing
	}

	chat, ok := c.chats.Get(ed.chat)
	if !ok {
		return entity.ErrChatNotFound
	}
	msgs := chat.Snapshot().Messages
	if ed.index >= len(msgs) {
		return fmt.Errorf("%w: index %d of %d", ErrNoSuchMessage, ed.index, len(msgs))
	}

	updated := ed.draft.Clone()
	updated.Content = text
	updated.Parts = nil
	msgs[ed.index] = updated

	_, err := c.chats.Update(ctx, ed.chat, entity.ChatMutation{Messages: msgs, SetMessages: true})
	return err
}

// CancelEdit discards any pending edit.
func (c *Controller) CancelEdit() {
	c.mu.Lock()
	c.editing = nil
	c.mu.Unlock()
}

// Editing returns the pending edit draft, if any.
func (c *Controller) Editing() (model.Message, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing == nil {
		return model.Message{}, 0, false
	}
	return c.editing.draft.Clone(), c.editing.index, true
}

// =============================================================================
// REGENERATE / DELETE
// =============================================================================

// RegenerateAt re-runs the completion from the message at index in the
// active chat. For a user message the history is truncated after it;
// for an assistant message the history is truncated before it, so the
// reply is produced again from the same prompt. Refused mid-stream.
func (c *Controller) RegenerateAt(ctx context.Context, index int) error {
	id := c.chats.Active().Snapshot()
	if c.IsStreaming(id) {
		return ErrBusy
	}
	chat, ok := c.chats.Get(id)
	if !ok {
		return entity.ErrChatNotFound
	}
	msgs := chat.Snapshot().Messages
	if index < 0 || index >= len(msgs) {
		return fmt.Errorf("%w: index %d of %d", ErrNoSuchMessage, index, len(msgs))
	}

	keep := index
	if msgs[index].Role == model.RoleUser {
		keep = index + 1
	}
	truncated := msgs[:keep]
	if len(truncated) == 0 || truncated[len(truncated)-1].Role != model.RoleUser {
		return fmt.Errorf("%w: nothing to regenerate from", ErrNoSuchMessage)
	}

	newID, err := c.chats.Update(ctx, id, entity.ChatMutation{Messages: truncated, SetMessages: true})
	if err != nil {
		return err
	}
	c.startStream(newID, truncated)
	return nil
}

// DeleteMessageAt removes the message at index from the active chat.
func (c *Controller) DeleteMessageAt(ctx context.Context, index int) error {
	id := c.chats.Active().Snapshot()
	if c.IsStreaming(id) {
		return ErrBusy
	}
	chat, ok := c.chats.Get(id)
	if !ok {
		return entity.ErrChatNotFound
	}
	msgs := chat.Snapshot().Messages
	if index < 0 || index >= len(msgs) {
		return fmt.Errorf("%w: index %d of %d", ErrNoSuchMessage, index, len(msgs))
	}

	msgs = append(msgs[:index], msgs[index+1:]...)
	_, err := c.chats.Update(ctx, id, entity.ChatMutation{Messages: msgs, SetMessages: true})
	return err
}

// DeleteChat removes the chat entirely, cancelling its stream first.
func (c *Controller) DeleteChat(ctx context.Context, id entity.ChatID) error {
	c.mu.Lock()
	st, ok := c.streams[id.Key()]
	if ok {
		delete(c.streams, id.Key())
	}
	c.mu.Unlock()
	if ok {
		st.cancel()
	}
	return c.chats.Delete(ctx, id)
}
