// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package entity

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opentalk-app/opentalk/internal/model"
)

// =============================================================================
// CHAT IDENTITY
// =============================================================================

// ChatID identifies a chat in exactly one of two states: a local draft
// that only exists in memory, or a persisted chat with a durable store
// key. The zero value means "no chat".
type ChatID struct {
	local     string
	persisted int64
}

// LocalChatID mints a fresh draft identity.
func LocalChatID() ChatID {
	return ChatID{local: uuid.NewString()}
}

// PersistedChatID wraps a durable store key.
func PersistedChatID(id int64) ChatID {
	return ChatID{persisted: id}
}

// IsZero reports whether the id refers to no chat at all.
func (id ChatID) IsZero() bool {
	return id.local == "" && id.persisted == 0
}

// IsLocal reports whether the chat is still an in-memory draft.
func (id ChatID) IsLocal() bool {
	return id.local != ""
}

// Persisted returns the durable key and whether the chat has one.
func (id ChatID) Persisted() (int64, bool) {
	if id.persisted != 0 {
		return id.persisted, true
	}
	return 0, false
}

// Key returns the cache key for this identity. Draft and persisted
// keys live in disjoint namespaces so a transition never collides.
func (id ChatID) Key() string {
	if id.local != "" {
		return "draft:" + id.local
	}
	if id.persisted != 0 {
		return fmt.Sprintf("chat:%d", id.persisted)
	}
	return ""
}

func (id ChatID) String() string {
	if id.IsZero() {
		return "none"
	}
	return id.Key()
}

// =============================================================================
// CHAT ENTITY
// =============================================================================

// Chat is a live chat entity. All fields are guarded by the owning
// set; callers read through Snapshot and mutate through ChatSet.
type Chat struct {
	set       *ChatSet
	id        ChatID
	rec       model.ChatRecord
	createdCB func(ChatID)
	notified  bool

	// persist serializes durable writes for this chat so the initial
	// background insert and a concurrent Update can never both insert.
	// Always acquired before set.mu, never while holding it.
	persist sync.Mutex
}

// ID returns the chat's current identity. After the initial insert
// completes this flips from draft to persisted.
func (c *Chat) ID() ChatID {
	c.set.mu.Lock()
	defer c.set.mu.Unlock()
	return c.id
}

// Snapshot returns a copy of the chat's record. Messages are cloned so
// the caller can hold the slice across later updates.
func (c *Chat) Snapshot() model.ChatRecord {
	c.set.mu.Lock()
	defer c.set.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Chat) snapshotLocked() model.ChatRecord {
	out := c.rec
	if c.rec.Messages != nil {
		out.Messages = make([]model.Message, len(c.rec.Messages))
		for i := range c.rec.Messages {
			out.Messages[i] = c.rec.Messages[i].Clone()
		}
	}
	if c.rec.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.rec.Metadata))
		for k, v := range c.rec.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// ChatMutation describes a partial update. Nil fields are left alone;
// Metadata is merged key by key, Messages replaces the whole history
// when SetMessages is true.
type ChatMutation struct {
	Name        *string
	Metadata    map[string]any
	Messages    []model.Message
	SetMessages bool
}

// =============================================================================
// CHAT SET
// =============================================================================

// ChatStore is the durable backend the set writes through to.
type ChatStore interface {
	GetAllChats(ctx context.Context) ([]model.ChatRecord, error)
	UpsertChat(ctx context.Context, rec model.ChatRecord) (int64, error)
	DeleteChat(ctx context.Context, id int64) error
}

// ErrChatNotFound is returned for operations on an id absent from the
// cache.
var ErrChatNotFound = fmt.Errorf("chat not found")

// ChatSet owns every live chat. The cache answers lookups, the list
// value publishes ordering to the UI, and the active value tracks
// which chat the user is looking at.
type ChatSet struct {
	mu      sync.Mutex
	store   ChatStore
	log     zerolog.Logger
	cache   *Cache[string, *Chat]
	order   []string
	list    *Value[[]*Chat]
	active  *Value[ChatID]
	pending sync.WaitGroup

	// aliases maps a retired draft key to the durable identity it became,
	// so a caller still holding the draft id resolves the same chat.
	aliases map[string]ChatID
}

// NewChatSet creates an empty set backed by store.
func NewChatSet(store ChatStore, log zerolog.Logger) *ChatSet {
	return &ChatSet{
		store:   store,
		log:     log.With().Str("component", "chats").Logger(),
		cache:   NewCache[string, *Chat](),
		list:    NewValue[[]*Chat](nil),
		active:  NewValue(ChatID{}),
		aliases: make(map[string]ChatID),
	}
}

// List is the published chat list, ordered by durable key with drafts
// at the end.
func (s *ChatSet) List() *Value[[]*Chat] {
	return s.list
}

// Active is the published identity of the selected chat.
func (s *ChatSet) Active() *Value[ChatID] {
	return s.active
}

// SetActive repoints the selection. The id does not have to exist in
// the cache yet; a draft being created concurrently is a valid target.
func (s *ChatSet) SetActive(id ChatID) {
	s.active.Set(id)
}

// Get looks up a live chat by identity. A draft id keeps resolving
// after the chat acquires its durable key.
func (s *ChatSet) Get(id ChatID) (*Chat, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(id)
}

// lookupLocked resolves id in the cache, following the alias a retired
// draft key leaves behind. Caller holds s.mu.
func (s *ChatSet) lookupLocked(id ChatID) (*Chat, bool) {
	if c, ok := s.cache.Get(id.Key()); ok {
		return c, true
	}
	if alias, ok := s.aliases[id.Key()]; ok {
		return s.cache.Get(alias.Key())
	}
	return nil, false
}

// Wait blocks until all in-flight durable writes have settled. Used
// during shutdown and by tests.
func (s *ChatSet) Wait() {
	s.pending.Wait()
}

// Hydrate loads every stored chat into the cache, replacing the
// published list. Draft chats are never stored so hydration cannot
// clobber one that does not exist yet.
func (s *ChatSet) Hydrate(ctx context.Context) error {
	recs, err := s.store.GetAllChats(ctx)
	if err != nil {
		return fmt.Errorf("hydrating chats: %w", err)
	}

	s.mu.Lock()
	s.order = s.order[:0]
	for _, rec := range recs {
		id := PersistedChatID(rec.ID)
		s.cache.Set(id.Key(), &Chat{set: s, id: id, rec: rec, notified: true})
		s.order = append(s.order, id.Key())
	}
	s.mu.Unlock()

	s.publishList()
	return nil
}

// NewChat registers a draft in the cache immediately and starts the
// durable insert in the background. onCreated, if non-nil, fires once
// when the chat first acquires its durable key; if the insert fails
// the draft stays reachable and the next Update retries it.
func (s *ChatSet) NewChat(ctx context.Context, rec model.ChatRecord, onCreated func(ChatID)) *Chat {
	if rec.Name == "" {
		rec.Name = model.DefaultChatName
	}
	rec.ID = 0

	id := LocalChatID()
	chat := &Chat{set: s, id: id, rec: rec, createdCB: onCreated}

	s.mu.Lock()
	s.cache.Set(id.Key(), chat)
	s.order = append(s.order, id.Key())
	s.mu.Unlock()
	s.publishList()

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		chat.persist.Lock()
		defer chat.persist.Unlock()
		// An Update may have persisted the chat first; the snapshot then
		// carries the assigned key and this write is a plain replace.
		newID, err := s.store.UpsertChat(ctx, chat.Snapshot())
		if err != nil {
			s.log.Warn().Err(err).Str("chat", id.String()).Msg("chat insert failed, keeping draft")
			return
		}
		s.completeCreation(chat, newID)
	}()

	return chat
}

// completeCreation flips a draft to its persisted identity and fires
// the creation callback exactly once. Racing completions (background
// insert vs an Update that persisted first) are resolved by whoever
// gets the lock first; the loser sees a non-draft id and backs off.
func (s *ChatSet) completeCreation(chat *Chat, newID int64) {
	s.mu.Lock()
	if !chat.id.IsLocal() {
		s.mu.Unlock()
		return
	}
	oldKey := chat.id.Key()
	chat.id = PersistedChatID(newID)
	chat.rec.ID = newID
	s.cache.Move(oldKey, chat.id.Key())
	s.aliases[oldKey] = chat.id
	for i, k := range s.order {
		if k == oldKey {
			s.order[i] = chat.id.Key()
			break
		}
	}
	cb := chat.createdCB
	fire := !chat.notified
	chat.notified = true
	newChatID := chat.id
	s.mu.Unlock()

	if s.active.Snapshot().Key() == oldKey {
		s.active.Set(newChatID)
	}
	s.publishList()
	if fire && cb != nil {
		cb(newChatID)
	}
}

// Update applies a partial mutation and persists the result under the
// chat's current identity. A draft whose initial insert failed gets a
// second chance here: persisting it assigns the durable key and
// completes the transition. The possibly-updated identity is returned.
func (s *ChatSet) Update(ctx context.Context, id ChatID, mut ChatMutation) (ChatID, error) {
	s.mu.Lock()
	chat, ok := s.lookupLocked(id)
	if !ok {
		s.mu.Unlock()
		return ChatID{}, fmt.Errorf("updating %s: %w", id, ErrChatNotFound)
	}
	if mut.Name != nil {
		chat.rec.Name = *mut.Name
	}
	if mut.Metadata != nil {
		if chat.rec.Metadata == nil {
			chat.rec.Metadata = make(map[string]any, len(mut.Metadata))
		}
		for k, v := range mut.Metadata {
			chat.rec.Metadata[k] = v
		}
	}
	if mut.SetMessages {
		chat.rec.Messages = mut.Messages
	}
	s.mu.Unlock()
	s.publishList()

	// Taking persist first waits out a still-running initial insert, so
	// the snapshot below carries the assigned key and this write can
	// never create a second row for the same chat.
	chat.persist.Lock()
	snapshot := chat.Snapshot()
	newID, err := s.store.UpsertChat(ctx, snapshot)
	if err != nil {
		chat.persist.Unlock()
		return chat.ID(), fmt.Errorf("persisting %s: %w", id, err)
	}
	s.completeCreation(chat, newID)
	chat.persist.Unlock()
	return chat.ID(), nil
}

// Delete removes the chat from the cache first, then deletes the
// durable row in the background. The entity disappears for the UI even
// if the store write later fails. When the deleted chat was active the
// selection moves to the newest remaining chat.
func (s *ChatSet) Delete(ctx context.Context, id ChatID) error {
	s.mu.Lock()
	chat, ok := s.lookupLocked(id)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("deleting %s: %w", id, ErrChatNotFound)
	}
	// The chat's own key, not the caller's, in case id is a stale draft.
	key := chat.id.Key()
	s.cache.Delete(key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	for k, alias := range s.aliases {
		if alias.Key() == key {
			delete(s.aliases, k)
		}
	}
	var next ChatID
	if n := len(s.order); n > 0 {
		if c, ok := s.cache.Get(s.order[n-1]); ok {
			// s.mu is held; c.ID() would re-lock it.
			next = c.id
		}
	}
	s.mu.Unlock()

	active := s.active.Snapshot().Key()
	if active == key || active == id.Key() {
		s.active.Set(next)
	}
	s.publishList()

	if dbID, ok := chat.ID().Persisted(); ok {
		s.pending.Add(1)
		go func() {
			defer s.pending.Done()
			if err := s.store.DeleteChat(ctx, dbID); err != nil {
				s.log.Warn().Err(err).Int64("chat_id", dbID).Msg("durable delete failed")
			}
		}()
	}
	return nil
}

// publishList pushes a fresh ordered snapshot to subscribers.
func (s *ChatSet) publishList() {
	s.mu.Lock()
	chats := make([]*Chat, 0, len(s.order))
	for _, k := range s.order {
		if c, ok := s.cache.Get(k); ok {
			chats = append(chats, c)
		}
	}
	s.mu.Unlock()
	s.list.Set(chats)
}
