// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package entity

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalk-app/opentalk/internal/model"
)

// =============================================================================
// FAKE STORES
// =============================================================================

type fakeChatStore struct {
	mu         sync.Mutex
	nextID     int64
	chats      map[int64]model.ChatRecord
	failInsert bool
	deletes    []int64

	// When non-nil, inserts block until the channel is closed.
	insertGate chan struct{}
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{chats: make(map[int64]model.ChatRecord)}
}

func (f *fakeChatStore) GetAllChats(context.Context) ([]model.ChatRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ChatRecord, 0, len(f.chats))
	for id := int64(1); id <= f.nextID; id++ {
		if rec, ok := f.chats[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeChatStore) UpsertChat(_ context.Context, rec model.ChatRecord) (int64, error) {
	f.mu.Lock()
	gate := f.insertGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.ID == 0 {
		if f.failInsert {
			return 0, fmt.Errorf("store offline")
		}
		f.nextID++
		rec.ID = f.nextID
	}
	f.chats[rec.ID] = rec
	return rec.ID, nil
}

func (f *fakeChatStore) DeleteChat(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chats, id)
	f.deletes = append(f.deletes, id)
	return nil
}

type fakeSettingStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeSettingStore() *fakeSettingStore {
	return &fakeSettingStore{values: make(map[string]string)}
}

func (f *fakeSettingStore) GetAllSettings(context.Context) ([]model.SettingRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.SettingRecord, 0, len(f.values))
	for k, v := range f.values {
		out = append(out, model.SettingRecord{Key: k, Value: v})
	}
	return out, nil
}

func (f *fakeSettingStore) UpsertSetting(_ context.Context, rec model.SettingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[rec.Key] = rec.Value
	return nil
}

func (f *fakeSettingStore) DeleteSetting(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.values, key)
	return nil
}

// =============================================================================
// CACHE AND REACTIVE VALUE
// =============================================================================

func TestCache_Move(t *testing.T) {
	c := NewCache[string, int]()
	c.Set("a", 1)
	c.Move("a", "b")

	_, ok := c.Get("a")
	assert.False(t, ok)
	v, ok := c.Get("b")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// Moving a missing key does nothing.
	c.Move("missing", "c")
	assert.Equal(t, 1, c.Len())
}

func TestValue_SnapshotStability(t *testing.T) {
	v := NewValue([]int{1, 2})

	first := v.Snapshot()
	second := v.Snapshot()
	assert.Equal(t, &first[0], &second[0], "snapshots without Set must share backing")

	v.Set([]int{3})
	assert.Equal(t, []int{3}, v.Snapshot())
	assert.Equal(t, []int{1, 2}, v.InitialSnapshot())
}

func TestValue_SubscribeOrderAndUnsubscribe(t *testing.T) {
	v := NewValue(0)

	var got []string
	unsubA := v.Subscribe(func(n int) { got = append(got, fmt.Sprintf("a=%d", n)) })
	v.Subscribe(func(n int) { got = append(got, fmt.Sprintf("b=%d", n)) })

	v.Set(1)
	assert.Equal(t, []string{"a=1", "b=1"}, got)

	unsubA()
	unsubA() // double-unsubscribe is safe
	v.Set(2)
	assert.Equal(t, []string{"a=1", "b=1", "b=2"}, got)
}

func TestValue_CallbackMayReenter(t *testing.T) {
	v := NewValue(0)
	done := false
	v.Subscribe(func(n int) {
		if !done {
			done = true
			assert.Equal(t, n, v.Snapshot())
		}
	})
	v.Set(5)
	assert.True(t, done)
}

// =============================================================================
// CHAT SET
// =============================================================================

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestChatSet_NewChat_Transition(t *testing.T) {
	store := newFakeChatStore()
	gate := make(chan struct{})
	store.insertGate = gate
	set := NewChatSet(store, testLogger())
	ctx := context.Background()

	var created []ChatID
	chat := set.NewChat(ctx, model.ChatRecord{Name: "hello"}, func(id ChatID) {
		created = append(created, id)
	})

	// Reachable in the cache immediately, as a draft.
	draftID := chat.ID()
	assert.True(t, draftID.IsLocal())
	_, ok := set.Get(draftID)
	assert.True(t, ok)

	set.SetActive(draftID)
	close(gate)
	set.Wait()

	// Persisted key answers, callback fired once, selection followed
	// the entity. A caller still holding the draft id resolves the
	// same chat through its alias.
	newID := chat.ID()
	dbID, persisted := newID.Persisted()
	require.True(t, persisted)
	assert.Equal(t, int64(1), dbID)
	aliased, ok := set.Get(draftID)
	require.True(t, ok)
	assert.Equal(t, newID, aliased.ID())
	_, ok = set.Get(newID)
	assert.True(t, ok)
	require.Len(t, created, 1)
	assert.Equal(t, newID, created[0])
	assert.Equal(t, newID, set.Active().Snapshot())
}

func TestChatSet_NewChat_DefaultName(t *testing.T) {
	store := newFakeChatStore()
	set := NewChatSet(store, testLogger())

	chat := set.NewChat(context.Background(), model.ChatRecord{}, nil)
	set.Wait()
	assert.Equal(t, model.DefaultChatName, chat.Snapshot().Name)
}

func TestChatSet_FailedInsert_UpdateRetries(t *testing.T) {
	store := newFakeChatStore()
	store.failInsert = true
	set := NewChatSet(store, testLogger())
	ctx := context.Background()

	var created []ChatID
	chat := set.NewChat(ctx, model.ChatRecord{Name: "offline"}, func(id ChatID) {
		created = append(created, id)
	})
	set.Wait()

	// Insert failed: still a draft, still reachable, callback unfired.
	assert.True(t, chat.ID().IsLocal())
	_, ok := set.Get(chat.ID())
	assert.True(t, ok)
	assert.Empty(t, created)

	// The next update persists it and completes the transition.
	store.failInsert = false
	name := "recovered"
	newID, err := set.Update(ctx, chat.ID(), ChatMutation{Name: &name})
	require.NoError(t, err)
	_, persisted := newID.Persisted()
	assert.True(t, persisted)
	assert.Equal(t, newID, chat.ID())
	require.Len(t, created, 1)
	assert.Equal(t, newID, created[0])
}

func TestChatSet_ConcurrentFirstPersist_SingleRow(t *testing.T) {
	store := newFakeChatStore()
	gate := make(chan struct{})
	store.insertGate = gate
	set := NewChatSet(store, testLogger())
	ctx := context.Background()

	chat := set.NewChat(ctx, model.ChatRecord{Name: "racy"}, nil)
	draftID := chat.ID()

	// Race an update against the still-gated initial insert. Whichever
	// write lands first, the other must see the assigned key and replace
	// instead of inserting again.
	type result struct {
		id  ChatID
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := set.Update(ctx, draftID, ChatMutation{
			Messages:    []model.Message{model.NewUserMessage("hi")},
			SetMessages: true,
		})
		done <- result{id, err}
	}()

	close(gate)
	res := <-done
	set.Wait()

	require.NoError(t, res.err)
	assert.Equal(t, chat.ID(), res.id, "update reports the chat's final identity")
	_, persisted := res.id.Persisted()
	assert.True(t, persisted)

	got, ok := set.Get(res.id)
	require.True(t, ok)
	assert.Len(t, got.Snapshot().Messages, 1, "the update's write is not lost")

	store.mu.Lock()
	rows := len(store.chats)
	store.mu.Unlock()
	assert.Equal(t, 1, rows, "the chat persists under exactly one row")
}

func TestChatSet_Update_MergesMetadataReplacesMessages(t *testing.T) {
	store := newFakeChatStore()
	set := NewChatSet(store, testLogger())
	ctx := context.Background()

	chat := set.NewChat(ctx, model.ChatRecord{
		Name:     "m",
		Metadata: map[string]any{"model": "gpt-4o", "pinned": true},
	}, nil)
	set.Wait()

	_, err := set.Update(ctx, chat.ID(), ChatMutation{
		Metadata:    map[string]any{"model": "gpt-4o-mini"},
		Messages:    []model.Message{model.NewUserMessage("hi")},
		SetMessages: true,
	})
	require.NoError(t, err)

	rec := chat.Snapshot()
	assert.Equal(t, "gpt-4o-mini", rec.Metadata["model"])
	assert.Equal(t, true, rec.Metadata["pinned"], "untouched keys survive the merge")
	require.Len(t, rec.Messages, 1)

	// Replacing with an empty slice clears the history.
	_, err = set.Update(ctx, chat.ID(), ChatMutation{Messages: []model.Message{}, SetMessages: true})
	require.NoError(t, err)
	assert.Empty(t, chat.Snapshot().Messages)
}

func TestChatSet_Update_Missing(t *testing.T) {
	set := NewChatSet(newFakeChatStore(), testLogger())
	_, err := set.Update(context.Background(), PersistedChatID(99), ChatMutation{})
	assert.ErrorIs(t, err, ErrChatNotFound)
}

func TestChatSet_Delete_RepointsSelection(t *testing.T) {
	store := newFakeChatStore()
	set := NewChatSet(store, testLogger())
	ctx := context.Background()

	a := set.NewChat(ctx, model.ChatRecord{Name: "a"}, nil)
	b := set.NewChat(ctx, model.ChatRecord{Name: "b"}, nil)
	set.Wait()

	set.SetActive(b.ID())
	require.NoError(t, set.Delete(ctx, b.ID()))
	set.Wait()

	// Cache-first removal, selection falls back to the newest survivor.
	_, ok := set.Get(b.ID())
	assert.False(t, ok)
	assert.Equal(t, a.ID(), set.Active().Snapshot())
	dbID, _ := b.ID().Persisted()
	assert.Contains(t, store.deletes, dbID)

	// Deleting the last chat clears the selection.
	set.SetActive(a.ID())
	require.NoError(t, set.Delete(ctx, a.ID()))
	assert.True(t, set.Active().Snapshot().IsZero())

	assert.ErrorIs(t, set.Delete(ctx, a.ID()), ErrChatNotFound)
}

func TestChatSet_Hydrate(t *testing.T) {
	store := newFakeChatStore()
	ctx := context.Background()
	for _, name := range []string{"one", "two", "three"} {
		_, err := store.UpsertChat(ctx, model.ChatRecord{Name: name})
		require.NoError(t, err)
	}

	set := NewChatSet(store, testLogger())
	require.NoError(t, set.Hydrate(ctx))

	chats := set.List().Snapshot()
	require.Len(t, chats, 3)
	assert.Equal(t, "one", chats[0].Snapshot().Name)
	assert.Equal(t, "three", chats[2].Snapshot().Name)
	_, ok := set.Get(PersistedChatID(2))
	assert.True(t, ok)
}

// =============================================================================
// SETTING SET
// =============================================================================

func TestSettingSet_RoundTrip(t *testing.T) {
	store := newFakeSettingStore()
	set := NewSettingSet(store, testLogger())
	ctx := context.Background()

	require.NoError(t, set.Set(ctx, model.SettingModel, "gpt-4o"))
	assert.Equal(t, "gpt-4o", set.Get(model.SettingModel))

	require.NoError(t, set.Delete(ctx, model.SettingModel))
	assert.Equal(t, "", set.Get(model.SettingModel))

	assert.Error(t, set.Set(ctx, "  ", "x"))
}

func TestSettingSet_ProviderView(t *testing.T) {
	store := newFakeSettingStore()
	set := NewSettingSet(store, testLogger())
	ctx := context.Background()

	require.NoError(t, set.Set(ctx, model.SettingAPIBase, "https://api.example.com/v1/"))
	require.NoError(t, set.Set(ctx, model.SettingModel, "gpt-4o"))

	assert.Equal(t, "https://api.example.com/v1", set.APIBase())
	assert.Equal(t, "gpt-4o", set.TaskModel(), "task model falls back to the chat model")

	require.NoError(t, set.Set(ctx, model.SettingTaskModel, "gpt-4o-mini"))
	assert.Equal(t, "gpt-4o-mini", set.TaskModel())
}

func TestSettingSet_Hydrate(t *testing.T) {
	store := newFakeSettingStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertSetting(ctx, model.SettingRecord{Key: model.SettingAPIKey, Value: "sk-1"}))

	set := NewSettingSet(store, testLogger())
	require.NoError(t, set.Hydrate(ctx))
	assert.Equal(t, "sk-1", set.APIKey())
}
