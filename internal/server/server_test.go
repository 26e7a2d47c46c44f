// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalk-app/opentalk/internal/config"
	"github.com/opentalk-app/opentalk/internal/entity"
	"github.com/opentalk-app/opentalk/internal/model"
	"github.com/opentalk-app/opentalk/internal/openai"
)

// ============================================================================
// FAKES
// ============================================================================

type memChatStore struct {
	mu     sync.Mutex
	nextID int64
	chats  map[int64]model.ChatRecord
}

func newMemChatStore() *memChatStore {
	return &memChatStore{nextID: 1, chats: make(map[int64]model.ChatRecord)}
}

func (m *memChatStore) GetAllChats(context.Context) ([]model.ChatRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.ChatRecord, 0, len(m.chats))
	for id := int64(1); id < m.nextID; id++ {
		if rec, ok := m.chats[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memChatStore) UpsertChat(_ context.Context, rec model.ChatRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID == 0 {
		rec.ID = m.nextID
		m.nextID++
	}
	m.chats[rec.ID] = rec
	return rec.ID, nil
}

func (m *memChatStore) DeleteChat(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.chats, id)
	return nil
}

type memSettingStore struct {
	mu       sync.Mutex
	settings map[string]string
}

func newMemSettingStore() *memSettingStore {
	return &memSettingStore{settings: make(map[string]string)}
}

func (m *memSettingStore) GetAllSettings(context.Context) ([]model.SettingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.SettingRecord, 0, len(m.settings))
	for k, v := range m.settings {
		out = append(out, model.SettingRecord{Key: k, Value: v})
	}
	return out, nil
}

func (m *memSettingStore) UpsertSetting(_ context.Context, rec model.SettingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[rec.Key] = rec.Value
	return nil
}

func (m *memSettingStore) DeleteSetting(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.settings, key)
	return nil
}

type fakeProvider struct {
	deltas []model.Delta
	err    error
	name   string
	models []model.ModelInfo
}

func (f *fakeProvider) ChatStream(ctx context.Context, _ []model.Message, _ bool, callback openai.StreamCallback) error {
	for _, d := range f.deltas {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		callback(d)
	}
	return f.err
}

func (f *fakeProvider) GenerateChatName(context.Context, string) string {
	if f.name == "" {
		return model.DefaultChatName
	}
	return f.name
}

func (f *fakeProvider) ListModels(context.Context) ([]model.ModelInfo, error) {
	return f.models, f.err
}

// ============================================================================
// HELPERS
// ============================================================================

func testServer(t *testing.T, provider *fakeProvider) (*Server, *entity.ChatSet) {
	t.Helper()
	log := zerolog.Nop()
	chats := entity.NewChatSet(newMemChatStore(), log)
	settings := entity.NewSettingSet(newMemSettingStore(), log)
	cfg := config.Default().Server
	cfg.RateLimitRPS = 1000
	return New(cfg, chats, settings, provider, log), chats
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}

func seedChat(t *testing.T, s *Server, name string, messages ...model.Message) int64 {
	t.Helper()
	rr := doJSON(t, s.Handler(), http.MethodPost, "/v1/chats", createChatRequest{
		Name:     name,
		Messages: messages,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var created chatSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	return created.ID
}

// ============================================================================
// CHAT ENDPOINT TESTS
// ============================================================================

func TestServer_Health(t *testing.T) {
	s, _ := testServer(t, &fakeProvider{})
	rr := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ok")
}

func TestServer_ChatCRUD(t *testing.T) {
	s, _ := testServer(t, &fakeProvider{})
	h := s.Handler()

	id := seedChat(t, s, "Weekend Plans", model.NewUserMessage("what should I cook"))

	rr := doJSON(t, h, http.MethodGet, "/v1/chats", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var list []chatSummary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Weekend Plans", list[0].Name)
	assert.Equal(t, 1, list[0].Messages)

	rr = doJSON(t, h, http.MethodGet, fmt.Sprintf("/v1/chats/%d", id), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var rec model.ChatRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &rec))
	require.Len(t, rec.Messages, 1)
	assert.Equal(t, "what should I cook", rec.Messages[0].Content)

	rr = doJSON(t, h, http.MethodDelete, fmt.Sprintf("/v1/chats/%d", id), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, h, http.MethodGet, fmt.Sprintf("/v1/chats/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_GetChat_BadID(t *testing.T) {
	s, _ := testServer(t, &fakeProvider{})
	rr := doJSON(t, s.Handler(), http.MethodGet, "/v1/chats/banana", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_DeleteChat_Missing(t *testing.T) {
	s, _ := testServer(t, &fakeProvider{})
	rr := doJSON(t, s.Handler(), http.MethodDelete, "/v1/chats/42", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestServer_TitleChat(t *testing.T) {
	s, chats := testServer(t, &fakeProvider{name: "Dinner Ideas"})
	h := s.Handler()

	id := seedChat(t, s, model.DefaultChatName, model.NewUserMessage("what should I cook"))

	rr := doJSON(t, h, http.MethodPost, fmt.Sprintf("/v1/chats/%d/title", id), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "Dinner Ideas")

	chat, ok := chats.Get(entity.PersistedChatID(id))
	require.True(t, ok)
	assert.Equal(t, "Dinner Ideas", chat.Snapshot().Name)
}

func TestServer_TitleChat_NoUserMessage(t *testing.T) {
	s, _ := testServer(t, &fakeProvider{name: "Dinner Ideas"})
	id := seedChat(t, s, model.DefaultChatName)

	rr := doJSON(t, s.Handler(), http.MethodPost, fmt.Sprintf("/v1/chats/%d/title", id), nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestServer_TitleChat_NamingFallthrough(t *testing.T) {
	// A provider that yields the placeholder leaves the chat untouched.
	s, chats := testServer(t, &fakeProvider{})
	id := seedChat(t, s, "Kept Name", model.NewUserMessage("hi"))

	rr := doJSON(t, s.Handler(), http.MethodPost, fmt.Sprintf("/v1/chats/%d/title", id), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Kept Name")

	chat, ok := chats.Get(entity.PersistedChatID(id))
	require.True(t, ok)
	assert.Equal(t, "Kept Name", chat.Snapshot().Name)
}

// ============================================================================
// SETTINGS ENDPOINT TESTS
// ============================================================================

func TestServer_Settings(t *testing.T) {
	s, _ := testServer(t, &fakeProvider{})
	h := s.Handler()

	rr := doJSON(t, h, http.MethodPut, "/v1/settings", map[string]string{
		model.SettingAPIKey: "sk-secret",
		model.SettingModel:  "gpt-test",
	})
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = doJSON(t, h, http.MethodGet, "/v1/settings", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var all map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &all))
	assert.Equal(t, "gpt-test", all[model.SettingModel])
	assert.Equal(t, redacted, all[model.SettingAPIKey], "API key must never leave the server")

	rr = doJSON(t, h, http.MethodDelete, "/v1/settings/"+model.SettingModel, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, h, http.MethodGet, "/v1/settings", nil)
	all = nil // Unmarshal merges into an existing map.
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &all))
	assert.NotContains(t, all, model.SettingModel)
}

func TestServer_PutSettings_BlankKey(t *testing.T) {
	s, _ := testServer(t, &fakeProvider{})
	rr := doJSON(t, s.Handler(), http.MethodPut, "/v1/settings", map[string]string{"": "x"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

// ============================================================================
// BODY LIMIT AND RATE LIMIT TESTS
// ============================================================================

func TestServer_BodyTooLarge(t *testing.T) {
	log := zerolog.Nop()
	chats := entity.NewChatSet(newMemChatStore(), log)
	settings := entity.NewSettingSet(newMemSettingStore(), log)
	cfg := config.Default().Server
	cfg.RateLimitRPS = 1000
	cfg.MaxBodyBytes = 64
	s := New(cfg, chats, settings, &fakeProvider{}, log)

	body := strings.NewReader(`{"name":"` + strings.Repeat("a", 256) + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chats", body)
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestServer_RateLimit(t *testing.T) {
	log := zerolog.Nop()
	chats := entity.NewChatSet(newMemChatStore(), log)
	settings := entity.NewSettingSet(newMemSettingStore(), log)
	cfg := config.Default().Server
	cfg.RateLimitRPS = 1
	s := New(cfg, chats, settings, &fakeProvider{}, log)

	limited := false
	for i := 0; i < 10; i++ {
		rr := doJSON(t, s.Handler(), http.MethodGet, "/health", nil)
		if rr.Code == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst should exhaust the per-IP budget")
}

// ============================================================================
// PROVIDER ENDPOINT TESTS
// ============================================================================

func TestServer_ListModels(t *testing.T) {
	s, _ := testServer(t, &fakeProvider{models: []model.ModelInfo{{ID: "gpt-test"}, {ID: "gpt-mini"}}})
	rr := doJSON(t, s.Handler(), http.MethodGet, "/v1/models", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "gpt-mini")
}

func TestServer_ListModels_NotConfigured(t *testing.T) {
	s, _ := testServer(t, &fakeProvider{err: openai.ErrNoAPIKey})
	rr := doJSON(t, s.Handler(), http.MethodGet, "/v1/models", nil)
	assert.Equal(t, http.StatusPreconditionFailed, rr.Code)
}

func TestServer_Completions_SSE(t *testing.T) {
	provider := &fakeProvider{deltas: []model.Delta{
		{Content: "hello "},
		{Content: "world"},
	}}
	s, _ := testServer(t, provider)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body, _ := json.Marshal(completionsRequest{Messages: []model.Message{model.NewUserMessage("hi")}})
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var events []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			events = append(events, data)
		}
	}
	require.Len(t, events, 3)
	assert.Contains(t, events[0], "hello ")
	assert.Contains(t, events[1], "world")
	assert.Equal(t, "[DONE]", events[2])
}

func TestServer_Completions_EmptyMessages(t *testing.T) {
	s, _ := testServer(t, &fakeProvider{})
	rr := doJSON(t, s.Handler(), http.MethodPost, "/v1/chat/completions", completionsRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestServer_Completions_StreamFailure(t *testing.T) {
	provider := &fakeProvider{
		deltas: []model.Delta{{Content: "partial"}},
		err:    &openai.StreamError{Partial: "partial", Err: fmt.Errorf("connection reset")},
	}
	s, _ := testServer(t, provider)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	body, _ := json.Marshal(completionsRequest{Messages: []model.Message{model.NewUserMessage("hi")}})
	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	out := buf.String()
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "connection reset")
	assert.Contains(t, out, "[DONE]")
}
