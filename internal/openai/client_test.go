// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opentalk-app/opentalk/internal/model"
)

type stubSettings struct {
	key, base, model, taskModel string
}

func (s stubSettings) APIKey() string  { return s.key }
func (s stubSettings) APIBase() string { return s.base }
func (s stubSettings) Model() string   { return s.model }
func (s stubSettings) TaskModel() string {
	if s.taskModel != "" {
		return s.taskModel
	}
	return s.model
}

func testClient(settings Settings) *Client {
	return NewClient(settings, ClientConfig{RequestsPerSecond: 1000}, zerolog.Nop())
}

// =============================================================================
// CONFIGURATION CHECKS
// =============================================================================

func TestClient_FailsFastWhenUnconfigured(t *testing.T) {
	tests := []struct {
		name     string
		settings stubSettings
		wantErr  error
	}{
		{"missing base", stubSettings{key: "sk-1", model: "m"}, ErrNoAPIBase},
		{"missing key", stubSettings{base: "https://x", model: "m"}, ErrNoAPIKey},
		{"missing model", stubSettings{base: "https://x", key: "sk-1"}, ErrNoModel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testClient(tt.settings)
			_, err := c.Chat(context.Background(), []model.Message{model.NewUserMessage("hi")}, false)
			assert.ErrorIs(t, err, tt.wantErr)

			err = c.ChatStream(context.Background(), nil, false, func(model.Delta) {})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// A task model alone is enough for background requests; the
// conversation model being unset must not block them.
func TestClient_TaskModelAloneSuffices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "task-model", req["model"])
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": "ok"},
			}},
		})
	}))
	defer srv.Close()

	c := testClient(stubSettings{key: "sk-1", base: srv.URL, taskModel: "task-model"})

	_, err := c.Chat(context.Background(), []model.Message{model.NewUserMessage("hi")}, true)
	require.NoError(t, err)

	// The conversation path still fails fast without a model.
	_, err = c.Chat(context.Background(), []model.Message{model.NewUserMessage("hi")}, false)
	assert.ErrorIs(t, err, ErrNoModel)
	assert.ErrorIs(t, c.ChatStream(context.Background(), nil, false, func(model.Delta) {}), ErrNoModel)
}

func TestClient_ListModels_NeedsNoModelSetting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-1", r.Header.Get("Authorization"))
		assert.Equal(t, "/models", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"id": "gpt-4o"}, {"id": "gpt-4o-mini"}},
		})
	}))
	defer srv.Close()

	c := testClient(stubSettings{key: "sk-1", base: srv.URL})
	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-4o", models[0].ID)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{"auth", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`, ErrAuthFailed},
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, ErrRateLimited},
		{"missing model", http.StatusNotFound, `{"error":{"message":"no such model"}}`, ErrModelNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := testClient(stubSettings{key: "sk-1", base: srv.URL, model: "m"})
			_, err := c.Chat(context.Background(), []model.Message{model.NewUserMessage("hi")}, false)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestClient_UnparseableError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("upstream exploded"))
	}))
	defer srv.Close()

	c := testClient(stubSettings{key: "sk-1", base: srv.URL, model: "m"})
	_, err := c.Chat(context.Background(), []model.Message{model.NewUserMessage("hi")}, false)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
}

// =============================================================================
// CHAT NAMING
// =============================================================================

func TestClient_GenerateChatName_ToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "task-model", req["model"], "naming uses the task model")
		assert.NotEmpty(t, req["tools"])

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"role": "assistant",
					"tool_calls": []map[string]any{{
						"type": "function",
						"function": map[string]any{
							"name":      "set_chat_name",
							"arguments": `{"name":"Trip Planning! (Tokyo)"}`,
						},
					}},
				},
			}},
		})
	}))
	defer srv.Close()

	c := testClient(stubSettings{key: "sk-1", base: srv.URL, model: "chat-model", taskModel: "task-model"})
	name := c.GenerateChatName(context.Background(), "help me plan a trip to Tokyo")
	assert.Equal(t, "Trip Planning Tokyo", name)
}

func TestClient_GenerateChatName_ContentFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{"role": "assistant", "content": "Weekend Cooking Ideas"},
			}},
		})
	}))
	defer srv.Close()

	c := testClient(stubSettings{key: "sk-1", base: srv.URL, model: "m"})
	assert.Equal(t, "Weekend Cooking Ideas", c.GenerateChatName(context.Background(), "dinner?"))
}

func TestClient_GenerateChatName_FailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := testClient(stubSettings{key: "sk-1", base: srv.URL, model: "m"})
	assert.Equal(t, model.DefaultChatName, c.GenerateChatName(context.Background(), "hello"))
}

func TestCleanChatName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "Trip Planning", "Trip Planning"},
		{"punctuation stripped", `"Tokyo, here we come!!"`, "Tokyo here we come"},
		{"whitespace collapsed", "  a \n\t b  ", "a b"},
		{"digits kept", "Q3 Report", "Q3 Report"},
		{"nothing usable", "!?.,;", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanChatName(tt.in))
		})
	}
}

// =============================================================================
// MESSAGE PREPARATION
// =============================================================================

func TestPrepareMessages_FoldsAttachments(t *testing.T) {
	msgs := []model.Message{
		model.NewUserMessage("plain"),
		{
			Role:    model.RoleUser,
			Content: "look at this",
			Images:  []model.Attachment{model.NewImageAttachment("data:image/png;base64,xyz")},
		},
	}

	out := PrepareMessages(msgs)
	require.Len(t, out, 2)
	assert.Equal(t, "plain", out[0].Content)
	assert.Empty(t, out[0].Parts)

	require.Len(t, out[1].Parts, 2)
	assert.Equal(t, model.PartText, out[1].Parts[0].Type)
	assert.Equal(t, "look at this", out[1].Parts[0].Text)
	assert.Equal(t, model.PartImageURL, out[1].Parts[1].Type)
	assert.Empty(t, out[1].Content)
	assert.Empty(t, out[1].Images)

	// Inputs are not mutated.
	assert.Equal(t, "look at this", msgs[1].Content)
	assert.Len(t, msgs[1].Images, 1)
}
