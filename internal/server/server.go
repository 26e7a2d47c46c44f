// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/opentalk-app/opentalk/internal/config"
	"github.com/opentalk-app/opentalk/internal/entity"
	"github.com/opentalk-app/opentalk/internal/model"
	"github.com/opentalk-app/opentalk/internal/openai"
)

// ============================================================================
// SERVER
// ============================================================================

// Provider is the slice of the completions client the API needs.
type Provider interface {
	ChatStream(ctx context.Context, messages []model.Message, useTaskModel bool, callback openai.StreamCallback) error
	GenerateChatName(ctx context.Context, firstMessage string) string
	ListModels(ctx context.Context) ([]model.ModelInfo, error)
}

// Server exposes the chat and settings stores over HTTP.
type Server struct {
	cfg      config.ServerConfig
	chats    *entity.ChatSet
	settings *entity.SettingSet
	provider Provider
	log      zerolog.Logger

	mux  *http.ServeMux
	http *http.Server
}

// New builds a Server with all routes registered. Call ListenAndServe
// to start it.
func New(cfg config.ServerConfig, chats *entity.ChatSet, settings *entity.SettingSet, provider Provider, log zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		chats:    chats,
		settings: settings,
		provider: provider,
		log:      log,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()

	wrapped := Chain(
		RecoveryMiddleware(log),
		LoggingMiddleware(log),
		RateLimitMiddleware(NewRateLimiter(cfg.RateLimitRPS)),
	)(s.mux)

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           wrapped,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: completion streams are open-ended.
	}
	return s
}

// Handler returns the fully wrapped handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("api listening")
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /v1/chats", s.handleListChats)
	s.mux.HandleFunc("POST /v1/chats", s.handleCreateChat)
	s.mux.HandleFunc("GET /v1/chats/{id}", s.handleGetChat)
	s.mux.HandleFunc("DELETE /v1/chats/{id}", s.handleDeleteChat)
	s.mux.HandleFunc("POST /v1/chats/{id}/title", s.handleTitleChat)

	s.mux.HandleFunc("GET /v1/settings", s.handleListSettings)
	s.mux.HandleFunc("PUT /v1/settings", s.handlePutSettings)
	s.mux.HandleFunc("DELETE /v1/settings/{key}", s.handleDeleteSetting)

	s.mux.HandleFunc("GET /v1/models", s.handleListModels)
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleCompletions)
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, errorResponse{Error: fmt.Sprintf(format, args...)})
}

// readJSON decodes the body with the configured size cap.
func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
			return err
		}
		writeError(w, http.StatusBadRequest, "invalid request body: %v", err)
		return err
	}
	return nil
}

// chatIDFromPath parses the {id} path segment into a persisted ChatID.
func chatIDFromPath(r *http.Request) (entity.ChatID, error) {
	raw := r.PathValue("id")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return entity.ChatID{}, fmt.Errorf("invalid chat id %q", raw)
	}
	return entity.PersistedChatID(n), nil
}

// ============================================================================
// HEALTH
// ============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ============================================================================
// CHAT HANDLERS
// ============================================================================

// chatSummary is the listing shape; messages stay out of the index.
type chatSummary struct {
	ID       int64          `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Messages int            `json:"message_count"`
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats := s.chats.List().Snapshot()
	out := make([]chatSummary, 0, len(chats))
	for _, c := range chats {
		rec := c.Snapshot()
		id, ok := c.ID().Persisted()
		if !ok {
			// Drafts are owned by the local session until the insert
			// lands; they are not addressable over the API.
			continue
		}
		out = append(out, chatSummary{
			ID:       id,
			Name:     rec.Name,
			Metadata: rec.Metadata,
			Messages: len(rec.Messages),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type createChatRequest struct {
	Name     string          `json:"name"`
	Metadata map[string]any  `json:"metadata"`
	Messages []model.Message `json:"messages"`
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := s.readJSON(w, r, &req); err != nil {
		return
	}
	if req.Name == "" {
		req.Name = model.DefaultChatName
	}

	chat := s.chats.NewChat(r.Context(), model.ChatRecord{
		Name:     req.Name,
		Metadata: req.Metadata,
		Messages: req.Messages,
	}, nil)

	// The API promises a persisted id, so wait out the insert.
	s.chats.Wait()

	id, ok := chat.ID().Persisted()
	if !ok {
		writeError(w, http.StatusInternalServerError, "chat could not be persisted")
		return
	}
	rec := chat.Snapshot()
	writeJSON(w, http.StatusCreated, chatSummary{
		ID:       id,
		Name:     rec.Name,
		Metadata: rec.Metadata,
		Messages: len(rec.Messages),
	})
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	id, err := chatIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	chat, ok := s.chats.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "chat %s not found", id)
		return
	}
	writeJSON(w, http.StatusOK, chat.Snapshot())
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id, err := chatIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if err := s.chats.Delete(r.Context(), id); err != nil {
		if errors.Is(err, entity.ErrChatNotFound) {
			writeError(w, http.StatusNotFound, "chat %s not found", id)
			return
		}
		writeError(w, http.StatusInternalServerError, "delete failed: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTitleChat names the chat from its first user message and saves
// the result.
func (s *Server) handleTitleChat(w http.ResponseWriter, r *http.Request) {
	id, err := chatIDFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	chat, ok := s.chats.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "chat %s not found", id)
		return
	}

	rec := chat.Snapshot()
	var first string
	for _, msg := range rec.Messages {
		if msg.Role == model.RoleUser {
			first = msg.DisplayText()
			break
		}
	}
	if first == "" {
		writeError(w, http.StatusConflict, "chat %s has no user message to name from", id)
		return
	}

	name := s.provider.GenerateChatName(r.Context(), first)
	if name == "" || name == model.DefaultChatName {
		// Naming is best-effort; report the unchanged record.
		writeJSON(w, http.StatusOK, map[string]string{"name": rec.Name})
		return
	}
	if _, err := s.chats.Update(r.Context(), id, entity.ChatMutation{Name: &name}); err != nil {
		writeError(w, http.StatusInternalServerError, "rename failed: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"name": name})
}

// ============================================================================
// SETTINGS HANDLERS
// ============================================================================

const redacted = "<redacted>"

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	all := s.settings.All()
	if _, ok := all[model.SettingAPIKey]; ok {
		all[model.SettingAPIKey] = redacted
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if err := s.readJSON(w, r, &req); err != nil {
		return
	}
	for key, value := range req {
		if err := s.settings.Set(r.Context(), key, value); err != nil {
			writeError(w, http.StatusBadRequest, "setting %q: %v", key, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := s.settings.Delete(r.Context(), key); err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed: %v", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// PROVIDER HANDLERS
// ============================================================================

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.provider.ListModels(r.Context())
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": models})
}

type completionsRequest struct {
	Messages []model.Message `json:"messages"`
	// TaskModel routes the request to the lightweight model.
	TaskModel bool `json:"task_model,omitempty"`
}

// handleCompletions streams the upstream completion back out as SSE.
// Each delta is re-emitted as a data: line, then [DONE].
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req completionsRequest
	if err := s.readJSON(w, r, &req); err != nil {
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	err := s.provider.ChatStream(r.Context(), req.Messages, req.TaskModel, func(delta model.Delta) {
		payload, err := json.Marshal(delta)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	})
	if err != nil {
		// Headers are already out; surface the failure as an event.
		var streamErr *openai.StreamError
		msg := err.Error()
		if errors.As(err, &streamErr) {
			msg = streamErr.Err.Error()
		}
		payload, _ := json.Marshal(errorResponse{Error: msg})
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
		s.log.Warn().Err(err).Msg("completion stream failed")
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// writeProviderError maps upstream failures onto API statuses.
func writeProviderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, openai.ErrNoAPIBase), errors.Is(err, openai.ErrNoAPIKey), errors.Is(err, openai.ErrNoModel):
		writeError(w, http.StatusPreconditionFailed, "%v", err)
	case errors.Is(err, openai.ErrAuthFailed):
		writeError(w, http.StatusBadGateway, "upstream rejected credentials")
	case errors.Is(err, openai.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "upstream rate limited")
	default:
		writeError(w, http.StatusBadGateway, "upstream error: %v", redactBody(err))
	}
}

// redactBody keeps upstream error text out of logs-adjacent responses
// when it looks like it embeds a bearer token.
func redactBody(err error) string {
	msg := err.Error()
	if strings.Contains(msg, "Bearer ") {
		return "upstream request failed"
	}
	return msg
}
