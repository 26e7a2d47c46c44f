// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/opentalk-app/opentalk/internal/model"
	"github.com/opentalk-app/opentalk/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout bounds non-streaming API requests.
	DefaultTimeout = 60 * time.Second

	// DefaultFirstByteTimeout bounds the wait for the first streamed
	// event after the request is accepted.
	DefaultFirstByteTimeout = 30 * time.Second

	// DefaultStreamTimeout bounds the gap between consecutive streamed
	// events.
	DefaultStreamTimeout = 120 * time.Second

	// MaxResponseSize caps non-streaming response bodies.
	MaxResponseSize = 10 * 1024 * 1024

	// maxChatNameLen is the rune cap applied to generated chat names.
	maxChatNameLen = 50

	// defaultRequestsPerSecond is the client-side request rate cap
	// shared across all calls.
	defaultRequestsPerSecond = 5
)

var (
	// sharedHTTPClient serves non-streaming requests with connection
	// pooling and a hard timeout.
	sharedHTTPClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		Timeout: DefaultTimeout,
	}

	// sharedStreamingClient serves streaming requests. No client
	// timeout; lifetime is controlled by the request context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoAPIBase indicates the provider base URL setting is empty.
	ErrNoAPIBase = errors.New("API base URL not configured")

	// ErrNoAPIKey indicates the provider API key setting is empty.
	ErrNoAPIKey = errors.New("API key not configured")

	// ErrNoModel indicates no model id is configured.
	ErrNoModel = errors.New("model not configured")

	// ErrAuthFailed indicates the provider rejected the API key.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")
)

// APIError is a provider error the sentinel errors do not cover.
type APIError struct {
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error [%s] (HTTP %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("provider error (HTTP %d): %s", e.Status, e.Message)
}

// =============================================================================
// CLIENT
// =============================================================================

// Settings supplies the live provider configuration. Calls read it
// fresh so settings changes apply without rebuilding the client.
type Settings interface {
	APIKey() string
	APIBase() string
	Model() string
	TaskModel() string
}

// ClientConfig holds the client's tunable behavior.
type ClientConfig struct {
	FirstByteTimeout  time.Duration
	StreamTimeout     time.Duration
	RequestsPerSecond float64
}

// SetDefaults fills zero fields with defaults.
func (c *ClientConfig) SetDefaults() {
	if c.FirstByteTimeout <= 0 {
		c.FirstByteTimeout = DefaultFirstByteTimeout
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = DefaultStreamTimeout
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = defaultRequestsPerSecond
	}
}

// Client talks to an OpenAI-compatible completions API.
type Client struct {
	settings Settings
	cfg      ClientConfig
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// NewClient creates a client over the given settings view.
func NewClient(settings Settings, cfg ClientConfig, log zerolog.Logger) *Client {
	cfg.SetDefaults()
	return &Client{
		settings: settings,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		log:      log.With().Str("component", "openai").Logger(),
	}
}

// checkConfigured fails fast before any network I/O when required
// settings are missing. Attachment uploads in particular should never
// leave the process if the request cannot succeed.
func (c *Client) checkConfigured() error {
	if c.settings.APIBase() == "" {
		return ErrNoAPIBase
	}
	if c.settings.APIKey() == "" {
		return ErrNoAPIKey
	}
	return nil
}

// modelFor picks the conversation or the background-task model.
func (c *Client) modelFor(useTaskModel bool) string {
	if useTaskModel {
		return c.settings.TaskModel()
	}
	return c.settings.Model()
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey())
	req.Header.Set("Content-Type", "application/json")
}

// logRequest logs an outgoing request without auth headers or body.
func (c *Client) logRequest(req *http.Request) {
	c.log.Debug().Str("method", req.Method).Str("path", req.URL.Path).Msg("api request")
}

func (c *Client) logResponse(resp *http.Response, duration time.Duration) {
	c.log.Debug().Int("status", resp.StatusCode).Dur("duration", duration).Msg("api response")
}

// =============================================================================
// NON-STREAMING COMPLETIONS
// =============================================================================

// Chat performs a blocking chat completion.
func (c *Client) Chat(ctx context.Context, messages []model.Message, useTaskModel bool) (*ChatResponse, error) {
	return c.chat(ctx, chatRequest{
		Model:    c.modelFor(useTaskModel),
		Messages: PrepareMessages(messages),
	})
}

func (c *Client) chat(ctx context.Context, reqBody chatRequest) (*ChatResponse, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}
	// The task model may differ from the conversation model; validate
	// whichever one this request actually carries.
	if reqBody.Model == "" {
		return nil, ErrNoModel
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := c.settings.APIBase() + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	c.logRequest(req)

	start := time.Now()
	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.logResponse(resp, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	var out ChatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &out, nil
}

// handleErrorResponse maps a provider error body to a typed error.
func (c *Client) handleErrorResponse(statusCode int, body []byte) error {
	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		switch statusCode {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrAuthFailed, apiErr.Error.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrModelNotFound, apiErr.Error.Message)
		case http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Error.Message)
		default:
			return &APIError{Code: apiErr.Error.Code, Message: apiErr.Error.Message, Status: statusCode}
		}
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return ErrAuthFailed
	case http.StatusNotFound:
		return ErrModelNotFound
	case http.StatusTooManyRequests:
		return ErrRateLimited
	default:
		return &APIError{Message: util.TrimForLog(string(body), 200), Status: statusCode}
	}
}

// =============================================================================
// MODEL LISTING
// =============================================================================

// ListModels fetches the provider's available model ids.
func (c *Client) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	if err := c.checkConfigured(); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.settings.APIBase()+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	c.logRequest(req)

	start := time.Now()
	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.logResponse(resp, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.handleErrorResponse(resp.StatusCode, body)
	}

	var out modelsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return out.Data, nil
}

// =============================================================================
// CHAT NAMING
// =============================================================================

// chatNameTool is the function the naming request forces the model to
// call, constraining the output to a single JSON string field.
var chatNameTool = toolSpec{
	Type: "function",
	Function: functionSpec{
		Name:        "set_chat_name",
		Description: "Set a short descriptive name for the conversation",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Concise conversation name, a few words",
				},
			},
			"required": []string{"name"},
		},
	},
}

// GenerateChatName asks the task model for a short name describing the
// first user message. Any failure, including an unusable answer, falls
// back to the default chat name so naming can never break sending.
func (c *Client) GenerateChatName(ctx context.Context, firstMessage string) string {
	prompt := fmt.Sprintf(
		"Name this conversation based on the user's opening message. Opening message:\n\n%s",
		util.TruncateRunes(firstMessage, 2000),
	)

	resp, err := c.chat(ctx, chatRequest{
		Model:      c.modelFor(true),
		Messages:   []model.Message{model.NewUserMessage(prompt)},
		Tools:      []toolSpec{chatNameTool},
		ToolChoice: forceTool(chatNameTool.Function.Name),
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("chat naming failed")
		return model.DefaultChatName
	}

	raw := resp.firstToolArguments(chatNameTool.Function.Name)
	if raw == "" {
		// Some providers answer in plain content despite the forced tool.
		raw = resp.GetContent()
		if name := CleanChatName(raw); name != "" {
			return name
		}
		return model.DefaultChatName
	}

	var args struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		c.log.Warn().Err(err).Msg("unparseable chat name arguments")
		return model.DefaultChatName
	}
	if name := CleanChatName(args.Name); name != "" {
		return name
	}
	return model.DefaultChatName
}

// CleanChatName strips a generated name down to letters and single
// spaces, capped at a display-friendly length. Returns "" when nothing
// usable remains.
func CleanChatName(raw string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range raw {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) && !lastSpace:
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	name := strings.TrimSpace(b.String())
	return util.TruncateRunes(name, maxChatNameLen)
}

// =============================================================================
// MESSAGE PREPARATION
// =============================================================================

// PrepareMessages converts stored messages to their request form.
// A message carrying attachments is folded into multi-part content so
// providers see the text and the attachments in one message; messages
// without attachments pass through unchanged.
func PrepareMessages(messages []model.Message) []model.Message {
	out := make([]model.Message, 0, len(messages))
	for _, m := range messages {
		if len(m.Images) == 0 || len(m.Parts) > 0 {
			out = append(out, m)
			continue
		}
		prepared := m.Clone()
		parts := make([]model.ContentPart, 0, len(m.Images)+1)
		if m.Content != "" {
			parts = append(parts, model.TextPart(m.Content))
		}
		for _, a := range m.Images {
			parts = append(parts, model.PartFromAttachment(a))
		}
		prepared.Parts = parts
		prepared.Content = ""
		prepared.Images = nil
		out = append(out, prepared)
	}
	return out
}
