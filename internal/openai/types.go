// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"github.com/opentalk-app/opentalk/internal/model"
)

// =============================================================================
// WIRE TYPES
// =============================================================================

// chatRequest is the body of a chat completions request.
type chatRequest struct {
	Model      string          `json:"model"`
	Messages   []model.Message `json:"messages"`
	Stream     bool            `json:"stream"`
	Tools      []toolSpec      `json:"tools,omitempty"`
	ToolChoice *toolChoice     `json:"tool_choice,omitempty"`
}

// toolSpec declares a callable function to the provider.
type toolSpec struct {
	Type     string       `json:"type"`
	Function functionSpec `json:"function"`
}

type functionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// toolChoice forces the provider to call one specific function.
type toolChoice struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

func forceTool(name string) *toolChoice {
	tc := &toolChoice{Type: "function"}
	tc.Function.Name = name
	return tc
}

// ChatResponse is a non-streaming chat completions response.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string     `json:"role"`
			Content   string     `json:"content"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// GetContent returns the first choice's message content.
func (r *ChatResponse) GetContent() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

// firstToolArguments returns the raw arguments of the first tool call
// matching name, or "" when the provider did not call it.
func (r *ChatResponse) firstToolArguments(name string) string {
	if len(r.Choices) == 0 {
		return ""
	}
	for _, tc := range r.Choices[0].Message.ToolCalls {
		if tc.Function.Name == name {
			return tc.Function.Arguments
		}
	}
	return ""
}

// streamChunk is one SSE data event of a streaming completion.
type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta        model.Delta `json:"delta"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// delta returns the first choice's delta and whether one exists.
func (c *streamChunk) delta() (model.Delta, bool) {
	if len(c.Choices) == 0 {
		return model.Delta{}, false
	}
	return c.Choices[0].Delta, true
}

// isDone reports whether the provider marked the stream finished.
func (c *streamChunk) isDone() bool {
	return len(c.Choices) > 0 && c.Choices[0].FinishReason != ""
}

// modelsResponse is the body of a model listing response.
type modelsResponse struct {
	Data []model.ModelInfo `json:"data"`
}

// apiErrorResponse is the provider's error envelope.
type apiErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
