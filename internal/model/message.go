// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"fmt"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// =============================================================================
// CONTENT PARTS
// =============================================================================

// Content part types for the structured message form.
const (
	PartText       = "text"
	PartImageURL   = "image_url"
	PartVideoURL   = "video_url"
	PartInputAudio = "input_audio"
	PartFile       = "file"
)

// ContentPart is one typed element of a structured message content list.
// Exactly one payload field is set, selected by Type.
type ContentPart struct {
	Type       string        `json:"type"`
	Text       string        `json:"text,omitempty"`
	ImageURL   *urlPayload   `json:"image_url,omitempty"`
	VideoURL   *urlPayload   `json:"video_url,omitempty"`
	InputAudio *audioPayload `json:"input_audio,omitempty"`
	File       *filePayload  `json:"file,omitempty"`
}

// TextPart creates a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// PartFromAttachment converts an attachment into the equivalent content
// part for the wire format, which has no separate attachment field.
func PartFromAttachment(a Attachment) ContentPart {
	switch a.Kind {
	case KindImage:
		return ContentPart{Type: PartImageURL, ImageURL: &urlPayload{URL: a.URL}}
	case KindVideo:
		return ContentPart{Type: PartVideoURL, VideoURL: &urlPayload{URL: a.URL}}
	case KindAudio:
		return ContentPart{Type: PartInputAudio, InputAudio: &audioPayload{Data: a.AudioData, Format: a.AudioFormat}}
	default:
		return ContentPart{Type: PartFile, File: &filePayload{Filename: a.FileName, FileData: a.FileData}}
	}
}

// =============================================================================
// MESSAGE
// =============================================================================

// Message is one entry of a chat. Content is either plain text (Content)
// or an ordered list of typed parts (Parts); Parts wins when non-empty.
//
// Images holds attachments that have not been folded into Parts yet.
// Reasoning is the accumulated side-channel text, kept separate from the
// visible reply.
//
// A message being streamed into is mutated in place (fields appended to)
// until the stream ends; after that it is frozen and persisted with the
// owning chat.
type Message struct {
	Role      string        `json:"role,omitempty"`
	Content   string        `json:"-"`
	Parts     []ContentPart `json:"-"`
	Images    []Attachment  `json:"images,omitempty"`
	Reasoning string        `json:"reasoning,omitempty"`
}

// messageJSON is the persisted/wire shape; content is string or part list.
type messageJSON struct {
	Role      string          `json:"role,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Images    []Attachment    `json:"images,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
}

// MarshalJSON encodes content as a plain string, or as a part list when
// structured parts are present.
func (m Message) MarshalJSON() ([]byte, error) {
	out := messageJSON{
		Role:      m.Role,
		Images:    m.Images,
		Reasoning: m.Reasoning,
	}
	switch {
	case len(m.Parts) > 0:
		raw, err := json.Marshal(m.Parts)
		if err != nil {
			return nil, err
		}
		out.Content = raw
	case m.Content != "":
		raw, err := json.Marshal(m.Content)
		if err != nil {
			return nil, err
		}
		out.Content = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts both content forms.
func (m *Message) UnmarshalJSON(data []byte) error {
	var in messageJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*m = Message{
		Role:      in.Role,
		Images:    in.Images,
		Reasoning: in.Reasoning,
	}
	if len(in.Content) == 0 {
		return nil
	}
	switch in.Content[0] {
	case '"':
		return json.Unmarshal(in.Content, &m.Content)
	case '[':
		return json.Unmarshal(in.Content, &m.Parts)
	default:
		return fmt.Errorf("message content is neither string nor part list")
	}
}

// NewUserMessage creates a plain-text user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// IsEmpty reports whether the message has no text and no attachments.
// Reasoning alone does not count: a reply that produced only
// side-channel text is still empty and is not worth persisting.
func (m *Message) IsEmpty() bool {
	return m.Content == "" && len(m.Parts) == 0 && len(m.Images) == 0
}

// DisplayText returns the visible text of the message: the plain content,
// or the concatenated text parts of a structured message.
func (m *Message) DisplayText() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var text string
	for _, p := range m.Parts {
		if p.Type == PartText {
			text += p.Text
		}
	}
	return text
}

// Clone returns a deep copy. Used for edit drafts so changes do not leak
// into the live message list before the edit is saved.
func (m *Message) Clone() Message {
	clone := *m
	if m.Parts != nil {
		clone.Parts = append([]ContentPart(nil), m.Parts...)
	}
	if m.Images != nil {
		clone.Images = append([]Attachment(nil), m.Images...)
	}
	return clone
}

// =============================================================================
// ACCUMULATOR MUTATION
// =============================================================================

// AppendContent appends a streamed content fragment.
func (m *Message) AppendContent(fragment string) {
	m.Content += fragment
}

// AppendReasoning appends a streamed reasoning fragment.
func (m *Message) AppendReasoning(fragment string) {
	m.Reasoning += fragment
}

// AppendImages appends streamed attachments.
func (m *Message) AppendImages(images []Attachment) {
	m.Images = append(m.Images, images...)
}
