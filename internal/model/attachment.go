// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"errors"
	"strings"
)

// =============================================================================
// ATTACHMENT KIND
// =============================================================================

// AttachmentKind identifies the media type of an attachment.
type AttachmentKind int

const (
	KindImage AttachmentKind = iota
	KindVideo
	KindAudio
	KindFile
)

// String returns the kind name.
func (k AttachmentKind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// ClassifyKind maps a MIME type to an attachment kind. Anything that is not
// image, video or audio is a generic file.
func ClassifyKind(mimeType string) AttachmentKind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return KindAudio
	default:
		return KindFile
	}
}

// =============================================================================
// ATTACHMENT
// =============================================================================

// Attachment is a tagged union with exactly one payload per kind.
//
// The wire/persisted encoding matches the OpenAI-compatible content-part
// payloads: {"image_url":{"url":...}}, {"video_url":{"url":...}},
// {"input_audio":{"data":...,"format":...}} and
// {"file":{"filename":...,"file_data":...}}.
type Attachment struct {
	Kind AttachmentKind

	// KindImage / KindVideo: payload reference (URL or data: URL).
	URL string

	// KindAudio: inline data and container format ("mp3", "wav", ...).
	AudioData   string
	AudioFormat string

	// KindFile: original filename and inline data.
	FileName string
	FileData string
}

// NewImageAttachment creates an image attachment from a URL or data: URL.
func NewImageAttachment(url string) Attachment {
	return Attachment{Kind: KindImage, URL: url}
}

// NewVideoAttachment creates a video attachment from a URL or data: URL.
func NewVideoAttachment(url string) Attachment {
	return Attachment{Kind: KindVideo, URL: url}
}

// NewAudioAttachment creates an audio attachment from inline data.
func NewAudioAttachment(data, format string) Attachment {
	return Attachment{Kind: KindAudio, AudioData: data, AudioFormat: format}
}

// NewFileAttachment creates a generic file attachment.
func NewFileAttachment(filename, data string) Attachment {
	return Attachment{Kind: KindFile, FileName: filename, FileData: data}
}

// NewAttachment classifies a file by MIME type and builds the matching
// attachment variant. dataURL carries the inline payload.
func NewAttachment(filename, mimeType, dataURL string) Attachment {
	switch ClassifyKind(mimeType) {
	case KindImage:
		return NewImageAttachment(dataURL)
	case KindVideo:
		return NewVideoAttachment(dataURL)
	case KindAudio:
		format := mimeType
		if i := strings.IndexByte(mimeType, '/'); i >= 0 {
			format = mimeType[i+1:]
		}
		return NewAudioAttachment(dataURL, format)
	default:
		return NewFileAttachment(filename, dataURL)
	}
}

// =============================================================================
// JSON ENCODING
// =============================================================================

type urlPayload struct {
	URL string `json:"url"`
}

type audioPayload struct {
	Data   string `json:"data"`
	Format string `json:"format"`
}

type filePayload struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type attachmentJSON struct {
	ImageURL   *urlPayload   `json:"image_url,omitempty"`
	VideoURL   *urlPayload   `json:"video_url,omitempty"`
	InputAudio *audioPayload `json:"input_audio,omitempty"`
	File       *filePayload  `json:"file,omitempty"`
}

// ErrUnknownAttachment is returned when decoding an attachment that carries
// none of the known payload fields.
var ErrUnknownAttachment = errors.New("attachment has no recognized payload")

// MarshalJSON encodes the tagged union as the provider's duck-typed form.
func (a Attachment) MarshalJSON() ([]byte, error) {
	var out attachmentJSON
	switch a.Kind {
	case KindImage:
		out.ImageURL = &urlPayload{URL: a.URL}
	case KindVideo:
		out.VideoURL = &urlPayload{URL: a.URL}
	case KindAudio:
		out.InputAudio = &audioPayload{Data: a.AudioData, Format: a.AudioFormat}
	case KindFile:
		out.File = &filePayload{Filename: a.FileName, FileData: a.FileData}
	default:
		return nil, ErrUnknownAttachment
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the duck-typed form back into the tagged union.
func (a *Attachment) UnmarshalJSON(data []byte) error {
	var in attachmentJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch {
	case in.ImageURL != nil:
		*a = NewImageAttachment(in.ImageURL.URL)
	case in.VideoURL != nil:
		*a = NewVideoAttachment(in.VideoURL.URL)
	case in.InputAudio != nil:
		*a = NewAudioAttachment(in.InputAudio.Data, in.InputAudio.Format)
	case in.File != nil:
		*a = NewFileAttachment(in.File.Filename, in.File.FileData)
	default:
		return ErrUnknownAttachment
	}
	return nil
}
