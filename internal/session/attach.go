// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/opentalk-app/opentalk/internal/model"
)

// MaxAttachmentSize caps a single attachment read from disk.
const MaxAttachmentSize = 20 * 1024 * 1024

// ErrAttachmentTooLarge indicates the file exceeds MaxAttachmentSize.
var ErrAttachmentTooLarge = fmt.Errorf("attachment exceeds %d bytes", MaxAttachmentSize)

// AttachFile reads a file from disk and queues it as an attachment on
// the next Send. The attachment kind follows the file's MIME type.
func (c *Controller) AttachFile(path string) (model.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("attaching %s: %w", path, err)
	}
	if info.Size() > MaxAttachmentSize {
		return model.Attachment{}, fmt.Errorf("attaching %s: %w", path, ErrAttachmentTooLarge)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return model.Attachment{}, fmt.Errorf("attaching %s: %w", path, err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return c.AttachData(filepath.Base(path), mimeType, data), nil
}

// AttachData queues raw bytes (a paste, a drop) as an attachment on
// the next Send.
func (c *Controller) AttachData(filename, mimeType string, data []byte) model.Attachment {
	dataURL := fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
	att := model.NewAttachment(filename, mimeType, dataURL)

	c.mu.Lock()
	c.draft = append(c.draft, att)
	c.mu.Unlock()
	return att
}

// Attachments returns the queued attachments for the next Send.
func (c *Controller) Attachments() []model.Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Attachment, len(c.draft))
	copy(out, c.draft)
	return out
}

// RemoveAttachment unqueues the attachment at index.
func (c *Controller) RemoveAttachment(index int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index >= 0 && index < len(c.draft) {
		c.draft = append(c.draft[:index], c.draft[index+1:]...)
	}
}

// ClearAttachments unqueues everything.
func (c *Controller) ClearAttachments() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = nil
}
