// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"

	"github.com/opentalk-app/opentalk/internal/model"
	"github.com/opentalk-app/opentalk/internal/util"
)

// =============================================================================
// CONVERSATION EXPORT
// =============================================================================

// ExportTranscript writes the conversation to path as a markdown
// transcript. The write is atomic so a crash never leaves a torn file.
func ExportTranscript(name string, messages []model.Message, path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", name)

	for _, msg := range messages {
		switch msg.Role {
		case model.RoleUser:
			b.WriteString("## You\n\n")
		case model.RoleAssistant:
			b.WriteString("## Assistant\n\n")
		default:
			fmt.Fprintf(&b, "## %s\n\n", msg.Role)
		}

		if text := msg.DisplayText(); text != "" {
			b.WriteString(text)
			b.WriteString("\n\n")
		}
		for _, att := range msg.Images {
			fmt.Fprintf(&b, "*attachment: %s*\n\n", attachmentLabel(att))
		}
	}

	return util.AtomicWriteFile(path, []byte(b.String()), 0o644)
}

// attachmentLabel names an attachment for display without dumping its
// inline payload.
func attachmentLabel(att model.Attachment) string {
	if att.Kind == model.KindFile && att.FileName != "" {
		return att.FileName
	}
	return att.Kind.String()
}
