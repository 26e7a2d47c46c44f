// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// ReasoningDetail is one entry of a delta's reasoning_details marker array.
// Only its presence and count matter to the client; the fields are carried
// for diagnostics.
type ReasoningDetail struct {
	Type    string `json:"type,omitempty"`
	Summary string `json:"summary,omitempty"`
	Data    string `json:"data,omitempty"`
	Text    string `json:"text,omitempty"`
}

// Delta is one incremental fragment of an in-progress assistant reply.
//
// ReasoningDetails distinguishes absent (nil) from present-and-empty
// (non-nil, length zero). Some providers duplicate generated images across
// the content and reasoning channels; images are only applied when
// ReasoningDetails is present and empty, which marks the content-channel
// copy.
type Delta struct {
	Content          string            `json:"content,omitempty"`
	Reasoning        string            `json:"reasoning,omitempty"`
	Images           []Attachment      `json:"images,omitempty"`
	ReasoningDetails []ReasoningDetail `json:"reasoning_details,omitempty"`
}

// ShouldApplyImages reports whether the delta's images belong on the
// accumulator (the duplicate-suppression rule above).
func (d *Delta) ShouldApplyImages() bool {
	return len(d.Images) > 0 && d.ReasoningDetails != nil && len(d.ReasoningDetails) == 0
}

// IsSubstantive reports whether the delta carries visible output, which
// dismisses the typing indicator.
func (d *Delta) IsSubstantive() bool {
	return d.Content != "" || d.ShouldApplyImages()
}
