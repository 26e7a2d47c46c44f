// Copyright (c) 2025 Opentalk Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later

package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opentalk-app/opentalk/internal/model"
	"github.com/opentalk-app/opentalk/internal/util"
)

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamCallback receives each incremental delta of a streaming
// completion, in arrival order, on the streaming goroutine.
type StreamCallback func(delta model.Delta)

// StreamError is a mid-stream failure that preserves the content
// accumulated before the connection broke.
type StreamError struct {
	Partial string
	Err     error
}

func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", len(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// ErrStreamStalled indicates no event arrived within the stream
// timeout window.
var ErrStreamStalled = fmt.Errorf("stream stalled")

// =============================================================================
// SSE READER
// =============================================================================

// sseReader parses Server-Sent Events from a response body.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// readEvent returns the data of the next SSE event. Field lines other
// than data (event:, id:, retry:, comments) are skipped. Returns
// io.EOF when the stream ends.
func (s *sseReader) readEvent() ([]byte, error) {
	var dataLines [][]byte

	for {
		// ReadBytes hands back the partial line alongside io.EOF when the
		// stream ends without a trailing newline; consume it before bailing.
		line, err := s.reader.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(line) == 0 && err == nil:
			// Blank line terminates the event.
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
		case bytes.HasPrefix(line, []byte("data:")):
			dataLines = append(dataLines, bytes.TrimSpace(line[5:]))
		}

		if err != nil {
			if err == io.EOF && len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			return nil, err
		}
	}
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// ChatStream performs a streaming chat completion, invoking callback
// for every delta until the provider signals completion. Cancelling
// ctx stops the stream with ctx.Err(); the caller decides what to do
// with content already delivered. A connection drop mid-stream returns
// a StreamError carrying the partial text.
func (c *Client) ChatStream(ctx context.Context, messages []model.Message, useTaskModel bool, callback StreamCallback) error {
	if err := c.checkConfigured(); err != nil {
		return err
	}
	if c.modelFor(useTaskModel) == "" {
		return ErrNoModel
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	reqBody := chatRequest{
		Model:    c.modelFor(useTaskModel),
		Messages: PrepareMessages(messages),
		Stream:   true,
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	url := c.settings.APIBase() + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.logRequest(req)
	if n := len(messages); n > 0 {
		c.log.Debug().Str("prompt", util.TrimForLog(messages[n-1].DisplayText(), 0)).Msg("streaming chat")
	}

	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		return c.handleErrorResponse(resp.StatusCode, body)
	}

	return c.processStream(ctx, resp.Body, callback)
}

// streamEvent is one parsed read off the SSE goroutine.
type streamEvent struct {
	data []byte
	err  error
}

// processStream drains the SSE body, decoding chunks and dispatching
// deltas. Reads happen on a separate goroutine so the idle timers and
// context cancellation are observed even while a read is blocked.
//
// Malformed data events are skipped, not fatal: one garbled chunk in
// an otherwise healthy stream should cost one delta, not the whole
// reply.
func (c *Client) processStream(ctx context.Context, body io.Reader, callback StreamCallback) error {
	// The derived context releases the reader goroutine on any early
	// return; closing the body then unblocks its pending read.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan streamEvent)
	go func() {
		reader := newSSEReader(body)
		for {
			data, err := reader.readEvent()
			select {
			case events <- streamEvent{data: data, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var accumulated strings.Builder
	malformed := 0
	timeout := c.cfg.FirstByteTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	fail := func(err error) error {
		if accumulated.Len() > 0 {
			return &StreamError{Partial: accumulated.String(), Err: err}
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fail(fmt.Errorf("%w: no event within %v", ErrStreamStalled, timeout))
		case ev := <-events:
			if ev.err != nil {
				if ev.err == io.EOF {
					return nil
				}
				return fail(ev.err)
			}

			// Subsequent events get the inter-event window.
			timeout = c.cfg.StreamTimeout
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(timeout)

			if bytes.Equal(ev.data, []byte("[DONE]")) {
				return nil
			}

			var chunk streamChunk
			if err := json.Unmarshal(ev.data, &chunk); err != nil {
				malformed++
				c.log.Warn().Err(err).Int("skipped", malformed).Msg("skipping malformed stream chunk")
				continue
			}

			if delta, ok := chunk.delta(); ok {
				accumulated.WriteString(delta.Content)
				callback(delta)
			}
			if chunk.isDone() {
				return nil
			}
		}
	}
}

// ChatStreamChan is the channel variant of ChatStream. The delta
// channel closes when the stream ends; a terminal failure, if any, is
// delivered on the error channel before it closes.
func (c *Client) ChatStreamChan(ctx context.Context, messages []model.Message, useTaskModel bool) (<-chan model.Delta, <-chan error) {
	deltas := make(chan model.Delta, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(deltas)
		defer close(errs)

		err := c.ChatStream(ctx, messages, useTaskModel, func(delta model.Delta) {
			select {
			case deltas <- delta:
			case <-ctx.Done():
			}
		})
		if err != nil {
			errs <- err
		}
	}()

	return deltas, errs
}
