// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jeranaias/convobot/internal/model"
)

// MaxEventSize is the maximum allowed size for a single SSE event (1MB).
const MaxEventSize = 1024 * 1024

// ErrEventTooLarge is returned when an SSE event exceeds MaxEventSize.
var ErrEventTooLarge = errors.New("sse event too large")

// =============================================================================
// STREAMING TYPES
// =============================================================================

// StreamChunk is one chat.completion.chunk object.
type StreamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			Role             string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Fragments converts the chunk's first choice into tagged fragments.
// Reasoning precedes answer text when a chunk carries both.
func (c *StreamChunk) Fragments() []model.Fragment {
	if len(c.Choices) == 0 {
		return nil
	}
	d := c.Choices[0].Delta
	var out []model.Fragment
	if d.ReasoningContent != "" {
		out = append(out, model.Fragment{Kind: model.FragmentReasoning, Text: d.ReasoningContent})
	}
	if d.Content != "" {
		out = append(out, model.Fragment{Kind: model.FragmentAnswer, Text: d.Content})
	}
	return out
}

// FinishReason returns the finish reason of the first choice.
func (c *StreamChunk) FinishReason() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].FinishReason
	}
	return ""
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{reader: bufio.NewReader(r)}
}

// ReadEvent reads the next SSE event. Returns the event type and the data
// lines joined by newlines, or io.EOF when the stream ends. Comment lines
// (keep-alives) and id/retry fields are skipped.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var (
		eventType string
		dataLines [][]byte
		size      int
	)

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !(err == io.EOF && len(line) > 0) {
			if err == io.EOF && len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			if err == io.EOF {
				return "", nil, io.EOF
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[6:]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := bytes.TrimPrefix(line[5:], []byte(" "))
			size += len(data)
			if size > MaxEventSize {
				return "", nil, ErrEventTooLarge
			}
			dataLines = append(dataLines, data)
		}

		if err == io.EOF {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, io.EOF
		}
	}
}

// =============================================================================
// CHANNEL-BASED COMPLETION STREAMING
// =============================================================================

// StreamCompletion starts a streaming completion of turns on variant v.
//
// Connection failures, 5xx responses and rate limits are retried with
// exponential backoff until the first byte of the stream arrives. After
// that, any failure is delivered as a terminal fragment with Err set and is
// never retried, since fragments already consumed cannot be taken back.
// The channel is closed when the stream ends.
func (c *Client) StreamCompletion(ctx context.Context, v model.Variant, turns []model.Turn) (<-chan model.Fragment, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(ChatRequest{
		Model:       v.BackendModel(),
		Messages:    toMessages(turns),
		Stream:      true,
		Temperature: c.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	out := make(chan model.Fragment, 64)
	go func() {
		defer close(out)

		resp, err := c.openStream(ctx, body)
		if err != nil {
			send(ctx, out, model.Fragment{Err: err})
			return
		}
		defer resp.Body.Close()

		if err := c.readStream(ctx, resp.Body, out); err != nil {
			send(ctx, out, model.Fragment{Err: err})
		}
	}()
	return out, nil
}

// openStream posts the request, retrying transient failures.
func (c *Client) openStream(ctx context.Context, body []byte) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt, lastErr)
			c.logger.Warn("retrying backend request", "attempt", attempt+1, "delay", delay, "error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		c.setHeaders(req)
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}
		c.logger.Debug("api response", "method", req.Method, "path", req.URL.Path,
			"status", resp.StatusCode, "duration", time.Since(start))

		if resp.StatusCode == http.StatusOK {
			return resp, nil
		}

		respBody, _ := readResponse(resp)
		resp.Body.Close()
		lastErr = c.handleErrorResponse(resp, respBody)
		if !isRetryable(lastErr) {
			return nil, lastErr
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// readStream parses SSE events into fragments until [DONE], EOF, or a
// finish reason.
func (c *Client) readStream(ctx context.Context, body io.Reader, out chan<- model.Fragment) error {
	reader := NewSSEReader(body)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, data, err := reader.ReadEvent()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read error: %w", err)
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		var chunk StreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed chunks
			c.logger.Debug("skipping malformed stream chunk", "error", err)
			continue
		}
		if chunk.Error != nil {
			return &APIError{Code: chunk.Error.Code, Message: chunk.Error.Message, Status: http.StatusOK}
		}

		for _, f := range chunk.Fragments() {
			if !send(ctx, out, f) {
				return ctx.Err()
			}
		}

		if chunk.FinishReason() != "" {
			return nil
		}
	}
}

// send delivers f unless ctx is cancelled first.
func send(ctx context.Context, out chan<- model.Fragment, f model.Fragment) bool {
	select {
	case out <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
