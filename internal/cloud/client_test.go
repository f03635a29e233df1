// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/convobot/internal/model"
)

func newTestClient(url string) *Client {
	return NewClient("sk-test-0123456789").
		WithBaseURL(url).
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sse(w http.ResponseWriter, events ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, e := range events {
		fmt.Fprintf(w, "data: %s\n\n", e)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func collect(t *testing.T, ch <-chan model.Fragment) ([]model.Fragment, error) {
	t.Helper()
	var frags []model.Fragment
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return frags, nil
			}
			if f.Err != nil {
				for range ch {
				}
				return frags, f.Err
			}
			frags = append(frags, f)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

// =============================================================================
// STREAMING
// =============================================================================

func TestStreamCompletion_ReasoningAndAnswer(t *testing.T) {
	var received ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test-0123456789", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, ": keep-alive\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"role":"assistant","reasoning_content":"think"}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		io.WriteString(w, `data: {"choices":[{"delta":{},"finish_reason":"stop"}]}`+"\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	ch, err := newTestClient(server.URL).StreamCompletion(context.Background(), model.VariantReasoner,
		[]model.Turn{model.UserTurn("hi")})
	require.NoError(t, err)

	frags, err := collect(t, ch)
	require.NoError(t, err)
	require.Len(t, frags, 3)
	assert.Equal(t, model.FragmentReasoning, frags[0].Kind)
	assert.Equal(t, "think", frags[0].Text)
	assert.Equal(t, "Hel", frags[1].Text)
	assert.Equal(t, "lo", frags[2].Text)

	assert.Equal(t, "deepseek-reasoner", received.Model)
	assert.True(t, received.Stream)
	assert.Equal(t, DefaultTemperature, received.Temperature)
	require.Len(t, received.Messages, 1)
	assert.Equal(t, "user", received.Messages[0].Role)
}

func TestStreamCompletion_NotConfigured(t *testing.T) {
	_, err := NewClient("  ").StreamCompletion(context.Background(), model.VariantChat, nil)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestStreamCompletion_AuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":{"message":"bad key","code":"invalid_api_key"}}`)
	}))
	defer server.Close()

	ch, err := newTestClient(server.URL).StreamCompletion(context.Background(), model.VariantChat, nil)
	require.NoError(t, err)

	_, err = collect(t, ch)
	require.ErrorIs(t, err, ErrAuthFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStreamCompletion_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			io.WriteString(w, "overloaded")
			return
		}
		sse(w, `{"choices":[{"delta":{"content":"ok"}}]}`, "[DONE]")
	}))
	defer server.Close()

	ch, err := newTestClient(server.URL).StreamCompletion(context.Background(), model.VariantChat, nil)
	require.NoError(t, err)

	frags, err := collect(t, ch)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "ok", frags[0].Text)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStreamCompletion_RetriesExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(server.URL).WithMaxRetries(2)
	ch, err := client.StreamCompletion(context.Background(), model.VariantChat, nil)
	require.NoError(t, err)

	_, err = collect(t, ch)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestStreamCompletion_InStreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w,
			`{"choices":[{"delta":{"content":"partial"}}]}`,
			`{"error":{"message":"context length exceeded","code":"invalid_request"}}`)
	}))
	defer server.Close()

	ch, err := newTestClient(server.URL).StreamCompletion(context.Background(), model.VariantChat, nil)
	require.NoError(t, err)

	frags, err := collect(t, ch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "context length exceeded")
	assert.Len(t, frags, 1)
}

func TestStreamCompletion_SkipsMalformedChunks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, `{not json`, `{"choices":[{"delta":{"content":"fine"}}]}`, "[DONE]")
	}))
	defer server.Close()

	ch, err := newTestClient(server.URL).StreamCompletion(context.Background(), model.VariantChat, nil)
	require.NoError(t, err)

	frags, err := collect(t, ch)
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "fine", frags[0].Text)
}

func TestStreamCompletion_Cancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sse(w, `{"choices":[{"delta":{"content":"first"}}]}`)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := newTestClient(server.URL).StreamCompletion(ctx, model.VariantChat, nil)
	require.NoError(t, err)

	f := <-ch
	require.NoError(t, f.Err)
	cancel()

	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream goroutine did not exit after cancellation")
	}
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestHandleErrorResponse(t *testing.T) {
	c := NewClient("k")
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, `{"error":{"message":"nope"}}`, ErrAuthFailed},
		{http.StatusPaymentRequired, "", ErrInsufficientCredits},
		{http.StatusNotFound, "", ErrModelNotFound},
		{http.StatusTooManyRequests, `{"error":{"message":"slow down"}}`, ErrRateLimited},
	}
	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.status, Header: http.Header{}}
		err := c.handleErrorResponse(resp, []byte(tt.body))
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: got %v, want %v", tt.status, err, tt.want)
		}
	}
}

func TestHandleErrorResponse_RetryAfter(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": []string{"3"}}}
	err := NewClient("k").handleErrorResponse(resp, nil)

	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 3*time.Second, calculateBackoff(1, err))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(ErrRateLimited))
	assert.True(t, isRetryable(&APIError{Status: 500}))
	assert.True(t, isRetryable(errors.New("connection reset")))
	assert.False(t, isRetryable(&APIError{Status: 400}))
	assert.False(t, isRetryable(fmt.Errorf("%w: x", ErrAuthFailed)))
	assert.False(t, isRetryable(context.Canceled))
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, calculateBackoff(1, nil))
	assert.Equal(t, time.Second, calculateBackoff(2, nil))
	assert.Equal(t, retryMaxDelay, calculateBackoff(10, nil))
}

// =============================================================================
// SSE READER
// =============================================================================

func TestSSEReader(t *testing.T) {
	input := "event: message\ndata: line1\ndata: line2\n\n: comment\n\ndata:tight\n\ndata: trailing"
	r := NewSSEReader(strings.NewReader(input))

	typ, data, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "message", typ)
	assert.Equal(t, "line1\nline2", string(data))

	_, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "tight", string(data))

	_, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "trailing", string(data))

	_, _, err = r.ReadEvent()
	assert.Equal(t, io.EOF, err)
}

func TestSSEReader_EventTooLarge(t *testing.T) {
	input := "data: " + strings.Repeat("x", MaxEventSize+1) + "\n\n"
	_, _, err := NewSSEReader(strings.NewReader(input)).ReadEvent()
	require.ErrorIs(t, err, ErrEventTooLarge)
}

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

func TestListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		io.WriteString(w, `{"data":[{"id":"deepseek-chat","owned_by":"deepseek"},{"id":"deepseek-reasoner","owned_by":"deepseek"}]}`)
	}))
	defer server.Close()

	models, err := newTestClient(server.URL).ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "deepseek-chat", models[0].ID)
}

func TestClientBuilders(t *testing.T) {
	c := NewClient("key").WithBaseURL("https://example.com/v1/").WithMaxRetries(0).WithRateLimit(2, 0)
	assert.Equal(t, "https://example.com/v1", c.BaseURL())
	assert.Equal(t, 1, c.maxRetries)
	require.NotNil(t, c.limiter)
	assert.Equal(t, 1, c.limiter.Burst())

	assert.Len(t, c.KeyFingerprint(), 8)
	assert.Equal(t, "none", NewClient("").KeyFingerprint())
}
