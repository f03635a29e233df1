// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/convobot/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrEmptyAnswer is returned when a stream completes without answer text.
var ErrEmptyAnswer = errors.New("backend returned an empty answer")

// StreamError reports a failure that interrupted a stream. Received is the
// number of fragments consumed before the failure; their text is discarded.
type StreamError struct {
	Received int
	Err      error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Received > 0 {
		return fmt.Sprintf("stream error after %d fragments: %v", e.Received, e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// AGGREGATOR
// =============================================================================

// Backend opens a fragment stream for a turn list. The channel is closed
// when the stream ends; a fragment with a non-nil Err ends it abnormally.
type Backend interface {
	StreamCompletion(ctx context.Context, v model.Variant, turns []model.Turn) (<-chan model.Fragment, error)
}

// Result is the accumulated output of a completed stream.
type Result struct {
	Answer    string
	Reasoning string

	// OutputTokens counts fragments, one per fragment regardless of length.
	OutputTokens int

	FirstFragment time.Duration
	Duration      time.Duration
}

// Aggregator runs backend streams.
type Aggregator struct {
	backend Backend
	now     func() time.Time
}

// NewAggregator creates an aggregator for backend.
func NewAggregator(backend Backend) *Aggregator {
	return &Aggregator{backend: backend, now: time.Now}
}

// Run streams a completion for turns and returns the accumulated result.
func (a *Aggregator) Run(ctx context.Context, turns []model.Turn, v model.Variant) (*Result, error) {
	start := a.now()
	ch, err := a.backend.StreamCompletion(ctx, v, turns)
	if err != nil {
		return nil, &StreamError{Err: err}
	}

	var (
		answer    strings.Builder
		reasoning strings.Builder
		res       Result
	)
	for {
		select {
		case <-ctx.Done():
			go drain(ch)
			return nil, &StreamError{Received: res.OutputTokens, Err: ctx.Err()}
		case f, ok := <-ch:
			if !ok {
				if err := ctx.Err(); err != nil {
					return nil, &StreamError{Received: res.OutputTokens, Err: err}
				}
				res.Duration = a.now().Sub(start)
				res.Answer = answer.String()
				res.Reasoning = reasoning.String()
				if strings.TrimSpace(res.Answer) == "" {
					return nil, ErrEmptyAnswer
				}
				return &res, nil
			}
			if f.Err != nil {
				go drain(ch)
				return nil, &StreamError{Received: res.OutputTokens, Err: f.Err}
			}
			if res.OutputTokens == 0 {
				res.FirstFragment = a.now().Sub(start)
			}
			res.OutputTokens++
			switch f.Kind {
			case model.FragmentReasoning:
				reasoning.WriteString(f.Text)
			default:
				answer.WriteString(f.Text)
			}
		}
	}
}

// drain consumes the rest of an abandoned stream so its producer can exit.
func drain(ch <-chan model.Fragment) {
	for range ch {
	}
}

// =============================================================================
// RENDERING
// =============================================================================

const (
	reasoningHeader = "🧠 Reasoning:"
	answerHeader    = "💡 Answer:"
)

// Payload returns the user-facing text. Reasoning variants get a two-block
// message; plain variants get the trimmed answer.
func (r *Result) Payload(v model.Variant) string {
	answer := strings.TrimSpace(r.Answer)
	if !v.IsReasoning() {
		return answer
	}
	return reasoningHeader + "\n\n" + strings.TrimSpace(r.Reasoning) +
		"\n\n" + answerHeader + "\n\n" + answer
}

// Record returns the form persisted in the audit trail. Reasoning variants
// store an envelope; plain variants store the answer as received.
func (r *Result) Record(v model.Variant) (string, error) {
	if !v.IsReasoning() {
		return r.Answer, nil
	}
	return model.Envelope{
		Reasoning: strings.TrimSpace(r.Reasoning),
		Answer:    strings.TrimSpace(r.Answer),
	}.Encode()
}
