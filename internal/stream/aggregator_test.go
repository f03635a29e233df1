// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/convobot/internal/model"
)

type fakeBackend struct {
	fragments []model.Fragment
	openErr   error
	// block keeps the channel open after the scripted fragments.
	block bool
	done  chan struct{}
}

func (f *fakeBackend) StreamCompletion(ctx context.Context, _ model.Variant, _ []model.Turn) (<-chan model.Fragment, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	ch := make(chan model.Fragment)
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		defer close(ch)
		for _, frag := range f.fragments {
			select {
			case ch <- frag:
			case <-ctx.Done():
				return
			}
		}
		if f.block {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func reasoning(s string) model.Fragment {
	return model.Fragment{Kind: model.FragmentReasoning, Text: s}
}

func answer(s string) model.Fragment {
	return model.Fragment{Kind: model.FragmentAnswer, Text: s}
}

func TestRun_ReasoningStream(t *testing.T) {
	backend := &fakeBackend{fragments: []model.Fragment{reasoning("r1"), answer("a1"), answer("a2")}}

	res, err := NewAggregator(backend).Run(context.Background(), nil, model.VariantReasoner)
	require.NoError(t, err)

	assert.Equal(t, "a1a2", res.Answer)
	assert.Equal(t, "r1", res.Reasoning)
	assert.Equal(t, 3, res.OutputTokens)
	assert.Equal(t, "🧠 Reasoning:\n\nr1\n\n💡 Answer:\n\na1a2", res.Payload(model.VariantReasoner))

	record, err := res.Record(model.VariantReasoner)
	require.NoError(t, err)
	assert.Equal(t, `{"reasoning":"r1","answer":"a1a2"}`, record)
}

func TestRun_PlainStream(t *testing.T) {
	backend := &fakeBackend{fragments: []model.Fragment{answer(" Hel"), answer("lo ")}}

	res, err := NewAggregator(backend).Run(context.Background(), nil, model.VariantChat)
	require.NoError(t, err)

	assert.Equal(t, "Hello", res.Payload(model.VariantChat))
	record, err := res.Record(model.VariantChat)
	require.NoError(t, err)
	assert.Equal(t, " Hello ", record)
	assert.Equal(t, 2, res.OutputTokens)
}

func TestRun_EmptyAnswerIsFailure(t *testing.T) {
	backend := &fakeBackend{fragments: []model.Fragment{reasoning("thinking"), answer("  \n")}}

	_, err := NewAggregator(backend).Run(context.Background(), nil, model.VariantReasoner)
	require.ErrorIs(t, err, ErrEmptyAnswer)
}

func TestRun_FragmentErrorAborts(t *testing.T) {
	boom := errors.New("connection reset")
	backend := &fakeBackend{fragments: []model.Fragment{answer("partial"), {Err: boom}, answer("never")}}

	res, err := NewAggregator(backend).Run(context.Background(), nil, model.VariantChat)
	assert.Nil(t, res)
	require.ErrorIs(t, err, boom)

	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, 1, streamErr.Received)

	select {
	case <-backend.done:
	case <-time.After(time.Second):
		t.Fatal("producer goroutine did not exit")
	}
}

func TestRun_OpenErrorWrapped(t *testing.T) {
	boom := errors.New("401")
	_, err := NewAggregator(&fakeBackend{openErr: boom}).Run(context.Background(), nil, model.VariantChat)
	require.ErrorIs(t, err, boom)
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	backend := &fakeBackend{fragments: []model.Fragment{answer("a")}, block: true}

	errCh := make(chan error, 1)
	go func() {
		_, err := NewAggregator(backend).Run(ctx, nil, model.VariantChat)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestPayload_TrimsBlocks(t *testing.T) {
	r := &Result{Reasoning: "\n step one \n", Answer: " done\n"}
	assert.Equal(t, "🧠 Reasoning:\n\nstep one\n\n💡 Answer:\n\ndone", r.Payload(model.VariantReasoner))
}
