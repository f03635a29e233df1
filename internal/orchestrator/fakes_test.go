// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jeranaias/convobot/internal/auth"
	"github.com/jeranaias/convobot/internal/model"
	"github.com/jeranaias/convobot/internal/transport"
)

// =============================================================================
// STORE
// =============================================================================

type fakeStore struct {
	mu         sync.Mutex
	models     map[int64]model.Variant
	authorized map[int64]bool
	active     map[int64]string
	turns      []model.ContextTurn
	audits     []model.AuditRecord
	exchanges  []model.Exchange

	resolveErr error
	recordErr  error
	authErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		models:     make(map[int64]model.Variant),
		authorized: make(map[int64]bool),
		active:     make(map[int64]string),
	}
}

func (s *fakeStore) Model(_ context.Context, p int64) (model.Variant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.models[p]; ok {
		return v, nil
	}
	return model.DefaultVariant, nil
}

func (s *fakeStore) SetModel(_ context.Context, p int64, v model.Variant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[p] = v
	return nil
}

func (s *fakeStore) Authorized(_ context.Context, p int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authErr != nil {
		return false, s.authErr
	}
	return s.authorized[p], nil
}

func (s *fakeStore) Authorize(_ context.Context, p int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authorized[p] = true
	s.models[p] = model.DefaultVariant
	return nil
}

func (s *fakeStore) ResolveConversation(_ context.Context, p int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolveErr != nil {
		return "", s.resolveErr
	}
	if id := s.active[p]; id != "" {
		return id, nil
	}
	return fmt.Sprintf("conv-%d", p), nil
}

func (s *fakeStore) RecentTurns(_ context.Context, p int64, conv string, limit int) ([]model.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Turn
	for _, t := range s.turns {
		if t.ParticipantID == p && t.ConversationID == conv {
			out = append(out, t.Turn())
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *fakeStore) Turns(_ context.Context, p int64, conv string) ([]model.ContextTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ContextTurn
	for _, t := range s.turns {
		if t.ParticipantID == p && t.ConversationID == conv {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *fakeStore) AppendTurn(_ context.Context, t model.ContextTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, t)
	return nil
}

func (s *fakeStore) DeleteTurns(_ context.Context, p int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.turns[:0]
	var n int64
	for _, t := range s.turns {
		if t.ParticipantID == p {
			n++
			continue
		}
		kept = append(kept, t)
	}
	s.turns = kept
	return n, nil
}

func (s *fakeStore) AppendAudit(_ context.Context, rec model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, rec)
	s.active[rec.ParticipantID] = rec.ConversationID
	return nil
}

func (s *fakeStore) RecordExchange(_ context.Context, ex model.Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	s.exchanges = append(s.exchanges, ex)
	s.audits = append(s.audits,
		model.AuditRecord{ParticipantID: ex.ParticipantID, ConversationID: ex.ConversationID, Kind: model.AuditPrompt,
			Content: ex.Prompt, Tokens: ex.PromptTokens, Cost: ex.PromptCost, Timestamp: ex.StartedAt, Model: ex.Model},
		model.AuditRecord{ParticipantID: ex.ParticipantID, ConversationID: ex.ConversationID, Kind: model.AuditResponse,
			Content: ex.Response, Tokens: ex.ResponseTokens, Cost: ex.ResponseCost, Timestamp: ex.FinishedAt, Model: ex.Model})
	s.turns = append(s.turns,
		model.ContextTurn{ParticipantID: ex.ParticipantID, ConversationID: ex.ConversationID, Role: model.RoleUser, Content: ex.Prompt, Timestamp: ex.StartedAt},
		model.ContextTurn{ParticipantID: ex.ParticipantID, ConversationID: ex.ConversationID, Role: model.RoleAssistant, Content: ex.Answer, Timestamp: ex.FinishedAt})
	s.active[ex.ParticipantID] = ex.ConversationID
	return nil
}

func (s *fakeStore) Usage(_ context.Context, p int64) (model.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var u model.Usage
	for _, a := range s.audits {
		if a.ParticipantID != p || a.Model == model.SystemModel {
			continue
		}
		switch a.Kind {
		case model.AuditPrompt:
			u.Requests++
			u.InputTokens += a.Tokens
		case model.AuditResponse:
			u.OutputTokens += a.Tokens
		}
		u.TotalCost += a.Cost
	}
	return u, nil
}

func (s *fakeStore) auditContents(p int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.audits {
		if a.ParticipantID == p {
			out = append(out, a.Content)
		}
	}
	return out
}

func (s *fakeStore) exchangeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exchanges)
}

// =============================================================================
// BACKEND
// =============================================================================

type fakeBackend struct {
	mu       sync.Mutex
	calls    [][]model.Turn
	variants []model.Variant
	frags    []model.Fragment
	openErr  error

	// hold, when set, delays the stream until it is closed.
	hold chan struct{}
}

func (f *fakeBackend) StreamCompletion(ctx context.Context, v model.Variant, turns []model.Turn) (<-chan model.Fragment, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]model.Turn(nil), turns...))
	f.variants = append(f.variants, v)
	frags, hold, openErr := f.frags, f.hold, f.openErr
	f.mu.Unlock()

	if openErr != nil {
		return nil, openErr
	}
	ch := make(chan model.Fragment)
	go func() {
		defer close(ch)
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
				return
			}
		}
		for _, fr := range frags {
			select {
			case ch <- fr:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func answer(parts ...string) []model.Fragment {
	out := make([]model.Fragment, len(parts))
	for i, p := range parts {
		out[i] = model.Fragment{Kind: model.FragmentAnswer, Text: p}
	}
	return out
}

// =============================================================================
// SENDER / TRANSPORT
// =============================================================================

type sentMsg struct {
	dest transport.Destination
	ref  transport.MessageRef
	text string
}

type editMsg struct {
	ref  transport.MessageRef
	text string
}

type fakeSender struct {
	mu     sync.Mutex
	nextID int
	sent   []sentMsg
	edits  []editMsg

	failPlaceholder bool
}

func (s *fakeSender) SendReply(_ context.Context, dest transport.Destination, text string) (transport.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPlaceholder && text == msgAccepted {
		return transport.MessageRef{}, errors.New("send failed")
	}
	s.nextID++
	ref := transport.MessageRef{ChatID: dest.ChatID, MessageID: s.nextID}
	s.sent = append(s.sent, sentMsg{dest: dest, ref: ref, text: text})
	return ref, nil
}

func (s *fakeSender) EditMessage(_ context.Context, ref transport.MessageRef, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, editMsg{ref: ref, text: text})
	return nil
}

func (s *fakeSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, m := range s.sent {
		out[i] = m.text
	}
	return out
}

func (s *fakeSender) lastText() string {
	t := s.texts()
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

func (s *fakeSender) editTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.edits))
	for i, e := range s.edits {
		out[i] = e.text
	}
	return out
}

type fakeTransport struct {
	*fakeSender
	updates chan transport.Incoming
}

func (t *fakeTransport) Updates(context.Context) (<-chan transport.Incoming, error) {
	return t.updates, nil
}

func (t *fakeTransport) Name() string { return "fake" }
func (t *fakeTransport) Close() error { return nil }

// =============================================================================
// HARNESS
// =============================================================================

const secret = "sesame"

type harness struct {
	bot     *Bot
	store   *fakeStore
	backend *fakeBackend
	sender  *fakeSender
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newFakeStore()
	backend := &fakeBackend{frags: answer("Hello", " there")}
	sender := &fakeSender{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	gate := auth.NewGate(secret, store, auth.NewCache(0, nil), auth.WithGateLogger(logger))
	var ids atomic.Int64
	bot, err := New(Deps{Store: store, Backend: backend, Sender: sender, Gate: gate}, Options{
		BotName:        "convobot",
		Logger:         logger,
		RequestTimeout: 5 * time.Second,
		NewID: func() string {
			return fmt.Sprintf("new-%d", ids.Add(1))
		},
	})
	require.NoError(t, err)
	return &harness{bot: bot, store: store, backend: backend, sender: sender}
}

func (h *harness) authorize(p int64) {
	h.store.mu.Lock()
	h.store.authorized[p] = true
	h.store.mu.Unlock()
}

func msg(p int64, text string) transport.Incoming {
	return transport.Incoming{
		ParticipantID: p,
		Username:      "user",
		Text:          text,
		Dest:          transport.Destination{ChatID: p, ReplyTo: 1},
		Received:      time.Now(),
	}
}
