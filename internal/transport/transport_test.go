// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/peterh/liner"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TELEGRAM
// =============================================================================

type fakeBot struct {
	mu      sync.Mutex
	sent    []tgbotapi.Chattable
	nextID  int
	sendErr error
	updates chan tgbotapi.Update
	stops   int
}

func newFakeBot() *fakeBot {
	return &fakeBot{nextID: 100, updates: make(chan tgbotapi.Update, 8)}
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.sent = append(f.sent, c)
	f.nextID++
	var chatID int64
	switch m := c.(type) {
	case tgbotapi.MessageConfig:
		chatID = m.ChatID
	case tgbotapi.EditMessageTextConfig:
		chatID = m.ChatID
	}
	return tgbotapi.Message{MessageID: f.nextID, Chat: &tgbotapi.Chat{ID: chatID}}, nil
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTelegram_SendReply(t *testing.T) {
	bot := newFakeBot()
	tg := newTelegram(bot, "testbot", WithTelegramLogger(quiet()))

	ref, err := tg.SendReply(context.Background(), Destination{ChatID: 55, ReplyTo: 9}, "hello")
	require.NoError(t, err)
	assert.Equal(t, MessageRef{ChatID: 55, MessageID: 101}, ref)

	require.Len(t, bot.sent, 1)
	msg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	require.True(t, ok)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, 9, msg.ReplyToMessageID)
}

func TestTelegram_EditMessage(t *testing.T) {
	bot := newFakeBot()
	tg := newTelegram(bot, "testbot", WithTelegramLogger(quiet()))

	require.NoError(t, tg.EditMessage(context.Background(), MessageRef{ChatID: 55, MessageID: 7}, "new"))
	edit, ok := bot.sent[0].(tgbotapi.EditMessageTextConfig)
	require.True(t, ok)
	assert.Equal(t, 7, edit.MessageID)
	assert.Equal(t, "new", edit.Text)
}

func TestTelegram_EditNotModifiedIsSuccess(t *testing.T) {
	bot := newFakeBot()
	bot.sendErr = errors.New("Bad Request: message is not modified")
	tg := newTelegram(bot, "testbot", WithTelegramLogger(quiet()))

	assert.NoError(t, tg.EditMessage(context.Background(), MessageRef{ChatID: 1, MessageID: 1}, "same"))
}

func TestTelegram_SendError(t *testing.T) {
	bot := newFakeBot()
	bot.sendErr = errors.New("Forbidden: bot was blocked by the user")
	tg := newTelegram(bot, "testbot", WithTelegramLogger(quiet()))

	_, err := tg.SendReply(context.Background(), Destination{ChatID: 1}, "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

func TestTelegram_Updates(t *testing.T) {
	bot := newFakeBot()
	tg := newTelegram(bot, "testbot", WithTelegramLogger(quiet()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := tg.Updates(ctx)
	require.NoError(t, err)

	bot.updates <- tgbotapi.Update{} // no message
	bot.updates <- tgbotapi.Update{Message: &tgbotapi.Message{
		MessageID: 3,
		From:      &tgbotapi.User{ID: 77, UserName: "alice"},
		Chat:      &tgbotapi.Chat{ID: 500},
		Text:      "hi there",
		Date:      1700000000,
	}}

	select {
	case in := <-ch:
		assert.Equal(t, int64(77), in.ParticipantID)
		assert.Equal(t, "alice", in.Username)
		assert.Equal(t, "hi there", in.Text)
		assert.Equal(t, Destination{ChatID: 500, ReplyTo: 3}, in.Dest)
		assert.Equal(t, time.Unix(1700000000, 0), in.Received)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close on cancel")
	case <-time.After(time.Second):
		t.Fatal("updates channel not closed")
	}

	require.NoError(t, tg.Close())
	require.NoError(t, tg.Close())
	assert.Equal(t, 1, bot.stops, "polling must be stopped exactly once")

	_, err = tg.SendReply(context.Background(), Destination{ChatID: 1}, "x")
	assert.ErrorIs(t, err, ErrClosed)
}

// =============================================================================
// CONSOLE
// =============================================================================

type scriptedReader struct {
	mu      sync.Mutex
	lines   []string
	history []string
	closed  bool
}

func (s *scriptedReader) Prompt(string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	if line == "^C" {
		return "", liner.ErrPromptAborted
	}
	return line, nil
}

func (s *scriptedReader) AppendHistory(item string) {
	s.mu.Lock()
	s.history = append(s.history, item)
	s.mu.Unlock()
}

func (s *scriptedReader) Close() error {
	s.closed = true
	return nil
}

func TestConsole_UpdatesWaitForProcessing(t *testing.T) {
	reader := &scriptedReader{lines: []string{"first", "  ", "second", "/quit", "never"}}
	var out bytes.Buffer
	c := newConsole(reader, &out, ConsoleOptions{Participant: 9}, false)

	ch, err := c.Updates(context.Background())
	require.NoError(t, err)

	var got []string
	for in := range ch {
		assert.Equal(t, int64(9), in.ParticipantID)
		got = append(got, in.Text)
		ref, err := c.SendReply(context.Background(), in.Dest, "echo "+in.Text)
		require.NoError(t, err)
		require.NoError(t, c.EditMessage(context.Background(), ref, "edited "+in.Text))
		in.Done()
		in.Done()
	}

	assert.Equal(t, []string{"first", "second"}, got)
	assert.Equal(t, []string{"first", "second"}, reader.history)
	assert.Contains(t, out.String(), "echo first")
	assert.Contains(t, out.String(), "(edited)")
	assert.NotContains(t, out.String(), "never")
}

func TestConsole_CtrlCEnds(t *testing.T) {
	reader := &scriptedReader{lines: []string{"^C", "after"}}
	c := newConsole(reader, io.Discard, ConsoleOptions{}, false)

	ch, err := c.Updates(context.Background())
	require.NoError(t, err)
	_, ok := <-ch
	assert.False(t, ok)

	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
	_, err = c.SendReply(context.Background(), Destination{}, "x")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConsole_PlainOutputWithoutTTY(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&scriptedReader{}, &out, ConsoleOptions{RenderMarkdown: true}, false)

	_, err := c.SendReply(context.Background(), Destination{}, "**bold**")
	require.NoError(t, err)
	assert.True(t, strings.Contains(out.String(), "**bold**"), "markdown must pass through untouched off a TTY")
}
