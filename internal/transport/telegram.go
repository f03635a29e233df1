// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// DefaultPollTimeout is the long-polling timeout in seconds.
const DefaultPollTimeout = 60

// botAPI is the subset of the Bot API client in use.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Telegram is a Bot API transport using long polling.
type Telegram struct {
	bot         botAPI
	username    string
	pollTimeout int
	logger      *slog.Logger
	closed      atomic.Bool
	stopOnce    sync.Once
}

// TelegramOption configures a Telegram transport.
type TelegramOption func(*Telegram)

// WithPollTimeout sets the long-polling timeout in seconds.
func WithPollTimeout(seconds int) TelegramOption {
	return func(t *Telegram) {
		if seconds > 0 {
			t.pollTimeout = seconds
		}
	}
}

// WithTelegramLogger sets the logger.
func WithTelegramLogger(logger *slog.Logger) TelegramOption {
	return func(t *Telegram) { t.logger = logger }
}

// NewTelegram connects to the Bot API with token.
func NewTelegram(token string, opts ...TelegramOption) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("telegram: empty bot token")
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: connect: %w", err)
	}
	t := newTelegram(bot, bot.Self.UserName, opts...)
	t.logger.Info("telegram bot connected", "username", t.username)
	return t, nil
}

func newTelegram(bot botAPI, username string, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		bot:         bot,
		username:    username,
		pollTimeout: DefaultPollTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name returns "telegram".
func (t *Telegram) Name() string {
	return "telegram"
}

// Username returns the bot's username, used to strip /cmd@bot suffixes.
func (t *Telegram) Username() string {
	return t.username
}

// SendReply sends text to dest, threading it under dest.ReplyTo.
func (t *Telegram) SendReply(ctx context.Context, dest Destination, text string) (MessageRef, error) {
	if t.closed.Load() {
		return MessageRef{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return MessageRef{}, err
	}

	msg := tgbotapi.NewMessage(dest.ChatID, text)
	if dest.ReplyTo != 0 {
		msg.ReplyToMessageID = dest.ReplyTo
	}
	sent, err := t.bot.Send(msg)
	if err != nil {
		return MessageRef{}, fmt.Errorf("telegram: send: %w", err)
	}

	ref := MessageRef{ChatID: dest.ChatID, MessageID: sent.MessageID}
	if sent.Chat != nil {
		ref.ChatID = sent.Chat.ID
	}
	return ref, nil
}

// EditMessage replaces the text of a delivered message. Editing to
// identical text is not an error.
func (t *Telegram) EditMessage(ctx context.Context, ref MessageRef, text string) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(ref.ChatID, ref.MessageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("telegram: edit: %w", err)
	}
	return nil
}

// Updates long-polls for messages. Non-text updates are dropped.
func (t *Telegram) Updates(ctx context.Context) (<-chan Incoming, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = t.pollTimeout
	updates := t.bot.GetUpdatesChan(cfg)

	out := make(chan Incoming)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				t.stop()
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				in, ok := toIncoming(upd)
				if !ok {
					continue
				}
				select {
				case out <- in:
				case <-ctx.Done():
					t.stop()
					return
				}
			}
		}
	}()
	return out, nil
}

// Close stops polling. Safe to call more than once.
func (t *Telegram) Close() error {
	if t.closed.CompareAndSwap(false, true) {
		t.stop()
	}
	return nil
}

// stop ends long polling. The Bot API client panics on a second stop.
func (t *Telegram) stop() {
	t.stopOnce.Do(t.bot.StopReceivingUpdates)
}

func toIncoming(upd tgbotapi.Update) (Incoming, bool) {
	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return Incoming{}, false
	}
	if msg.Text == "" {
		return Incoming{}, false
	}
	return Incoming{
		ParticipantID: msg.From.ID,
		Username:      msg.From.UserName,
		Text:          msg.Text,
		Dest:          Destination{ChatID: msg.Chat.ID, ReplyTo: msg.MessageID},
		Received:      time.Unix(int64(msg.Date), 0),
	}, true
}
