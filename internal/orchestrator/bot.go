// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/convobot/internal/auth"
	"github.com/jeranaias/convobot/internal/commands"
	"github.com/jeranaias/convobot/internal/delivery"
	"github.com/jeranaias/convobot/internal/guard"
	"github.com/jeranaias/convobot/internal/history"
	"github.com/jeranaias/convobot/internal/model"
	"github.com/jeranaias/convobot/internal/stream"
	"github.com/jeranaias/convobot/internal/telemetry"
	"github.com/jeranaias/convobot/internal/transport"
)

// =============================================================================
// CONTRACTS
// =============================================================================

// Store is the durable state the orchestrator reads and writes.
type Store interface {
	Model(ctx context.Context, participant int64) (model.Variant, error)
	SetModel(ctx context.Context, participant int64, v model.Variant) error

	Authorized(ctx context.Context, participant int64) (bool, error)
	// Authorize marks participant authorized and resets its variant.
	Authorize(ctx context.Context, participant int64) error

	ResolveConversation(ctx context.Context, participant int64) (string, error)
	RecentTurns(ctx context.Context, participant int64, conversationID string, limit int) ([]model.Turn, error)
	Turns(ctx context.Context, participant int64, conversationID string) ([]model.ContextTurn, error)
	AppendTurn(ctx context.Context, turn model.ContextTurn) error
	DeleteTurns(ctx context.Context, participant int64) (int64, error)

	AppendAudit(ctx context.Context, rec model.AuditRecord) error
	// RecordExchange persists both audit rows and both context turns of a
	// completed request in one transaction.
	RecordExchange(ctx context.Context, ex model.Exchange) error
	Usage(ctx context.Context, participant int64) (model.Usage, error)
}

// Deps are the collaborators a Bot needs. Guard defaults to a fresh guard
// with the default staleness threshold.
type Deps struct {
	Store   Store
	Backend stream.Backend
	Sender  transport.Sender
	Gate    *auth.Gate
	Guard   *guard.Guard
}

// Options tune a Bot. Zero values use the defaults.
type Options struct {
	// HistoryLimit is the number of stored turns replayed to the backend.
	HistoryLimit int

	// RequestTimeout bounds one streamed completion.
	RequestTimeout time.Duration

	// PersistTimeout bounds the final persistence step, which runs even
	// if the request context has been cancelled.
	PersistTimeout time.Duration

	// MaxConcurrent bounds the number of messages Serve handles at once.
	MaxConcurrent int

	// MaxMessageLength is the per-message delivery limit.
	MaxMessageLength int

	Prices  telemetry.PriceTable
	BotName string
	Logger  *slog.Logger
	Now     func() time.Time
	NewID   func() string
}

// Defaults.
const (
	DefaultRequestTimeout = 300 * time.Second
	DefaultPersistTimeout = 10 * time.Second
	DefaultMaxConcurrent  = 32
)

// =============================================================================
// BOT
// =============================================================================

// Bot routes inbound messages through the generation pipeline and the
// command handlers.
type Bot struct {
	store   Store
	sender  transport.Sender
	gate    *auth.Gate
	guard   *guard.Guard
	history *history.Builder
	agg     *stream.Aggregator
	chunker *delivery.Chunker

	registry *commands.Registry
	parser   *commands.Parser

	prices atomic.Pointer[telemetry.PriceTable]

	requestTimeout time.Duration
	persistTimeout time.Duration
	maxConcurrent  int

	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New creates a Bot.
func New(deps Deps, opts Options) (*Bot, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("orchestrator: store is required")
	case deps.Backend == nil:
		return nil, errors.New("orchestrator: backend is required")
	case deps.Sender == nil:
		return nil, errors.New("orchestrator: sender is required")
	case deps.Gate == nil:
		return nil, errors.New("orchestrator: auth gate is required")
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = newConversationID
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = DefaultPersistTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Prices == nil {
		opts.Prices = telemetry.DefaultPrices()
	}
	if deps.Guard == nil {
		deps.Guard = guard.New(guard.DefaultStaleAfter, guard.WithLogger(opts.Logger))
	}

	b := &Bot{
		store:          deps.Store,
		sender:         deps.Sender,
		gate:           deps.Gate,
		guard:          deps.Guard,
		history:        history.NewBuilder(deps.Store, opts.HistoryLimit, opts.Logger),
		agg:            stream.NewAggregator(deps.Backend),
		chunker:        delivery.NewChunker(opts.MaxMessageLength, opts.Logger),
		registry:       commands.NewRegistry(),
		requestTimeout: opts.RequestTimeout,
		persistTimeout: opts.PersistTimeout,
		maxConcurrent:  opts.MaxConcurrent,
		logger:         opts.Logger,
		now:            opts.Now,
		newID:          opts.NewID,
	}
	b.SetPrices(opts.Prices)
	b.registerCommands()
	b.parser = commands.NewParser(b.registry, opts.BotName)
	return b, nil
}

// SetPrices replaces the price table. Safe to call while serving.
func (b *Bot) SetPrices(prices telemetry.PriceTable) {
	p := telemetry.DefaultPrices().Merge(prices)
	b.prices.Store(&p)
}

// Commands returns the command registry.
func (b *Bot) Commands() *commands.Registry {
	return b.registry
}

// Guard returns the single-flight guard.
func (b *Bot) Guard() *guard.Guard {
	return b.guard
}

// =============================================================================
// DISPATCH
// =============================================================================

// Handle dispatches one inbound message to a command handler or the
// generation pipeline.
func (b *Bot) Handle(ctx context.Context, in transport.Incoming) error {
	if commands.IsCommand(in.Text) {
		res := b.parser.Parse(in.Text)
		if res.ForOtherBot {
			return nil
		}
		return b.OnCommand(ctx, res.Invocation(in.ParticipantID, in.Username, in.Dest))
	}
	return b.OnTextMessage(ctx, in)
}

// Serve handles messages from t until its update stream ends or ctx is
// cancelled. Messages are handled concurrently, at most MaxConcurrent at a
// time; intake pauses while the limit is reached.
func (b *Bot) Serve(ctx context.Context, t transport.Transport) error {
	updates, err := t.Updates(ctx)
	if err != nil {
		return fmt.Errorf("%s updates: %w", t.Name(), err)
	}
	b.logger.Info("serving", "transport", t.Name(), "max_concurrent", b.maxConcurrent)

	var g errgroup.Group
	g.SetLimit(b.maxConcurrent)
	for in := range updates {
		g.Go(func() error {
			defer in.Done()
			b.handleSafely(ctx, in)
			return nil
		})
	}
	_ = g.Wait()

	b.logger.Info("stopped serving", "transport", t.Name())
	return nil
}

// handleSafely confines failures, panics included, to the one message.
func (b *Bot) handleSafely(ctx context.Context, in transport.Incoming) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("message handler panicked",
				"participant", in.ParticipantID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	if err := b.Handle(ctx, in); err != nil {
		b.logger.Error("message handling failed", "participant", in.ParticipantID, "error", err)
	}
}

// reply sends text as a new message, logging failures.
func (b *Bot) reply(ctx context.Context, dest transport.Destination, text string) {
	if _, err := b.sender.SendReply(ctx, dest, text); err != nil {
		b.logger.Error("failed to send reply", "chat", dest.ChatID, "error", err)
	}
}

// replyf is reply with formatting.
func (b *Bot) replyf(ctx context.Context, dest transport.Destination, format string, args ...any) {
	b.reply(ctx, dest, fmt.Sprintf(format, args...))
}

// authorized reports whether participant may proceed, replying with the
// reason when not.
func (b *Bot) authorized(ctx context.Context, participant int64, dest transport.Destination) bool {
	ok, err := b.gate.IsAuthorized(ctx, participant)
	if err != nil {
		b.reply(ctx, dest, msgAuthCheckFail)
		return false
	}
	if !ok {
		b.reply(ctx, dest, msgAccessDenied)
		return false
	}
	return true
}

// describe renders a backend failure for the participant.
func describe(err error) string {
	switch {
	case errors.Is(err, stream.ErrEmptyAnswer):
		return "the model returned an empty answer"
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out"
	case errors.Is(err, context.Canceled):
		return "the request was cancelled"
	}
	return strings.TrimSpace(err.Error())
}
