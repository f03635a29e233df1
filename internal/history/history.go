// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"context"
	"log/slog"

	"github.com/jeranaias/convobot/internal/model"
)

// DefaultLimit is the number of stored turns replayed per request.
const DefaultLimit = 10

// TurnReader reads the newest turns of a conversation, oldest first.
type TurnReader interface {
	RecentTurns(ctx context.Context, participant int64, conversationID string, limit int) ([]model.Turn, error)
}

// Builder reconstructs backend histories.
type Builder struct {
	store  TurnReader
	limit  int
	logger *slog.Logger
}

// NewBuilder creates a builder. A non-positive limit uses DefaultLimit.
func NewBuilder(store TurnReader, limit int, logger *slog.Logger) *Builder {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{store: store, limit: limit, logger: logger}
}

// Build returns the turn list for prompt. A failed read degrades to an
// empty history so the request still goes out.
func (b *Builder) Build(ctx context.Context, participant int64, conversationID, prompt string, v model.Variant) []model.Turn {
	stored, err := b.store.RecentTurns(ctx, participant, conversationID, b.limit)
	if err != nil {
		b.logger.Warn("history unavailable, sending prompt alone",
			"participant", participant,
			"conversation", conversationID,
			"error", err)
		stored = nil
	}

	if v.IsReasoning() {
		return Alternate(stored, prompt)
	}
	return Plain(stored, prompt)
}

// Plain appends the prompt to stored turns unchanged.
func Plain(stored []model.Turn, prompt string) []model.Turn {
	out := make([]model.Turn, 0, len(stored)+1)
	out = append(out, stored...)
	return append(out, model.UserTurn(prompt))
}

// Alternate repairs stored turns into strict alternation and places the
// prompt as the final user turn.
//
// A user turn is kept only at the start or after an assistant turn. An
// assistant turn is kept only after a user turn; envelope content is
// reduced to its answer and turns whose answer cannot be recovered are
// dropped. If the result ends on a user turn its content is replaced by
// the prompt, otherwise the prompt is appended.
func Alternate(stored []model.Turn, prompt string) []model.Turn {
	out := make([]model.Turn, 0, len(stored)+1)

	for _, t := range stored {
		switch t.Role {
		case model.RoleUser:
			if len(out) == 0 || out[len(out)-1].Role == model.RoleAssistant {
				out = append(out, t)
			}
		case model.RoleAssistant:
			content := t.Content
			if model.IsEnvelope(content) {
				answer, ok := model.ExtractAnswer(content)
				if !ok {
					continue
				}
				content = answer
			}
			if len(out) > 0 && out[len(out)-1].Role == model.RoleUser {
				out = append(out, model.AssistantTurn(content))
			}
		}
	}

	if len(out) == 0 || out[len(out)-1].Role == model.RoleAssistant {
		return append(out, model.UserTurn(prompt))
	}
	out[len(out)-1].Content = prompt
	return out
}
