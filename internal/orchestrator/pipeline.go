// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/convobot/internal/model"
	"github.com/jeranaias/convobot/internal/telemetry"
	"github.com/jeranaias/convobot/internal/transport"
	"github.com/jeranaias/convobot/internal/util"
)

// previewWidth bounds prompt previews in logs.
const previewWidth = 60

func newConversationID() string {
	return uuid.NewString()
}

// OnTextMessage runs one prompt through the generation pipeline.
//
// Busy participants, unauthorized participants and backend failures are
// answered in chat and return nil or the backend error. A failure to
// persist a delivered answer is returned; the guard is released on every
// path.
func (b *Bot) OnTextMessage(ctx context.Context, in transport.Incoming) error {
	participant := in.ParticipantID
	log := b.logger.With("participant", participant)

	if !b.authorized(ctx, participant, in.Dest) {
		return nil
	}

	prompt := norm.NFC.String(strings.TrimSpace(in.Text))
	if prompt == "" {
		b.reply(ctx, in.Dest, msgEmptyPrompt)
		return nil
	}

	lease, ok := b.guard.TryAcquire(participant)
	if !ok {
		log.Info("request rejected, previous one still in flight")
		b.reply(ctx, in.Dest, msgBusy)
		return nil
	}
	defer b.guard.Release(lease)

	var placeholder *transport.MessageRef
	if ref, err := b.sender.SendReply(ctx, in.Dest, msgAccepted); err != nil {
		log.Warn("failed to send placeholder", "error", err)
	} else {
		placeholder = &ref
	}

	conversationID, err := b.store.ResolveConversation(ctx, participant)
	if err != nil {
		conversationID = b.newID()
		log.Warn("conversation lookup failed, starting a new one", "conversation", conversationID, "error", err)
	}

	variant, err := b.store.Model(ctx, participant)
	if err != nil {
		variant = model.DefaultVariant
		log.Warn("model lookup failed, using default", "variant", variant, "error", err)
	}
	log = log.With("conversation", conversationID, "variant", variant)
	log.Debug("prompt received", "preview", util.Preview(prompt, previewWidth))

	turns := b.history.Build(ctx, participant, conversationID, prompt, variant)
	promptTokens := telemetry.CountTokens(turns, variant)

	startedAt := b.now()
	genCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
	res, err := b.agg.Run(genCtx, turns, variant)
	cancel()
	if err != nil {
		b.notifyFailure(ctx, in.Dest, placeholder, err)
		return fmt.Errorf("generation for participant %d: %w", participant, err)
	}

	report := b.chunker.Deliver(ctx, b.sender, in.Dest, res.Payload(variant), placeholder)
	finishedAt := b.now()

	prices := *b.prices.Load()
	promptCost := b.cost(prices, variant, promptTokens, telemetry.Input)
	responseCost := b.cost(prices, variant, res.OutputTokens, telemetry.Output)

	record, err := res.Record(variant)
	if err != nil {
		log.Warn("failed to encode response envelope, storing answer only", "error", err)
		record = res.Answer
	}

	// The answer has been delivered, so it is persisted even when the
	// request context is already gone.
	persistCtx, cancelPersist := context.WithTimeout(context.WithoutCancel(ctx), b.persistTimeout)
	defer cancelPersist()
	err = b.store.RecordExchange(persistCtx, model.Exchange{
		ParticipantID:  participant,
		ConversationID: conversationID,
		Model:          string(variant),
		Prompt:         prompt,
		PromptTokens:   promptTokens,
		PromptCost:     promptCost,
		StartedAt:      startedAt,
		Response:       record,
		ResponseTokens: res.OutputTokens,
		ResponseCost:   responseCost,
		Answer:         res.Answer,
		FinishedAt:     finishedAt,
	})
	if err != nil {
		return fmt.Errorf("persist exchange for participant %d: %w", participant, err)
	}

	log.Info("request completed",
		"tokens_in", promptTokens,
		"tokens_out", res.OutputTokens,
		"cost", promptCost+responseCost,
		"parts", report.Parts,
		"failed_parts", len(report.Failed),
		"first_fragment", res.FirstFragment,
		"duration", finishedAt.Sub(startedAt))
	return nil
}

// notifyFailure tells the participant the request failed, replacing the
// placeholder when there is one.
func (b *Bot) notifyFailure(ctx context.Context, dest transport.Destination, placeholder *transport.MessageRef, err error) {
	text := fmt.Sprintf(msgBackendError, describe(err))
	// The request context may be the thing that failed.
	ctx = context.WithoutCancel(ctx)
	if placeholder != nil {
		if editErr := b.sender.EditMessage(ctx, *placeholder, text); editErr == nil {
			return
		}
	}
	b.reply(ctx, dest, text)
}

func (b *Bot) cost(prices telemetry.PriceTable, v model.Variant, tokens int, d telemetry.Direction) float64 {
	c, err := prices.Cost(v, tokens, d)
	if err != nil {
		b.logger.Warn("cost unavailable", "variant", v, "direction", d, "error", err)
		return 0
	}
	return c
}
