// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/convobot/internal/auth"
	"github.com/jeranaias/convobot/internal/commands"
	"github.com/jeranaias/convobot/internal/model"
)

// =============================================================================
// REGISTRATION
// =============================================================================

func (b *Bot) registerCommands() {
	b.registry.Register(&commands.Command{
		Name:        "/start",
		Description: "Show the welcome message",
		Category:    "General",
		Public:      true,
		Handler:     b.handleStart,
	})
	b.registry.Register(&commands.Command{
		Name:        "/help",
		Description: "List available commands",
		Category:    "General",
		Public:      true,
		Handler:     b.handleHelp,
	})
	b.registry.Register(&commands.Command{
		Name:        "/auth",
		Usage:       "/auth <secret_key>",
		Description: "Authorize with the secret keyword",
		Category:    "General",
		Public:      true,
		Args:        []commands.ArgDef{{Name: "key", Required: true, Description: "secret keyword"}},
		Handler:     b.handleAuth,
	})

	b.registry.Register(&commands.Command{
		Name:        "/model",
		Description: "Show how to choose a model",
		Category:    "Model",
		Handler:     b.handleModel,
	})
	for _, info := range model.Variants() {
		v := info.Name
		b.registry.Register(&commands.Command{
			Name:        "/model_" + string(v),
			Description: fmt.Sprintf("Switch to %s (%s)", info.BackendModel, info.Description),
			Category:    "Model",
			Handler: func(ctx context.Context, inv *commands.Invocation) error {
				return b.switchModel(ctx, inv, v)
			},
		})
	}

	b.registry.Register(&commands.Command{
		Name:        "/new",
		Description: "Start a new conversation",
		Category:    "Conversation",
		Handler:     b.handleNew,
	})
	b.registry.Register(&commands.Command{
		Name:        "/context",
		Description: "Show the current conversation context",
		Category:    "Conversation",
		Handler:     b.handleContext,
	})
	b.registry.Register(&commands.Command{
		Name:        "/usage",
		Description: "Show token and cost totals",
		Category:    "Conversation",
		Handler:     b.handleUsage,
	})
	b.registry.Register(&commands.Command{
		Name:     "/test_long_message",
		Hidden:   true,
		Handler:  b.handleTestLongMessage,
		Category: "Debug",
	})
}

// OnCommand runs a parsed command. Commands other than the public ones
// require authorization. Unknown commands get a hint and malformed
// arguments get the command's usage line.
func (b *Bot) OnCommand(ctx context.Context, inv *commands.Invocation) error {
	cmd := b.registry.Get(inv.Name)
	if cmd == nil || cmd.Handler == nil {
		b.replyf(ctx, inv.Dest, msgUnknownCommand, inv.Name)
		return nil
	}
	if !cmd.Public && !b.authorized(ctx, inv.Participant, inv.Dest) {
		return nil
	}
	if err := commands.ValidateArgs(cmd, inv.Args); err != nil {
		usage := cmd.Usage
		if usage == "" {
			usage = cmd.Name
		}
		b.replyf(ctx, inv.Dest, msgBadArgs, err, usage)
		return nil
	}
	b.logger.Debug("command", "participant", inv.Participant, "command", cmd.Name)
	return cmd.Handler(ctx, inv)
}

// =============================================================================
// GENERAL
// =============================================================================

func (b *Bot) handleStart(ctx context.Context, inv *commands.Invocation) error {
	b.reply(ctx, inv.Dest, msgWelcome+"\n\n"+b.registry.HelpText("Commands:"))
	return nil
}

func (b *Bot) handleHelp(ctx context.Context, inv *commands.Invocation) error {
	b.reply(ctx, inv.Dest, b.registry.HelpText("Commands:"))
	return nil
}

func (b *Bot) handleAuth(ctx context.Context, inv *commands.Invocation) error {
	p := inv.Participant
	if len(inv.Args) != 1 {
		b.reply(ctx, inv.Dest, msgAuthUsage)
		return nil
	}

	switch err := b.gate.CheckSecret(p, inv.Args[0]); {
	case errors.Is(err, auth.ErrInvalidSecret):
		b.reply(ctx, inv.Dest, msgAuthInvalid)
		return nil
	case errors.Is(err, auth.ErrTooManyAttempts):
		b.reply(ctx, inv.Dest, msgAuthThrottled)
		return nil
	case errors.Is(err, auth.ErrNoSecret):
		b.reply(ctx, inv.Dest, msgAuthDisabled)
		return nil
	case err != nil:
		b.reply(ctx, inv.Dest, msgAuthStoreError)
		return err
	}

	if err := b.store.Authorize(ctx, p); err != nil {
		b.reply(ctx, inv.Dest, msgAuthStoreError)
		return fmt.Errorf("authorize participant %d: %w", p, err)
	}
	if err := b.audit(ctx, p, b.newID(), model.AuditPrompt, auditAuth); err != nil {
		b.logger.Warn("failed to record auth audit row", "participant", p, "error", err)
	}

	b.guard.Reset(p)
	b.gate.Grant(p)
	b.logger.Info("participant authorized", "participant", p, "username", inv.Username)
	b.reply(ctx, inv.Dest, msgAuthOK)
	return nil
}

// =============================================================================
// MODEL
// =============================================================================

func (b *Bot) handleModel(ctx context.Context, inv *commands.Invocation) error {
	var names []string
	for _, info := range model.Variants() {
		names = append(names, "/model_"+string(info.Name))
	}
	b.replyf(ctx, inv.Dest, msgModelHint, strings.Join(names, " or "))
	return nil
}

func (b *Bot) switchModel(ctx context.Context, inv *commands.Invocation, v model.Variant) error {
	p := inv.Participant

	current, err := b.store.Model(ctx, p)
	if err != nil {
		b.replyf(ctx, inv.Dest, msgModelChangeError, err)
		return fmt.Errorf("read model of participant %d: %w", p, err)
	}
	if current == v {
		b.replyf(ctx, inv.Dest, msgModelAlreadySet, v.BackendModel())
		return nil
	}

	err = b.store.SetModel(ctx, p, v)
	if err == nil {
		err = b.audit(ctx, p, b.newID(), model.AuditSystem, auditModelPrefix+string(v), string(v))
	}
	if err == nil {
		_, err = b.store.DeleteTurns(ctx, p)
	}
	if err != nil {
		b.replyf(ctx, inv.Dest, msgModelChangeError, err)
		return fmt.Errorf("switch participant %d to %s: %w", p, v, err)
	}

	text := fmt.Sprintf(msgModelChanged, v.BackendModel())
	if v.IsReasoning() {
		text += msgModelReasoning
	}
	b.logger.Info("model changed", "participant", p, "from", current, "to", v)
	b.reply(ctx, inv.Dest, text)
	return nil
}

// =============================================================================
// CONVERSATION
// =============================================================================

func (b *Bot) handleNew(ctx context.Context, inv *commands.Invocation) error {
	p := inv.Participant

	err := b.audit(ctx, p, b.newID(), model.AuditSystem, auditNew)
	if err == nil {
		_, err = b.store.DeleteTurns(ctx, p)
	}
	if err != nil {
		b.reply(ctx, inv.Dest, msgNewError)
		return fmt.Errorf("new conversation for participant %d: %w", p, err)
	}
	b.reply(ctx, inv.Dest, msgNewConversation)
	return nil
}

func (b *Bot) handleContext(ctx context.Context, inv *commands.Invocation) error {
	p := inv.Participant

	conversationID, err := b.store.ResolveConversation(ctx, p)
	if err != nil {
		b.reply(ctx, inv.Dest, msgContextError)
		return fmt.Errorf("resolve conversation of participant %d: %w", p, err)
	}
	if err := b.audit(ctx, p, conversationID, model.AuditSystem, auditShowContext); err != nil {
		b.logger.Warn("failed to record context audit row", "participant", p, "error", err)
	}

	turns, err := b.store.Turns(ctx, p, conversationID)
	if err != nil {
		b.reply(ctx, inv.Dest, msgContextError)
		return fmt.Errorf("load context of participant %d: %w", p, err)
	}
	if len(turns) == 0 {
		b.reply(ctx, inv.Dest, msgContextEmpty)
		return nil
	}

	b.chunker.Deliver(ctx, b.sender, inv.Dest, formatContext(turns), nil)
	return nil
}

func formatContext(turns []model.ContextTurn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		icon := "🤖"
		if t.Role == model.RoleUser {
			icon = "👤"
		}
		lines[i] = icon + " " + t.Role.DisplayName() + ": " + t.Content
	}
	return strings.Join(lines, "\n\n")
}

func (b *Bot) handleUsage(ctx context.Context, inv *commands.Invocation) error {
	u, err := b.store.Usage(ctx, inv.Participant)
	if err != nil {
		b.reply(ctx, inv.Dest, msgUsageError)
		return fmt.Errorf("usage of participant %d: %w", inv.Participant, err)
	}
	if u.Requests == 0 {
		b.reply(ctx, inv.Dest, msgUsageEmpty)
		return nil
	}
	b.replyf(ctx, inv.Dest, msgUsage, u.Requests, u.InputTokens, u.OutputTokens, u.TotalCost)
	return nil
}

// =============================================================================
// DEBUG
// =============================================================================

func (b *Bot) handleTestLongMessage(ctx context.Context, inv *commands.Invocation) error {
	v, err := b.store.Model(ctx, inv.Participant)
	if err != nil {
		v = model.DefaultVariant
	}

	answer := strings.Repeat(testLongLine, 100)
	var reports []int
	if v.IsReasoning() {
		reasoning := "🧠 Reasoning:\n\n" + strings.Repeat(testReasoningLine, 200)
		r := b.chunker.Deliver(ctx, b.sender, inv.Dest, reasoning, nil)
		reports = append(reports, len(r.Failed))
		answer = "💡 Answer:\n\n" + answer
	}
	r := b.chunker.Deliver(ctx, b.sender, inv.Dest, answer, nil)
	reports = append(reports, len(r.Failed))

	for _, failed := range reports {
		if failed > 0 {
			b.reply(ctx, inv.Dest, msgTestError)
			break
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// audit appends a zero-cost bookkeeping row. The model name defaults to
// the system marker.
func (b *Bot) audit(ctx context.Context, p int64, conversationID string, kind model.AuditKind, content string, modelName ...string) error {
	name := model.SystemModel
	if len(modelName) > 0 {
		name = modelName[0]
	}
	return b.store.AppendAudit(ctx, model.AuditRecord{
		ParticipantID:  p,
		ConversationID: conversationID,
		Kind:           kind,
		Content:        content,
		Timestamp:      b.now(),
		Model:          name,
	})
}
