// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/convobot/internal/model"
	"github.com/jeranaias/convobot/internal/storage"
)

// UsageSource is the read side of the store used by the usage command.
type UsageSource interface {
	Participant(ctx context.Context, id int64) (model.Participant, error)
	Usage(ctx context.Context, id int64) (model.Usage, error)
}

// HandleUsage runs "usage <participant-id>".
func HandleUsage(ctx context.Context, w io.Writer, args Args, src UsageSource) error {
	p := args.Parser()
	if p.PositionalCount() > 1 {
		return NewValidationErrorWithExample("participant-id", p.Positional(1),
			"takes exactly one participant id", "convobot usage 123456789")
	}
	id, err := ParseParticipantID(p.Positional(0))
	if err != nil {
		return err
	}

	data := UsageData{Participant: id, Model: string(model.DefaultVariant)}
	part, err := src.Participant(ctx, id)
	switch {
	case err == nil:
		data.Authorized = part.Authorized
		data.Model = string(part.Variant)
	case !errors.Is(err, storage.ErrNotFound):
		return NewCommandError("usage", "lookup", "participant query failed", err)
	}

	u, err := src.Usage(ctx, id)
	if err != nil {
		return NewCommandError("usage", "lookup", "usage query failed", err)
	}
	data.Requests = u.Requests
	data.InputTokens = u.InputTokens
	data.OutputTokens = u.OutputTokens
	data.TotalCostUSD = u.TotalCost

	if args.JSON {
		return NewJSONResponse("usage", data).Write(w)
	}

	fmt.Fprintln(w, RenderConditional(TitleStyle, fmt.Sprintf("Participant %d", id)))
	fmt.Fprintln(w, RenderSeparator(40))
	row := func(label string, value any) {
		fmt.Fprintf(w, "%s %v\n", RenderLabel(label), value)
	}
	row("Authorized:", data.Authorized)
	row("Model:", data.Model)
	row("Requests:", data.Requests)
	row("Input tokens:", data.InputTokens)
	row("Output tokens:", data.OutputTokens)
	row("Total cost:", formatCost(data.TotalCostUSD))
	if !u.LastSeen.IsZero() {
		row("Last request:", u.LastSeen.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}
