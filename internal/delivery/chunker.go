// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package delivery

import (
	"context"
	"log/slog"
	"unicode/utf8"

	"github.com/jeranaias/convobot/internal/transport"
)

// MaxMessageLength is the largest message, in runes, the chat surface accepts.
const MaxMessageLength = 4096

// Split cuts text into consecutive slices of at most limit runes. Empty text
// yields no slices. A non-positive limit uses MaxMessageLength.
func Split(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		limit = MaxMessageLength
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	start, count := 0, 0
	for i := range text {
		if count == limit {
			parts = append(parts, text[start:i])
			start, count = i, 0
		}
		count++
	}
	return append(parts, text[start:])
}

// Report summarizes one delivery.
type Report struct {
	// Parts is the number of slices the text was cut into.
	Parts int

	// Failed lists the zero-based indices of slices that were not delivered.
	Failed []int
}

// Delivered returns the number of slices that reached the participant.
func (r Report) Delivered() int {
	return r.Parts - len(r.Failed)
}

// OK reports whether every slice was delivered.
func (r Report) OK() bool {
	return len(r.Failed) == 0
}

// Chunker delivers text through a transport in bounded slices.
type Chunker struct {
	limit  int
	logger *slog.Logger
}

// NewChunker creates a chunker. A non-positive limit uses MaxMessageLength.
func NewChunker(limit int, logger *slog.Logger) *Chunker {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chunker{limit: limit, logger: logger}
}

// Limit returns the per-message rune limit.
func (c *Chunker) Limit() int {
	return c.limit
}

// Deliver sends text to dest. With a placeholder, the first slice edits it
// in place. Slices are attempted in order and failures never stop the rest.
func (c *Chunker) Deliver(ctx context.Context, s transport.Sender, dest transport.Destination, text string, placeholder *transport.MessageRef) Report {
	parts := Split(text, c.limit)
	report := Report{Parts: len(parts)}

	for i, part := range parts {
		var err error
		if i == 0 && placeholder != nil {
			err = s.EditMessage(ctx, *placeholder, part)
		} else {
			_, err = s.SendReply(ctx, dest, part)
		}
		if err != nil {
			c.logger.Error("failed to deliver message part",
				"chat", dest.ChatID, "part", i+1, "of", len(parts), "error", err)
			report.Failed = append(report.Failed, i)
		}
	}
	return report
}
