// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides durable persistence for participants,
// conversation context, and the interaction audit trail.
//
// Data lives in a single SQLite database opened through the pure Go
// modernc.org/sqlite driver.
//
// # Tables
//
//   - user_settings: selected variant, authorization flag, active conversation
//   - interactions: append-only audit rows (prompt, response, system)
//   - conversation_context: user/assistant turns replayed as history
//
// # Usage
//
//	store, err := storage.Open("data/convobot.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	conv, err := store.ResolveConversation(ctx, participantID)
//	turns, err := store.RecentTurns(ctx, participantID, conv, 10)
package storage
