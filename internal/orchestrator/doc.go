// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package orchestrator runs conversations between chat participants and the
// generation backend.
//
// One inbound text message flows through a fixed pipeline:
//
//	authorize -> acquire guard -> placeholder -> resolve conversation ->
//	build history -> stream completion -> deliver -> account -> persist ->
//	release guard
//
// The guard admits one generation per participant at a time. Commands go
// straight to the store and never touch the guard, except /auth which
// clears a participant's marker.
//
// # Usage
//
//	bot, err := orchestrator.New(orchestrator.Deps{
//	    Store: store, Backend: client, Sender: tg, Gate: gate,
//	}, orchestrator.Options{BotName: tg.Username()})
//	err = bot.Serve(ctx, tg)
package orchestrator
