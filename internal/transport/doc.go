// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transport connects the orchestrator to chat surfaces.
//
// A transport yields inbound messages and delivers replies. Two are
// provided: Telegram (long polling through the Bot API) and Console, a
// local line-editing REPL used for development.
//
// # Key Types
//
//   - Incoming: One inbound text message
//   - Destination: Where a reply goes (chat and message to reply to)
//   - MessageRef: A delivered message that can later be edited
//   - Transport: Sender plus an inbound update stream
package transport
