// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package auth gates access behind a shared secret keyword.
//
// Participants unlock the bot once with /auth; the decision is persisted by
// the store and cached in memory so the hot path avoids a database read.
//
// # Key Types
//
//   - Cache: Participant to authorization decision, with optional expiry
//   - Gate: Secret comparison, attempt limiting, and cache-through lookup
package auth
