// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history rebuilds the turn list sent to the backend from stored
// conversation context.
//
// Plain variants replay stored turns as-is. Reasoning variants reject
// consecutive same-role turns, so their history is repaired into strict
// user/assistant alternation ending on the new prompt.
package history
