// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package delivery splits long replies into transport-sized messages.
//
// Text is cut into consecutive slices of at most MaxMessageLength runes.
// When a placeholder message exists, the first slice replaces its text and
// the remaining slices follow as new replies. A slice that fails to deliver
// is logged and skipped; later slices are still attempted.
package delivery
