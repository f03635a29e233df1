// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util holds small helpers shared across convobot.
//
// # Key Functions
//
//   - AtomicWriteFile: crash-safe file writing with fsync and rename
//   - Preview: single-line, display-width bounded text for log attributes
//   - Truncate: display-width truncation with an ellipsis
//
// # Usage
//
//	logger.Info("prompt received", "preview", util.Preview(prompt, 60))
//	err := util.AtomicWriteFile(path, data, 0600)
package util
