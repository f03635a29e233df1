// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line parsing and the offline commands of
// convobot.
//
// # Commands
//
//   - serve: run the bot on Telegram (default)
//   - repl: chat with the bot from the local terminal
//   - config: init, show, validate or locate the configuration file
//   - usage: print recorded token and cost totals for a participant
//   - version, help
//
// Global flags (--config, --verbose, --quiet, --json) may appear anywhere
// on the command line.
package cli
