// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for convobot.
//
// Configuration is layered: built-in defaults, then the TOML file, then
// environment variable overrides. The result is validated before use.
//
// Configuration file location (in order of precedence):
//   - the --config flag
//   - ~/.convobot/config.toml
//   - built-in defaults
//
// # Environment Variables
//
//   - CONVOBOT_TELEGRAM_TOKEN: telegram.token
//   - CONVOBOT_API_KEY: backend.api_key
//   - CONVOBOT_BASE_URL: backend.base_url
//   - CONVOBOT_SECRET_KEYWORD: auth.secret_keyword
//   - CONVOBOT_DB_PATH: storage.path
//   - CONVOBOT_LOG_LEVEL: log.level
//
// # Hot Reload
//
// Watch re-reads the file when it changes and hands each valid result to a
// callback. Invalid edits are reported and the previous config stays active.
package config
