// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package commands provides the slash command system for chat surfaces.
//
// # Key Types
//
//   - Registry: named commands with aliases, categories and handlers
//   - Parser: turns "/name@bot arg1 arg2" into a ParseResult
//   - Invocation: the participant, destination and arguments a handler sees
//
// # Usage
//
//	reg := commands.NewRegistry()
//	reg.Register(&commands.Command{Name: "/new", Handler: bot.handleNew})
//
//	parser := commands.NewParser(reg, "mybot")
//	if res := parser.Parse(text); res.IsCommand && res.Command != nil {
//	    err := res.Command.Handler(ctx, res.Invocation(participant, dest))
//	}
package commands
