// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package commands

import (
	"context"
	"sort"
	"strings"

	"github.com/jeranaias/convobot/internal/transport"
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

// Invocation is one call of a command.
type Invocation struct {
	Participant int64
	Username    string
	Dest        transport.Destination

	// Name is the canonical command name (e.g., "/auth").
	Name string

	// Args are the parsed arguments; RawArgs is everything after the name.
	Args    []string
	RawArgs string
}

// Handler executes a command.
type Handler func(ctx context.Context, inv *Invocation) error

// Command represents a slash command that can be executed.
type Command struct {
	// Name is the primary command name (e.g., "/help")
	Name string

	// Aliases are alternative names (e.g., "/h")
	Aliases []string

	// Description is shown in help
	Description string

	// Usage shows argument syntax (e.g., "/auth <key>")
	Usage string

	// Args defines the expected arguments
	Args []ArgDef

	// Handler is the function that executes the command
	Handler Handler

	// Public commands run without authorization
	Public bool

	// Hidden commands don't appear in help
	Hidden bool

	// Category for grouping in help display
	Category string
}

// ArgDef defines an argument for a command.
type ArgDef struct {
	Name        string
	Required    bool
	Description string

	// Values restricts the argument to one of the listed strings.
	Values []string
}

// =============================================================================
// COMMAND REGISTRY
// =============================================================================

// Registry holds all registered commands. It is built once at startup and
// read concurrently afterwards.
type Registry struct {
	commands map[string]*Command
	aliases  map[string]*Command
	order    []string
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]*Command),
		aliases:  make(map[string]*Command),
	}
}

// Register adds a command to the registry. Names are case-insensitive and
// the leading slash is added when missing.
func (r *Registry) Register(cmd *Command) {
	cmd.Name = normalizeName(cmd.Name)
	if _, exists := r.commands[cmd.Name]; !exists {
		r.order = append(r.order, cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	for i, alias := range cmd.Aliases {
		alias = normalizeName(alias)
		cmd.Aliases[i] = alias
		r.aliases[alias] = cmd
	}
}

// Get retrieves a command by name or alias.
func (r *Registry) Get(name string) *Command {
	name = normalizeName(name)
	if cmd, ok := r.commands[name]; ok {
		return cmd
	}
	if cmd, ok := r.aliases[name]; ok {
		return cmd
	}
	return nil
}

// All returns all registered commands in registration order.
func (r *Registry) All() []*Command {
	cmds := make([]*Command, 0, len(r.order))
	for _, name := range r.order {
		cmds = append(cmds, r.commands[name])
	}
	return cmds
}

// ByCategory returns visible commands grouped by category.
func (r *Registry) ByCategory() map[string][]*Command {
	result := make(map[string][]*Command)
	for _, cmd := range r.All() {
		if cmd.Hidden {
			continue
		}
		category := cmd.Category
		if category == "" {
			category = "General"
		}
		result[category] = append(result[category], cmd)
	}
	return result
}

// HelpText renders the visible commands, grouped by category.
func (r *Registry) HelpText(title string) string {
	groups := r.ByCategory()
	categories := make([]string, 0, len(groups))
	for c := range groups {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	var b strings.Builder
	if title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	for _, c := range categories {
		b.WriteString("\n")
		b.WriteString(c)
		b.WriteString(":\n")
		for _, cmd := range groups[c] {
			usage := cmd.Usage
			if usage == "" {
				usage = cmd.Name
			}
			b.WriteString("  ")
			b.WriteString(usage)
			if cmd.Description != "" {
				b.WriteString(" - ")
				b.WriteString(cmd.Description)
			}
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func normalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	return name
}
