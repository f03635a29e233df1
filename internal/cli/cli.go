// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"runtime"
	"strings"
)

// Version information (overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdServe Command = iota
	CmdRepl
	CmdConfig
	CmdUsage
	CmdVersion
	CmdHelp
)

// String returns the command's name.
func (c Command) String() string {
	switch c {
	case CmdServe:
		return "serve"
	case CmdRepl:
		return "repl"
	case CmdConfig:
		return "config"
	case CmdUsage:
		return "usage"
	case CmdVersion:
		return "version"
	case CmdHelp:
		return "help"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ConfigPath string
	Verbose    bool
	Quiet      bool
	JSON       bool

	// Subcommand is the first positional argument after the command.
	Subcommand string

	// Raw holds the arguments after the command, global flags removed.
	Raw []string

	// Unknown is set when the command word was not recognised.
	Unknown string
}

// Parser returns an ArgParser over the command's own arguments.
func (a Args) Parser() *ArgParser {
	return NewArgParser(a.Raw)
}

const usageText = `convobot - a conversation relay between chat participants and a streaming LLM

Usage:
  convobot [flags] [command]

Commands:
  serve                      Run the bot on Telegram (default)
  repl                       Chat with the bot from this terminal
  config init [--force]      Write a default config file
  config show                Print the effective config (secrets redacted)
  config validate            Check the config for serve and repl
  config path [--kind K]     Print the config, db or history location
  usage <participant-id>     Show recorded token and cost totals
  version                    Show version information
  help                       Show this help

Flags:
  -c, --config FILE          Config file (default: ~/.convobot/config.toml)
  -v, --verbose              Debug logging
  -q, --quiet                Warnings and errors only
      --json                 JSON output for config show, usage and version

Environment:
  CONVOBOT_TELEGRAM_TOKEN    Bot API token
  CONVOBOT_API_KEY           Backend API key
  CONVOBOT_BASE_URL          Backend base URL
  CONVOBOT_SECRET_KEYWORD    Keyword participants send with /auth
  CONVOBOT_DB_PATH           sqlite database file
  CONVOBOT_LOG_LEVEL         debug, info, warn or error
`

// Parse parses os-style arguments (without the program name).
func Parse(argv []string) (Command, Args) {
	remaining, args := parseGlobalFlags(argv)
	if len(remaining) == 0 {
		return CmdServe, args
	}

	word := strings.ToLower(remaining[0])
	args.Raw = remaining[1:]
	if len(args.Raw) > 0 {
		args.Subcommand = strings.ToLower(args.Raw[0])
	}

	switch word {
	case "serve", "run", "bot":
		return CmdServe, args
	case "repl", "chat", "console":
		return CmdRepl, args
	case "config":
		return CmdConfig, args
	case "usage", "stats":
		return CmdUsage, args
	case "version", "--version", "-V":
		return CmdVersion, args
	case "help", "--help", "-h":
		return CmdHelp, args
	default:
		args.Unknown = remaining[0]
		return CmdHelp, args
	}
}

// parseGlobalFlags strips the global flags out of args, wherever they are.
func parseGlobalFlags(argv []string) ([]string, Args) {
	var (
		remaining []string
		args      Args
	)
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch arg {
		case "-v", "--verbose":
			args.Verbose = true
		case "-q", "--quiet":
			args.Quiet = true
		case "--json":
			args.JSON = true
		case "-c", "--config":
			if i+1 < len(argv) {
				i++
				args.ConfigPath = argv[i]
			}
		default:
			if v, ok := strings.CutPrefix(arg, "--config="); ok {
				args.ConfigPath = v
				continue
			}
			remaining = append(remaining, arg)
		}
	}
	return remaining, args
}

// ShowHelp writes the usage text.
func ShowHelp(w io.Writer) {
	fmt.Fprint(w, usageText)
}

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// CurrentVersion returns the build information of the running binary.
func CurrentVersion() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}

// ShowVersion writes version information.
func ShowVersion(w io.Writer, args Args) error {
	info := CurrentVersion()
	if args.JSON {
		return NewJSONResponse("version", info).Write(w)
	}
	fmt.Fprintf(w, "convobot %s\n", info.Version)
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Commit:", 12), info.GitCommit)
	fmt.Fprintf(w, "  %s %s\n", RenderLabel("Built:", 12), info.BuildDate)
	fmt.Fprintf(w, "  %s %s (%s)\n", RenderLabel("Go:", 12), info.GoVersion, info.Platform)
	return nil
}
