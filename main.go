// convobot - a conversation relay between chat participants and a
// streaming LLM backend.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/convobot/internal/auth"
	"github.com/jeranaias/convobot/internal/cli"
	"github.com/jeranaias/convobot/internal/cloud"
	"github.com/jeranaias/convobot/internal/config"
	"github.com/jeranaias/convobot/internal/guard"
	"github.com/jeranaias/convobot/internal/model"
	"github.com/jeranaias/convobot/internal/orchestrator"
	"github.com/jeranaias/convobot/internal/storage"
	"github.com/jeranaias/convobot/internal/transport"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse(os.Args[1:])

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, cmd, args)
	stop()

	if err != nil {
		cli.DisplayError(os.Stderr, cmd.String(), err, args.JSON)
		os.Exit(cli.GetExitCode(err))
	}
}

func run(ctx context.Context, cmd cli.Command, args cli.Args) error {
	switch cmd {
	case cli.CmdServe:
		return runServe(ctx, args)
	case cli.CmdRepl:
		return runRepl(ctx, args)
	case cli.CmdConfig:
		return cli.HandleConfig(ctx, os.Stdout, args)
	case cli.CmdUsage:
		return runUsage(ctx, args)
	case cli.CmdVersion:
		return cli.ShowVersion(os.Stdout, args)
	default:
		cli.ShowHelp(os.Stdout)
		if args.Unknown != "" {
			return cli.NewValidationErrorWithExample("command", args.Unknown, "unknown command", "convobot help")
		}
		return nil
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(ctx context.Context, args cli.Args) error {
	cfg, logger, err := loadConfig(args)
	if err != nil {
		return err
	}
	if err := cfg.RequireTelegram(); err != nil {
		return fmt.Errorf("serve needs credentials: %w", err)
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	tg, err := transport.NewTelegram(cfg.Telegram.Token,
		transport.WithPollTimeout(cfg.Telegram.PollTimeoutSecs),
		transport.WithTelegramLogger(logger))
	if err != nil {
		return err
	}
	defer tg.Close()

	bot, gate, err := newBot(cfg, logger, store, tg, tg.Username())
	if err != nil {
		return err
	}
	watchConfig(ctx, args, logger, gate, bot)

	logger.Info("convobot starting",
		"version", Version,
		"username", tg.Username(),
		"database", store.Path(),
		"backend", cfg.Backend.BaseURL)
	return bot.Serve(ctx, tg)
}

func runRepl(ctx context.Context, args cli.Args) error {
	// Log lines would interleave with the conversation.
	if !args.Verbose {
		args.Quiet = true
	}
	cfg, logger, err := loadConfig(args)
	if err != nil {
		return err
	}
	if err := cfg.RequireBackend(); err != nil {
		return fmt.Errorf("repl needs credentials: %w", err)
	}
	if err := cli.RequiresTTY("chat"); err != nil {
		logger.Warn("stdin is not a terminal, reading prompts line by line")
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	console := transport.NewConsole(transport.ConsoleOptions{
		Participant:    cfg.Console.Participant,
		HistoryFile:    cfg.Console.HistoryFile,
		RenderMarkdown: cfg.Console.RenderMarkdown,
		WordWrap:       cli.WrapWidth(cfg.Console.WordWrap),
	})
	defer console.Close()

	bot, gate, err := newBot(cfg, logger, store, console, "")
	if err != nil {
		return err
	}
	watchConfig(ctx, args, logger, gate, bot)

	console.Info("convobot %s, speaking as participant %d. /help lists commands, /quit exits.",
		Version, cfg.Console.Participant)
	return bot.Serve(ctx, console)
}

func runUsage(ctx context.Context, args cli.Args) error {
	cfg, _, err := loadConfig(args)
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()
	return cli.HandleUsage(ctx, os.Stdout, args, store)
}

// =============================================================================
// WIRING
// =============================================================================

// loadConfig loads the config named by --config (or the default file),
// applies model overrides and installs the process logger.
func loadConfig(args cli.Args) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ApplyModels(); err != nil {
		return nil, nil, err
	}
	logger := cli.NewLogger(os.Stderr, cfg.Log, args)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newBot(cfg *config.Config, logger *slog.Logger, store *storage.Store, sender transport.Sender, botName string) (*orchestrator.Bot, *auth.Gate, error) {
	backend := cloud.NewClient(cfg.Backend.APIKey).
		WithBaseURL(cfg.Backend.BaseURL).
		WithTimeout(cfg.RequestTimeout()).
		WithMaxRetries(cfg.Backend.MaxRetries).
		WithTemperature(cfg.Backend.Temperature).
		WithRateLimit(cfg.Backend.RateLimitRPS, cfg.Backend.RateLimitBurst).
		WithLogger(logger)
	logger.Info("backend client ready",
		"base_url", cfg.Backend.BaseURL,
		"key_fingerprint", backend.KeyFingerprint(),
		"variants", len(model.Variants()))

	gate := auth.NewGate(cfg.Auth.SecretKeyword, store, auth.NewCache(cfg.CacheTTL(), nil),
		auth.WithGateLogger(logger),
		auth.WithAttemptsPerMinute(cfg.Auth.AttemptsPerMinute))

	bot, err := orchestrator.New(orchestrator.Deps{
		Store:   store,
		Backend: backend,
		Sender:  sender,
		Gate:    gate,
		Guard:   guard.New(cfg.StaleAfter(), guard.WithLogger(logger)),
	}, orchestrator.Options{
		HistoryLimit:     cfg.Storage.HistoryLimit,
		RequestTimeout:   cfg.RequestTimeout(),
		MaxConcurrent:    cfg.Telegram.MaxConcurrentUpdates,
		MaxMessageLength: cfg.Delivery.MaxMessageLength,
		Prices:           cfg.Prices(),
		BotName:          botName,
		Logger:           logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return bot, gate, nil
}

// watchConfig applies edits of the config file while running. Only the
// secret keyword, the attempt limit, prices and model ids are hot; other
// settings need a restart.
func watchConfig(ctx context.Context, args cli.Args, logger *slog.Logger, gate *auth.Gate, bot *orchestrator.Bot) {
	path := args.ConfigPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return
		}
		path = p
	}
	if _, err := os.Stat(path); err != nil {
		logger.Debug("no config file to watch", "path", path)
		return
	}

	_, err := config.Watch(ctx, path, func(cfg *config.Config) {
		gate.SetSecret(cfg.Auth.SecretKeyword)
		gate.SetAttemptsPerMinute(cfg.Auth.AttemptsPerMinute)
		bot.SetPrices(cfg.Prices())
		if err := cfg.ApplyModels(); err != nil {
			logger.Warn("config reload: model ids not applied", "error", err)
		}
		logger.Debug("hot settings applied", "path", path)
	}, config.WithWatchLogger(logger))
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("config hot reload disabled", "path", path, "error", err)
	}
}
