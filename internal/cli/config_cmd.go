// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jeranaias/convobot/internal/cloud"
	"github.com/jeranaias/convobot/internal/config"
	"github.com/jeranaias/convobot/internal/model"
)

// HandleConfig runs "config init|show|validate|path".
func HandleConfig(ctx context.Context, w io.Writer, args Args) error {
	p := args.Parser()
	sub := p.Subcommand()
	if p.HasFlag("online") && sub != "validate" && sub != "check" {
		return NewValidationErrorWithExample("--online", "", "only valid with validate", "convobot config validate --online")
	}
	if p.HasFlag("force") && sub != "init" {
		return NewValidationErrorWithExample("--force", "", "only valid with init", "convobot config init --force")
	}

	switch sub {
	case "init":
		return configInit(w, args, p.BoolFlag("force"))
	case "", "show":
		return configShow(w, args)
	case "validate", "check":
		return configValidate(ctx, w, args, p.BoolFlag("online"))
	case "path":
		return configPath(w, args, p.FlagOrDefault("kind", "config"))
	default:
		return NewValidationErrorWithExample("subcommand", sub,
			"unknown config subcommand", "convobot config [init|show|validate|path]")
	}
}

func resolveConfigPath(args Args) (string, error) {
	if args.ConfigPath != "" {
		return args.ConfigPath, nil
	}
	path, err := config.DefaultPath()
	if err != nil {
		return "", NewCommandError("config", "locate", "cannot determine home directory", err)
	}
	return path, nil
}

func configInit(w io.Writer, args Args, force bool) error {
	path, err := resolveConfigPath(args)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil && !force {
		return NewCommandError("config", "init", path+" already exists (use --force to overwrite)", nil)
	}
	if err := config.SaveTOML(config.Default(), path); err != nil {
		return NewCommandError("config", "init", "write failed", err)
	}
	if args.JSON {
		return NewJSONResponse("config init", map[string]string{"path": path}).Write(w)
	}
	fmt.Fprintf(w, "%s Wrote %s\n", RenderStatus("ok"), path)
	fmt.Fprintln(w, RenderConditional(DimStyle, "Set telegram.token, backend.api_key and auth.secret_keyword before running serve."))
	return nil
}

func configShow(w io.Writer, args Args) error {
	cfg, err := config.Load(args.ConfigPath)
	if err != nil {
		return err
	}
	if args.JSON {
		return NewJSONResponse("config show", cfg.Redacted()).Write(w)
	}
	fmt.Fprint(w, cfg.String())
	return nil
}

func configValidate(ctx context.Context, w io.Writer, args Args, online bool) error {
	var checks []ConfigCheck
	add := func(name string, err error) {
		c := ConfigCheck{Name: name, Status: "pass"}
		if err != nil {
			c.Status = "fail"
			c.Message = err.Error()
		}
		checks = append(checks, c)
	}

	cfg, loadErr := config.Load(args.ConfigPath)
	add("file", loadErr)
	var serveErr, replErr error
	if loadErr == nil {
		replErr = cfg.RequireBackend()
		add("repl", replErr)
		serveErr = cfg.RequireTelegram()
		add("serve", serveErr)
		modelsErr := cfg.ApplyModels()
		add("models", modelsErr)
		if online && replErr == nil && modelsErr == nil {
			add("backend", checkBackend(ctx, cfg))
		}
	}
	failure := errors.Join(loadErr, serveErr)
	for _, c := range checks {
		if c.Name == "backend" && c.Status == "fail" {
			failure = errors.Join(failure, errors.New("backend check failed: "+c.Message))
		}
	}

	if args.JSON {
		resp := NewJSONResponse("config validate", checks)
		resp.Success = failure == nil
		if err := resp.Write(w); err != nil {
			return err
		}
		return failure
	}

	for _, c := range checks {
		line := fmt.Sprintf("%s %s", RenderStatus(c.Status), RenderLabel(c.Name, 8))
		if c.Message != "" {
			line += " " + c.Message
		}
		fmt.Fprintln(w, line)
	}
	return failure
}

// configPath prints the config file, database or console history location.
func configPath(w io.Writer, args Args, kind string) error {
	var path string
	switch kind {
	case "config":
		p, err := resolveConfigPath(args)
		if err != nil {
			return err
		}
		path = p
	case "db", "history":
		cfg, err := config.Load(args.ConfigPath)
		if err != nil {
			return err
		}
		path = cfg.Storage.Path
		if kind == "history" {
			path = cfg.Console.HistoryFile
		}
	default:
		return NewValidationErrorWithExample("--kind", kind, "must be config, db or history", "convobot config path --kind db")
	}

	if args.JSON {
		return NewJSONResponse("config path", map[string]string{"kind": kind, "path": path}).Write(w)
	}
	fmt.Fprintln(w, path)
	return nil
}

// checkBackend lists the backend's models and reports variants whose
// model id the backend does not serve.
func checkBackend(ctx context.Context, cfg *config.Config) error {
	client := cloud.NewClient(cfg.Backend.APIKey).
		WithBaseURL(cfg.Backend.BaseURL).
		WithMaxRetries(1)
	served, err := client.ListModels(ctx)
	if err != nil {
		return err
	}
	ids := make(map[string]bool, len(served))
	for _, m := range served {
		ids[m.ID] = true
	}
	var missing []string
	for _, info := range model.Variants() {
		if !ids[info.BackendModel] {
			missing = append(missing, string(info.Name)+"="+info.BackendModel)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("backend does not list %s", strings.Join(missing, ", "))
	}
	return nil
}
