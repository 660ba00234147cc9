// ideaforge - token-budgeted idea conversations against a local LLM.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jeranaias/ideaforge/internal/config"
	"github.com/jeranaias/ideaforge/internal/engine"
	"github.com/jeranaias/ideaforge/internal/faults"
	"github.com/jeranaias/ideaforge/internal/model"
	"github.com/jeranaias/ideaforge/internal/ollama"
	"github.com/jeranaias/ideaforge/internal/storage"
	"github.com/jeranaias/ideaforge/internal/telemetry"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to the TOML config file")
		actorID     = flag.String("actor", "local", "actor identifier")
		kindFlag    = flag.String("kind", "free", "conversation kind: free or anchored")
		anchorRef   = flag.String("anchor", "", "anchor reference (anchored conversations)")
		anchorFile  = flag.String("anchor-file", "", "file holding the anchor content; first line is the idea, the rest is context")
		verbose     = flag.Bool("verbose", false, "enable debug logging")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("ideaforge %s (%s, %s)\n", Version, GitCommit, BuildDate)
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(*configPath, *actorID, *kindFlag, *anchorRef, *anchorFile, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, actorID, kindFlag, anchorRef, anchorFile string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if configPath != "" {
		stop, werr := config.Watch(configPath, logger, func(*config.Config) {
			logger.Info("config file changed, restart to apply")
		})
		if werr != nil {
			logger.Warn("config watch unavailable", "error", werr)
		} else {
			defer stop()
		}
	}

	store, err := storage.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	metrics := telemetry.NewRecorder()
	if cfg.Telemetry.SnapshotPath != "" {
		defer func() {
			if err := metrics.WriteSnapshot(cfg.Telemetry.SnapshotPath); err != nil {
				logger.Warn("metrics snapshot failed", "error", err)
			}
		}()
	}

	client := ollama.NewClient(cfg.BackendClientConfig()).
		WithMetrics(metrics).
		WithLogger(logger)

	var kind model.Kind
	switch strings.ToLower(kindFlag) {
	case "free":
		kind = model.KindFree
	case "anchored":
		kind = model.KindAnchored
	default:
		return fmt.Errorf("unknown kind %q", kindFlag)
	}

	var anchors engine.AnchorSource
	if anchorFile != "" {
		anchors = fileAnchorSource(anchorFile)
	}

	eng, err := engine.New(engine.Config{
		Store:              store,
		Client:             client,
		Anchors:            anchors,
		Metrics:            metrics,
		Logger:             logger,
		Limits:             cfg.BudgetLimits(),
		HistoryMaxMessages: cfg.History.MaxMessages,
		HistoryMaxTokens:   cfg.History.MaxTokens,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	actor := model.Actor{ID: actorID}
	view, err := eng.StartOrResume(ctx, actor, kind, anchorRef)
	if err != nil {
		return err
	}

	fmt.Printf("ideaforge %s | conversation %s (%s)\n", Version, view.ID, strings.ToLower(string(view.Kind)))
	for _, m := range view.Messages {
		printMessage(m)
	}

	return repl(ctx, eng, actor, view.ID)
}

// repl reads user messages from stdin until EOF or /quit.
func repl(ctx context.Context, eng *engine.Engine, actor model.Actor, conversationID string) error {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "/quit" || line == "/exit" {
			return nil
		}
		if line == "" {
			continue
		}

		res, err := eng.SubmitTurn(ctx, actor, conversationID, line)
		if err != nil {
			// Rejections and backend hiccups carry user-facing copy; only
			// everything else is fatal.
			if faults.IsValidation(err) || faults.IsUpstream(err) {
				fmt.Printf("! %s\n", err)
				continue
			}
			return err
		}
		fmt.Printf("%s\n(%d tokens, %d restantes hoje)\n", res.Content, res.TokensConsumed, res.TokensRemaining)
	}
}

func printMessage(m model.Message) {
	prefix := ">"
	if m.Role == model.RoleAssistant {
		prefix = " "
	}
	fmt.Printf("%s %s\n", prefix, m.Content)
}

// fileAnchorSource serves the anchor snapshot from a local text file. The
// first line is the idea itself, the remainder its context.
func fileAnchorSource(path string) engine.AnchorSource {
	return engine.AnchorSourceFunc(func(_ context.Context, ref string) (string, string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", "", &faults.NotFoundError{Resource: "anchor", ID: ref}
		}
		content, rest, _ := strings.Cut(strings.TrimSpace(string(data)), "\n")
		return strings.TrimSpace(content), strings.TrimSpace(rest), nil
	})
}
