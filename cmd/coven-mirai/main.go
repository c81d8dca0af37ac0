// ABOUTME: Entry point for coven-mirai, a client for mirai-api-http bridges
// ABOUTME: Subcommands run the bot, write config, send messages and read the journal

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-mirai/internal/bot"
	"github.com/2389/coven-mirai/internal/config"
	"github.com/2389/coven-mirai/internal/dispatch"
	"github.com/2389/coven-mirai/internal/relay"
	"github.com/2389/coven-mirai/internal/session"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                   _           _
  ___ _____   _____ _ __        _ __ ___  (_)_ __ __ _(_)
 / __/ _ \ \ / / _ \ '_ \ _____| '_ ' _ \| | '__/ _' | |
| (_| (_) \ V /  __/ | | |_____| | | | | | | | | (_| | |
 \___\___/ \_/ \___|_| |_|     |_| |_| |_|_|_|  \__,_|_|
`

func usage() {
	fmt.Println("Usage: coven-mirai <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run                               Connect and log notifications until interrupted")
	fmt.Println("  init                              Create a new config file interactively")
	fmt.Println("  send --friend|--group ID [text]   Send a message (--file FILE.md for markdown)")
	fmt.Println("  history [--kind K] [--limit N]    Show journaled notifications (--calls for commands)")
	fmt.Println("  health                            Check that the bridge is reachable")
	fmt.Println("  version                           Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "run":
		err = runBot(ctx)
	case "init":
		err = runInit()
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "history":
		err = runHistory(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runBot(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Bridge:    %s\n", cfg.Bridge.URL)
	green.Print("    ▶ ")
	fmt.Printf("Account:   %d\n", cfg.Bridge.QQ)
	if cfg.Journal.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Journal:   %s\n", cfg.Journal.Path)
	}
	if cfg.Relay.Matrix.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Matrix:    %s\n", cfg.Relay.Matrix.RoomID)
	}
	if cfg.Relay.Redis.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     %s", cfg.Relay.Redis.Addr)
		if cfg.Relay.Redis.StreamPrefix != "" {
			gray.Printf(" (%s*)", cfg.Relay.Redis.StreamPrefix)
		}
		fmt.Println()
	}
	if !cfg.Reconnect.Enabled {
		yellow.Println("    ! reconnect disabled")
	}
	fmt.Println()

	b, err := bot.New(cfg, bot.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating bot: %w", err)
	}
	defer b.Close()

	b.Session().OnStateChange(func(from, to session.State) {
		logger.Info("session state", "from", from.String(), "to", to.String())
	})

	notifications := b.Subscribe(ctx, dispatch.AllKinds)
	go func() {
		for n := range notifications {
			logger.Info(relay.Summarize(n), "channel", n.Channel)
		}
	}()

	logger.Info("starting coven-mirai", "config", configPath, "url", cfg.Bridge.URL, "qq", cfg.Bridge.QQ)
	if err := b.Run(ctx); err != nil {
		return err
	}

	stats := b.Stats()
	logger.Info("stopped", "handled", stats.Handled, "failed", stats.Failed, "avg", stats.Average())
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	prober := &session.HTTPProber{BaseURL: cfg.Bridge.URL}
	if err := prober.Probe(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("health check timed out: %w", err)
		}
		return fmt.Errorf("health check failed: %w", err)
	}

	color.New(color.FgGreen).Print("reachable")
	fmt.Printf(" %s (%s)\n", cfg.Bridge.URL, time.Since(start).Round(time.Millisecond))
	return nil
}
