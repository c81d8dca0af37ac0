// ABOUTME: The history subcommand: reads the SQLite journal newest-first
// ABOUTME: Lists notifications, optionally filtered by kind, or recent command calls

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-mirai/internal/dispatch"
	"github.com/2389/coven-mirai/internal/journal"
	"github.com/2389/coven-mirai/internal/relay"
)

type historyArgs struct {
	kind  string
	limit int
	calls bool
}

func parseHistoryArgs(args []string) (historyArgs, error) {
	out := historyArgs{limit: 20}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		flag, inline, hasInline := strings.Cut(arg, "=")
		next := func() (string, error) {
			if hasInline {
				return inline, nil
			}
			if i+1 >= len(args) {
				return "", fmt.Errorf("%s requires a value", flag)
			}
			i++
			return args[i], nil
		}
		switch flag {
		case "--kind", "-k":
			v, err := next()
			if err != nil {
				return out, err
			}
			out.kind = v
		case "--limit", "-n":
			v, err := next()
			if err != nil {
				return out, err
			}
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				return out, fmt.Errorf("--limit must be a positive number, got %q", v)
			}
			out.limit = n
		case "--calls":
			out.calls = true
		default:
			return out, fmt.Errorf("unexpected argument: %s", arg)
		}
	}
	return out, nil
}

func runHistory(ctx context.Context, args []string) error {
	ha, err := parseHistoryArgs(args)
	if err != nil {
		return err
	}
	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Journal.Path == "" {
		return fmt.Errorf("journal.path is not set in %s", configPath)
	}

	j, err := journal.NewSQLiteJournal(cfg.Journal.Path, setupLogger(cfg))
	if err != nil {
		return err
	}
	defer j.Close()

	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)

	if ha.calls {
		calls, err := j.RecentCalls(ctx, ha.limit)
		if err != nil {
			return err
		}
		for _, c := range calls {
			gray.Print(c.Started.Local().Format("2006-01-02 15:04:05 "))
			name := c.Command
			if c.SubCommand != "" {
				name += "/" + c.SubCommand
			}
			cyan.Printf("%-28s", name)
			fmt.Printf(" %8s", c.Duration.Round(time.Millisecond))
			if c.Error != "" {
				color.New(color.FgRed).Printf("  %s", c.Error)
			}
			fmt.Println()
		}
		return nil
	}

	notes, err := j.Recent(ctx, ha.kind, ha.limit)
	if err != nil {
		return err
	}
	if len(notes) == 0 {
		fmt.Println("no notifications journaled")
		return nil
	}
	for _, n := range notes {
		gray.Print(n.Received.Local().Format("2006-01-02 15:04:05 "))
		fmt.Println(relay.Summarize(dispatch.Notification{
			Kind:     n.Kind,
			Channel:  n.Channel,
			Payload:  n.Payload,
			Received: n.Received,
		}))
	}
	return nil
}
