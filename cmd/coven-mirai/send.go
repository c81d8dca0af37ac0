// ABOUTME: The send subcommand: connect, send one message, disconnect
// ABOUTME: Text comes from the remaining arguments or a markdown file with local images

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"github.com/2389/coven-mirai/internal/bot"
	"github.com/2389/coven-mirai/internal/message"
)

type sendArgs struct {
	friend int64
	group  int64
	quote  int64
	file   string
	text   string
}

// parseSendArgs accepts "--flag value" and "--flag=value" forms.
func parseSendArgs(args []string) (sendArgs, error) {
	var out sendArgs
	var words []string

	value := func(i *int, name, arg string) (string, error) {
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		*i++
		return args[*i], nil
	}
	id := func(name, v string) (int64, error) {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("%s must be a positive number, got %q", name, v)
		}
		return n, nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		flag, _, _ := strings.Cut(arg, "=")
		switch flag {
		case "--friend", "--group", "--quote", "--file":
			v, err := value(&i, flag, arg)
			if err != nil {
				return out, err
			}
			switch flag {
			case "--friend":
				out.friend, err = id(flag, v)
			case "--group":
				out.group, err = id(flag, v)
			case "--quote":
				out.quote, err = id(flag, v)
			case "--file":
				out.file = v
			}
			if err != nil {
				return out, err
			}
		case "--":
			words = append(words, args[i+1:]...)
			i = len(args)
		default:
			if strings.HasPrefix(arg, "-") {
				return out, fmt.Errorf("unknown flag: %s", arg)
			}
			words = append(words, arg)
		}
	}

	if (out.friend == 0) == (out.group == 0) {
		return out, fmt.Errorf("exactly one of --friend or --group is required")
	}
	out.text = strings.Join(words, " ")
	if out.file == "" && strings.TrimSpace(out.text) == "" {
		return out, fmt.Errorf("nothing to send: give text or --file")
	}
	if out.file != "" && out.text != "" {
		return out, fmt.Errorf("give either text or --file, not both")
	}
	return out, nil
}

func (a sendArgs) chain() (message.Chain, error) {
	if a.file == "" {
		return message.Text(a.text), nil
	}
	src, err := os.ReadFile(a.file)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", a.file, err)
	}
	chain := message.FromMarkdown(src, filepath.Dir(a.file))
	if len(chain) == 0 {
		return nil, fmt.Errorf("%s produced an empty message", a.file)
	}
	return chain, nil
}

func runSend(ctx context.Context, args []string) error {
	sa, err := parseSendArgs(args)
	if err != nil {
		return err
	}
	chain, err := sa.chain()
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Reconnect.Enabled = false

	b, err := bot.New(cfg, bot.WithLogger(setupLogger(cfg)))
	if err != nil {
		return fmt.Errorf("creating bot: %w", err)
	}
	defer b.Close()

	if err := b.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	var opts []bot.SendOption
	if sa.quote != 0 {
		opts = append(opts, bot.WithQuote(sa.quote))
	}

	var id int64
	if sa.friend != 0 {
		id, err = b.SendFriendMessage(ctx, sa.friend, chain, opts...)
	} else {
		id, err = b.SendGroupMessage(ctx, sa.group, chain, opts...)
	}
	if err != nil {
		return fmt.Errorf("sending: %w", err)
	}

	if id == -1 {
		color.New(color.FgYellow).Println("sent, but the bridge did not confirm delivery")
		return nil
	}
	color.New(color.FgGreen).Print("  ✓ ")
	fmt.Printf("sent message %d\n", id)
	return nil
}
