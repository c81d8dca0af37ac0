// ABOUTME: The init subcommand: writes a TOML config file from prompts
// ABOUTME: Unanswered prompts take the documented defaults

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/2389/coven-mirai/internal/config"
)

var configTemplate = template.Must(template.New("config").Parse(`# coven-mirai configuration
# Generated by coven-mirai init

[bridge]
url = "{{.URL}}"
qq = {{.QQ}}
verify_key = "{{.VerifyKey}}"

[keepalive]
idle_interval = "15s"
missed_probes = 5

[reconnect]
enabled = {{.Reconnect}}
max_attempts = 0
initial_delay = "1s"
max_delay = "30s"
multiplier = 2.0
jitter = true

[upload]
max_attempts = 3
verify = false
timeout = "30s"

[dedupe]
window = "10m"
max_entries = 4096

[journal]
path = "{{.JournalPath}}"

[relay.matrix]
enabled = false
homeserver = "https://matrix.org"
user_id = ""
access_token = "${MATRIX_ACCESS_TOKEN}"
room_id = ""

[relay.redis]
enabled = false
addr = "localhost:6379"
stream_prefix = "mirai:"

[logging]
level = "{{.LogLevel}}"
format = "{{.LogFormat}}"
`))

type initAnswers struct {
	URL         string
	QQ          int64
	VerifyKey   string
	Reconnect   bool
	JournalPath string
	LogLevel    string
	LogFormat   string
}

// getDataPath returns the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-mirai configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, "File exists. Overwrite?", "no")) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Bridge ---")
	var a initAnswers
	a.URL = prompt(reader, "Bridge URL", "http://localhost:8080")
	for tries := 0; a.QQ == 0; tries++ {
		if tries == 3 {
			return fmt.Errorf("a numeric bot account is required")
		}
		qq, err := strconv.ParseInt(prompt(reader, "Bot account (qq)", ""), 10, 64)
		if err == nil && qq > 0 {
			a.QQ = qq
			continue
		}
		fmt.Println("Please enter the numeric account id.")
	}
	a.VerifyKey = prompt(reader, "Verify key", "${MIRAI_VERIFY_KEY}")
	a.Reconnect = yes(prompt(reader, "Reconnect automatically?", "yes"))

	fmt.Println("\n--- Journal ---")
	a.JournalPath = prompt(reader, "SQLite journal path (empty to disable)", filepath.Join(getDataPath(), "mirai.db"))

	fmt.Println("\n--- Logging ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(outputFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := writeConfig(f, a); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the bot:")
	fmt.Println("  coven-mirai run")
	return nil
}

func writeConfig(w io.Writer, a initAnswers) error {
	if err := configTemplate.Execute(w, a); err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
