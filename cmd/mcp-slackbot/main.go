// ABOUTME: Entry point for mcp-slackbot
// ABOUTME: Relays Slack messages to an MCP-tool-equipped model and replies in-thread

package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/mcp-slackbot/internal/agent"
	"github.com/2389/mcp-slackbot/internal/backend"
	"github.com/2389/mcp-slackbot/internal/config"
	"github.com/2389/mcp-slackbot/internal/conversation"
	"github.com/2389/mcp-slackbot/internal/dedupe"
	"github.com/2389/mcp-slackbot/internal/model"
	"github.com/2389/mcp-slackbot/internal/relay"
	"github.com/2389/mcp-slackbot/internal/slack"
	"github.com/2389/mcp-slackbot/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                  _            _    _           _
 _ __ ___   ___ _ __         ___| | __ _  ___| | _| |__   ___ | |_
| '_ ' _ \ / __| '_ \ _____ / __| |/ _' |/ __| |/ / '_ \ / _ \| __|
| | | | | | (__| |_) |_____|\__ \ | (_| | (__|   <| |_) | (_) | |_
|_| |_| |_|\___| .__/      |___/_|\__,_|\___|_|\_\_.__/ \___/ \__|
               |_|
`

// getConfigPath returns the path to the bot config file.
// Priority: MCP_SLACKBOT_CONFIG env var > XDG_CONFIG_HOME/mcp-slackbot/config.yaml > ~/.config/mcp-slackbot/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MCP_SLACKBOT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mcp-slackbot", "config.yaml")
}

// getDataPath returns the path to the bot data directory.
// Priority: XDG_DATA_HOME/mcp-slackbot > ~/.local/share/mcp-slackbot
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mcp-slackbot")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the bot (default)")
		fmt.Println("  init    Create a new config file interactively")
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Model:    %s\n", cfg.Model.Name)
	green.Print("    ▶ ")
	fmt.Printf("Backends: %d\n", len(cfg.Backends))
	if cfg.Database.Path != "" {
		green.Print("    ▶ ")
		fmt.Printf("Ledger:   %s\n", cfg.Database.Path)
	}
	fmt.Println()

	logger.Info("starting mcp-slackbot",
		"config", configPath,
		"model", cfg.Model.Name,
		"backends", len(cfg.Backends),
		"history_window", cfg.History.Window,
	)

	// Optional transcript ledger.
	var ledger relay.Transcript
	if cfg.Database.Path != "" {
		l, err := store.NewLedger(cfg.Database.Path, logger)
		if err != nil {
			return fmt.Errorf("opening ledger: %w", err)
		}
		defer l.Close()
		ledger = l
	}

	// One handle per configured tool backend.
	backends := make([]agent.Backend, 0, len(cfg.Backends))
	for _, desc := range cfg.Backends {
		backends = append(backends, backend.NewHandle(desc, logger))
	}

	generator := model.NewGenerator(cfg.Model, logger)
	runtime := agent.NewRuntime(backends, generator, logger)

	transport, err := slack.New(cfg.Slack, logger)
	if err != nil {
		return fmt.Errorf("creating slack transport: %w", err)
	}

	seen := dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize)
	defer seen.Close()

	dispatcher := relay.NewDispatcher(
		conversation.NewStore(),
		runtime,
		transport,
		cfg.History.Window,
		logger,
		relay.DispatcherOptions{Seen: seen, Ledger: ledger},
	)

	svc := relay.NewService(transport, runtime, dispatcher, logger)
	return svc.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println("    Interactive Setup")
	fmt.Println("    -----------------")
	fmt.Println()

	configPath := getConfigPath()

	// Check if config already exists
	if _, err := os.Stat(configPath); err == nil {
		yellow.Printf("    Config already exists at %s\n", configPath)
		fmt.Print("    Overwrite? [y/N]: ")
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	defaultDBPath := filepath.Join(getDataPath(), "transcript.db")

	green.Print("    ▶ ")
	fmt.Print("Slack bot token (xoxb-...): ")
	botToken, _ := reader.ReadString('\n')
	botToken = strings.TrimSpace(botToken)

	green.Print("    ▶ ")
	fmt.Print("Slack app token (xapp-...): ")
	appToken, _ := reader.ReadString('\n')
	appToken = strings.TrimSpace(appToken)

	green.Print("    ▶ ")
	fmt.Print("OpenAI API key: ")
	apiKey, _ := reader.ReadString('\n')
	apiKey = strings.TrimSpace(apiKey)

	green.Print("    ▶ ")
	fmt.Printf("Model [%s]: ", config.DefaultModel)
	modelName, _ := reader.ReadString('\n')
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		modelName = config.DefaultModel
	}

	green.Print("    ▶ ")
	fmt.Printf("Transcript database path (empty to disable) [%s]: ", defaultDBPath)
	dbPath, _ := reader.ReadString('\n')
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		dbPath = defaultDBPath
	}

	var cfg strings.Builder
	cfg.WriteString("# mcp-slackbot configuration\n")
	cfg.WriteString("# Generated by mcp-slackbot init\n\n")

	cfg.WriteString("slack:\n")
	cfg.WriteString(fmt.Sprintf("  bot_token: \"%s\"\n", botToken))
	cfg.WriteString(fmt.Sprintf("  app_token: \"%s\"\n", appToken))
	cfg.WriteString("\n")

	cfg.WriteString("model:\n")
	cfg.WriteString(fmt.Sprintf("  api_key: \"%s\"\n", apiKey))
	cfg.WriteString(fmt.Sprintf("  name: \"%s\"\n", modelName))
	cfg.WriteString("\n")

	cfg.WriteString("backends:\n")
	cfg.WriteString("  # - id: \"filesystem\"\n")
	cfg.WriteString("  #   command: \"npx\"\n")
	cfg.WriteString("  #   args: [\"-y\", \"@modelcontextprotocol/server-filesystem\", \"/tmp\"]\n")
	cfg.WriteString("\n")

	cfg.WriteString("history:\n")
	cfg.WriteString(fmt.Sprintf("  window: %d\n", config.DefaultHistoryWindow))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString("  level: \"info\"\n")
	cfg.WriteString("  format: \"text\"\n")

	// Ensure config directory exists
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Add tool backends to the config")
	fmt.Println("    2. Run: mcp-slackbot serve")
	fmt.Println()

	return nil
}
