// ABOUTME: Entry point for the ember-matrix bot
// ABOUTME: Wires config, store, llm, and armory clients into the Matrix bridge

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
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/ember-matrix/internal/armory"
	"github.com/2389/ember-matrix/internal/commands"
	"github.com/2389/ember-matrix/internal/conversation"
	"github.com/2389/ember-matrix/internal/llm"
	"github.com/2389/ember-matrix/internal/prompt"
	"github.com/2389/ember-matrix/internal/report"
	"github.com/2389/ember-matrix/internal/store"
)

const banner = `
                _
  ___ _ __ ___ | |__   ___ _ __
 / _ \ '_ ' _ \| '_ \ / _ \ '__|
|  __/ | | | | | |_) |  __/ |
 \___|_| |_| |_|_.__/ \___|_|
`

// getConfigPath returns the path to the bot config file.
// Priority: EMBER_CONFIG env var > XDG_CONFIG_HOME/ember/config.toml > ~/.config/ember/config.toml
func getConfigPath() string {
	if envPath := os.Getenv("EMBER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.toml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "ember", "config.toml")
}

// getDataPath returns the path to the ember data directory.
// Priority: XDG_DATA_HOME/ember > ~/.local/share/ember
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "ember")
}

func main() {
	// Check for init command
	if len(os.Args) > 1 && os.Args[1] == "init" {
		if err := runInit(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	configPath := getConfigPath()
	dataPath := getDataPath()

	// Ensure data directory exists
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	// Load config
	cfg, err := Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging.Level)

	// Print startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Homeserver: %s\n", cfg.Matrix.Homeserver)
	green.Print("    ▶ ")
	fmt.Printf("Username:   %s\n", cfg.Matrix.Username)
	if cfg.LLM.URL != "" {
		green.Print("    ▶ ")
		fmt.Printf("LLM:        %s\n", cfg.LLM.URL)
	}
	if cfg.Armory.ClientID != "" {
		green.Print("    ▶ ")
		fmt.Printf("Armory:     %s (%s)\n", cfg.Armory.Realm, cfg.Armory.Namespace)
	}
	if cfg.Matrix.RecoveryKey != "" {
		green.Print("    ▶ ")
		fmt.Println("Encryption: enabled")
	}
	fmt.Println()

	// Setup graceful shutdown context first - all operations should respect it
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Open the bot database
	st, err := store.Open(filepath.Join(dataPath, "ember.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// Conversational pipeline. A nil llm client keeps the bot alive with
	// chat commands disabled.
	assembler := prompt.New(st)
	llmClient := llm.New(cfg.LLM.URL, assembler, st, logger)
	if llmClient == nil {
		logger.Info("llm disabled (no url configured)")
	}

	// Armory pipeline, same shape: nil token source means the character
	// commands explain they're disabled.
	tokens := armory.NewTokenSource(cfg.Armory.ClientID, cfg.Armory.ClientSecret, cfg.Armory.TokenURL, logger)
	armoryCfg := armory.ClientConfig{
		APIBase:   cfg.Armory.APIBase,
		Realm:     cfg.Armory.Realm,
		Namespace: cfg.Armory.Namespace,
		Locale:    cfg.Armory.Locale,
	}
	if armoryCfg.APIBase == "" {
		armoryCfg.APIBase = "https://us.api.blizzard.com"
	}
	if armoryCfg.Locale == "" {
		armoryCfg.Locale = "en_US"
	}
	armoryClient := armory.NewClient(armoryCfg, tokens)
	if armoryClient == nil {
		logger.Info("armory disabled (no client credentials configured)")
	}

	reporter := report.New(armoryClient, llmClient, st, cfg.Armory.Realm, logger)
	resolver := conversation.NewResolver(st)
	handler := commands.New(st, resolver, llmClient, armoryClient, reporter, cfg.Armory.Realm, logger)

	// Create bridge
	bridge, err := NewBridge(cfg, handler, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	// Login to Matrix (required before crypto setup)
	if err := bridge.Login(ctx); err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}

	// Setup encryption (only if recovery key is provided)
	if cfg.Matrix.RecoveryKey != "" {
		cryptoMgr, err := SetupCrypto(ctx, bridge.matrix, bridge.UserID(), cfg.Matrix.RecoveryKey, dataPath, logger)
		if err != nil {
			return fmt.Errorf("setting up encryption: %w", err)
		}
		defer cryptoMgr.Close()
	} else {
		logger.Info("encryption disabled (no recovery key)")
	}

	// Run bridge
	logger.Info("starting bridge")
	return bridge.Run(ctx)
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func runInit() error {
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
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if strings.ToLower(strings.TrimSpace(answer)) != "y" {
			fmt.Println("    Aborted.")
			return nil
		}
		fmt.Println()
	}

	reader := bufio.NewReader(os.Stdin)

	ask := func(promptText, fallback string) string {
		green.Print("    ▶ ")
		if fallback != "" {
			fmt.Printf("%s [%s]: ", promptText, fallback)
		} else {
			fmt.Printf("%s: ", promptText)
		}
		answer, _ := reader.ReadString('\n')
		answer = strings.TrimSpace(answer)
		if answer == "" {
			return fallback
		}
		return answer
	}

	homeserver := ask("Matrix homeserver URL", "https://matrix.org")
	username := ask("Matrix username", "")
	password := ask("Matrix password", "")
	recoveryKey := ask("Matrix recovery key (optional, for E2EE)", "")
	llmURL := ask("LLM server URL (optional, e.g. http://localhost:8080)", "")
	clientID := ask("Battle.net client ID (optional)", "")

	var clientSecret, realm, namespace string
	if clientID != "" {
		clientSecret = ask("Battle.net client secret", "")
		realm = ask("Realm slug", "nightslayer")
		namespace = ask("API namespace", "profile-classic1x-us")
	}

	// Generate config
	config := fmt.Sprintf(`# ember-matrix bot configuration
# Generated by ember-matrix init

[matrix]
homeserver = "%s"
username = "%s"
password = "%s"
`, homeserver, username, password)

	if recoveryKey != "" {
		config += fmt.Sprintf("recovery_key = \"%s\"\n", recoveryKey)
	}

	if llmURL != "" {
		config += fmt.Sprintf(`
[llm]
url = "%s"
`, llmURL)
	}

	if clientID != "" {
		config += fmt.Sprintf(`
[armory]
client_id = "%s"
client_secret = "%s"
realm = "%s"
namespace = "%s"
`, clientID, clientSecret, realm, namespace)
	}

	config += `
[bridge]
# Only respond in these rooms (empty = all joined rooms)
allowed_rooms = []
# Send typing indicator while thinking
typing_indicator = true

[logging]
level = "info"
`

	// Ensure config directory exists
	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write config file
	if err := os.WriteFile(configPath, []byte(config), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	green.Printf("    ✓ Config written to %s\n", configPath)
	fmt.Println()
	fmt.Println("    Next steps:")
	fmt.Println("    1. Run: ember-matrix")
	fmt.Println()

	return nil
}
