// ABOUTME: Entry point for the agent-ledger history server
// ABOUTME: Wires store, registry, hub and real-time fan-out behind an HTTP server

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/agent-ledger/internal/config"
	"github.com/2389/agent-ledger/internal/server"
	"github.com/2389/agent-ledger/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                          _          _          _
  __ _  __ _  ___ _ __| |_       | | ___  __| | __ _  ___ _ __
 / _' |/ _' |/ _ \ '_ \ __|______| |/ _ \/ _' |/ _' |/ _ \ '__|
| (_| | (_| |  __/ | | | ||______| |  __/ (_| | (_| |  __/ |
 \__,_|\__, |\___|_| |_|\__|     |_|\___|\__,_|\__, |\___|_|
       |___/                                   |___/
`

// getConfigPath returns the path to the ledger config file.
// Priority: AGENT_LEDGER_CONFIG env var > XDG_CONFIG_HOME/agent-ledger/ledger.yaml > ~/.config/agent-ledger/ledger.yaml
func getConfigPath() string {
	if envPath := os.Getenv("AGENT_LEDGER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "ledger.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agent-ledger", "ledger.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: agent-ledger <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve                    Start the history server")
		fmt.Println("  restore <conversations|history>")
		fmt.Println("                           Replace live tables with their migration backups")
		fmt.Println("  health                   Check server health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "restore":
		err = runRestore(ctx)
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
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

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting agent-ledger",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	return srv.Run(ctx)
}

// restoreTables maps the restore subcommand argument to the logical tables
// each migration backs up.
var restoreTables = map[string][]string{
	"conversations": {"conversations", "messages"},
	"history":       {"agent_history", "agent_history_steps", "timeline_events"},
}

func runRestore(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: agent-ledger restore <conversations|history>")
	}

	tables, ok := restoreTables[os.Args[2]]
	if !ok {
		return fmt.Errorf("unknown restore target %q", os.Args[2])
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	s, err := store.NewSQLiteStore(store.Options{
		Path:         cfg.Database.Path,
		TablePrefix:  cfg.Storage.TablePrefix,
		StorageLimit: cfg.Storage.Limit,
		Debug:        cfg.Debug,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer s.Close()

	if err := s.RestoreFromBackup(ctx, tables...); err != nil {
		return err
	}

	fmt.Printf("Restored: %v\n", tables)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/healthz", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("checking health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: %s", resp.Status)
	}

	fmt.Println("OK")
	return nil
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
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
