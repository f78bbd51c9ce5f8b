package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/udisondev/phi/client"
	"github.com/udisondev/phi/config"
	"github.com/udisondev/phi/console"
)

const connectTimeout = 10 * time.Second

func runConsole(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		exitWithError("Invalid configuration", err)
	}

	logFile, logPath, err := openLogFile(logDir)
	if err != nil {
		exitWithError("Failed to open log file", err)
	}
	defer logFile.Close()

	// stdout занят консолью, логи пишутся в файл
	level, _ := config.ParseLevel(cfg.LogLevel)
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting phi", "server", cfg.Server, "logfile", logPath, "turnOnly", cfg.TURNOnly)

	cl := client.New(client.Options{
		ICE:            cfg.ICE(),
		Keepalive:      cfg.Keepalive,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	})
	events, cancel := cl.Subscribe(256)
	defer cancel()

	fmt.Printf("Connecting to %s...\n", cfg.Server)
	ctx, stop := context.WithTimeout(context.Background(), connectTimeout)
	err = cl.Connect(ctx, cfg.Server)
	stop()
	if err != nil {
		slog.Error("Failed to connect to signaling server", "server", cfg.Server, "error", err)
		fmt.Fprintf(os.Stderr, "\n❌ Failed to connect to signaling server at %s\n", cfg.Server)
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		os.Exit(1)
	}
	defer cl.Close()

	fmt.Println("✓ Connected")
	slog.Info("Starting console")

	if err := console.Run(cl, events); err != nil {
		slog.Error("Console error", "error", err)
		exitWithError("Console error", err)
	}

	slog.Info("phi exiting gracefully")
}

// openLogFile создает файл лога с меткой времени в dir (по умолчанию ~/.phi/logs).
func openLogFile(dir string) (*os.File, string, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, "", fmt.Errorf("determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".phi", "logs")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", fmt.Errorf("create log directory: %w", err)
	}

	name := fmt.Sprintf("phi-%s.log", time.Now().Format("2006-01-02_15-04-05"))
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}
