// Command overload-manager runs the predictive overload-control daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cboxdk/overload-manager/internal/app"
	"github.com/cboxdk/overload-manager/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var (
	version = "dev"
	commit  = "unknown"
)

type command struct {
	name        string
	description string
	run         func(args []string) error
}

func main() {
	commands := []command{
		{"run", "Run the overload manager daemon", runCommand},
		{"validate", "Validate a configuration file", validateCommand},
		{"example-config", "Print a fully defaulted example configuration", exampleConfigCommand},
		{"version", "Print version information", versionCommand},
		{"help", "Show this help", nil},
	}

	if len(os.Args) < 2 {
		printUsage(commands)
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "help" || name == "-h" || name == "--help" {
		printUsage(commands)
		return
	}

	for _, cmd := range commands {
		if cmd.name == name {
			if err := cmd.run(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
	printUsage(commands)
	os.Exit(1)
}

func printUsage(commands []command) {
	fmt.Println("Usage: overload-manager <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	for _, cmd := range commands {
		fmt.Printf("  %-16s %s\n", cmd.name, cmd.description)
	}
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (defaults apply when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting overload manager",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("config", *configPath))

	manager, err := app.NewManager(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func validateCommand(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("-config is required")
	}

	if _, err := config.Load(*configPath); err != nil {
		return err
	}
	fmt.Printf("Configuration %s is valid\n", *configPath)
	return nil
}

func exampleConfigCommand(args []string) error {
	data, err := yaml.Marshal(config.Default())
	if err != nil {
		return fmt.Errorf("failed to marshal example config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func versionCommand(args []string) error {
	fmt.Printf("overload-manager %s (commit %s)\n", version, commit)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	return zapCfg.Build()
}
