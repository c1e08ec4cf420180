// Package cli implements the acpgate command line interface.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smallnest/acpgate/acp"
	"github.com/smallnest/acpgate/config"
	"github.com/smallnest/acpgate/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "acpgate",
	Short: "ACP runtime bridge and session control plane",
	Long:  `acpgate bridges agent sessions to the external acpx CLI and manages their lifecycle: handles, identity, runtime options and idle eviction.`,
}

var rootConfigPath string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the acpgate control plane",
	Run:   runStart,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Run:   runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Run:   runConfigInit,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootConfigPath, "config", "", "Path to config file")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(NewAcpCommand())
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfigOrExit() *config.Config {
	cfg, err := config.Load(rootConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runStart(cmd *cobra.Command, args []string) {
	cfg := loadConfigOrExit()

	if err := logger.Init(cfg.Log.Level, cfg.Log.Development); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting acpgate")

	validator := config.NewValidator(false)
	if err := validator.Validate(cfg); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := acp.GetOrCreateGlobalManager(cfg)

	if cfg.Workspace.DataDir != "" {
		binder, err := acp.NewPersistentThreadBindingService(cfg.Workspace.DataDir)
		if err != nil {
			logger.Warn("could not load thread bindings, using in-memory", zap.Error(err))
			acp.SetGlobalThreadBinder(acp.NewThreadBindingService())
		} else {
			acp.SetGlobalThreadBinder(binder)
		}
	} else {
		acp.SetGlobalThreadBinder(acp.NewThreadBindingService())
	}

	// Resolve identities left pending by a previous run.
	reconcile := manager.ReconcilePendingSessionIdentities(ctx)
	if reconcile.Checked > 0 {
		logger.Info("startup identity reconcile",
			zap.Int("checked", reconcile.Checked),
			zap.Int("resolved", reconcile.Resolved),
			zap.Int("failed", reconcile.Failed))
	}

	sweeper := acp.NewSweeper(manager, cfg)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	logger.Info("acpgate started",
		zap.String("backend", cfg.ACP.Backend),
		zap.String("command", cfg.ACP.Command))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("received shutdown signal")
	cancel()
	logger.Info("acpgate stopped")
}

func runConfigShow(cmd *cobra.Command, args []string) {
	cfg := loadConfigOrExit()

	fmt.Println("Current Configuration:")
	fmt.Printf("  Log level: %s\n", cfg.Log.Level)
	fmt.Printf("  Data dir: %s\n", cfg.Workspace.DataDir)
	fmt.Println()
	fmt.Println("ACP:")
	fmt.Printf("  Enabled: %v\n", cfg.ACP.Enabled)
	fmt.Printf("  Backend: %s\n", cfg.ACP.Backend)
	fmt.Printf("  Command: %s\n", cfg.ACP.Command)
	fmt.Printf("  Default agent: %s\n", cfg.ACP.DefaultAgent)
	fmt.Printf("  Permission profile: %s\n", cfg.ACP.PermissionProfile)
	if cfg.ACP.TimeoutSeconds > 0 {
		fmt.Printf("  Turn timeout: %ds\n", cfg.ACP.TimeoutSeconds)
	}
	fmt.Printf("  Queue TTL: %ds\n", cfg.ACP.QueueTTLSeconds)
	fmt.Printf("  Idle timeout: %dms\n", cfg.ACP.IdleTimeoutMs)
	fmt.Printf("  Sweep interval: %dms\n", cfg.ACP.SweepIntervalMs)
	if cfg.ACP.MaxConcurrentSessions > 0 {
		fmt.Printf("  Max concurrent sessions: %d\n", cfg.ACP.MaxConcurrentSessions)
	} else {
		fmt.Println("  Max concurrent sessions: unlimited")
	}
}

func runConfigInit(cmd *cobra.Command, args []string) {
	path := rootConfigPath
	if err := config.WriteStarter(path); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write starter config: %v\n", err)
		os.Exit(1)
	}
	if path == "" {
		path = config.GetDefaultConfigPath()
	}
	fmt.Printf("Starter configuration written to: %s\n", path)
}
