package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/smallnest/acpgate/acp"
	acpruntime "github.com/smallnest/acpgate/acp/runtime"
	"github.com/smallnest/acpgate/config"
	"github.com/smallnest/acpgate/internal/logger"
)

// NewAcpCommand builds the `acp` command group for session operations.
func NewAcpCommand() *cobra.Command {
	acpCmd := &cobra.Command{
		Use:   "acp",
		Short: "ACP session operations",
		Long:  "Inspect and control ACP sessions through the configured runtime backend.",
	}

	acpCmd.AddCommand(newAcpDoctorCommand())
	acpCmd.AddCommand(newAcpListCommand())
	acpCmd.AddCommand(newAcpStatusCommand())
	acpCmd.AddCommand(newAcpSpawnCommand())
	acpCmd.AddCommand(newAcpPromptCommand())
	acpCmd.AddCommand(newAcpSetModeCommand())
	acpCmd.AddCommand(newAcpSetOptionCommand())
	acpCmd.AddCommand(newAcpCancelCommand())
	acpCmd.AddCommand(newAcpCloseCommand())

	return acpCmd
}

// acpCLISetup loads config, initializes logging quietly and returns the
// global manager. CLI one-shot commands share this preamble.
func acpCLISetup() (*config.Config, *acp.Manager) {
	cfg := loadConfigOrExit()
	_ = logger.Init("warn", false)
	manager := acp.GetOrCreateGlobalManager(cfg)
	return cfg, manager
}

func newAcpDoctorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check ACP backend health",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, _ := acpCLISetup()

			backendID := acp.ResolveAcpBackend(cfg, "")
			backend := acpruntime.GetAcpRuntimeBackend(backendID)
			if backend == nil || backend.Runtime == nil {
				fmt.Fprintf(os.Stderr, "No ACP runtime backend registered for %q\n", backendID)
				os.Exit(1)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			report, err := backend.Runtime.Doctor(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Doctor check failed: %v\n", err)
				os.Exit(1)
			}

			if report.Ok {
				fmt.Printf("ok: %s\n", report.Message)
			} else {
				fmt.Printf("unhealthy (%s): %s\n", report.Code, report.Message)
				if report.InstallCommand != "" {
					fmt.Printf("install: %s\n", report.InstallCommand)
				}
			}
			for _, detail := range report.Details {
				fmt.Printf("  %s\n", detail)
			}
			if !report.Ok {
				os.Exit(1)
			}
		},
	}
}

func newAcpListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List known ACP sessions",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, manager := acpCLISetup()

			records, err := manager.Store().ListSessionMeta(cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to list sessions: %v\n", err)
				os.Exit(1)
			}
			snapshot := manager.GetObservabilitySnapshot()

			if asJSON {
				printJSON(map[string]any{
					"sessions": records,
					"runtime":  snapshot,
				})
				return
			}

			live := make(map[string]acp.RuntimeCacheEntrySnapshot, len(snapshot.Entries))
			for _, entry := range snapshot.Entries {
				live[entry.SessionKey] = entry
			}

			if len(records) == 0 {
				fmt.Println("No ACP sessions.")
				return
			}
			for _, record := range records {
				if record == nil || record.Acp == nil {
					continue
				}
				state := record.Acp.State
				if entry, ok := live[record.SessionKey]; ok {
					state = fmt.Sprintf("live (idle %dms)", entry.IdleMs)
				}
				fmt.Printf("%s  agent=%s mode=%s state=%s\n",
					record.SessionKey, record.Acp.Agent, record.Acp.Mode, state)
			}
			fmt.Printf("\n%d session(s), %d live runtime handle(s)\n",
				len(records), snapshot.RuntimeCache.ActiveSessions)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newAcpStatusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <session-key>",
		Short: "Show status for one ACP session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, manager := acpCLISetup()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			status, err := manager.GetSessionStatus(ctx, acp.GetSessionStatusInput{
				Cfg:        cfg,
				SessionKey: args[0],
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to get status: %v\n", err)
				os.Exit(1)
			}

			if asJSON {
				printJSON(status)
				return
			}

			fmt.Printf("Session: %s\n", status.SessionKey)
			fmt.Printf("  Backend: %s\n", status.Backend)
			fmt.Printf("  Agent: %s\n", status.Agent)
			fmt.Printf("  State: %s\n", status.State)
			fmt.Printf("  Mode: %s\n", status.Mode)
			if status.Identity != nil {
				fmt.Printf("  Identity: %s\n", status.Identity.State)
				if status.Identity.BackendSessionID != "" {
					fmt.Printf("    backend session: %s\n", status.Identity.BackendSessionID)
				}
				if status.Identity.AgentSessionID != "" {
					fmt.Printf("    agent session:   %s\n", status.Identity.AgentSessionID)
				}
			}
			if len(status.RuntimeOptions) > 0 {
				fmt.Println("  Runtime options:")
				for key, value := range status.RuntimeOptions {
					fmt.Printf("    %s = %v\n", key, value)
				}
			}
			if status.RuntimeStatus != nil && status.RuntimeStatus.Summary != "" {
				fmt.Printf("  Runtime: %s\n", status.RuntimeStatus.Summary)
			}
			if status.LastError != "" {
				fmt.Printf("  Last error: %s\n", status.LastError)
			}
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newAcpSpawnCommand() *cobra.Command {
	var agent, mode, cwd, sessionKey string
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Create a new ACP session",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, manager := acpCLISetup()

			sessionMode := acpruntime.AcpSessionModePersistent
			switch mode {
			case "", "persistent":
			case "oneshot":
				sessionMode = acpruntime.AcpSessionModeOneshot
			default:
				fmt.Fprintf(os.Stderr, "Invalid mode %q (want persistent or oneshot)\n", mode)
				os.Exit(1)
			}

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			result, err := manager.SpawnAcpDirect(ctx, acp.SpawnAcpSessionInput{
				Cfg:        cfg,
				Agent:      agent,
				Mode:       sessionMode,
				Cwd:        cwd,
				SessionKey: sessionKey,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Spawn failed: %v\n", err)
				os.Exit(1)
			}

			fmt.Printf("Session spawned: %s\n", result.SessionKey)
			fmt.Printf("  Agent: %s\n", result.Meta.Agent)
			fmt.Printf("  Mode: %s\n", result.Meta.Mode)
			if result.Meta.Cwd != "" {
				fmt.Printf("  Cwd: %s\n", result.Meta.Cwd)
			}
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "Agent ID (defaults to configured default agent)")
	cmd.Flags().StringVar(&mode, "mode", "persistent", "Session mode: persistent or oneshot")
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory for the session")
	cmd.Flags().StringVar(&sessionKey, "session", "", "Explicit session key (generated when empty)")
	return cmd
}

func newAcpPromptCommand() *cobra.Command {
	var steer bool
	cmd := &cobra.Command{
		Use:   "prompt <session-key> <text>",
		Short: "Run a turn in an ACP session and stream output",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, manager := acpCLISetup()

			promptMode := acpruntime.AcpPromptModePrompt
			if steer {
				promptMode = acpruntime.AcpPromptModeSteer
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			result, err := manager.RunTrackedTurn(ctx, acp.RunTrackedTurnInput{
				Cfg:        cfg,
				SessionKey: args[0],
				Text:       args[1],
				Mode:       promptMode,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Turn failed to start: %v\n", err)
				os.Exit(1)
			}

			exitCode := 0
			for event := range result.EventChan {
				switch e := event.(type) {
				case *acpruntime.AcpEventTextDelta:
					fmt.Print(e.Text)
				case *acpruntime.AcpEventStatus:
					fmt.Fprintf(os.Stderr, "[status] %s\n", e.Text)
				case *acpruntime.AcpEventDone:
					fmt.Printf("\n[done: %s]\n", e.StopReason)
				case *acpruntime.AcpEventError:
					fmt.Fprintf(os.Stderr, "\n[error %s] %s\n", e.Code, e.Message)
					exitCode = 1
				}
			}
			if exitCode != 0 {
				os.Exit(exitCode)
			}
		},
	}
	cmd.Flags().BoolVar(&steer, "steer", false, "Deliver as a steering prompt")
	return cmd
}

func newAcpSetModeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-mode <session-key> <mode>",
		Short: "Change a session's runtime mode",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, manager := acpCLISetup()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			options, err := manager.SetSessionRuntimeMode(ctx, acp.SetSessionRuntimeModeInput{
				Cfg:         cfg,
				SessionKey:  args[0],
				RuntimeMode: args[1],
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to set mode: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Runtime mode updated.")
			printJSON(options)
		},
	}
}

func newAcpSetOptionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-option <session-key> <key> <value>",
		Short: "Set a runtime config option on a session",
		Args:  cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, manager := acpCLISetup()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			options, err := manager.SetSessionConfigOption(ctx, acp.SetSessionConfigOptionInput{
				Cfg:        cfg,
				SessionKey: args[0],
				Key:        args[1],
				Value:      args[2],
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Failed to set option: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Option applied.")
			printJSON(options)
		},
	}
}

func newAcpCancelCommand() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <session-key>",
		Short: "Cancel a session's active turn",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, manager := acpCLISetup()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := manager.CancelSession(ctx, acp.CancelSessionInput{
				Cfg:        cfg,
				SessionKey: args[0],
				Reason:     reason,
			}); err != nil {
				fmt.Fprintf(os.Stderr, "Cancel failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Println("Cancel requested.")
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "user-requested", "Cancellation reason")
	return cmd
}

func newAcpCloseCommand() *cobra.Command {
	var keepMeta bool
	cmd := &cobra.Command{
		Use:   "close <session-key>",
		Short: "Close an ACP session",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, manager := acpCLISetup()

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			result, err := manager.CloseSession(ctx, acp.CloseSessionInput{
				Cfg:                        cfg,
				SessionKey:                 args[0],
				Reason:                     "cli-close",
				RequireAcpSession:          true,
				ClearMeta:                  !keepMeta,
				TolerateBackendUnavailable: true,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "Close failed: %v\n", err)
				os.Exit(1)
			}

			fmt.Printf("Session closed: %s\n", args[0])
			if result.RuntimeNotice != "" {
				fmt.Printf("  note: %s\n", result.RuntimeNotice)
			}
			if result.MetaCleared {
				fmt.Println("  metadata cleared")
			}
		},
	}
	cmd.Flags().BoolVar(&keepMeta, "keep-meta", false, "Keep persisted session metadata")
	return cmd
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
