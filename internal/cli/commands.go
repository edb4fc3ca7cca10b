package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"device-recovery/internal/config"
)

// Version is set at build time with -ldflags "-X device-recovery/internal/cli.Version=...".
var Version = "dev"

// App is what every command shares.
type App struct {
	CfgPath string
	Cfg     *config.Config
	Logger  *slog.Logger
}

// NewRootCmd creates the root command and all subcommands for the CLI.
func NewRootCmd(s service.Service, app *App) *cobra.Command {
	if app.Logger == nil {
		app.Logger = slog.Default()
	}

	var rootCmd = &cobra.Command{
		Use:          "rcd",
		Short:        "Device recovery registry and agent",
		Version:      Version,
		SilenceUsage: true,
	}

	var uninstallCmd = &cobra.Command{
		Use:   "uninstall",
		Short: "Uninstall the registry service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := s.Uninstall(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Failed to uninstall service: %s\n", err)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Service uninstalled.")
		},
	}

	var startCmd = &cobra.Command{
		Use:   "start",
		Short: "Start the registry service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := s.Start(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Failed to start: %s\n", err)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Service started.")
		},
	}

	var stopCmd = &cobra.Command{
		Use:   "stop",
		Short: "Stop the registry service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := s.Stop(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Failed to stop: %s\n", err)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Service stopped.")
		},
	}

	var restartCmd = &cobra.Command{
		Use:   "restart",
		Short: "Restart the registry service",
		Run: func(cmd *cobra.Command, args []string) {
			if err := s.Restart(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Failed to restart: %s\n", err)
				return
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Service restarted.")
		},
	}

	var runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the registry in the foreground",
		Run: func(cmd *cobra.Command, args []string) {
			if err := s.Run(); err != nil {
				app.Logger.Error("Run error", "error", err)
			}
		},
	}

	var statusCmd = &cobra.Command{
		Use:   "status",
		Short: "Show registry service status",
		Run: func(cmd *cobra.Command, args []string) {
			status, err := s.Status()
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Error getting status: %v\n", err)
				return
			}
			switch status {
			case service.StatusRunning:
				fmt.Fprintln(cmd.OutOrStdout(), "Running")
			case service.StatusStopped:
				fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "Unknown/Other")
			}
		},
	}

	var logsCmd = &cobra.Command{
		Use:   "logs",
		Short: "Show registry logs",
		Run: func(cmd *cobra.Command, args []string) {
			f, err := os.Open(app.Cfg.LogPath)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Fprintln(cmd.OutOrStdout(), "No logs found.")
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Error opening log file: %v\n", err)
				return
			}
			defer f.Close()
			if _, err := io.Copy(cmd.OutOrStdout(), f); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Error reading logs: %v\n", err)
			}
		},
	}

	rootCmd.AddCommand(
		InstallCmd(s, app),
		ServiceInstallCmd(s), // Hidden command for self-registration
		uninstallCmd,
		startCmd,
		stopCmd,
		restartCmd,
		runCmd,
		statusCmd,
		logsCmd,
		IssueCmd(app),
		RecoverCmd(app),
		PluglessCmd(app),
		WatchCmd(app),
	)
	return rootCmd
}
