package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
	"github.com/kardianos/service"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"device-recovery/internal/config"
)

// Default paths based on OS and privileges
func getDefaultInstallDir() string {
	if runtime.GOOS == "windows" {
		if isAdmin() {
			return `C:\ProgramData\rcd`
		}
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "rcd")
		}
		if dir, err := os.UserConfigDir(); err == nil {
			return filepath.Join(dir, "rcd")
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "rcd")
	}

	// Linux / macOS
	if isAdmin() {
		return "/opt/rcd"
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "rcd")
}

// Check if running as Admin/Root
func isAdmin() bool {
	if runtime.GOOS == "windows" {
		f, err := os.Open("\\\\.\\PHYSICALDRIVE0")
		if err == nil {
			f.Close()
		}
		return err == nil
	}
	currentUser, err := user.Current()
	if err != nil {
		return false
	}
	return currentUser.Uid == "0"
}

// prompt reads one answer from in, falling back to defaultValue on an empty line.
func prompt(in *bufio.Reader, out io.Writer, label, defaultValue string) string {
	fmt.Fprintf(out, "%s [%s]: ", label, defaultValue)
	input, _ := in.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}

func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	destFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer destFile.Close()

	if _, err := io.Copy(destFile, sourceFile); err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err == nil {
		err = os.Chmod(dst, info.Mode())
	}
	return err
}

// newInstallConfig is the configuration written on first install. Paths are absolute so
// the service finds them regardless of its working directory.
func newInstallConfig(targetDir, listenAddr, publicURL string) *config.Config {
	cfg := config.Default()
	cfg.ListenAddr = listenAddr
	cfg.PublicURL = strings.TrimSuffix(publicURL, "/")
	cfg.Endpoint = cfg.PublicURL
	cfg.DBPath = filepath.Join(targetDir, "rcd.db")
	cfg.LogPath = filepath.Join(targetDir, "rcd.log")
	cfg.ArchiveDir = filepath.Join(targetDir, "archive")
	cfg.OperatorToken = uuid.NewString()
	return cfg
}

// InstallCmd is the interactive installer for the registry service.
func InstallCmd(s service.Service, app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Interactive installer for the registry service",
		Run: func(cmd *cobra.Command, args []string) {
			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()

			fmt.Fprintln(out, "=== Device Recovery Registry Installer ===")
			fmt.Fprintln(out, "Tip: Press [Enter] to accept the default value shown in brackets [].")

			amAdmin := isAdmin()

			// 1. Admin Check
			if !amAdmin {
				fmt.Fprintln(out, "Warning: You are not running as Administrator/Root.")
				fmt.Fprintln(out, "   Installing a system service typically requires elevated privileges.")
				if runtime.GOOS == "windows" {
					fmt.Fprintln(out, "   On Windows, service registration will be SKIPPED if you continue.")
					fmt.Fprintln(out, "   The registry will be installed, but you must run it manually via 'rcd run'.")
				} else {
					fmt.Fprintln(out, "   If this fails, please run with 'sudo'.")
				}
				if !strings.EqualFold(prompt(in, out, "   Continue anyway? (y/N)", "N"), "y") {
					fmt.Fprintln(out, "Aborted.")
					return
				}
			}

			// 2. Determine Install Location
			targetDir := prompt(in, out, "Install Directory", getDefaultInstallDir())
			if err := os.MkdirAll(targetDir, 0755); err != nil {
				fmt.Fprintf(out, "Error creating directory %s: %v\n", targetDir, err)
				return
			}

			// 3. Self-Copy Binary
			currentExe, err := os.Executable()
			if err != nil {
				fmt.Fprintf(out, "Error finding current executable: %v\n", err)
				return
			}
			targetExe := filepath.Join(targetDir, filepath.Base(currentExe))

			realCurrent, _ := filepath.EvalSymlinks(currentExe)
			realTarget, _ := filepath.EvalSymlinks(targetExe)

			if realCurrent != realTarget {
				fmt.Fprintf(out, "-> Copying binary to %s...\n", targetExe)
				os.Remove(targetExe)
				if err := copyFile(currentExe, targetExe); err != nil {
					fmt.Fprintf(out, "Error copying binary: %v\n", err)
					return
				}
			} else {
				fmt.Fprintln(out, "-> Binary is already in target location. Skipping copy.")
			}

			// 4. Generate Config
			targetConfigPath := filepath.Join(targetDir, "config.json")
			var cfg *config.Config

			if _, err := os.Stat(targetConfigPath); err == nil {
				fmt.Fprintf(out, "-> Found existing config at %s. Skipping configuration.\n", targetConfigPath)
				cfg, err = config.Load(targetConfigPath)
				if err != nil {
					fmt.Fprintf(out, "Error loading existing config: %v\n", err)
					return
				}
			} else {
				fmt.Fprintln(out, "-> Generating new configuration...")
				listenAddr := prompt(in, out, "Listen Address", config.DefaultListenAddr)
				publicURL := prompt(in, out, "Public URL (used in recovery links)", config.DefaultPublicURL)

				cfg = newInstallConfig(targetDir, listenAddr, publicURL)
				if err := os.MkdirAll(cfg.ArchiveDir, 0755); err != nil {
					fmt.Fprintf(out, "Error creating archive directory: %v\n", err)
					return
				}
				if err := config.Save(targetConfigPath, cfg); err != nil {
					fmt.Fprintf(out, "Error saving config: %v\n", err)
					return
				}
				fmt.Fprintln(out, "-> Configuration saved.")
			}

			// 5. Register Service (pointing to the installed binary)
			if runtime.GOOS == "windows" && !amAdmin {
				fmt.Fprintln(out, "\n-> Skipping Service Registration (Not Admin).")
				fmt.Fprintln(out, "   To run the registry, open a terminal and run:")
				fmt.Fprintf(out, "   %s run\n", targetExe)
				return
			}

			// kardianos/service registers os.Executable(), so a copied binary has to
			// register itself.
			if realCurrent != realTarget {
				fmt.Fprintln(out, "-> Registering service via installed binary...")
				reg := exec.Command(targetExe, "service-install")
				reg.Stdout = out
				reg.Stderr = cmd.ErrOrStderr()
				if err := reg.Run(); err != nil {
					fmt.Fprintf(out, "Failed to register service: %v\n", err)
					return
				}
			} else {
				fmt.Fprintln(out, "-> Registering service...")
				if err := registerService(s); err != nil {
					fmt.Fprintf(out, "Service install failed: %v\n", err)
					return
				}
			}

			// 6. Start Service (controlled by name, so s works for the installed binary too)
			fmt.Fprintln(out, "-> Starting service...")
			if err := s.Start(); err != nil {
				fmt.Fprintf(out, "Service start failed (it might be running): %v\n", err)
			} else {
				fmt.Fprintln(out, "Service started successfully!")
			}

			fmt.Fprintln(out, "\nInstallation Complete!")
			fmt.Fprintf(out, "Logs:           %s\n", cfg.LogPath)
			fmt.Fprintf(out, "Config:         %s\n", targetConfigPath)
			fmt.Fprintf(out, "Operator token: %s\n", cfg.OperatorToken)
			fmt.Fprintf(out, "Registry:       %s\n", cfg.PublicURL)
			qrterminal.GenerateHalfBlock(cfg.PublicURL+"/health", qrterminal.L, out)
		},
	}
}

// registerService installs s, replacing an existing definition.
func registerService(s service.Service) error {
	err := s.Install()
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		return err
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall existing service: %w", err)
	}
	return s.Install()
}

// ServiceInstallCmd is the hidden command the installer runs from the installed binary.
func ServiceInstallCmd(s service.Service) *cobra.Command {
	return &cobra.Command{
		Use:    "service-install",
		Hidden: true,
		Run: func(cmd *cobra.Command, args []string) {
			if err := registerService(s); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Internal Install Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Internal Service Registration Successful.")
		},
	}
}
