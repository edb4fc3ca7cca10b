package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"

	"device-recovery/internal/agent"
	"device-recovery/internal/api"
	"device-recovery/internal/sysinfo"
	"device-recovery/internal/usb"
)

func (app *App) client() *api.Client {
	c := api.NewClient(app.Cfg.Endpoint, app.Cfg.APITimeoutDuration(), app.Cfg.UploadTimeoutDuration())
	c.OperatorToken = app.Cfg.OperatorToken
	return c
}

// sessionOptions builds the options shared by the USB and plugless paths.
func (app *App) sessionOptions(ctx context.Context, code, credential string) (agent.Options, error) {
	vendorIDs, err := app.Cfg.VendorFilter()
	if err != nil {
		return agent.Options{}, err
	}
	opts := agent.Options{
		Code:              code,
		UnlockCredential:  credential,
		VendorIDs:         vendorIDs,
		Tasks:             app.Cfg.TaskList(),
		AuthRetryInterval: app.Cfg.AuthRetryDuration(),
		Identity:          app.Cfg.ADBIdentity,
		Agent:             sysinfo.Collect(ctx, Version).Descriptor(),
	}
	if app.Cfg.ADBPublicKeyPath != "" {
		key, err := os.ReadFile(app.Cfg.ADBPublicKeyPath)
		if err != nil {
			return agent.Options{}, fmt.Errorf("read adb public key: %w", err)
		}
		opts.PublicKey = []byte(strings.TrimSpace(string(key)))
	}
	return opts, nil
}

// printView returns a View that prints every change on its own line.
func printView(out io.Writer) *agent.View {
	var last string
	return agent.NewView(func(s agent.Snapshot) {
		line := s.String()
		if line != last {
			fmt.Fprintln(out, "  "+line)
			last = line
		}
	})
}

// follow polls the case until it settles and prints the outcome.
func (app *App) follow(ctx context.Context, out io.Writer, code string, view *agent.View) error {
	status, err := agent.NewPoller(app.client(), code, app.Cfg.PollIntervalDuration(), view, app.Logger).Run(ctx)
	if err != nil {
		return err
	}
	snap := view.Snapshot()
	fmt.Fprintf(out, "Case %s is %s.\n", code, status)
	for name, n := range snap.Statistics {
		fmt.Fprintf(out, "  %-14s %d\n", name, n)
	}
	return nil
}

// IssueCmd creates a case and prints its recovery link as a QR code.
func IssueCmd(app *App) *cobra.Command {
	var deviceType, ttl string
	cmd := &cobra.Command{
		Use:   "issue <client-number>",
		Short: "Issue a recovery code for a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issued, err := app.client().IssueCase(cmd.Context(), api.IssueRequest{
				ClientNumber: args[0],
				DeviceType:   deviceType,
				TTL:          ttl,
			})
			if err != nil {
				return fmt.Errorf("issue case: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "==========================================")
			fmt.Fprintf(out, " Recovery code: %s\n", issued.RecoveryCode)
			fmt.Fprintf(out, " Link:          %s\n", issued.Link)
			fmt.Fprintf(out, " Expires:       %s\n", issued.ExpiresAt.Local().Format("2006-01-02 15:04"))
			fmt.Fprintln(out, "==========================================")
			qrterminal.GenerateHalfBlock(issued.Link, qrterminal.L, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&deviceType, "device-type", "", "android, ios or auto")
	cmd.Flags().StringVar(&ttl, "ttl", "", "case lifetime, e.g. 48h (default from the registry)")
	return cmd
}

// RecoverCmd runs the USB path for a recovery code.
func RecoverCmd(app *App) *cobra.Command {
	var credential string
	cmd := &cobra.Command{
		Use:   "recover <code>",
		Short: "Recover a connected device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()

			opts, err := app.sessionOptions(ctx, args[0], credential)
			if err != nil {
				return err
			}

			bus, err := usb.OpenBus()
			if err != nil {
				return err
			}
			neg := usb.NewNegotiator(bus, promptSelector(cmd.InOrStdin(), out), app.Logger)
			defer neg.Close()

			view := printView(out)
			session := agent.NewSession(app.client(), opts, view, app.Logger)
			go func() {
				<-ctx.Done()
				_ = session.Close()
			}()

			fmt.Fprintln(out, "Connect the device and enable USB debugging.")
			if _, err := session.Recover(ctx, neg); err != nil {
				if errors.Is(err, usb.ErrNoDeviceSelected) {
					app.Logger.Info("No device selected", "code", args[0])
					fmt.Fprintln(out, "No device selected.")
					return nil
				}
				return explain(err)
			}
			if err := session.Close(); err != nil {
				app.Logger.Warn("Release failed", "error", err)
			}
			fmt.Fprintln(out, "Extraction finished. You can disconnect the device.")
			return app.follow(ctx, out, args[0], view)
		},
	}
	cmd.Flags().StringVar(&credential, "credential", "", "device unlock PIN or password (required)")
	_ = cmd.MarkFlagRequired("credential")
	return cmd
}

// PluglessCmd runs the folder path: wait for the drop folder to settle, then count it.
func PluglessCmd(app *App) *cobra.Command {
	var credential string
	cmd := &cobra.Command{
		Use:   "plugless <code> <dir>",
		Short: "Recover from a folder filled by hand",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			code, dir := args[0], args[1]

			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			opts, err := app.sessionOptions(ctx, code, credential)
			if err != nil {
				return err
			}

			settle := app.Cfg.SettleDurationValue()
			fmt.Fprintf(out, "Copy the device export into %s. Waiting until it is quiet for %s...\n", dir, settle)
			if err := agent.WaitSettled(ctx, dir, settle, app.Logger); err != nil {
				return err
			}

			view := printView(out)
			session := agent.NewSession(app.client(), opts, view, app.Logger)
			defer session.Close()
			if _, err := session.RecoverFolder(ctx, dir); err != nil {
				return explain(err)
			}
			return app.follow(ctx, out, code, view)
		},
	}
	cmd.Flags().StringVar(&credential, "credential", "", "device unlock PIN or password (required)")
	_ = cmd.MarkFlagRequired("credential")
	return cmd
}

// WatchCmd follows a case until it settles.
func WatchCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <code>",
		Short: "Follow the status of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.follow(ctx, cmd.OutOrStdout(), args[0], printView(cmd.OutOrStdout()))
		},
	}
}

// promptSelector asks the user to pick a device when more than one is attached.
func promptSelector(in io.Reader, out io.Writer) usb.Selector {
	return func(candidates []usb.DeviceInfo) (int, bool) {
		switch len(candidates) {
		case 0:
			return 0, false
		case 1:
			return 0, true
		}
		fmt.Fprintln(out, "Several devices are connected:")
		for i, c := range candidates {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, c)
		}
		fmt.Fprint(out, "Select a device (empty to cancel): ")
		line, _ := bufio.NewReader(in).ReadString('\n')
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil || n < 1 || n > len(candidates) {
			return 0, false
		}
		return n - 1, true
	}
}

// explain turns registry errors into messages for the person at the keyboard.
func explain(err error) error {
	var se *api.StatusError
	switch {
	case errors.Is(err, api.ErrCaseNotFound):
		return fmt.Errorf("unknown recovery code: %w", err)
	case errors.Is(err, api.ErrCaseExpired):
		return fmt.Errorf("this recovery code has expired, ask for a new one: %w", err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("recovery interrupted; run the command again to resume: %w", err)
	case errors.As(err, &se) && se.Code == http.StatusConflict:
		return fmt.Errorf("the case cannot take this step in its current state: %w", err)
	}
	return err
}
