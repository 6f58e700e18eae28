package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/msgbridge/internal/server"
)

// newInstallCmd creates the 'install' subcommand. A failed or degraded install is
// reported but never turns into a non-zero exit.
func newInstallCmd() *cobra.Command {
	var mode, sessionDir string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Prepare the host for the headless browser",
		Long: `Detects whether the process runs on a managed cloud platform. There it only
creates the session directory and relies on the platform's browser; elsewhere it
downloads a browser with the configured fetch strategy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg := e.cfg
			if mode != "" {
				cfg.Deployment.Mode = mode
			}
			if sessionDir != "" {
				cfg.Browser.SessionDir = sessionDir
			}

			resolved, err := server.ResolveMode(cfg.Deployment, lookupEnv)
			if err != nil {
				return err
			}
			// Server-only sections are not checked here; a broken server setting must
			// not keep the host from being prepared.
			if err := cfg.ValidateBrowser(); err != nil {
				return fmt.Errorf("installer init failed: %w", err)
			}
			inst, err := newInstaller(cfg.Browser, e.logger.Named("installer"))
			if err != nil {
				return fmt.Errorf("installer init failed: %w", err)
			}

			res := inst.Install(cmd.Context(), resolved)
			e.logger.Info("install command finished",
				zap.Stringer("mode", res.Mode),
				zap.String("status", string(res.Status)),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "browser install %s (mode=%s, strategy=%s)\n", res.Status, res.Mode, res.Strategy)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "deployment mode: auto, local or cloud (default from config)")
	cmd.Flags().StringVar(&sessionDir, "session-dir", "", "session persistence directory (default from config)")
	return cmd
}
