package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newVerifyCmd creates the 'verify' subcommand: fetch a browser, launch it headless,
// and print its version. Any failure exits 1.
func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Fetch and launch a headless browser, then print its version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if err := e.cfg.ValidateBrowser(); err != nil {
				return fmt.Errorf("verifier init failed: %w", err)
			}
			v, err := newVerifier(e.cfg.Browser, e.logger.Named("verify"))
			if err != nil {
				return fmt.Errorf("verifier init failed: %w", err)
			}

			ctx := cmd.Context()
			if budget := e.cfg.Browser.InstallTimeout + e.cfg.Browser.VerifyTimeout; budget > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, budget)
				defer cancel()
			}
			version, err := v.Verify(ctx)
			if err != nil {
				return fmt.Errorf("browser verification failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}
