// Package cmd defines and implements the CLI commands for the msgbridge executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/msgbridge/internal/config"
	"github.com/JakeFAU/msgbridge/internal/logging"
	"github.com/JakeFAU/msgbridge/internal/provision"
	"github.com/JakeFAU/msgbridge/internal/server"
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand needs after the root hook ran.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

type installer interface {
	Install(ctx context.Context, mode provision.Mode) provision.Result
}

type verifier interface {
	Verify(ctx context.Context) (string, error)
}

type app interface {
	Run(ctx context.Context) error
	Close() error
}

// Factories are variables so tests can replace them.
var (
	loadConfig = config.Load
	newLogger  = logging.New
	lookupEnv  = os.LookupEnv

	newInstaller = func(cfg config.BrowserConfig, logger *zap.Logger) (installer, error) {
		inst, err := server.NewInstaller(cfg, nil, logger)
		if err != nil {
			return nil, err
		}
		return inst, nil
	}

	newVerifier = func(cfg config.BrowserConfig, logger *zap.Logger) (verifier, error) {
		v, err := server.NewVerifier(cfg, logger)
		if err != nil {
			return nil, err
		}
		return v, nil
	}

	buildApp = func(ctx context.Context, cfg config.Config, opts server.Options, logger *zap.Logger) (app, error) {
		a, err := server.Build(ctx, cfg, opts, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
)

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "msgbridge",
		Short: "Messaging bridge server with environment-aware browser provisioning.",
		Long: `msgbridge serves the upload and spreadsheet export API, provisions the
headless browser its messaging session needs, and verifies that the browser
can launch on the current host.`,
		SilenceUsage: true,

		// Runs before every subcommand: load config, build the logger, and stash both.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := newLogger(cfg.Logging)
			if err != nil {
				// A bad logging section must not stop the install path; run unlogged instead.
				fmt.Fprintf(cmd.ErrOrStderr(), "logger init failed, logging disabled: %v\n", err)
				logger = zap.NewNop()
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if e, ok := cmd.Context().Value(envKey).(*env); ok && e != nil {
				_ = e.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")

	cmd.AddCommand(newInstallCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

// Execute is the main entry point.
func Execute() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
