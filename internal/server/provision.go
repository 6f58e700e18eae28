package server

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/msgbridge/internal/config"
	"github.com/JakeFAU/msgbridge/internal/provision"
)

// ResolveMode picks the deployment mode from configuration and the process environment.
func ResolveMode(cfg config.DeploymentConfig, lookup provision.LookupFunc) (provision.Mode, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	mode, err := provision.ResolveMode(cfg.Mode, lookup, provision.Markers{
		CloudEnv:      cfg.CloudEnv,
		ProductionEnv: cfg.ProductionEnv,
	})
	if err != nil {
		return provision.ModeLocal, fmt.Errorf("resolve deployment mode: %w", err)
	}
	return mode, nil
}

// NewBrowserFetcher builds the fetcher named by browser.fetch_strategy.
func NewBrowserFetcher(cfg config.BrowserConfig) (provision.BrowserFetcher, error) {
	switch cfg.FetchStrategy {
	case "playwright":
		return provision.NewPlaywrightFetcher(provision.PlaywrightConfig{Browsers: cfg.Browsers}), nil
	case "", "command":
		f, err := provision.NewCommandFetcher(provision.CommandConfig{Command: cfg.InstallCommand})
		if err != nil {
			return nil, fmt.Errorf("browser fetcher: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown browser fetch strategy %q", cfg.FetchStrategy)
	}
}

// NewInstaller wires the installer with the configured fetcher and session directory.
// A nil fs uses the OS filesystem.
func NewInstaller(cfg config.BrowserConfig, fs afero.Fs, logger *zap.Logger) (*provision.Installer, error) {
	fetcher, err := NewBrowserFetcher(cfg)
	if err != nil {
		return nil, err
	}
	return provision.NewInstaller(fs, fetcher, provision.InstallerConfig{
		SessionDir: cfg.SessionDir,
		Timeout:    cfg.InstallTimeout,
	}, logger), nil
}

// NewVerifier wires the fail-fast smoke test with a chromedp version probe.
func NewVerifier(cfg config.BrowserConfig, logger *zap.Logger) (*provision.Verifier, error) {
	fetcher, err := NewBrowserFetcher(cfg)
	if err != nil {
		return nil, err
	}
	prober := provision.NewChromedpProber(provision.ChromedpConfig{
		ExecPath: cfg.ExecPath,
		Timeout:  cfg.VerifyTimeout,
	})
	return provision.NewVerifier(fetcher, prober, logger), nil
}
