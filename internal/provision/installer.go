package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/msgbridge/internal/metrics"
)

// DefaultSessionDir is the relative directory that keeps messaging session state.
const DefaultSessionDir = "data/sessions"

// DefaultInstallTimeout bounds a local browser download.
const DefaultInstallTimeout = 10 * time.Minute

// ErrNoFetcher is reported when the local branch runs without a BrowserFetcher.
var ErrNoFetcher = errors.New("no browser fetcher configured")

// Strategy describes where the browser binary is expected to come from.
type Strategy string

// Install strategies.
const (
	StrategySystemBrowser  Strategy = "system-browser"
	StrategyFetchedBrowser Strategy = "fetched-browser"
)

// Status is the outcome of one install attempt.
type Status string

// Install outcomes. Degraded means the host may still work with a preinstalled browser.
const (
	StatusReady    Status = "ready"
	StatusDegraded Status = "degraded"
)

// Result reports what Install did. Err is set only when Status is StatusDegraded.
type Result struct {
	Mode     Mode
	Strategy Strategy
	Status   Status
	Err      error
	Duration time.Duration
}

// OK reports whether the install finished without a recoverable failure.
func (r Result) OK() bool {
	return r.Status == StatusReady
}

// InstallerConfig controls the installer side effects.
type InstallerConfig struct {
	// SessionDir is created (with parents) in managed deployments.
	SessionDir string
	// Timeout bounds the local fetch. Zero disables the bound.
	Timeout time.Duration
}

// Installer prepares the environment for a headless browser.
type Installer struct {
	fs      afero.Fs
	fetcher BrowserFetcher
	cfg     InstallerConfig
	logger  *zap.Logger
}

// NewInstaller constructs an Installer. A nil fs uses the OS filesystem.
func NewInstaller(fs afero.Fs, fetcher BrowserFetcher, cfg InstallerConfig, logger *zap.Logger) *Installer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.SessionDir) == "" {
		cfg.SessionDir = DefaultSessionDir
	}
	if cfg.Timeout < 0 {
		cfg.Timeout = 0
	}
	return &Installer{
		fs:      fs,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger,
	}
}

// Install runs the branch for mode and always returns a Result.
func (i *Installer) Install(ctx context.Context, mode Mode) Result {
	start := time.Now()
	logger := i.logger.With(zap.Stringer("mode", mode))
	logger.Info("browser install starting")

	res := i.runBranch(ctx, mode)
	res.Mode = mode
	res.Duration = time.Since(start)

	if res.OK() {
		logger.Info("browser install completed",
			zap.String("strategy", string(res.Strategy)),
			zap.Duration("duration", res.Duration),
		)
	} else {
		fields := []zap.Field{
			zap.String("strategy", string(res.Strategy)),
			zap.Error(res.Err),
		}
		if errors.Is(res.Err, ErrDownloadDetached) {
			fields = append(fields, zap.Bool("download_detached", true))
		}
		logger.Warn("browser install degraded; relying on system browser", fields...)
	}
	metrics.ObserveBrowserInstall(mode.String(), string(res.Status), res.Duration)
	logger.Info("browser install finished", zap.String("status", string(res.Status)))
	return res
}

// Start runs Install on its own goroutine. The channel yields exactly one Result and
// is then closed. Cancel ctx to abandon a stalled fetch.
func (i *Installer) Start(ctx context.Context, mode Mode) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		out <- i.Install(ctx, mode)
	}()
	return out
}

func (i *Installer) runBranch(ctx context.Context, mode Mode) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			res.Status = StatusDegraded
			res.Err = fmt.Errorf("browser install panicked: %v", rec)
		}
	}()
	if mode == ModeManagedCloud {
		return i.prepareSessionDir()
	}
	return i.fetchBrowser(ctx)
}

func (i *Installer) prepareSessionDir() Result {
	res := Result{Strategy: StrategySystemBrowser, Status: StatusReady}
	if err := i.fs.MkdirAll(i.cfg.SessionDir, 0o750); err != nil {
		res.Status = StatusDegraded
		res.Err = fmt.Errorf("create session directory %s: %w", i.cfg.SessionDir, err)
		return res
	}
	info, err := i.fs.Stat(i.cfg.SessionDir)
	if err != nil {
		res.Status = StatusDegraded
		res.Err = fmt.Errorf("stat session directory %s: %w", i.cfg.SessionDir, err)
		return res
	}
	if !info.IsDir() {
		res.Status = StatusDegraded
		res.Err = fmt.Errorf("session path %s is not a directory: %w", i.cfg.SessionDir, os.ErrExist)
	}
	return res
}

func (i *Installer) fetchBrowser(ctx context.Context) Result {
	res := Result{Strategy: StrategyFetchedBrowser, Status: StatusReady}
	if i.fetcher == nil {
		res.Status = StatusDegraded
		res.Err = ErrNoFetcher
		return res
	}
	if i.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.Timeout)
		defer cancel()
	}
	i.logger.Info("fetching browser binary", zap.String("fetcher", i.fetcher.Name()))
	if err := i.fetcher.Fetch(ctx); err != nil {
		res.Status = StatusDegraded
		res.Err = fmt.Errorf("fetch browser with %s: %w", i.fetcher.Name(), err)
	}
	return res
}
