package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/playwright-community/playwright-go"
)

// PlaywrightConfig selects the browsers the playwright driver downloads.
type PlaywrightConfig struct {
	Browsers        []string
	DriverDirectory string
	Stdout          io.Writer
	Stderr          io.Writer
}

// PlaywrightFetcher downloads the playwright driver and browsers through playwright-go.
type PlaywrightFetcher struct {
	opts    *playwright.RunOptions
	install func(...*playwright.RunOptions) error
	locate  func(*playwright.RunOptions) (string, error)
}

// NewPlaywrightFetcher builds a fetcher that streams driver output like a CLI would.
func NewPlaywrightFetcher(cfg PlaywrightConfig) *PlaywrightFetcher {
	browsers := cfg.Browsers
	if len(browsers) == 0 {
		browsers = []string{"chromium"}
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := cfg.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	return &PlaywrightFetcher{
		opts: &playwright.RunOptions{
			Browsers:        append([]string(nil), browsers...),
			DriverDirectory: cfg.DriverDirectory,
			Verbose:         true,
			Stdout:          stdout,
			Stderr:          stderr,
		},
		install: playwright.Install,
		locate:  chromiumExecutable,
	}
}

// Name identifies the fetcher in logs.
func (f *PlaywrightFetcher) Name() string {
	return "playwright install " + strings.Join(f.opts.Browsers, " ")
}

// ErrDownloadDetached marks a fetch that returned on cancellation while the download
// it started keeps running.
var ErrDownloadDetached = errors.New("browser download may still be running in the background")

// Fetch installs the driver and browsers. The driver offers no cancellation, so a
// canceled ctx returns early with ErrDownloadDetached and leaves the download running.
func (f *PlaywrightFetcher) Fetch(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- f.install(f.opts)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("playwright install: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("playwright install interrupted: %w: %w", ctx.Err(), ErrDownloadDetached)
	}
}

// ExecutablePath reports where the driver placed the Chromium it downloaded.
func (f *PlaywrightFetcher) ExecutablePath(ctx context.Context) (string, error) {
	type located struct {
		path string
		err  error
	}
	done := make(chan located, 1)
	go func() {
		path, err := f.locate(f.opts)
		done <- located{path: path, err: err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("locate playwright chromium: %w", res.err)
		}
		if res.path == "" {
			return "", errors.New("playwright reported no chromium executable")
		}
		return res.path, nil
	case <-ctx.Done():
		return "", fmt.Errorf("locate playwright chromium interrupted: %w", ctx.Err())
	}
}

func chromiumExecutable(opts *playwright.RunOptions) (path string, err error) {
	pw, err := playwright.Run(opts)
	if err != nil {
		return "", err
	}
	defer func() {
		if stopErr := pw.Stop(); stopErr != nil && err == nil {
			err = fmt.Errorf("stop playwright driver: %w", stopErr)
		}
	}()
	return pw.Chromium.ExecutablePath(), nil
}
