package provision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
)

const defaultProbeTimeout = 45 * time.Second

// ChromedpConfig controls the headless launch used to probe a browser.
type ChromedpConfig struct {
	// ExecPath overrides browser discovery. Empty lets chromedp search PATH.
	ExecPath string
	Timeout  time.Duration
}

// ChromedpProber launches headless Chrome with the sandbox disabled and reads its
// product version over the DevTools protocol.
type ChromedpProber struct {
	cfg ChromedpConfig
}

// NewChromedpProber creates a prober.
func NewChromedpProber(cfg ChromedpConfig) *ChromedpProber {
	return &ChromedpProber{cfg: cfg}
}

// WithExecPath returns a prober that launches path, unless an explicit ExecPath was
// configured, which always wins.
func (p *ChromedpProber) WithExecPath(path string) VersionProber {
	if p.cfg.ExecPath != "" || path == "" {
		return p
	}
	cfg := p.cfg
	cfg.ExecPath = path
	return &ChromedpProber{cfg: cfg}
}

// BrowserVersion launches the browser, queries Browser.getVersion and closes it.
func (p *ChromedpProber) BrowserVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, p.allocatorOptions()...)
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	defer browserCancel()

	var product string
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, prod, _, _, _, err := browser.GetVersion().Do(ctx)
		if err != nil {
			return fmt.Errorf("get version: %w", err)
		}
		product = prod
		return nil
	}))
	if err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	if err := chromedp.Cancel(browserCtx); err != nil {
		return "", fmt.Errorf("close browser: %w", err)
	}
	return strings.TrimSpace(product), nil
}

func (p *ChromedpProber) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	flags := launchFlags()
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		opts = append(opts, chromedp.Flag(name, flags[name]))
	}
	if p.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(p.cfg.ExecPath))
	}
	return opts
}

func (p *ChromedpProber) timeout() time.Duration {
	if p.cfg.Timeout > 0 {
		return p.cfg.Timeout
	}
	return defaultProbeTimeout
}

// launchFlags are the command-line switches for container-friendly headless runs.
func launchFlags() map[string]any {
	return map[string]any{
		"headless":                 true,
		"no-sandbox":               true,
		"disable-setuid-sandbox":   true,
		"disable-gpu":              true,
		"disable-dev-shm-usage":    true,
		"hide-scrollbars":          true,
		"enable-automation":        false,
		"no-first-run":             true,
		"no-default-browser-check": true,
	}
}
