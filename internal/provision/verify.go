package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// ErrEmptyVersion means the browser launched but reported no version string.
var ErrEmptyVersion = errors.New("browser reported an empty version")

// VersionProber launches a browser and returns its version string.
type VersionProber interface {
	BrowserVersion(ctx context.Context) (string, error)
}

// ExecutableLocator is implemented by fetchers that can report where the browser they
// downloaded lives.
type ExecutableLocator interface {
	ExecutablePath(ctx context.Context) (string, error)
}

// PathProber is a VersionProber that can be pointed at a specific executable.
type PathProber interface {
	VersionProber
	WithExecPath(path string) VersionProber
}

// Verifier is the fail-fast smoke test: fetch, launch, query version, close.
type Verifier struct {
	fetcher BrowserFetcher
	prober  VersionProber
	logger  *zap.Logger
}

// NewVerifier wires a fetcher and a prober.
func NewVerifier(fetcher BrowserFetcher, prober VersionProber, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{fetcher: fetcher, prober: prober, logger: logger}
}

// Verify fetches a browser unconditionally and returns its version. Any failure is
// returned; there are no retries.
func (v *Verifier) Verify(ctx context.Context) (string, error) {
	if v.fetcher == nil {
		return "", ErrNoFetcher
	}
	if v.prober == nil {
		return "", errors.New("no version prober configured")
	}

	v.logger.Info("fetching browser for verification", zap.String("fetcher", v.fetcher.Name()))
	if err := v.fetcher.Fetch(ctx); err != nil {
		return "", fmt.Errorf("fetch browser: %w", err)
	}

	prober, err := v.proberFor(ctx)
	if err != nil {
		return "", err
	}
	version, err := prober.BrowserVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("probe browser version: %w", err)
	}
	version = strings.TrimSpace(version)
	if version == "" {
		return "", ErrEmptyVersion
	}
	v.logger.Info("browser verified", zap.String("version", version))
	return version, nil
}

// proberFor aims the prober at the executable the fetcher just downloaded, so the
// smoke test never launches an unrelated browser found on PATH.
func (v *Verifier) proberFor(ctx context.Context) (VersionProber, error) {
	pp, ok := v.prober.(PathProber)
	if !ok {
		return v.prober, nil
	}
	locator, ok := v.fetcher.(ExecutableLocator)
	if !ok {
		v.logger.Warn("fetcher cannot report the downloaded executable; launching the browser found on PATH",
			zap.String("fetcher", v.fetcher.Name()))
		return v.prober, nil
	}
	path, err := locator.ExecutablePath(ctx)
	if err != nil {
		return nil, fmt.Errorf("locate downloaded browser: %w", err)
	}
	v.logger.Info("launching downloaded browser", zap.String("exec_path", path))
	return pp.WithExecPath(path), nil
}
