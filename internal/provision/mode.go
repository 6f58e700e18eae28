package provision

import (
	"fmt"
	"strings"
)

// Mode is the deployment context the installer adapts to.
type Mode int

// Deployment modes.
const (
	ModeLocal Mode = iota
	ModeManagedCloud
)

// Default environment variables consulted by DetectMode.
const (
	DefaultCloudEnv      = "RENDER"
	DefaultProductionEnv = "APP_ENV"
)

// String returns the mode label used in logs and metrics.
func (m Mode) String() string {
	switch m {
	case ModeManagedCloud:
		return "managed-cloud"
	default:
		return "local"
	}
}

// LookupFunc reads one environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// Markers names the two environment signals that identify a managed deployment.
type Markers struct {
	CloudEnv      string
	ProductionEnv string
}

// DefaultMarkers returns the markers used when configuration leaves them empty.
func DefaultMarkers() Markers {
	return Markers{CloudEnv: DefaultCloudEnv, ProductionEnv: DefaultProductionEnv}
}

func (m Markers) withDefaults() Markers {
	if strings.TrimSpace(m.CloudEnv) == "" {
		m.CloudEnv = DefaultCloudEnv
	}
	if strings.TrimSpace(m.ProductionEnv) == "" {
		m.ProductionEnv = DefaultProductionEnv
	}
	return m
}

// ParseMode converts a configured mode name into a Mode.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "local":
		return ModeLocal, nil
	case "cloud", "managed-cloud":
		return ModeManagedCloud, nil
	default:
		return ModeLocal, fmt.Errorf("unknown deployment mode %q", raw)
	}
}

// DetectMode inspects the markers once and returns ModeManagedCloud when the cloud
// marker is truthy or the production marker equals "production".
func DetectMode(lookup LookupFunc, m Markers) Mode {
	if lookup == nil {
		return ModeLocal
	}
	m = m.withDefaults()
	if value, ok := lookup(m.CloudEnv); ok && truthy(value) {
		return ModeManagedCloud
	}
	if value, ok := lookup(m.ProductionEnv); ok && strings.EqualFold(strings.TrimSpace(value), "production") {
		return ModeManagedCloud
	}
	return ModeLocal
}

// ResolveMode honors an explicit setting and falls back to detection for "" or "auto".
func ResolveMode(setting string, lookup LookupFunc, m Markers) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(setting)) {
	case "", "auto":
		return DetectMode(lookup, m), nil
	default:
		return ParseMode(setting)
	}
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "0", "false", "no", "off":
		return false
	default:
		return true
	}
}
