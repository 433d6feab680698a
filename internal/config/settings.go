package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Settings holds the proxy's ambient runtime settings: everything the
// CLI surface (§6) and environment variables configure that is not
// itself part of the lock-free data-plane Config. Unlike Config,
// Settings is read once at startup and never mutated afterward.
type Settings struct {
	// Port is the downstream listener's UDP port.
	Port uint16 `koanf:"port"`

	// Destinations are static upstream targets from --to/QUILKIN_DEST,
	// mutually exclusive with ManagementServers.
	Destinations []string `koanf:"dest"`

	// ManagementServers are control-plane endpoint URLs from
	// --management-server/QUILKIN_MANAGEMENT_SERVER, mutually
	// exclusive with Destinations.
	ManagementServers []string `koanf:"management_server"`

	// SessionTimeout is how long a session may sit idle before the
	// sweeper removes it.
	SessionTimeout time.Duration `koanf:"session_timeout"`

	// SweepInterval is how often the sweeper scans for idle sessions.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// AdminAddr is the ConnectRPC admin/introspection server's listen
	// address.
	AdminAddr string `koanf:"admin_addr"`

	// MetricsAddr is the Prometheus exposition server's listen address.
	MetricsAddr string `koanf:"metrics_addr"`

	// LogLevel is "debug", "info", "warn", or "error".
	LogLevel string `koanf:"log_level"`

	// LogFormat is "json" or "text".
	LogFormat string `koanf:"log_format"`
}

// DefaultSettings returns the proxy's out-of-the-box settings: listener
// port 7777 (spec §6), a 60s session timeout with a matched 60s sweep
// interval, and JSON logging at info level.
func DefaultSettings() Settings {
	return Settings{
		Port:           7777,
		SessionTimeout: 60 * time.Second,
		SweepInterval:  60 * time.Second,
		AdminAddr:      ":7800",
		MetricsAddr:    ":7801",
		LogLevel:       "info",
		LogFormat:      "json",
	}
}

// envPrefix is the environment variable prefix for proxy settings.
// Variables are named QUILKIN_<KEY>, e.g. QUILKIN_PORT, matching §6.
const envPrefix = "QUILKIN_"

// LoadSettings builds Settings from DefaultSettings overlaid with
// QUILKIN_-prefixed environment variables. CLI flags, when present,
// take precedence and are applied by the caller via the returned
// Settings' exported fields (cobra binds flags directly, per
// cmd/goquilkin's convention).
func LoadSettings() (Settings, error) {
	k := koanf.New(".")

	if err := loadDefaultSettings(k, DefaultSettings()); err != nil {
		return Settings{}, fmt.Errorf("config: load default settings: %w", err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return Settings{}, fmt.Errorf("config: load env overrides: %w", err)
	}

	var s Settings
	if err := k.Unmarshal("", &s); err != nil {
		return Settings{}, fmt.Errorf("config: unmarshal settings: %w", err)
	}

	if err := ValidateSettings(s); err != nil {
		return Settings{}, fmt.Errorf("config: validate settings: %w", err)
	}

	return s, nil
}

// loadDefaultSettings seeds k with d's fields as the base layer, the
// same defaults-first layering gobfd's config.Load uses.
func loadDefaultSettings(k *koanf.Koanf, d Settings) error {
	defaultMap := map[string]any{
		"port":              d.Port,
		"dest":              d.Destinations,
		"management_server": d.ManagementServers,
		"session_timeout":   d.SessionTimeout.String(),
		"sweep_interval":    d.SweepInterval.String(),
		"admin_addr":        d.AdminAddr,
		"metrics_addr":      d.MetricsAddr,
		"log_level":         d.LogLevel,
		"log_format":        d.LogFormat,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	return strings.ToLower(s)
}

// Sentinel validation errors for Settings.
var (
	// ErrNoEndpointsOrManagementServer indicates startup with neither
	// static destinations nor a control-plane endpoint configured.
	ErrNoEndpointsOrManagementServer = errors.New("config: no destinations and no management server configured")

	// ErrDestinationsAndManagementServer indicates both --to and
	// --management-server were supplied; they are mutually exclusive.
	ErrDestinationsAndManagementServer = errors.New("config: destinations and management servers are mutually exclusive")

	// ErrZeroPort indicates an invalid listener port.
	ErrZeroPort = errors.New("config: port must be nonzero")
)

// ValidateSettings enforces the §6/§4.7 startup preconditions: a
// nonzero listener port, and exactly one of destinations or management
// servers (both empty is a configuration error; both set is ambiguous
// and rejected up front rather than silently preferring one).
func ValidateSettings(s Settings) error {
	if s.Port == 0 {
		return ErrZeroPort
	}

	hasDest := len(s.Destinations) > 0
	hasMgmt := len(s.ManagementServers) > 0

	if hasDest && hasMgmt {
		return ErrDestinationsAndManagementServer
	}
	if !hasDest && !hasMgmt {
		return ErrNoEndpointsOrManagementServer
	}

	return nil
}
