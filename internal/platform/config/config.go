package config

import (
	"os"
	"time"

	"teller/internal/hardware"
)

// Config captures process-level configuration. Everything the machine
// needs at boot comes from the environment so main stays lean.
type Config struct {
	// Addr is the listen address for the local UI bridge.
	Addr string
	// BackendURL is the remote backend base URL.
	BackendURL string
	// DataDir holds the transaction log and pairing credential.
	DataDir string
	// PairingFile is the pairing token path, relative to DataDir when
	// not absolute.
	PairingFile string
	// PairingSecret verifies the pairing token signature.
	PairingSecret string
	// Hardware selects the device driver.
	Hardware hardware.Kind
	// LogLevel is the slog level name (debug, info, warn, error).
	LogLevel string
	// PollInterval paces backend polling.
	PollInterval time.Duration
	// ScreenTimeout overrides the idle fallback; zero keeps the
	// per-screen defaults.
	ScreenTimeout time.Duration
}

// FromEnv builds a Config from environment variables.
func FromEnv() Config {
	cfg := Config{
		Addr:          envOr("TELLER_ADDR", ":8070"),
		BackendURL:    envOr("TELLER_BACKEND_URL", "http://localhost:3000"),
		DataDir:       envOr("TELLER_DATA_DIR", "/var/lib/teller"),
		PairingFile:   envOr("TELLER_PAIRING_FILE", "pairing.jwt"),
		PairingSecret: os.Getenv("TELLER_PAIRING_SECRET"),
		Hardware:      hardware.Kind(envOr("TELLER_HARDWARE", string(hardware.KindMock))),
		LogLevel:      envOr("TELLER_LOG_LEVEL", "info"),
	}

	if raw := os.Getenv("TELLER_POLL_INTERVAL"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.PollInterval = d
		}
	}
	if raw := os.Getenv("TELLER_SCREEN_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			cfg.ScreenTimeout = d
		}
	}

	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
