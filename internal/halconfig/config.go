// Package halconfig loads and validates the daemon's configuration: the
// Fast Pair model id, a TX-power value, address-rotation interval, the
// Unwanted Tracking Protection default, and the file paths the persistence
// HAL uses for the account-key ring and other saved state.
package halconfig

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	ModelID   string          `yaml:"model_id"` // 3-byte hex, e.g. "1A2B3C"
	Advertise AdvertiseConfig `yaml:"advertise"`
	SPOT      SPOTConfig      `yaml:"spot"`
	Persist   PersistConfig   `yaml:"persist"`
	Features  FeatureConfig   `yaml:"features"`
	LogLevel  string          `yaml:"log_level"`
}

// AdvertiseConfig controls BLE advertisement timing. TxPower is reported in
// the daemon's startup banner only; the advertised TX-power byte comes from
// the Bluetooth HAL's GetTxLevel.
type AdvertiseConfig struct {
	TxPower            int8          `yaml:"tx_power"`
	AddressRotation    time.Duration `yaml:"address_rotation"`
	DiscoverableWindow time.Duration `yaml:"discoverable_window"`
}

// SPOTConfig holds Find-My-Device beacon defaults.
type SPOTConfig struct {
	UTPDefaultOn bool          `yaml:"utp_default_on"`
	UTPRotation  time.Duration `yaml:"utp_rotation"`
	RingTimeout  time.Duration `yaml:"ring_timeout"`
}

// PersistConfig holds file paths used by the persistent storage HAL.
type PersistConfig struct {
	DataDir     string `yaml:"data_dir"`
	AccountKeys string `yaml:"account_keys_file"`
	BeaconState string `yaml:"beacon_state_file"`
}

// FeatureConfig mirrors the Key-Based Pairing response's feature flags
// (fastpair.Config), kept here so the daemon has a single place to
// configure them from YAML.
type FeatureConfig struct {
	BLEOnly                   bool `yaml:"ble_only"`
	PreferBLEBonding          bool `yaml:"prefer_ble_bonding"`
	PreferLETransport         bool `yaml:"prefer_le_transport"`
	PersonalizedNamingEnabled bool `yaml:"personalized_naming_enabled"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fastpair-provider")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultDataDir returns the default data directory for persisted state.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", "fastpair-provider")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		ModelID: "000000",
		Advertise: AdvertiseConfig{
			TxPower:            -8,
			AddressRotation:    1024 * time.Second,
			DiscoverableWindow: 3 * time.Minute,
		},
		SPOT: SPOTConfig{
			UTPDefaultOn: false,
			UTPRotation:  24 * time.Hour,
			RingTimeout:  30 * time.Second,
		},
		Persist: PersistConfig{
			DataDir:     dataDir,
			AccountKeys: filepath.Join(dataDir, "account-keys.json"),
			BeaconState: filepath.Join(dataDir, "beacon-state.json"),
		},
		LogLevel: "info",
	}
}

// ModelIDBytes decodes ModelID into the fixed 3-byte Model-Id characteristic
// value. Callers that already validated the config (via Validate) may
// ignore the error.
func (c *Config) ModelIDBytes() ([3]byte, error) {
	var out [3]byte
	raw, err := hex.DecodeString(c.ModelID)
	if err != nil {
		return out, fmt.Errorf("model_id must be valid hex: %w", err)
	}
	if len(raw) != 3 {
		return out, fmt.Errorf("model_id must decode to 3 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Persist.DataDir = expandTilde(cfg.Persist.DataDir)
	cfg.Persist.AccountKeys = expandTilde(cfg.Persist.AccountKeys)
	cfg.Persist.BeaconState = expandTilde(cfg.Persist.BeaconState)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if _, err := c.ModelIDBytes(); err != nil {
		return err
	}

	if c.Advertise.AddressRotation <= 0 {
		return fmt.Errorf("advertise.address_rotation must be > 0")
	}
	if c.Advertise.DiscoverableWindow <= 0 {
		return fmt.Errorf("advertise.discoverable_window must be > 0")
	}

	if c.SPOT.UTPRotation <= 0 {
		return fmt.Errorf("spot.utp_rotation must be > 0")
	}
	if c.SPOT.RingTimeout <= 0 {
		return fmt.Errorf("spot.ring_timeout must be > 0")
	}

	if c.Persist.DataDir == "" {
		return fmt.Errorf("persist.data_dir must not be empty (default: %s)", DefaultDataDir())
	}
	if c.Persist.AccountKeys == "" {
		return fmt.Errorf("persist.account_keys_file must not be empty")
	}
	if c.Persist.BeaconState == "" {
		return fmt.Errorf("persist.beacon_state_file must not be empty")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// WriteDefault creates the default config file with documented defaults.
// It creates the parent directory if needed. Returns the path written to.
// If the file already exists, it returns ("", nil) without overwriting.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil // already exists
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config dir %s: %w", dir, err)
	}

	cfg := Default()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshaling default config: %w", err)
	}

	header := "# fastpair-provider configuration\n\n"
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}

	return path, nil
}
