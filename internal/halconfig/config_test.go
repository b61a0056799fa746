package halconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.ModelID != "000000" {
		t.Errorf("ModelID = %q, want %q", cfg.ModelID, "000000")
	}
	if cfg.Advertise.AddressRotation != 1024*time.Second {
		t.Errorf("Advertise.AddressRotation = %v, want 1024s", cfg.Advertise.AddressRotation)
	}
	if cfg.SPOT.UTPDefaultOn {
		t.Error("SPOT.UTPDefaultOn should default to false")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestModelIDBytes(t *testing.T) {
	cfg := Default()
	cfg.ModelID = "1A2B3C"
	got, err := cfg.ModelIDBytes()
	if err != nil {
		t.Fatal(err)
	}
	if got != [3]byte{0x1A, 0x2B, 0x3C} {
		t.Errorf("ModelIDBytes() = %x, want 1a2b3c", got)
	}
}

func TestModelIDBytesRejectsWrongLength(t *testing.T) {
	cfg := Default()
	cfg.ModelID = "1A2B"
	if _, err := cfg.ModelIDBytes(); err == nil {
		t.Fatal("expected an error for a model_id that does not decode to 3 bytes")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
model_id: "AABBCC"
advertise:
  tx_power: -4
  address_rotation: 500s
  discoverable_window: 2m
spot:
  utp_default_on: true
  utp_rotation: 12h
  ring_timeout: 10s
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ModelID != "AABBCC" {
		t.Errorf("ModelID = %q, want %q", cfg.ModelID, "AABBCC")
	}
	if cfg.Advertise.TxPower != -4 {
		t.Errorf("Advertise.TxPower = %d, want -4", cfg.Advertise.TxPower)
	}
	if cfg.SPOT.UTPDefaultOn != true {
		t.Error("SPOT.UTPDefaultOn should be true")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	// Fields absent from the YAML keep their default.
	if cfg.Persist.DataDir != Default().Persist.DataDir {
		t.Errorf("Persist.DataDir = %q, want default %q", cfg.Persist.DataDir, Default().Persist.DataDir)
	}
}

func TestValidateRejectsBadModelID(t *testing.T) {
	cfg := Default()
	cfg.ModelID = "not-hex"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an invalid model_id")
	}
}

func TestValidateRejectsZeroDurations(t *testing.T) {
	cfg := Default()
	cfg.Advertise.AddressRotation = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a zero address_rotation")
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an invalid log_level")
	}
}

func TestWriteDefaultDoesNotOverwrite(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path == "" {
		t.Fatal("expected a written path on first call")
	}

	path2, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() second call error = %v", err)
	}
	if path2 != "" {
		t.Fatal("expected no path on second call since the file already exists")
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}
	got := expandTilde("~/data")
	want := filepath.Join(home, "data")
	if got != want {
		t.Errorf("expandTilde(~/data) = %q, want %q", got, want)
	}
}
