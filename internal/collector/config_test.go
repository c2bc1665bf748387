package collector

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidateClampsInterval(t *testing.T) {
	tests := []struct {
		name     string
		interval int
		want     int
	}{
		{"zero takes default", 0, 30},
		{"below minimum", 5, 15},
		{"at minimum", 15, 15},
		{"in range", 45, 45},
		{"above maximum", 120, 60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Server: "http://localhost:8080", CheckIntervalMinutes: tt.interval}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if cfg.CheckIntervalMinutes != tt.want {
				t.Errorf("Interval = %d, want %d", cfg.CheckIntervalMinutes, tt.want)
			}
		})
	}
}

func TestValidateRequiresServer(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate accepted an empty server URL")
	}
}

func TestValidateClampsJitter(t *testing.T) {
	cfg := Config{Server: "http://localhost:8080", JitterFraction: 0.9}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.JitterFraction != 0.5 {
		t.Errorf("JitterFraction = %v, want 0.5", cfg.JitterFraction)
	}

	cfg = Config{Server: "http://localhost:8080", JitterFraction: -1}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.JitterFraction != 0 {
		t.Errorf("JitterFraction = %v, want 0", cfg.JitterFraction)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	content := `server: https://fleet.example.com
api_key: test-key
check_interval_minutes: 45
report_on_version_change: true
debug: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Server != "https://fleet.example.com" {
		t.Errorf("Server = %q", cfg.Server)
	}
	if cfg.APIKey != "test-key" {
		t.Errorf("APIKey = %q", cfg.APIKey)
	}
	if cfg.CheckIntervalMinutes != 45 {
		t.Errorf("CheckIntervalMinutes = %d", cfg.CheckIntervalMinutes)
	}
	if !cfg.ReportOnVersionChange {
		t.Error("ReportOnVersionChange not parsed")
	}
	if !cfg.Debug {
		t.Error("Debug not parsed")
	}
	// Unset keys keep their defaults.
	if cfg.JitterFraction != 0.1 {
		t.Errorf("JitterFraction = %v, want default 0.1", cfg.JitterFraction)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadConfig succeeded on a missing file")
	}
}
