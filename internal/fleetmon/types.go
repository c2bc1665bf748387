// Package fleetmon defines the shared wire types for fleetmon.
package fleetmon

import (
	"errors"
	"fmt"
	"time"
)

// Platform identifies the operating system family of a monitored machine.
// The set is closed: reports carrying any other value are rejected at ingest.
type Platform string

// Supported platforms.
const (
	PlatformWindows Platform = "Windows"
	PlatformDarwin  Platform = "Darwin"
	PlatformLinux   Platform = "Linux"
)

// Valid reports whether p is a member of the closed platform set.
func (p Platform) Valid() bool {
	switch p {
	case PlatformWindows, PlatformDarwin, PlatformLinux:
		return true
	default:
		return false
	}
}

// PlatformFromGOOS maps a runtime.GOOS value to a Platform.
func PlatformFromGOOS(goos string) (Platform, bool) {
	switch goos {
	case "windows":
		return PlatformWindows, true
	case "darwin":
		return PlatformDarwin, true
	case "linux":
		return PlatformLinux, true
	default:
		return "", false
	}
}

// ComplianceSnapshot holds the four compliance signals for one machine.
// It is a pure value type: two snapshots are equal iff all four fields
// are equal, so == is the change-detection comparison.
type ComplianceSnapshot struct {
	DiskEncryption         bool `json:"diskEncryption"`
	OSUpdated              bool `json:"osUpdated"`
	AntivirusActive        bool `json:"antivirusActive"`
	SleepSettingsCompliant bool `json:"sleepSettingsCompliant"`
}

// AllPass reports whether every check passed.
func (s ComplianceSnapshot) AllPass() bool {
	return s.DiskEncryption && s.OSUpdated && s.AntivirusActive && s.SleepSettingsCompliant
}

// HealthReport is one compliance report from one machine. Immutable once
// accepted by the fleet service.
type HealthReport struct {
	Timestamp       time.Time          `json:"timestamp"`
	MachineID       string             `json:"machineId"`
	Platform        Platform           `json:"platform"`
	PlatformVersion string             `json:"platformVersion"`
	Checks          ComplianceSnapshot `json:"checks"`
}

const maxFieldLength = 255

// Validate checks the report against the ingest contract. It does not
// dedupe: a report identical to the machine's previous one is still valid.
func (r *HealthReport) Validate() error {
	if r.MachineID == "" {
		return errors.New("machine id is required")
	}
	if len(r.MachineID) > maxFieldLength {
		return fmt.Errorf("machine id too long: %d bytes", len(r.MachineID))
	}
	if !IsValidMachineID(r.MachineID) {
		return errors.New("machine id contains invalid characters")
	}
	if !r.Platform.Valid() {
		return fmt.Errorf("unknown platform %q", r.Platform)
	}
	if r.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	if len(r.PlatformVersion) > maxFieldLength {
		return fmt.Errorf("platform version too long: %d bytes", len(r.PlatformVersion))
	}
	return nil
}

// IsValidMachineID validates that a machine ID contains only safe characters.
func IsValidMachineID(id string) bool {
	// Allow alphanumeric, hyphens, underscores, and dots (common in UUIDs and machine IDs)
	for _, r := range id {
		if !((r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return id != ""
}
