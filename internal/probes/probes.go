// Package probes runs the OS-specific compliance checks. Each platform gets
// one Prober implementation, selected once at collector startup; the
// collector core never inspects the OS again after that.
package probes

import (
	"context"
	"log"
	"os/exec"
	"strings"
	"time"

	"fleetmon/internal/fleetmon"
)

// Command execution timeout.
const commandTimeout = 10 * time.Second

var debug bool

// SetDebug toggles per-command debug logging.
func SetDebug(enabled bool) { debug = enabled }

// Prober answers the four compliance questions for one platform. An error
// means the signal could not be determined; callers must treat that as
// non-compliant rather than omitting the field.
type Prober interface {
	DiskEncryption(ctx context.Context) (bool, error)
	OSUpdated(ctx context.Context) (bool, error)
	AntivirusActive(ctx context.Context) (bool, error)
	SleepCompliant(ctx context.Context) (bool, error)
}

// ForPlatform returns the prober for the given platform.
func ForPlatform(p fleetmon.Platform) Prober {
	switch p {
	case fleetmon.PlatformDarwin:
		return darwinProber{}
	case fleetmon.PlatformWindows:
		return windowsProber{}
	case fleetmon.PlatformLinux:
		return linuxProber{}
	default:
		return linuxProber{}
	}
}

// Collect runs all four probes and folds failures to conservative values:
// a check that cannot be determined reports as non-compliant.
func Collect(ctx context.Context, p Prober) fleetmon.ComplianceSnapshot {
	start := time.Now()
	var snapshot fleetmon.ComplianceSnapshot

	encrypted, err := p.DiskEncryption(ctx)
	snapshot.DiskEncryption = conservative("disk_encryption", encrypted, err)
	updated, err := p.OSUpdated(ctx)
	snapshot.OSUpdated = conservative("os_updated", updated, err)
	active, err := p.AntivirusActive(ctx)
	snapshot.AntivirusActive = conservative("antivirus_active", active, err)
	sleep, err := p.SleepCompliant(ctx)
	snapshot.SleepSettingsCompliant = conservative("sleep_settings", sleep, err)

	log.Printf("[INFO] Completed 4 compliance checks in %v", time.Since(start))
	return snapshot
}

func conservative(name string, value bool, err error) bool {
	if err != nil {
		log.Printf("[WARN] Check %s could not be determined, treating as non-compliant: %v", name, err)
		return false
	}
	return value
}

// Version returns the free-form platform version string.
func Version(ctx context.Context, p fleetmon.Platform) string {
	var out string
	var err error
	switch p {
	case fleetmon.PlatformDarwin:
		out, err = runCommand(ctx, "sw_vers", "-productVersion")
	case fleetmon.PlatformWindows:
		out, err = runCommand(ctx, "cmd", "/c", "ver")
	case fleetmon.PlatformLinux:
		out, err = runCommand(ctx, "uname", "-r")
	default:
		return "unknown"
	}
	if err != nil {
		log.Printf("[WARN] Failed to determine platform version: %v", err)
		return "unknown"
	}
	return strings.TrimSpace(out)
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	start := time.Now()
	output, err := exec.CommandContext(ctx, name, args...).Output()
	if debug {
		log.Printf("[DEBUG] Ran %s %s in %v (%d bytes, err: %v)",
			name, strings.Join(args, " "), time.Since(start), len(output), err)
	}
	return string(output), err
}

func runCommandCombined(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	start := time.Now()
	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if debug {
		log.Printf("[DEBUG] Ran %s %s in %v (%d bytes, err: %v)",
			name, strings.Join(args, " "), time.Since(start), len(output), err)
	}
	return string(output), err
}
