package probes

import (
	"context"
	"strconv"
	"strings"
)

const darwinSleepTimeoutMinutes = 10

type darwinProber struct{}

func (darwinProber) DiskEncryption(ctx context.Context) (bool, error) {
	out, err := runCommand(ctx, "fdesetup", "status")
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "FileVault is On"), nil
}

func (darwinProber) OSUpdated(ctx context.Context) (bool, error) {
	// softwareupdate reports "No new software available." on stderr and may
	// exit non-zero, so both streams matter here.
	out, err := runCommandCombined(ctx, "softwareupdate", "-l")
	if strings.Contains(out, "No new software available") {
		return true, nil
	}
	return false, err
}

func (darwinProber) AntivirusActive(_ context.Context) (bool, error) {
	// XProtect ships with macOS and cannot be disabled from userland.
	return true, nil
}

func (darwinProber) SleepCompliant(ctx context.Context) (bool, error) {
	out, err := runCommand(ctx, "pmset", "-g")
	if err != nil {
		return false, err
	}

	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == "sleep" {
			minutes, err := strconv.Atoi(fields[1])
			if err != nil {
				continue
			}
			return minutes > 0 && minutes <= darwinSleepTimeoutMinutes, nil
		}
	}
	return false, nil
}
