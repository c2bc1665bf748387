package probes

import (
	"context"
	"os"
	"strconv"
	"strings"
)

const sleepTimeoutSeconds = 600 // 10 minutes

type linuxProber struct{}

func (linuxProber) DiskEncryption(ctx context.Context) (bool, error) {
	out, err := runCommand(ctx, "lsblk", "-f")
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "crypto_LUKS"), nil
}

func (linuxProber) OSUpdated(ctx context.Context) (bool, error) {
	if _, err := os.Stat("/etc/debian_version"); err == nil {
		out, err := runCommand(ctx, "apt-get", "-s", "upgrade")
		if err != nil {
			return false, err
		}
		return strings.Contains(out, "0 upgraded"), nil
	}

	// dnf exits 0 when no updates are pending, 100 when some are.
	_, err := runCommand(ctx, "dnf", "check-update", "-q")
	return err == nil, nil
}

func (linuxProber) AntivirusActive(ctx context.Context) (bool, error) {
	out, err := runCommand(ctx, "ps", "-eo", "comm=")
	if err != nil {
		return false, err
	}

	processes := strings.ToLower(out)
	for _, av := range []string{"clamav", "clamd", "sophos", "avast", "avg"} {
		if strings.Contains(processes, av) {
			return true, nil
		}
	}
	return false, nil
}

func (linuxProber) SleepCompliant(ctx context.Context) (bool, error) {
	out, err := runCommand(ctx, "gsettings", "get",
		"org.gnome.settings-daemon.plugins.power", "sleep-inactive-ac-timeout")
	if err != nil {
		return false, err
	}

	seconds, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(out), "uint32 ")))
	if err != nil {
		return false, err
	}
	// 0 means sleep disabled entirely
	return seconds > 0 && seconds <= sleepTimeoutSeconds, nil
}
