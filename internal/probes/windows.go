package probes

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

type windowsProber struct{}

func (windowsProber) DiskEncryption(ctx context.Context) (bool, error) {
	out, err := runCommand(ctx, "manage-bde", "-status", "C:")
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "Protection On"), nil
}

func (windowsProber) OSUpdated(ctx context.Context) (bool, error) {
	out, err := runCommand(ctx, "powershell", "-Command",
		"(New-Object -ComObject Microsoft.Update.Session).CreateUpdateSearcher().Search('IsInstalled=0').Updates.Count")
	if err != nil {
		return false, err
	}

	pending, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return false, err
	}
	return pending == 0, nil
}

func (windowsProber) AntivirusActive(ctx context.Context) (bool, error) {
	out, err := runCommand(ctx, "powershell", "-Command",
		"Get-MpComputerStatus | Select-Object -ExpandProperty RealTimeProtectionEnabled")
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "True"), nil
}

var acSettingIndex = regexp.MustCompile(`Current AC Power Setting Index:\s*0x([0-9a-fA-F]+)`)

func (windowsProber) SleepCompliant(ctx context.Context) (bool, error) {
	out, err := runCommand(ctx, "powercfg", "/query", "SCHEME_CURRENT", "SUB_SLEEP", "STANDBYIDLE")
	if err != nil {
		return false, err
	}

	match := acSettingIndex.FindStringSubmatch(out)
	if match == nil {
		return false, nil
	}
	seconds, err := strconv.ParseInt(match[1], 16, 64)
	if err != nil {
		return false, err
	}
	return seconds > 0 && seconds <= sleepTimeoutSeconds, nil
}
