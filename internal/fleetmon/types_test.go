package fleetmon

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSnapshotEquality(t *testing.T) {
	a := ComplianceSnapshot{DiskEncryption: true, OSUpdated: true, AntivirusActive: true, SleepSettingsCompliant: true}
	b := a
	if a != b {
		t.Error("identical snapshots compare unequal")
	}
	b.OSUpdated = false
	if a == b {
		t.Error("snapshots differing in one field compare equal")
	}
}

func TestAllPass(t *testing.T) {
	all := ComplianceSnapshot{DiskEncryption: true, OSUpdated: true, AntivirusActive: true, SleepSettingsCompliant: true}
	if !all.AllPass() {
		t.Error("AllPass() = false for fully compliant snapshot")
	}
	for _, s := range []ComplianceSnapshot{
		{OSUpdated: true, AntivirusActive: true, SleepSettingsCompliant: true},
		{DiskEncryption: true, AntivirusActive: true, SleepSettingsCompliant: true},
		{DiskEncryption: true, OSUpdated: true, SleepSettingsCompliant: true},
		{DiskEncryption: true, OSUpdated: true, AntivirusActive: true},
		{},
	} {
		if s.AllPass() {
			t.Errorf("AllPass() = true for %+v", s)
		}
	}
}

func TestReportValidation(t *testing.T) {
	valid := HealthReport{
		MachineID:       "7f9c2e48-1a7b-4a2e-9d1e-2b6c8f3a5d10",
		Timestamp:       time.Now(),
		Platform:        PlatformLinux,
		PlatformVersion: "6.8.0-45-generic",
	}

	tests := []struct {
		mutate  func(*HealthReport)
		name    string
		wantErr bool
	}{
		{name: "valid", mutate: func(*HealthReport) {}},
		{name: "empty machine id", mutate: func(r *HealthReport) { r.MachineID = "" }, wantErr: true},
		{name: "machine id too long", mutate: func(r *HealthReport) { r.MachineID = strings.Repeat("a", 256) }, wantErr: true},
		{name: "machine id path traversal", mutate: func(r *HealthReport) { r.MachineID = "../../etc/passwd" }, wantErr: true},
		{name: "machine id with spaces", mutate: func(r *HealthReport) { r.MachineID = "id with spaces" }, wantErr: true},
		{name: "unknown platform", mutate: func(r *HealthReport) { r.Platform = "Plan9" }, wantErr: true},
		{name: "empty platform", mutate: func(r *HealthReport) { r.Platform = "" }, wantErr: true},
		{name: "zero timestamp", mutate: func(r *HealthReport) { r.Timestamp = time.Time{} }, wantErr: true},
		{name: "platform version too long", mutate: func(r *HealthReport) { r.PlatformVersion = strings.Repeat("v", 256) }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			err := r.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPlatformFromGOOS(t *testing.T) {
	tests := []struct {
		goos string
		want Platform
		ok   bool
	}{
		{"linux", PlatformLinux, true},
		{"darwin", PlatformDarwin, true},
		{"windows", PlatformWindows, true},
		{"freebsd", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := PlatformFromGOOS(tt.goos)
		if got != tt.want || ok != tt.ok {
			t.Errorf("PlatformFromGOOS(%q) = %q, %v; want %q, %v", tt.goos, got, ok, tt.want, tt.ok)
		}
	}
}

func TestReportWireFormat(t *testing.T) {
	r := HealthReport{
		MachineID:       "m-1",
		Timestamp:       time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Platform:        PlatformDarwin,
		PlatformVersion: "14.4",
		Checks:          ComplianceSnapshot{DiskEncryption: true, AntivirusActive: true},
	}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Failed to marshal report: %v", err)
	}

	for _, field := range []string{
		`"machineId"`, `"timestamp"`, `"platform"`, `"platformVersion"`,
		`"diskEncryption"`, `"osUpdated"`, `"antivirusActive"`, `"sleepSettingsCompliant"`,
	} {
		if !strings.Contains(string(data), field) {
			t.Errorf("wire format missing field %s: %s", field, data)
		}
	}

	var decoded HealthReport
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal report: %v", err)
	}
	if decoded.MachineID != r.MachineID || decoded.Platform != r.Platform || decoded.Checks != r.Checks {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, r)
	}
}
