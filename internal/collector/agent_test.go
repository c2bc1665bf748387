package collector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"fleetmon/internal/fleetmon"
)

// fakeProber returns fixed check results, optionally failing some probes.
type fakeProber struct {
	snapshot fleetmon.ComplianceSnapshot
	err      error
}

func (f *fakeProber) DiskEncryption(_ context.Context) (bool, error) {
	return f.snapshot.DiskEncryption, f.err
}

func (f *fakeProber) OSUpdated(_ context.Context) (bool, error) {
	return f.snapshot.OSUpdated, f.err
}

func (f *fakeProber) AntivirusActive(_ context.Context) (bool, error) {
	return f.snapshot.AntivirusActive, f.err
}

func (f *fakeProber) SleepCompliant(_ context.Context) (bool, error) {
	return f.snapshot.SleepSettingsCompliant, f.err
}

// fleetStub records reports and answers with a configurable status.
type fleetStub struct {
	mu      sync.Mutex
	reports []fleetmon.HealthReport
	status  int
}

func newFleetStub() *fleetStub {
	return &fleetStub{status: http.StatusOK}
}

func (s *fleetStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var report fleetmon.HealthReport
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			http.Error(w, "bad report", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.status != http.StatusOK {
			w.WriteHeader(s.status)
			return
		}
		s.reports = append(s.reports, report)
		w.WriteHeader(http.StatusOK)
	}
}

func (s *fleetStub) setStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func (s *fleetStub) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func (s *fleetStub) last() fleetmon.HealthReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[len(s.reports)-1]
}

func testAgent(t *testing.T, server string, stateDir string, prober *fakeProber) *Agent {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Server = server
	cfg.StateDir = stateDir
	agent, err := newForPlatform(cfg, fleetmon.PlatformLinux, prober)
	if err != nil {
		t.Fatalf("Failed to create agent: %v", err)
	}
	return agent
}

func TestFirstTickAlwaysReports(t *testing.T) {
	stub := newFleetStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	prober := &fakeProber{snapshot: fleetmon.ComplianceSnapshot{DiskEncryption: true}}
	agent := testAgent(t, srv.URL, t.TempDir(), prober)

	if err := agent.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if stub.count() != 1 {
		t.Fatalf("Expected 1 report, got %d", stub.count())
	}
	report := stub.last()
	if report.MachineID != agent.MachineID() {
		t.Errorf("Report machine ID %q, want %q", report.MachineID, agent.MachineID())
	}
	if !report.Checks.DiskEncryption {
		t.Error("Report does not carry the probed snapshot")
	}
}

func TestUnchangedStateIsNotResent(t *testing.T) {
	stub := newFleetStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	prober := &fakeProber{snapshot: fleetmon.ComplianceSnapshot{DiskEncryption: true}}
	agent := testAgent(t, srv.URL, t.TempDir(), prober)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := agent.Tick(ctx); err != nil {
			t.Fatalf("Tick %d failed: %v", i, err)
		}
	}
	if stub.count() != 1 {
		t.Errorf("Expected 1 report for 5 unchanged ticks, got %d", stub.count())
	}
}

func TestChangedStateIsReported(t *testing.T) {
	stub := newFleetStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	prober := &fakeProber{snapshot: fleetmon.ComplianceSnapshot{DiskEncryption: true, AntivirusActive: true}}
	agent := testAgent(t, srv.URL, t.TempDir(), prober)

	ctx := context.Background()
	if err := agent.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	prober.snapshot.AntivirusActive = false
	if err := agent.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	if stub.count() != 2 {
		t.Fatalf("Expected 2 reports, got %d", stub.count())
	}
	if stub.last().Checks.AntivirusActive {
		t.Error("Second report does not carry the changed snapshot")
	}
}

func TestFailedDeliveryDoesNotAdvanceCache(t *testing.T) {
	stub := newFleetStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	stateDir := t.TempDir()
	prober := &fakeProber{snapshot: fleetmon.ComplianceSnapshot{DiskEncryption: true}}
	agent := testAgent(t, srv.URL, stateDir, prober)

	ctx := context.Background()
	stub.setStatus(http.StatusServiceUnavailable)
	if err := agent.Tick(ctx); err == nil {
		t.Fatal("Tick succeeded against a failing server")
	}
	if _, err := os.Stat(filepath.Join(stateDir, "last_state.json")); !os.IsNotExist(err) {
		t.Error("Cache was written despite delivery failure")
	}

	// Next tick regenerates an equivalent report once the server recovers.
	stub.setStatus(http.StatusOK)
	if err := agent.Tick(ctx); err != nil {
		t.Fatalf("Tick after recovery failed: %v", err)
	}
	if stub.count() != 1 {
		t.Fatalf("Expected 1 delivered report, got %d", stub.count())
	}
	if !stub.last().Checks.DiskEncryption {
		t.Error("Recovered report does not match the probed state")
	}
}

func TestCacheSurvivesRestart(t *testing.T) {
	stub := newFleetStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	stateDir := t.TempDir()
	prober := &fakeProber{snapshot: fleetmon.ComplianceSnapshot{DiskEncryption: true}}
	agent := testAgent(t, srv.URL, stateDir, prober)

	ctx := context.Background()
	if err := agent.Tick(ctx); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}

	// A restarted collector over the same state dir must not resend
	// unchanged state.
	restarted := testAgent(t, srv.URL, stateDir, prober)
	if err := restarted.Tick(ctx); err != nil {
		t.Fatalf("Tick after restart failed: %v", err)
	}
	if stub.count() != 1 {
		t.Errorf("Restarted collector resent unchanged state: %d reports", stub.count())
	}
}

func TestMachineIDStableAcrossRestarts(t *testing.T) {
	stateDir := t.TempDir()

	first, err := loadMachineID(stateDir)
	if err != nil {
		t.Fatalf("loadMachineID failed: %v", err)
	}
	second, err := loadMachineID(stateDir)
	if err != nil {
		t.Fatalf("loadMachineID failed: %v", err)
	}
	if first != second {
		t.Errorf("Machine ID changed across loads: %q vs %q", first, second)
	}
	if !fleetmon.IsValidMachineID(first) {
		t.Errorf("Generated machine ID %q is not valid", first)
	}
}

func TestFailingProbeReportedAsNonCompliant(t *testing.T) {
	stub := newFleetStub()
	srv := httptest.NewServer(stub.handler())
	defer srv.Close()

	prober := &fakeProber{
		snapshot: fleetmon.ComplianceSnapshot{DiskEncryption: true, OSUpdated: true, AntivirusActive: true, SleepSettingsCompliant: true},
		err:      os.ErrPermission,
	}
	agent := testAgent(t, srv.URL, t.TempDir(), prober)

	if err := agent.Tick(context.Background()); err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if stub.count() != 1 {
		t.Fatalf("Expected 1 report, got %d", stub.count())
	}
	if stub.last().Checks.AllPass() {
		t.Error("Probe errors were not mapped to non-compliant")
	}
}
