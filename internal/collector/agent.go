// Package collector implements the agent that probes local compliance state
// and reports changes to the fleet service.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"fleetmon/internal/fleetmon"
	"fleetmon/internal/probes"
)

const (
	// Retry configuration for a single delivery attempt.
	maxRetries     = 3
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
	// HTTP client timeout bounds each request inside a tick.
	httpTimeout = 30 * time.Second
)

// Agent runs the tick loop: probe, compare against the last acknowledged
// snapshot, deliver on change. One tick is in flight at a time; the retry
// mechanism for failed deliveries is simply the next tick.
type Agent struct {
	lastAcked *State
	prober    probes.Prober
	client    *http.Client
	machineID string
	platform  fleetmon.Platform
	cfg       Config
	mu        sync.Mutex
}

// New builds an agent for the local platform. The machine ID is created on
// first run and persisted; the cache is loaded if a previous run left one.
func New(cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	platform, ok := fleetmon.PlatformFromGOOS(runtime.GOOS)
	if !ok {
		return nil, fmt.Errorf("unsupported platform %q", runtime.GOOS)
	}

	machineID, err := loadMachineID(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	agent := &Agent{
		cfg:       cfg,
		prober:    probes.ForPlatform(platform),
		platform:  platform,
		machineID: machineID,
		lastAcked: loadState(cfg.StateDir),
		client:    &http.Client{Timeout: httpTimeout},
	}

	if agent.lastAcked == nil {
		log.Printf("[INFO] No previous state found, first tick will report")
	}
	probes.SetDebug(cfg.Debug)
	return agent, nil
}

// newForPlatform is the test seam: it skips platform detection and takes an
// injected prober.
func newForPlatform(cfg Config, platform fleetmon.Platform, prober probes.Prober) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	machineID, err := loadMachineID(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	return &Agent{
		cfg:       cfg,
		prober:    prober,
		platform:  platform,
		machineID: machineID,
		lastAcked: loadState(cfg.StateDir),
		client:    &http.Client{Timeout: httpTimeout},
	}, nil
}

// MachineID returns the collector's stable machine identifier.
func (a *Agent) MachineID() string { return a.machineID }

// UpdateConfig swaps tunable configuration between ticks. Called by the
// hot-reloader; the new interval takes effect when the current timer fires.
func (a *Agent) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	cfg.StateDir = a.cfg.StateDir // state location is fixed for the process lifetime
	a.cfg = cfg
	a.mu.Unlock()

	probes.SetDebug(cfg.Debug)
	log.Printf("[INFO] Configuration reloaded: server=%s interval=%dm", cfg.Server, cfg.CheckIntervalMinutes)
	return nil
}

// Run ticks immediately, then on the configured interval until ctx is
// cancelled. There is no internal concurrency: the next tick does not start
// until the current one completes.
func (a *Agent) Run(ctx context.Context) error {
	cfg := a.config()
	log.Printf("[INFO] Collector started. Machine ID: %s, Platform: %s", a.machineID, a.platform)
	log.Printf("[INFO] Reporting to %s every %dm (jitter %.0f%%)",
		cfg.Server, cfg.CheckIntervalMinutes, cfg.JitterFraction*100)

	if err := a.Tick(ctx); err != nil {
		log.Printf("[ERROR] Initial check failed: %v", err)
	}

	timer := time.NewTimer(a.nextInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Print("[INFO] Collector shutting down")
			return ctx.Err()
		case <-timer.C:
			if err := a.Tick(ctx); err != nil {
				log.Printf("[ERROR] Check failed: %v", err)
			}
			timer.Reset(a.nextInterval())
		}
	}
}

// Tick runs one probe-compare-deliver cycle. The cache advances only after
// the fleet service acknowledges the report: a failed delivery leaves it
// untouched so the next tick regenerates an equivalent report.
func (a *Agent) Tick(ctx context.Context) error {
	start := time.Now()

	snapshot := probes.Collect(ctx, a.prober)
	version := probes.Version(ctx, a.platform)
	if a.config().Debug {
		log.Printf("[DEBUG] Probed snapshot %+v (version %s) in %v", snapshot, version, time.Since(start))
	}

	if !a.shouldReport(snapshot, version) {
		log.Print("[INFO] No changes in compliance state, skipping report")
		return nil
	}

	report := fleetmon.HealthReport{
		MachineID:       a.machineID,
		Timestamp:       time.Now(),
		Platform:        a.platform,
		PlatformVersion: version,
		Checks:          snapshot,
	}

	if err := a.deliver(ctx, report); err != nil {
		// Cache stays as-is; the report is discarded, not queued. The
		// next tick re-probes and re-attempts.
		return fmt.Errorf("delivery failed: %w", err)
	}

	state := &State{
		Snapshot:        snapshot,
		PlatformVersion: version,
		ReportedAt:      report.Timestamp,
	}
	if err := saveState(a.config().StateDir, state); err != nil {
		log.Printf("[WARN] Failed to persist acknowledged state: %v", err)
	}
	a.mu.Lock()
	a.lastAcked = state
	a.mu.Unlock()

	log.Printf("[INFO] Reported compliance change in %v", time.Since(start))
	return nil
}

func (a *Agent) shouldReport(snapshot fleetmon.ComplianceSnapshot, version string) bool {
	a.mu.Lock()
	last := a.lastAcked
	versionTriggers := a.cfg.ReportOnVersionChange
	a.mu.Unlock()

	if last == nil {
		return true
	}
	if snapshot != last.Snapshot {
		return true
	}
	if versionTriggers && version != last.PlatformVersion {
		return true
	}
	return false
}

func (a *Agent) deliver(ctx context.Context, report fleetmon.HealthReport) error {
	return retry.Do(func() error {
		return a.sendReport(ctx, report)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
}

func (a *Agent) sendReport(ctx context.Context, report fleetmon.HealthReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	cfg := a.config()
	url := strings.TrimSuffix(cfg.Server, "/") + "/api/v1/report"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("X-API-Key", cfg.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("[WARN] Error closing response body: %v", err)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}
	if cfg.Debug {
		log.Printf("[DEBUG] Report accepted by %s", url)
	}
	return nil
}

func (a *Agent) config() Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// nextInterval applies random jitter so a fleet that started simultaneously
// does not deliver in lockstep.
func (a *Agent) nextInterval() time.Duration {
	cfg := a.config()
	interval := time.Duration(cfg.CheckIntervalMinutes) * time.Minute
	if cfg.JitterFraction <= 0 {
		return interval
	}
	spread := float64(interval) * cfg.JitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	return interval + time.Duration(offset)
}
