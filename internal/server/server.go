// Package server implements the fleet service HTTP surface: report ingest
// plus the latest-state query endpoints.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"fleetmon/internal/aggregate"
	"fleetmon/internal/fleetmon"
	"fleetmon/internal/query"
	"fleetmon/internal/reportlog"
)

const (
	// Request validation limits.
	maxRequestBody = 64 * 1024 // 64KB limit

	// Retry configuration for report log appends.
	maxAppendRetries = 3
	initialBackoff   = 1 * time.Second
	maxBackoff       = 30 * time.Second

	// History endpoint bounds.
	defaultHistoryLimit = 20
	maxHistoryLimit     = 1000
)

// Server owns the report log and the incrementally maintained latest view.
type Server struct {
	store        *reportlog.Store
	view         *aggregate.Projection
	apiKey       string
	statsmu      sync.RWMutex
	requestCount int64
	errorCount   int64
	healthy      bool
}

// New creates a server over an opened report log. The projection is seeded
// from the log so queries work immediately after a restart.
func New(store *reportlog.Store, apiKey string) (*Server, error) {
	view := aggregate.NewProjection()
	start := time.Now()
	if err := view.Load(store); err != nil {
		return nil, err
	}
	log.Printf("[INFO] Loaded %d machines from report log in %v", view.Len(), time.Since(start))

	return &Server{
		store:   store,
		view:    view,
		apiKey:  apiKey,
		healthy: true,
	}, nil
}

// Handler returns the routed HTTP handler with logging middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/report", s.handleReport)
	mux.HandleFunc("/api/v1/machines", s.handleMachines)
	mux.HandleFunc("/api/v1/machines/", s.handleHistory)
	mux.HandleFunc("/api/v1/export", s.handleExport)
	mux.HandleFunc("/health", s.handleHealth)
	return loggingMiddleware(mux)
}

// wireChecks mirrors ComplianceSnapshot with pointer fields so the ingest
// endpoint can reject reports that omit any of the four booleans.
type wireChecks struct {
	DiskEncryption         *bool `json:"diskEncryption"`
	OSUpdated              *bool `json:"osUpdated"`
	AntivirusActive        *bool `json:"antivirusActive"`
	SleepSettingsCompliant *bool `json:"sleepSettingsCompliant"`
}

type wireReport struct {
	Timestamp       time.Time   `json:"timestamp"`
	Checks          *wireChecks `json:"checks"`
	MachineID       string      `json:"machineId"`
	Platform        string      `json:"platform"`
	PlatformVersion string      `json:"platformVersion"`
}

func (w *wireReport) toReport() (fleetmon.HealthReport, error) {
	c := w.Checks
	if c == nil {
		return fleetmon.HealthReport{}, errors.New("checks are required")
	}
	if c.DiskEncryption == nil || c.OSUpdated == nil || c.AntivirusActive == nil || c.SleepSettingsCompliant == nil {
		return fleetmon.HealthReport{}, errors.New("all four check fields are required")
	}

	report := fleetmon.HealthReport{
		MachineID:       w.MachineID,
		Timestamp:       w.Timestamp,
		Platform:        fleetmon.Platform(w.Platform),
		PlatformVersion: w.PlatformVersion,
		Checks: fleetmon.ComplianceSnapshot{
			DiskEncryption:         *c.DiskEncryption,
			OSUpdated:              *c.OSUpdated,
			AntivirusActive:        *c.AntivirusActive,
			SleepSettingsCompliant: *c.SleepSettingsCompliant,
		},
	}
	if err := report.Validate(); err != nil {
		return fleetmon.HealthReport{}, err
	}
	return report, nil
}

func (s *Server) handleReport(writer http.ResponseWriter, request *http.Request) {
	start := time.Now()
	s.incrementRequestCount()

	if request.Method != http.MethodPost {
		s.incrementErrorCount()
		http.Error(writer, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Security: Check API key if configured
	if s.apiKey != "" {
		providedKey := request.Header.Get("X-API-Key")
		if !constantTimeCompare(providedKey, s.apiKey) {
			s.incrementErrorCount()
			log.Printf("[WARN] Unauthorized request from %s", request.RemoteAddr)
			http.Error(writer, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}

	// Security: Limit request body size to prevent DoS
	request.Body = http.MaxBytesReader(writer, request.Body, maxRequestBody)

	var wire wireReport
	if err := json.NewDecoder(request.Body).Decode(&wire); err != nil {
		s.incrementErrorCount()
		log.Printf("[WARN] Failed to decode report from %s: %v", request.RemoteAddr, err)
		http.Error(writer, "Invalid request body", http.StatusBadRequest)
		return
	}

	report, err := wire.toReport()
	if err != nil {
		s.incrementErrorCount()
		log.Printf("[WARN] Rejected report from %s: %v", request.RemoteAddr, err)
		http.Error(writer, "Invalid report: "+err.Error(), http.StatusBadRequest)
		return
	}

	// The log accepts every well-formed report, even one identical to the
	// machine's previous report: latest-wins aggregation makes duplicates
	// harmless, and rejecting them would punish collectors that lost
	// their local cache.
	ctx := request.Context()
	rec, err := retry.DoWithData(func() (reportlog.Record, error) {
		return s.store.Append(ctx, report)
	}, retry.Attempts(maxAppendRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
	if err != nil {
		// No acknowledgment without durability: the collector must see
		// this as a delivery failure and keep its cache unchanged.
		s.incrementErrorCount()
		s.setHealthy(false)
		log.Printf("[ERROR] Failed to append report for machine %s after %d retries: %v",
			report.MachineID, maxAppendRetries, err)
		http.Error(writer, "Storage unavailable", http.StatusServiceUnavailable)
		return
	}
	s.setHealthy(true)

	s.view.Observe(rec)

	log.Printf("[INFO] Accepted report from %s (machine: %s, seq: %d) in %v",
		request.RemoteAddr, report.MachineID, rec.Seq, time.Since(start))

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusOK)
	if _, err := writer.Write([]byte(`{"status":"ok"}`)); err != nil {
		log.Printf("[WARN] Error writing response: %v", err)
	}
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	s.incrementRequestCount()

	if r.Method != http.MethodGet {
		s.incrementErrorCount()
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		s.incrementErrorCount()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	view := query.Apply(s.view.Snapshot(), filter)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(view); err != nil {
		s.incrementErrorCount()
		log.Printf("[ERROR] Failed to encode machines: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	s.incrementRequestCount()

	if r.Method != http.MethodGet {
		s.incrementErrorCount()
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/machines/")
	machineID, ok := strings.CutSuffix(rest, "/history")
	if !ok || machineID == "" || !fleetmon.IsValidMachineID(machineID) {
		s.incrementErrorCount()
		http.NotFound(w, r)
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.incrementErrorCount()
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := s.store.History(machineID, limit)
	if err != nil {
		s.incrementErrorCount()
		log.Printf("[ERROR] Failed to read history for machine %s: %v", machineID, err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if len(records) == 0 {
		s.incrementErrorCount()
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.incrementErrorCount()
		log.Printf("[ERROR] Failed to encode history: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	s.incrementRequestCount()

	if r.Method != http.MethodGet {
		s.incrementErrorCount()
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="fleet-latest.csv"`)
	if err := query.WriteCSV(w, s.view.Snapshot()); err != nil {
		s.incrementErrorCount()
		log.Printf("[ERROR] Failed to write CSV export: %v", err)
	}
}

func (s *Server) handleHealth(writer http.ResponseWriter, _ *http.Request) {
	s.incrementRequestCount()

	s.statsmu.RLock()
	healthy := s.healthy
	requestCount := s.requestCount
	errorCount := s.errorCount
	s.statsmu.RUnlock()

	status := "healthy"
	statusCode := http.StatusOK
	if !healthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(statusCode)
	response := map[string]any{
		"status":   status,
		"machines": s.view.Len(),
		"requests": requestCount,
		"errors":   errorCount,
	}
	if err := json.NewEncoder(writer).Encode(response); err != nil {
		log.Printf("[WARN] Error writing health response: %v", err)
	}
}

func filterFromQuery(r *http.Request) (query.Filter, error) {
	var filter query.Filter

	if raw := r.URL.Query().Get("platform"); raw != "" {
		platform := fleetmon.Platform(raw)
		if !platform.Valid() {
			return query.Filter{}, errors.New("unknown platform")
		}
		filter.Platform = platform
	}

	if raw := r.URL.Query().Get("hasIssues"); raw != "" {
		hasIssues, err := strconv.ParseBool(raw)
		if err != nil {
			return query.Filter{}, errors.New("invalid hasIssues value")
		}
		filter.HasIssues = &hasIssues
	}

	return filter, nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Security: Add comprehensive security headers
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		if duration > 1*time.Second {
			log.Printf("[WARN] Slow request: %s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, duration)
		} else {
			log.Printf("[DEBUG] %s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, duration)
		}
	})
}

// Utility methods for tracking server statistics and health.
func (s *Server) incrementRequestCount() {
	s.statsmu.Lock()
	s.requestCount++
	s.statsmu.Unlock()
}

func (s *Server) incrementErrorCount() {
	s.statsmu.Lock()
	s.errorCount++
	s.statsmu.Unlock()
}

func (s *Server) setHealthy(healthy bool) {
	s.statsmu.Lock()
	changed := s.healthy != healthy
	s.healthy = healthy
	s.statsmu.Unlock()

	if changed && !healthy {
		log.Print("[WARN] Server health status changed to degraded")
	}
	if changed && healthy {
		log.Print("[INFO] Server health status changed to healthy")
	}
}

// constantTimeCompare performs constant-time string comparison to prevent timing attacks.
func constantTimeCompare(a, b string) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
