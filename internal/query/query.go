// Package query applies read-side filters over the latest-state view and
// renders it to delimited output. It has no mutation rights and no
// persistence of its own.
package query

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"fleetmon/internal/fleetmon"
	"fleetmon/internal/reportlog"
)

// Filter selects a subset of the latest-state view. The zero value matches
// everything.
type Filter struct {
	HasIssues *bool
	Platform  fleetmon.Platform
}

// Matches reports whether a report passes the filter.
func (f Filter) Matches(report *fleetmon.HealthReport) bool {
	if f.Platform != "" && report.Platform != f.Platform {
		return false
	}
	if f.HasIssues != nil && *f.HasIssues == report.Checks.AllPass() {
		return false
	}
	return true
}

// Apply returns the matching subset of the view, preserving its order. The
// view is sorted by machine ID upstream, so the result stays stable-sorted
// by machine ID.
func Apply(view []reportlog.Record, f Filter) []reportlog.Record {
	matched := make([]reportlog.Record, 0, len(view))
	for _, rec := range view {
		if f.Matches(&rec.Report) {
			matched = append(matched, rec)
		}
	}
	return matched
}

// csvHeader flattens the report wire fields, one column each.
var csvHeader = []string{
	"machineId", "timestamp", "platform", "platformVersion",
	"diskEncryption", "osUpdated", "antivirusActive", "sleepSettingsCompliant",
}

// WriteCSV renders the view as delimited rows, one per machine. It is a
// pure function of the view.
func WriteCSV(w io.Writer, view []reportlog.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, rec := range view {
		r := rec.Report
		row := []string{
			r.MachineID,
			r.Timestamp.Format(time.RFC3339),
			string(r.Platform),
			r.PlatformVersion,
			fmt.Sprintf("%t", r.Checks.DiskEncryption),
			fmt.Sprintf("%t", r.Checks.OSUpdated),
			fmt.Sprintf("%t", r.Checks.AntivirusActive),
			fmt.Sprintf("%t", r.Checks.SleepSettingsCompliant),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
