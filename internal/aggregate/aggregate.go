// Package aggregate derives the latest-state view: exactly one current
// record per machine, computed from the append-only report log. The view is
// never a source of truth; it can always be rebuilt from the log.
package aggregate

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"fleetmon/internal/reportlog"
)

const (
	// Retry configuration for torn partition reads.
	maxReadRetries  = 5
	readRetryDelay  = 50 * time.Millisecond
	maxReadInterval = time.Second
)

// Latest recomputes the view from the full log: for every machine, the
// record with the greatest (timestamp, seq) key in its partition. A
// partition read that observes an append in flight is retried internally
// rather than surfaced as a mixed view.
func Latest(store *reportlog.Store) ([]reportlog.Record, error) {
	machines, err := store.Machines()
	if err != nil {
		return nil, err
	}

	view := make([]reportlog.Record, 0, len(machines))
	for _, id := range machines {
		records, err := scanConsistent(store, id)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			continue
		}
		latest := records[0]
		for _, rec := range records[1:] {
			if rec.Supersedes(latest) {
				latest = rec
			}
		}
		view = append(view, latest)
	}

	sortView(view)
	return view, nil
}

func scanConsistent(store *reportlog.Store, machineID string) ([]reportlog.Record, error) {
	return retry.DoWithData(func() ([]reportlog.Record, error) {
		records, torn, err := store.Scan(machineID)
		if err != nil {
			return nil, err
		}
		if torn {
			return nil, fmt.Errorf("partition %s has an append in flight", machineID)
		}
		return records, nil
	}, retry.Attempts(maxReadRetries), retry.Delay(readRetryDelay), retry.MaxDelay(maxReadInterval))
}

// Projection is the incrementally maintained strategy: a per-machine map
// overwritten whenever a newer-or-equal-ranked record arrives. For any log
// state it must match Latest exactly.
type Projection struct {
	current map[string]reportlog.Record
	mu      sync.RWMutex
}

// NewProjection returns an empty projection.
func NewProjection() *Projection {
	return &Projection{current: make(map[string]reportlog.Record)}
}

// Load seeds the projection from the store. Typically called once at
// startup; concurrent Observe calls are safe.
func (p *Projection) Load(store *reportlog.Store) error {
	view, err := Latest(store)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, rec := range view {
		p.observeLocked(rec)
	}
	return nil
}

// Observe folds one appended record into the projection.
func (p *Projection) Observe(rec reportlog.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observeLocked(rec)
}

func (p *Projection) observeLocked(rec reportlog.Record) {
	existing, exists := p.current[rec.Report.MachineID]
	if !exists || rec.Supersedes(existing) {
		p.current[rec.Report.MachineID] = rec
	}
}

// Snapshot returns the view sorted by machine ID. The copy is taken under
// the read lock, so a caller never observes a half-applied record.
func (p *Projection) Snapshot() []reportlog.Record {
	p.mu.RLock()
	view := make([]reportlog.Record, 0, len(p.current))
	for _, rec := range p.current {
		view = append(view, rec)
	}
	p.mu.RUnlock()

	sortView(view)
	return view
}

// Get returns the machine's current record, if any.
func (p *Projection) Get(machineID string) (reportlog.Record, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, exists := p.current[machineID]
	return rec, exists
}

// Len returns the number of machines in the view.
func (p *Projection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.current)
}

func sortView(view []reportlog.Record) {
	sort.Slice(view, func(i, j int) bool {
		return view[i].Report.MachineID < view[j].Report.MachineID
	})
}
