// Package reportlog provides the append-only, machine-partitioned store of
// health reports. Each machine gets one JSONL file; the only mutation is
// appending a line, so accepted reports are never edited or deleted.
package reportlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"fleetmon/internal/fleetmon"
)

const (
	storeDirPerm  = 0o750
	logFilePerm   = 0o600
	logFileSuffix = ".jsonl"
	// String replacement constant.
	replacementChar = "-"
	maxIDLength     = 255
)

// Record is one appended report plus its per-machine arrival sequence.
// Seq breaks ties between reports that carry the same timestamp: within a
// partition the total order is (timestamp, seq).
type Record struct {
	Report fleetmon.HealthReport `json:"report"`
	Seq    uint64                `json:"seq"`
}

// Supersedes reports whether r wins over o under the (timestamp, seq)
// ordering: a strictly later timestamp, or the same timestamp with an
// equal-or-later arrival.
func (r Record) Supersedes(o Record) bool {
	if r.Report.Timestamp.After(o.Report.Timestamp) {
		return true
	}
	if r.Report.Timestamp.Equal(o.Report.Timestamp) {
		return r.Seq >= o.Seq
	}
	return false
}

// Store is the on-disk report log. Appends to distinct machine partitions
// never block each other; appends to the same partition are linearized by
// the partition mutex.
type Store struct {
	partitions map[string]*partition
	dir        string
	mu         sync.Mutex
}

type partition struct {
	path    string
	nextSeq uint64
	loaded  bool
	mu      sync.Mutex
}

// Open creates (or reuses) a report log rooted at dir. Existing partition
// files are recovered lazily on first access.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, storeDirPerm); err != nil {
		return nil, fmt.Errorf("failed to create report log directory: %w", err)
	}
	return &Store{
		dir:        dir,
		partitions: make(map[string]*partition),
	}, nil
}

// Append durably appends one report and returns the stored record. The
// record is either fully synced to disk or not recorded at all; callers
// must not treat an error as an acknowledgment.
func (s *Store) Append(ctx context.Context, report fleetmon.HealthReport) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}

	p, err := s.partition(report.MachineID)
	if err != nil {
		return Record{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.recover(); err != nil {
		return Record{}, err
	}

	rec := Record{Seq: p.nextSeq, Report: report}
	line, err := json.Marshal(rec)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal record: %w", err)
	}

	// An append that errors after Write may still have reached the file.
	// Flagging the partition forces recover() to re-derive the next seq
	// from disk (and drop any torn tail) before another record is
	// assigned, so a half-failed append can never cause a reused seq.
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFilePerm)
	if err != nil {
		return Record{}, fmt.Errorf("failed to open partition: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		p.loaded = false
		return Record{}, fmt.Errorf("failed to append record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		p.loaded = false
		return Record{}, fmt.Errorf("failed to sync partition: %w", err)
	}
	if err := f.Close(); err != nil {
		p.loaded = false
		return Record{}, fmt.Errorf("failed to close partition: %w", err)
	}

	p.nextSeq++
	return rec, nil
}

// Scan returns the partition's records in arrival order. The torn result
// reports whether the final line was incomplete (a concurrent or crashed
// writer mid-append); callers that need a consistent view should retry
// while torn is set.
func (s *Store) Scan(machineID string) (records []Record, torn bool, err error) {
	p, err := s.partition(machineID)
	if err != nil {
		return nil, false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	return scanFile(p.path)
}

// History returns up to limit of the machine's reports, newest first under
// the (timestamp, seq) ordering. limit <= 0 means no bound.
func (s *Store) History(machineID string, limit int) ([]Record, error) {
	records, _, err := s.Scan(machineID)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Supersedes(records[j])
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Machines returns the sorted set of machine IDs present in the log.
func (s *Store) Machines() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read report log directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), logFileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(entry.Name(), logFileSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) partition(machineID string) (*partition, error) {
	sanitized := sanitizeID(machineID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, exists := s.partitions[sanitized]; exists {
		return p, nil
	}

	path := filepath.Join(s.dir, sanitized+logFileSuffix)

	// Security: Verify the path stays within store bounds
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve partition path: %w", err)
	}
	absDir, err := filepath.Abs(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store path: %w", err)
	}
	if !strings.HasPrefix(absPath, absDir) {
		return nil, errors.New("security error: path traversal detected")
	}

	p := &partition{path: path}
	s.partitions[sanitized] = p
	return p, nil
}

// recover prepares the partition for appending: a trailing line without a
// newline terminator is a torn write from a crash and was never
// acknowledged, so it is truncated away before the next seq is derived.
func (p *partition) recover() error {
	if p.loaded {
		return nil
	}

	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		p.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read partition: %w", err)
	}

	if len(data) > 0 && data[len(data)-1] != '\n' {
		cut := bytes.LastIndexByte(data, '\n') + 1
		log.Printf("[WARN] Truncating torn record in %s (%d bytes)", p.path, len(data)-cut)
		if err := os.Truncate(p.path, int64(cut)); err != nil {
			return fmt.Errorf("failed to truncate torn record: %w", err)
		}
		data = data[:cut]
	}

	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			log.Printf("[WARN] Skipping malformed record in %s: %v", p.path, err)
			continue
		}
		if rec.Seq >= p.nextSeq {
			p.nextSeq = rec.Seq + 1
		}
	}

	p.loaded = true
	return nil
}

func scanFile(path string) (records []Record, torn bool, err error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to open partition: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lastBad bool
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			lastBad = true
			continue
		}
		lastBad = false
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("failed to scan partition: %w", err)
	}

	// A malformed final line is an append still in flight from another
	// process, not corruption: report it so the caller can retry.
	return records, lastBad, nil
}

// sanitizeID maps a machine ID to its partition file name. IDs that pass
// ingest validation are used verbatim: the mapping must be injective over
// valid IDs or two machines would share a partition. The lossy replacement
// below only handles IDs that never passed validation, such as arguments
// given directly to the history command.
func sanitizeID(id string) string {
	if len(id) <= maxIDLength && fleetmon.IsValidMachineID(id) {
		return id
	}

	for _, c := range []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", " "} {
		id = strings.ReplaceAll(id, c, replacementChar)
	}
	id = strings.Trim(id, ".")
	if id == "" || id == replacementChar {
		id = "unknown"
	}
	if len(id) > maxIDLength {
		id = id[:maxIDLength]
	}
	return id
}
