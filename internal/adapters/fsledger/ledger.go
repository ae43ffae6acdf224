package fsledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
	"github.com/Kortemme-Lab/pull-into-place/internal/core/ports"
)

const (
	lockName     = ".ledger.lock"
	recordExt    = ".json"
	pollInterval = 50 * time.Millisecond
)

// Ledger keeps one JSON file per batch in the stage directory, named after
// the scheduler's batch id.
type Ledger struct {
	logger      *slog.Logger
	lockTimeout time.Duration
	// staleAfter is the age past which a lock is taken over whatever its
	// holder. The lock is only held while a record is written.
	staleAfter time.Duration
	host       string
}

func NewLedger(logger *slog.Logger) *Ledger {
	host, _ := os.Hostname()
	return &Ledger{
		logger:      logger,
		lockTimeout: 30 * time.Second,
		staleAfter:  10 * time.Minute,
		host:        host,
	}
}

var _ ports.BatchRepository = (*Ledger)(nil)

// record is the on-disk batch format.
type record struct {
	Inputs       []string  `json:"inputs"`
	Multiplicity int       `json:"multiplicity"`
	MaxRuntime   string    `json:"max_runtime"`
	MaxMemory    string    `json:"max_memory"`
	TestRun      bool      `json:"test_run"`
	CreatedAt    time.Time `json:"created_at"`
}

func toRecord(b domain.JobBatch) record {
	inputs := make([]string, len(b.Items))
	for i, item := range b.Items {
		inputs[i] = string(item)
	}
	return record{
		Inputs:       inputs,
		Multiplicity: b.Multiplicity,
		MaxRuntime:   b.Limits.MaxRuntime,
		MaxMemory:    b.Limits.MaxMemory,
		TestRun:      b.TestRun,
		CreatedAt:    b.CreatedAt,
	}
}

func (r record) toBatch(id domain.BatchID) domain.JobBatch {
	items := make([]domain.WorkItem, len(r.Inputs))
	for i, in := range r.Inputs {
		items[i] = domain.WorkItem(in)
	}
	mult := r.Multiplicity
	if mult < 1 {
		mult = 1
	}
	return domain.JobBatch{
		ID:           id,
		Items:        items,
		Multiplicity: mult,
		Limits:       domain.ResourceLimits{MaxRuntime: r.MaxRuntime, MaxMemory: r.MaxMemory},
		TestRun:      r.TestRun,
		CreatedAt:    r.CreatedAt,
	}
}

func recordPath(stage domain.StageDir, id domain.BatchID) (string, error) {
	s := string(id)
	if s == "" || strings.ContainsAny(s, `/\`) || strings.HasPrefix(s, ".") {
		return "", fmt.Errorf("invalid batch id %q", s)
	}
	return filepath.Join(stage.Path(), s+recordExt), nil
}

// lock takes the stage's ledger lock. O_EXCL makes creation the atomic
// primitive that serialises submissions across processes. The lock file holds
// "<host> <pid>" so that a lock left behind by a killed submitter can be
// taken over.
func (l *Ledger) lock(ctx context.Context, stage domain.StageDir) (func(), error) {
	path := filepath.Join(stage.Path(), lockName)
	deadline := time.Now().Add(l.lockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%s %d\n", l.host, os.Getpid())
			f.Close()
			return func() {
				if err := os.Remove(path); err != nil {
					l.logger.Error("failed to release ledger lock", "path", path, "error", err)
				}
			}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create ledger lock: %w", err)
		}
		if l.breakStaleLock(path) {
			continue
		}
		if time.Now().After(deadline) {
			holder, _ := os.ReadFile(path)
			return nil, fmt.Errorf("timed out waiting for ledger lock %s held by %q; remove it if no submission is running",
				path, strings.TrimSpace(string(holder)))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// breakStaleLock removes the lock when it is older than staleAfter or its
// holder was a process on this host that no longer exists.
func (l *Ledger) breakStaleLock(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	holder, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	reason := ""
	fields := strings.Fields(string(holder))
	switch {
	case time.Since(info.ModTime()) > l.staleAfter:
		reason = "expired"
	case len(fields) == 2 && fields[0] == l.host:
		if pid, err := strconv.Atoi(fields[1]); err == nil && !processAlive(pid) {
			reason = "holder exited"
		}
	}
	if reason == "" {
		return false
	}

	// Only remove the lock that was judged stale, not a fresh one that
	// replaced it meanwhile.
	again, err := os.Stat(path)
	if err != nil || !again.ModTime().Equal(info.ModTime()) {
		return false
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		l.logger.Error("failed to remove stale ledger lock", "path", path, "error", err)
		return false
	}
	l.logger.Warn("took over stale ledger lock", "path", path, "holder", strings.TrimSpace(string(holder)), "reason", reason)
	return true
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// CreateBatch writes the batch record unless one of its items is already
// claimed by another record of the stage.
func (l *Ledger) CreateBatch(ctx context.Context, stage domain.StageDir, batch domain.JobBatch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	path, err := recordPath(stage, batch.ID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stage.Path(), 0o755); err != nil {
		return fmt.Errorf("failed to create stage directory: %w", err)
	}

	unlock, err := l.lock(ctx, stage)
	if err != nil {
		return err
	}
	defer unlock()

	existing, err := l.ListBatches(ctx, stage)
	if err != nil {
		return err
	}
	claimed := map[domain.WorkItem]domain.BatchID{}
	for _, b := range existing {
		if b.ID == batch.ID {
			return fmt.Errorf("%w: batch %s already recorded", domain.ErrClaimConflict, b.ID)
		}
		for _, item := range b.Items {
			claimed[item] = b.ID
		}
	}
	for _, item := range batch.Items {
		if owner, ok := claimed[item]; ok {
			return fmt.Errorf("%w: %q belongs to batch %s", domain.ErrClaimConflict, item, owner)
		}
	}

	raw, err := json.MarshalIndent(toRecord(batch), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	tmp, err := os.CreateTemp(stage.Path(), "."+string(batch.ID)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create batch record: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write batch record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to sync batch record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close batch record: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to publish batch record: %w", err)
	}
	return nil
}

func (l *Ledger) GetBatch(ctx context.Context, stage domain.StageDir, id domain.BatchID) (domain.JobBatch, error) {
	path, err := recordPath(stage, id)
	if err != nil {
		return domain.JobBatch{}, err
	}
	b, err := readRecord(path, id)
	if errors.Is(err, os.ErrNotExist) {
		return domain.JobBatch{}, fmt.Errorf("%w: %s", domain.ErrBatchNotFound, id)
	}
	return b, err
}

// errNotRecord marks JSON files in the stage directory that are not batch
// records. Records are published by rename, so a partial write is never seen.
var errNotRecord = errors.New("not a batch record")

func readRecord(path string, id domain.BatchID) (domain.JobBatch, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.JobBatch{}, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var rec record
	if err := dec.Decode(&rec); err != nil {
		return domain.JobBatch{}, fmt.Errorf("%w: %s: %v", errNotRecord, id, err)
	}
	if rec.Inputs == nil {
		return domain.JobBatch{}, fmt.Errorf("%w: %s has no inputs", errNotRecord, id)
	}
	return rec.toBatch(id), nil
}

type entry struct {
	path  string
	batch domain.JobBatch
}

// records reads every batch record of the stage. Other files, JSON or not,
// are left alone.
func (l *Ledger) records(stage domain.StageDir) ([]entry, error) {
	dirents, err := os.ReadDir(stage.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list stage directory: %w", err)
	}
	var out []entry
	for _, e := range dirents {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		id := domain.BatchID(strings.TrimSuffix(name, recordExt))
		path := filepath.Join(stage.Path(), name)
		b, err := readRecord(path, id)
		if errors.Is(err, errNotRecord) {
			l.logger.Debug("skipping non-batch file", "path", path, "error", err)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read batch record: %w", err)
		}
		out = append(out, entry{path: path, batch: b})
	}
	return out, nil
}

func (l *Ledger) ListBatches(ctx context.Context, stage domain.StageDir) ([]domain.JobBatch, error) {
	entries, err := l.records(stage)
	if err != nil {
		return nil, err
	}
	batches := make([]domain.JobBatch, 0, len(entries))
	for _, e := range entries {
		batches = append(batches, e.batch)
	}
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].CreatedAt.Before(batches[j].CreatedAt)
	})
	return batches, nil
}

func (l *Ledger) DeleteBatches(ctx context.Context, stage domain.StageDir) (int, error) {
	unlock, err := l.lock(ctx, stage)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	defer unlock()

	entries, err := l.records(stage)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if err := os.Remove(e.path); err != nil {
			return removed, fmt.Errorf("failed to remove batch record: %w", err)
		}
		removed++
	}
	return removed, nil
}
