// Package pcs implements the Persistent Claim Store: durable, crash-safe
// JSON file storage for the four logical collections (work_claims,
// agent_status, coordination_log, telemetry_spans) plus append-only line
// files for the span log and optimization history. See spec §4.2.
package pcs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"github.com/coreframe/coord/pkg/coorderrs"
	"github.com/coreframe/coord/pkg/log"
	"github.com/coreframe/coord/pkg/metrics"
)

// Collection names the four logical collections PCS owns, plus the
// append-only files it exposes AppendLine for.
type Collection string

const (
	WorkClaims       Collection = "work_claims"
	AgentStatus      Collection = "agent_status"
	CoordinationLog  Collection = "coordination_log"
	TelemetrySpans   Collection = "telemetry_spans"
	OptimizationHist Collection = "optimization_history"
)

const lockFileName = ".pcs.lock"

// Backoff parameters for lock-contention retries (spec §4.2).
const (
	contentionBase = 50 * time.Millisecond
	contentionCap  = 2 * time.Second
)

// Store is a single coordination directory's durable state. One Store is
// shared by every component in a process; all mutation is serialized by a
// single whole-file advisory lock (spec §4.2, §5).
type Store struct {
	dir    string
	lock   *flock.Flock
	logger zerolog.Logger

	mu             sync.Mutex
	poisoned       map[Collection]bool
	corruptionHook func(Collection, error)
}

// Open prepares a Store rooted at dir, creating the directory (and a
// metrics/ subdirectory per spec §6) if absent. Collections left latched by
// a prior process's schema violation (spec §7) stay latched: Open discovers
// their sentinel files and reinstates the poison so a restart alone cannot
// clear it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, coorderrs.Wrap(coorderrs.IO, "", err, "create coordination directory %s", dir)
	}
	if err := os.MkdirAll(filepath.Join(dir, "metrics"), 0o755); err != nil {
		return nil, coorderrs.Wrap(coorderrs.IO, "", err, "create metrics directory")
	}
	s := &Store{
		dir:      dir,
		lock:     flock.New(filepath.Join(dir, lockFileName)),
		logger:   log.WithComponent("pcs"),
		poisoned: make(map[Collection]bool),
	}
	for _, c := range []Collection{WorkClaims, AgentStatus, CoordinationLog, TelemetrySpans, OptimizationHist} {
		if _, err := os.Stat(s.corruptedSentinelPath(c)); err == nil {
			s.poisoned[c] = true
		}
	}
	return s, nil
}

func (s *Store) corruptedSentinelPath(c Collection) string {
	return filepath.Join(s.dir, "."+string(c)+".corrupted")
}

// SetCorruptionHook installs fn to be called the moment a collection is
// newly latched by a schema violation, so a caller wired to the telemetry
// pipeline can emit the high-severity span spec §7 requires without pkg/pcs
// itself depending on pkg/telemetry (which already depends on pkg/pcs).
// A nil fn clears the hook.
func (s *Store) SetCorruptionHook(fn func(Collection, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corruptionHook = fn
}

// IsPoisoned reports whether collection is latched from a prior schema
// violation and is refusing further mutations.
func (s *Store) IsPoisoned(collection Collection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poisoned[collection]
}

// ClearCorruption un-latches collection, the explicit operator intervention
// spec §7 requires before mutations resume. Callers are expected to have
// already repaired or replaced the collection's on-disk file.
func (s *Store) ClearCorruption(collection Collection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.poisoned, collection)
	err := os.Remove(s.corruptedSentinelPath(collection))
	if err != nil && !os.IsNotExist(err) {
		return coorderrs.Wrap(coorderrs.IO, "", err, "clear corruption sentinel for %s", collection)
	}
	return nil
}

// poison latches collection and persists a sentinel file so the latch
// survives a process restart, then fires the corruption hook if one is
// installed.
func (s *Store) poison(collection Collection, cause error) {
	s.mu.Lock()
	s.poisoned[collection] = true
	hook := s.corruptionHook
	s.mu.Unlock()

	if err := os.WriteFile(s.corruptedSentinelPath(collection), []byte(cause.Error()), 0o644); err != nil {
		s.logger.Error().Err(err).Str("collection", string(collection)).Msg("failed to persist corruption sentinel")
	}
	if hook != nil {
		hook(collection, cause)
	}
}

func (s *Store) poisonedErr(collection Collection) error {
	return coorderrs.New(coorderrs.Corrupted, "", "%s is latched after a prior schema violation; call ClearCorruption once repaired", collection)
}

// Dir returns the coordination directory root.
func (s *Store) Dir() string { return s.dir }

// filePath returns the on-disk path for a collection's document.
func (s *Store) filePath(c Collection) string {
	switch c {
	case TelemetrySpans:
		return filepath.Join(s.dir, "telemetry_spans.jsonl")
	case OptimizationHist:
		return filepath.Join(s.dir, "optimization_history.jsonl")
	default:
		return filepath.Join(s.dir, string(c)+".json")
	}
}

// acquire takes the exclusive advisory lock with capped exponential
// backoff, bounded by ctx's deadline. Returns Contention if the deadline
// elapses before the lock is obtained.
func (s *Store) acquire(ctx context.Context, collection Collection) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = contentionBase
	bo.MaxInterval = contentionCap
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.3

	var attempt int
	op := func() (struct{}, error) {
		ok, err := s.lock.TryLock()
		if err != nil {
			return struct{}{}, backoff.Permanent(coorderrs.Wrap(coorderrs.IO, "", err, "flock %s", s.lock.Path()))
		}
		if ok {
			return struct{}{}, nil
		}
		attempt++
		metrics.PCSContentionTotal.WithLabelValues(string(collection)).Inc()
		return struct{}{}, errLockBusy
	}

	_, err := backoff.Retry(ctx, op, backoff.WithBackOff(bo))
	if err != nil {
		var coordErr *coorderrs.Error
		if errors.As(err, &coordErr) && coordErr.Kind == coorderrs.IO {
			return coordErr
		}
		s.logger.Warn().Str("collection", string(collection)).Int("attempts", attempt).Msg("lock contention exceeded deadline")
		return coorderrs.New(coorderrs.Contention, "", "lock busy on %s after %d attempts", collection, attempt)
	}
	return nil
}

var errLockBusy = coorderrs.New(coorderrs.Contention, "", "lock busy")

func (s *Store) release() {
	_ = s.lock.Unlock()
}

// Load performs a full-document read of collection into dst (a pointer to
// a slice). A missing file is treated as an empty collection.
func (s *Store) Load(collection Collection, dst any) error {
	if s.IsPoisoned(collection) {
		return s.poisonedErr(collection)
	}
	path := s.filePath(collection)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return coorderrs.Wrap(coorderrs.IO, "", err, "read %s", path)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		s.logger.Error().Str("path", path).Err(err).Msg("collection failed schema validation")
		wrapped := coorderrs.Wrap(coorderrs.Corrupted, "", err, "parse %s", path)
		s.poison(collection, wrapped)
		return wrapped
	}
	return nil
}

// Mutate performs an atomic read-modify-write of collection under the
// exclusive lock: fn receives the raw bytes currently on disk (nil if the
// file does not exist) and returns the new bytes to persist, or an error to
// abort the mutation leaving state untouched. The write is durable
// (write-to-temp + fsync + rename) before the lock is released.
func (s *Store) Mutate(ctx context.Context, collection Collection, fn func(current []byte) ([]byte, error)) error {
	if s.IsPoisoned(collection) {
		return s.poisonedErr(collection)
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PCSMutateDuration, string(collection))

	if err := s.acquire(ctx, collection); err != nil {
		return err
	}
	defer s.release()

	path := s.filePath(collection)
	current, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return coorderrs.Wrap(coorderrs.IO, "", err, "read %s", path)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	return writeAtomic(path, next)
}

// AppendLine durably appends one newline-delimited JSON record to an
// append-only collection (telemetry_spans.jsonl, optimization_history.jsonl,
// or coordination_log.json's backing file when used in line mode). The
// write is O(1): it does not read or rewrite existing content.
func (s *Store) AppendLine(ctx context.Context, collection Collection, record any) error {
	if err := s.acquire(ctx, collection); err != nil {
		return err
	}
	defer s.release()

	line, err := json.Marshal(record)
	if err != nil {
		return coorderrs.Wrap(coorderrs.IO, "", err, "marshal record for %s", collection)
	}
	line = append(line, '\n')

	path := s.filePath(collection)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return coorderrs.Wrap(coorderrs.IO, "", err, "open %s", path)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return coorderrs.Wrap(coorderrs.IO, "", err, "append to %s", path)
	}
	return f.Sync()
}

// RotateSpans renames telemetry_spans.jsonl to a timestamped sibling
// (telemetry_spans-<unixnano>.jsonl) once it has reached maxSize or its
// modification time (its latest write) is at least maxAge old, so a file
// that keeps receiving appends rotates on size only. The rotated file is
// handed to SweepRetention
// for eventual deletion (spec §9 design note, P8). The rename happens under
// the same exclusive lock AppendLine acquires, so a concurrent append
// either lands in the file being rotated away or in the fresh file AppendLine
// recreates on its next call — never split across both.
func (s *Store) RotateSpans(ctx context.Context, maxSize int64, maxAge time.Duration) (bool, error) {
	if err := s.acquire(ctx, TelemetrySpans); err != nil {
		return false, err
	}
	defer s.release()

	path := s.filePath(TelemetrySpans)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, coorderrs.Wrap(coorderrs.IO, "", err, "stat %s", path)
	}

	if info.Size() < maxSize && time.Since(info.ModTime()) < maxAge {
		return false, nil
	}

	rotated := filepath.Join(s.dir, fmt.Sprintf("telemetry_spans-%d.jsonl", time.Now().UnixNano()))
	if err := os.Rename(path, rotated); err != nil {
		return false, coorderrs.Wrap(coorderrs.IO, "", err, "rotate %s", path)
	}
	s.logger.Info().Str("path", rotated).Int64("size", info.Size()).Msg("rotated telemetry span log")
	return true, nil
}

// ReadLines performs an unlocked read of a newline-delimited collection,
// returning one element per non-empty line in file order. Used by the
// optimization loop to read the span log window (spec §4.7).
func (s *Store) ReadLines(collection Collection) ([][]byte, error) {
	path := s.filePath(collection)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, coorderrs.Wrap(coorderrs.IO, "", err, "read %s", path)
	}
	var lines [][]byte
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// Tx is the handle passed to a WithTx callback: raw, unlocked access to the
// collections touched within one held-lock critical section.
type Tx struct {
	s *Store
}

// ReadJSON performs an unlocked read of collection into dst.
func (tx *Tx) ReadJSON(collection Collection, dst any) error {
	return tx.s.Load(collection, dst)
}

// WriteJSON performs an unlocked atomic write of collection.
func (tx *Tx) WriteJSON(collection Collection, value any) error {
	if tx.s.IsPoisoned(collection) {
		return tx.s.poisonedErr(collection)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return coorderrs.Wrap(coorderrs.IO, "", err, "marshal %s", collection)
	}
	return writeAtomic(tx.s.filePath(collection), data)
}

// AppendLine appends one line within the held lock (no re-acquire).
func (tx *Tx) AppendLine(collection Collection, record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return coorderrs.Wrap(coorderrs.IO, "", err, "marshal record for %s", collection)
	}
	line = append(line, '\n')

	path := tx.s.filePath(collection)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return coorderrs.Wrap(coorderrs.IO, "", err, "open %s", path)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return coorderrs.Wrap(coorderrs.IO, "", err, "append to %s", path)
	}
	return f.Sync()
}

// WithTx holds the single whole-file exclusive lock for the duration of fn,
// giving fn unlocked read/write access to every collection. This is how the
// coordinator implements operations that must inspect and update more than
// one collection atomically (e.g. claim_intelligent reads agent_status,
// writes work_claims, and appends to coordination_log in one critical
// section). fn must not perform blocking I/O beyond the collections
// themselves (spec §5 P5 — no step execution while this lock is held).
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PCSMutateDuration, "tx")

	if err := s.acquire(ctx, "tx"); err != nil {
		return err
	}
	defer s.release()

	return fn(&Tx{s: s})
}

// writeAtomic implements write-to-temp + fsync + rename so a crash never
// leaves a half-written file observable (spec §4.2).
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return coorderrs.Wrap(coorderrs.IO, "", err, "create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return coorderrs.Wrap(coorderrs.IO, "", err, "write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return coorderrs.Wrap(coorderrs.IO, "", err, "fsync temp file")
	}
	if err := tmp.Close(); err != nil {
		return coorderrs.Wrap(coorderrs.IO, "", err, "close temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return coorderrs.Wrap(coorderrs.IO, "", err, "rename temp file to %s", path)
	}
	return nil
}

