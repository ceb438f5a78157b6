package pcs

import (
	"os"
	"path/filepath"
	"time"

	"github.com/coreframe/coord/pkg/log"
)

// protectedFiles are the collections the retention sweep must never delete
// (spec §6): "never deletes work_claims.json, agent_status.json,
// coordination_log.json".
var protectedFiles = map[string]bool{
	"work_claims.json":      true,
	"agent_status.json":     true,
	"coordination_log.json": true,
}

// SweepRetention deletes files under dir/metrics and rotated span logs
// older than maxAge, skipping the three protected collection files. It is
// invoked from the optimization loop once per cycle (spec §4.7, §8 P8).
func (s *Store) SweepRetention(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for _, root := range []string{s.dir, filepath.Join(s.dir, "metrics")} {
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, err
		}
		for _, entry := range entries {
			if entry.IsDir() || protectedFiles[entry.Name()] {
				continue
			}
			if !isRotationCandidate(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				path := filepath.Join(root, entry.Name())
				if err := os.Remove(path); err == nil {
					removed++
					log.WithComponent("pcs").Info().Str("path", path).Msg("retention swept file")
				}
			}
		}
	}
	return removed, nil
}

// isRotationCandidate reports whether a file name belongs to the rotated
// span-log / metrics family the retention policy is allowed to delete.
func isRotationCandidate(name string) bool {
	ext := filepath.Ext(name)
	if ext != ".jsonl" {
		return false
	}
	if name == "telemetry_spans.jsonl" || name == "optimization_history.jsonl" {
		// The live append targets are never deleted directly; Store.RotateSpans
		// renames the span log to a timestamped sibling once it qualifies,
		// and only that sibling is ever swept.
		return false
	}
	return true
}
