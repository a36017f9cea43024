package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LifetimeStats is the durable record kept across restarts
type LifetimeStats struct {
	TotalRuntimeSeconds float64 `json:"total_runtime_seconds"`
	TotalKeysGenerated  uint64  `json:"total_keys_generated"`
	TotalHits           uint64  `json:"total_hits"`
}

// LoadLifetime reads lifetime totals from path. A missing or unreadable file
// yields zero totals.
func LoadLifetime(path string) LifetimeStats {
	var ls LifetimeStats
	if path == "" {
		return ls
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return LifetimeStats{}
	}
	if err := json.Unmarshal(data, &ls); err != nil {
		return LifetimeStats{}
	}
	if ls.TotalRuntimeSeconds < 0 {
		ls.TotalRuntimeSeconds = 0
	}
	return ls
}

// tempPath is the sibling file written before the atomic rename
func tempPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".tmp"
}

// maybePersistLocked writes lifetime totals when the save interval has elapsed
// or force is set. Failures are ignored; the in-memory counters stay correct.
func (s *Statistics) maybePersistLocked(now time.Time, force bool) {
	if s.storePath == "" {
		return
	}
	if !force && now.Sub(s.lastPersist) < s.saveInterval {
		return
	}

	s.baseRuntime += now.Sub(s.sessionStart)
	s.sessionStart = now
	s.lastPersist = now
	s.lifetime.TotalRuntimeSeconds = s.baseRuntime.Seconds()

	data, err := json.MarshalIndent(s.lifetime, "", "  ")
	if err != nil {
		return
	}
	tmp := tempPath(s.storePath)
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		_ = os.Remove(tmp)
		return
	}
	if err := os.Rename(tmp, s.storePath); err != nil {
		_ = os.Remove(tmp)
	}
}
