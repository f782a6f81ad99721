package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// PruneRunLogs deletes files in dir matching pattern whose modification time
// is older than retentionDays, skipping keep. Zero or negative retention
// disables pruning. Failures are logged and otherwise ignored.
func PruneRunLogs(logger *slog.Logger, dir, pattern string, retentionDays int, keep string) int {
	if retentionDays <= 0 || dir == "" {
		return 0
	}
	if logger == nil {
		logger = NewNop()
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		logger.Debug("log retention glob failed", Error(err), String("pattern", pattern))
		return 0
	}
	keepAbs, _ := filepath.Abs(keep)
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0
	for _, path := range matches {
		if abs, err := filepath.Abs(path); err == nil && abs == keepAbs {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			logger.Debug("remove expired log failed", Error(err), String("path", path))
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("pruned expired logs", Int("removed", removed), Int("retention_days", retentionDays))
	}
	return removed
}
