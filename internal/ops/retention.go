package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const trailPrefix = "orders-"

// CleanupTrail removes order-trail day files older than keepDays. File dates
// come from the name, not mtime, so restored or copied files age correctly.
func CleanupTrail(dir string, keepDays int, now time.Time) ([]string, error) {
	if keepDays <= 0 {
		return nil, fmt.Errorf("keepDays must be > 0")
	}
	files, err := filepath.Glob(filepath.Join(dir, trailPrefix+"*.jsonl"))
	if err != nil {
		return nil, err
	}
	cutoff := now.AddDate(0, 0, -keepDays)
	var deleted []string
	for _, path := range files {
		base := filepath.Base(path)
		if len(base) < len(trailPrefix)+len("2006-01-02") {
			continue
		}
		datePart := base[len(trailPrefix) : len(trailPrefix)+10]
		day, err := time.Parse("2006-01-02", datePart)
		if err != nil {
			continue
		}
		if day.Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return deleted, err
			}
			deleted = append(deleted, path)
		}
	}
	return deleted, nil
}
