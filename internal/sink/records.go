package sink

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Capitan-Parrot/parking-violation-system/internal/models"
	"github.com/goccy/go-json"
)

// ReadRecords returns up to limit records from the output directory, newest
// first. Unreadable files are skipped. limit <= 0 returns all of them.
func ReadRecords(dir string, limit int) ([]models.ViolationRecord, error) {
	entries, err := os.ReadDir(filepath.Join(dir, logsDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	records := make([]models.ViolationRecord, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, logsDir, e.Name()))
		if err != nil {
			continue
		}
		var rec models.ViolationRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Cleanup deletes every snapshot and record file under dir and returns how
// many files were removed. The directories themselves are kept.
func Cleanup(dir string) (int, error) {
	removed := 0
	for _, sub := range []string{snapshotsDir, logsDir} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return removed, err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if err := os.Remove(filepath.Join(dir, sub, e.Name())); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}
