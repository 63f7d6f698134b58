package outbox

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Partition file naming: pending_YYYYMMDD.jsonl, one file per UTC day.
const (
	partitionPrefix = "pending_"
	partitionSuffix = ".jsonl"
	tempSuffix      = ".tmp"
	dayLayout       = "20060102"
)

// dayID returns the partition key for t's UTC calendar day.
func dayID(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// partitionName returns the file name for a day key.
func partitionName(day string) string {
	return partitionPrefix + day + partitionSuffix
}

// parsePartitionDay extracts the UTC day from a partition file name.
// ok is false for names that are not partitions.
func parsePartitionDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, partitionPrefix) || !strings.HasSuffix(name, partitionSuffix) {
		return time.Time{}, false
	}
	day := strings.TrimSuffix(strings.TrimPrefix(name, partitionPrefix), partitionSuffix)
	t, err := time.ParseInLocation(dayLayout, day, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// listPartitions returns partition paths in lexicographic order, which is
// chronological given the YYYYMMDD naming.
func listPartitions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing outbox directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := parsePartitionDay(e.Name()); ok {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// countLines returns the number of non-blank lines in path.
func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	err = forEachLine(bufio.NewReader(f), func([]byte) error {
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("counting %s: %w", filepath.Base(path), err)
	}
	return n, nil
}

// fileSize returns the size of path, or 0 if it does not exist.
func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}
