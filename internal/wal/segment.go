package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultMaxSegmentBytes bounds a single segment file.
const DefaultMaxSegmentBytes = 128 << 20

func segmentFileName(firstSeq uint64) string {
	return fmt.Sprintf("%020d.log", firstSeq)
}

// segmentPath builds the path for a segment under dir given its first
// sequence number. Filenames embed the first sequence they contain so a
// directory listing already sorts replay order lexicographically.
func segmentPath(dir string, firstSeq uint64) string {
	return filepath.Join(dir, segmentFileName(firstSeq))
}

// listSegments returns segment file paths under dir in replay order.
func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("wal: list segments: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// segmentFirstSeq parses the first sequence embedded in a segment filename.
func segmentFirstSeq(path string) (uint64, error) {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, ".log")
	return strconv.ParseUint(base, 10, 64)
}
