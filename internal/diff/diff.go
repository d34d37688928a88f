// Package diff computes change statistics and semantic summaries between
// two document snapshots. The primary line diff is a multiset comparison:
// it tolerates reordering and reports net insert/delete counts, which is
// enough for a coarse size-of-change signal. An LCS length from the
// sergi/go-diff library is available as a secondary similarity signal.
package diff

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// LineStats holds the result of a line-multiset comparison.
type LineStats struct {
	Added     int
	Removed   int
	BaseLines int
	NextLines int
}

// Engine provides diff computation with caching for identical input pairs.
type Engine struct {
	dmp   *diffmatchpatch.DiffMatchPatch
	cache sync.Map
}

type cacheKey struct {
	baseHash uint64
	nextHash uint64
}

// NewEngine creates a new diff engine.
func NewEngine() *Engine {
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 0 // Disable timeout for accuracy
	return &Engine{dmp: dmp}
}

// DefaultEngine is a singleton engine for general use
var DefaultEngine = NewEngine()

// LineStats computes the multiset line diff between two texts. Each
// non-blank trimmed line is counted as a bag entry;
// added = max(0, countNext-countBase) summed over lines, removed the inverse.
func (e *Engine) LineStats(base, next string) LineStats {
	baseLines := splitLines(base)
	nextLines := splitLines(next)

	baseCounts := make(map[string]int, len(baseLines))
	nextCounts := make(map[string]int, len(nextLines))
	for _, line := range baseLines {
		if t := strings.TrimSpace(line); t != "" {
			baseCounts[t]++
		}
	}
	for _, line := range nextLines {
		if t := strings.TrimSpace(line); t != "" {
			nextCounts[t]++
		}
	}

	stats := LineStats{BaseLines: len(baseLines), NextLines: len(nextLines)}
	for line, count := range nextCounts {
		if d := count - baseCounts[line]; d > 0 {
			stats.Added += d
		}
	}
	for line, count := range baseCounts {
		if d := count - nextCounts[line]; d > 0 {
			stats.Removed += d
		}
	}
	return stats
}

// ComputeLineStats runs LineStats on the default engine.
func ComputeLineStats(base, next string) LineStats {
	return DefaultEngine.LineStats(base, next)
}

// LCSLength returns the number of lines the two texts share in order, using
// a line-level reduction through the diff library. Useful as a similarity
// score; not required for the primary multiset diff.
func (e *Engine) LCSLength(base, next string) int {
	key := cacheKey{hash(base), hash(next)}
	if cached, ok := e.cache.Load(key); ok {
		if n, ok := cached.(int); ok {
			return n
		}
	}

	a, b, lineArray := e.dmp.DiffLinesToChars(base, next)
	diffs := e.dmp.DiffMain(a, b, false)
	diffs = e.dmp.DiffCharsToLines(diffs, lineArray)

	common := 0
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			continue
		}
		for _, line := range strings.Split(d.Text, "\n") {
			if line != "" {
				common++
			}
		}
	}

	e.cache.Store(key, common)
	return common
}

// ClearCache clears the diff cache.
func (e *Engine) ClearCache() {
	e.cache = sync.Map{}
}

// FormatLineSummary renders line stats as a short human string.
func FormatLineSummary(s LineStats) string {
	if s.Added == 0 && s.Removed == 0 {
		return "No line changes"
	}
	return fmt.Sprintf("+%d / -%d lines", s.Added, s.Removed)
}

// IsMajor reports whether a change is big enough to bump the major version
// label: 60 or more changed lines, or 35% of the larger document.
func IsMajor(s LineStats) bool {
	changed := s.Added + s.Removed
	denom := s.BaseLines
	if s.NextLines > denom {
		denom = s.NextLines
	}
	if denom < 1 {
		denom = 1
	}
	return changed >= 60 || float64(changed)/float64(denom) >= 0.35
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	// A trailing newline should not count as an extra line.
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// hash computes a simple hash for caching (FNV-1a algorithm)
func hash(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
