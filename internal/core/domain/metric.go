package domain

import (
	"math"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Metric names that are part of the engine wire contract.
const (
	MetricTotalScore    = "total_score"
	MetricRestraintDist = "restraint_dist"
	MetricLoopDist      = "loop_dist"
	MetricBuriedUnsat   = "buried_unsat_score"
	MetricDunbrackScore = "dunbrack_score"
	MetricRestraintSum  = "restraint_sum"
	FingerprintSequence = "sequence"
	PrimaryScoreMetric  = MetricTotalScore
)

// MetricRecord holds the quality metrics computed for one produced artifact.
type MetricRecord struct {
	// Path is the artifact basename; it keys the cache.
	Path string `json:"path"`
	// Dir is the directory the artifact was found in.
	Dir string `json:"dir"`
	// Fingerprint identifies the content (the designed sequence).
	Fingerprint string             `json:"sequence"`
	Metrics     map[string]float64 `json:"metrics"`
}

// Value returns the named metric and whether the record carries it.
func (r MetricRecord) Value(name string) (float64, bool) {
	v, ok := r.Metrics[name]
	return v, ok
}

// DropNonFinite removes NaN and infinite values, which cannot be compared or
// cached, and returns the sorted names it removed.
func (r *MetricRecord) DropNonFinite() []string {
	var dropped []string
	for name, v := range r.Metrics {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			delete(r.Metrics, name)
			dropped = append(dropped, name)
		}
	}
	sort.Strings(dropped)
	return dropped
}

// FullPath is the location of the artifact on disk.
func (r MetricRecord) FullPath() string {
	return filepath.Join(r.Dir, r.Path)
}

// MetricNames returns the sorted union of metric names over all records.
func MetricNames(records []MetricRecord) []string {
	seen := map[string]struct{}{}
	for _, r := range records {
		for name := range r.Metrics {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Direction says whether smaller or larger values are preferred.
type Direction int

const (
	Minimize Direction = iota
	Maximize
)

func (d Direction) String() string {
	if d == Maximize {
		return "+"
	}
	return "-"
}

// MetricSpec is one objective of a Pareto search.
type MetricSpec struct {
	Name      string
	Direction Direction
}

var directionTag = regexp.MustCompile(`\[\[([+-])\]\]`)

// ParseMetricSpec accepts "name", "-name", "+name", or an engine metric name
// carrying a "[[+]]"/"[[-]]" annotation. Unannotated metrics are minimized.
func ParseMetricSpec(s string) MetricSpec {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "+"):
		return MetricSpec{Name: strings.TrimSpace(s[1:]), Direction: Maximize}
	case strings.HasPrefix(s, "-"):
		return MetricSpec{Name: strings.TrimSpace(s[1:]), Direction: Minimize}
	}
	if m := directionTag.FindStringSubmatch(s); m != nil {
		dir := Minimize
		if m[1] == "+" {
			dir = Maximize
		}
		// The annotation stays in the name; it is part of the wire contract.
		return MetricSpec{Name: s, Direction: dir}
	}
	return MetricSpec{Name: s, Direction: Minimize}
}

// Better reports whether a is strictly preferable to b under d.
func (d Direction) Better(a, b float64) bool {
	if d == Maximize {
		return a > b
	}
	return a < b
}
