package services

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

// ParetoOptions tune the epsilon-box Pareto search.
type ParetoOptions struct {
	Depth   int
	Epsilon float64
	// Widths pins the box width of individual metrics.
	Widths map[string]float64
}

// Percentile returns the p-th percentile (0-100) of values using linear
// interpolation between the closest ranks.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}

// EpsilonWidths computes epsilon × (P90 − P10) for each objective over the
// given records. Pinned widths are taken as-is.
func EpsilonWidths(records []domain.MetricRecord, objectives []domain.MetricSpec, epsilon float64, pinned map[string]float64) map[string]float64 {
	widths := make(map[string]float64, len(objectives))
	for _, obj := range objectives {
		if w, ok := pinned[obj.Name]; ok {
			widths[obj.Name] = w
			continue
		}
		if epsilon == 0 {
			widths[obj.Name] = 0
			continue
		}
		values := make([]float64, 0, len(records))
		for _, r := range records {
			if v, ok := r.Value(obj.Name); ok {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			widths[obj.Name] = 0
			continue
		}
		widths[obj.Name] = epsilon * (Percentile(values, 90) - Percentile(values, 10))
	}
	return widths
}

func boxKey(r domain.MetricRecord, objectives []domain.MetricSpec, widths map[string]float64) string {
	parts := make([]string, len(objectives))
	for i, obj := range objectives {
		v, _ := r.Value(obj.Name)
		if w := widths[obj.Name]; w > 0 {
			parts[i] = strconv.FormatFloat(math.Floor(v/w), 'f', -1, 64)
		} else {
			parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
		}
	}
	return strings.Join(parts, "\x1f")
}

// dominates reports whether a is at least as good as b on every objective and
// strictly better on at least one.
func dominates(a, b domain.MetricRecord, objectives []domain.MetricSpec) bool {
	strictly := false
	for _, obj := range objectives {
		av, _ := a.Value(obj.Name)
		bv, _ := b.Value(obj.Name)
		if obj.Direction.Better(bv, av) {
			return false
		}
		if obj.Direction.Better(av, bv) {
			strictly = true
		}
	}
	return strictly
}

func hasObjectives(r domain.MetricRecord, objectives []domain.MetricSpec) bool {
	for _, obj := range objectives {
		v, ok := r.Value(obj.Name)
		if !ok || math.IsNaN(v) {
			return false
		}
	}
	return true
}

// ParetoFront selects depth successive non-dominated fronts. From the second
// round on, records sharing an epsilon box with anything picked in an earlier
// round are not candidates. Records lacking an objective are ignored. The
// result keeps input order; the widths used are returned alongside.
func ParetoFront(records []domain.MetricRecord, objectives []domain.MetricSpec, opts ParetoOptions) ([]domain.MetricRecord, map[string]float64) {
	depth := opts.Depth
	if depth < 1 {
		depth = 1
	}

	usable := make([]domain.MetricRecord, 0, len(records))
	for _, r := range records {
		if hasObjectives(r, objectives) {
			usable = append(usable, r)
		}
	}
	widths := EpsilonWidths(usable, objectives, opts.Epsilon, opts.Widths)
	if len(usable) == 0 {
		return nil, widths
	}

	boxes := make([]string, len(usable))
	for i, r := range usable {
		boxes[i] = boxKey(r, objectives, widths)
	}

	selected := make([]bool, len(usable))
	taken := map[string]struct{}{}

	for round := 0; round < depth; round++ {
		var candidates []int
		for i := range usable {
			if selected[i] {
				continue
			}
			if _, ok := taken[boxes[i]]; ok {
				continue
			}
			candidates = append(candidates, i)
		}
		if len(candidates) == 0 {
			break
		}

		var front []int
		for _, i := range candidates {
			dominated := false
			for _, j := range candidates {
				if i != j && dominates(usable[j], usable[i], objectives) {
					dominated = true
					break
				}
			}
			if !dominated {
				front = append(front, i)
			}
		}
		for _, i := range front {
			selected[i] = true
			taken[boxes[i]] = struct{}{}
		}
	}

	out := make([]domain.MetricRecord, 0, len(usable))
	for i, r := range usable {
		if selected[i] {
			out = append(out, r)
		}
	}
	return out, widths
}

// DeduplicateByIdentity keeps, for every fingerprint, the record with the
// lowest primary score. Records without a fingerprint are unique. Records
// without a primary score are dropped and counted as missing.
func DeduplicateByIdentity(records []domain.MetricRecord) (kept []domain.MetricRecord, duplicates, missing int) {
	best := map[string]int{}
	var order []int
	for i, r := range records {
		score, ok := r.Value(domain.PrimaryScoreMetric)
		if !ok || math.IsNaN(score) {
			missing++
			continue
		}
		if r.Fingerprint == "" {
			order = append(order, i)
			continue
		}
		j, seen := best[r.Fingerprint]
		if !seen {
			best[r.Fingerprint] = i
			order = append(order, i)
			continue
		}
		duplicates++
		if prev, _ := records[j].Value(domain.PrimaryScoreMetric); score < prev {
			best[r.Fingerprint] = i
		}
	}

	kept = make([]domain.MetricRecord, 0, len(order))
	for _, i := range order {
		r := records[i]
		if r.Fingerprint != "" {
			r = records[best[r.Fingerprint]]
		}
		kept = append(kept, r)
	}
	return kept, duplicates, missing
}
