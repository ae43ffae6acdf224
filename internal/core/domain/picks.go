package domain

import (
	"fmt"
)

// PickRules is the document that drives result selection.
type PickRules struct {
	Threshold []string `json:"threshold" yaml:"threshold"`
	Pareto    []string `json:"pareto" yaml:"pareto"`
	Depth     int      `json:"depth" yaml:"depth"`
	// Epsilon scales the P10-P90 spread of each metric into a box width.
	// Zero keeps every distinct value in its own box.
	Epsilon float64 `json:"epsilon" yaml:"epsilon"`
	// EpsilonWidths pins absolute box widths per metric. A pinned width is
	// used as-is instead of being recomputed from the loaded records, so
	// repeated advances do not drift as more results accumulate.
	EpsilonWidths map[string]float64 `json:"epsilon_widths,omitempty" yaml:"epsilon_widths,omitempty"`
}

// Validate normalizes defaults and rejects malformed documents.
func (p *PickRules) Validate() error {
	if p.Depth == 0 {
		p.Depth = 1
	}
	if p.Depth < 1 {
		return fmt.Errorf("depth must be >= 1 (got %d)", p.Depth)
	}
	if p.Epsilon < 0 {
		return fmt.Errorf("epsilon must be >= 0 (got %g)", p.Epsilon)
	}
	for name, w := range p.EpsilonWidths {
		if w < 0 {
			return fmt.Errorf("epsilon width for %q must be >= 0 (got %g)", name, w)
		}
	}
	return nil
}

// Objectives parses the pareto entries into metric specs.
func (p PickRules) Objectives() []MetricSpec {
	specs := make([]MetricSpec, 0, len(p.Pareto))
	for _, s := range p.Pareto {
		specs = append(specs, ParseMetricSpec(s))
	}
	return specs
}
