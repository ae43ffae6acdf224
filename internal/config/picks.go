package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Kortemme-Lab/pull-into-place/internal/core/domain"
)

// LoadPickRules reads a pick-rules document:
//
//	threshold:
//	  - restraint_dist < 1.2
//	pareto: [total_score, -restraint_dist, +`foo [[+]]`]
//	depth: 2
//	epsilon: 0.05
//	epsilon_widths: {total_score: 1.5}
func LoadPickRules(path string) (domain.PickRules, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.PickRules{}, fmt.Errorf("failed to read pick rules: %w", err)
	}
	rules, err := ParsePickRules(raw)
	if err != nil {
		return domain.PickRules{}, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// ParsePickRules decodes and validates a pick-rules document. Unknown keys are
// rejected so that typos do not silently disable a filter.
func ParsePickRules(raw []byte) (domain.PickRules, error) {
	var rules domain.PickRules
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&rules); err != nil && !errors.Is(err, io.EOF) {
		return domain.PickRules{}, fmt.Errorf("failed to parse pick rules: %w", err)
	}
	for i, p := range rules.Pareto {
		rules.Pareto[i] = unquote(p)
	}
	if err := rules.Validate(); err != nil {
		return domain.PickRules{}, err
	}
	return rules, nil
}

func unquote(s string) string {
	spec := domain.ParseMetricSpec(s)
	name := spec.Name
	if len(name) >= 2 && name[0] == '`' && name[len(name)-1] == '`' {
		name = name[1 : len(name)-1]
		if spec.Direction == domain.Maximize {
			return "+" + name
		}
		if len(s) > 0 && s[0] == '-' {
			return "-" + name
		}
		return name
	}
	return s
}
