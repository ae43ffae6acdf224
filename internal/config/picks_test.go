package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePickRules(t *testing.T) {
	rules, err := ParsePickRules([]byte(`
threshold:
  - restraint_dist < 1.2
  - loop_dist < 1 and buried_unsat_score <= 4
pareto:
  - total_score
  - -restraint_dist
  - "` + "`Foldability Score [[+]]`" + `"
  - "-` + "`Buried Unsats`" + `"
epsilon: 0.05
epsilon_widths:
  total_score: 1.5
`))
	require.NoError(t, err)
	assert.Len(t, rules.Threshold, 2)
	assert.Equal(t, []string{"total_score", "-restraint_dist", "+Foldability Score [[+]]", "-Buried Unsats"}, rules.Pareto)
	assert.Equal(t, 1, rules.Depth)
	assert.Equal(t, 0.05, rules.Epsilon)
	assert.Equal(t, map[string]float64{"total_score": 1.5}, rules.EpsilonWidths)
}

func TestParsePickRules_Empty(t *testing.T) {
	rules, err := ParsePickRules(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rules.Depth)
	assert.Empty(t, rules.Pareto)
}

func TestParsePickRules_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "thresholds:\n  - total_score < 0\n"},
		{"negative depth", "depth: -1\n"},
		{"negative epsilon", "epsilon: -0.1\n"},
		{"negative width", "epsilon_widths: {total_score: -1}\n"},
		{"malformed", "pareto: [total_score\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePickRules([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPickRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picks.yml")
	require.NoError(t, os.WriteFile(path, []byte("pareto: [total_score]\ndepth: 2\n"), 0o644))

	rules, err := LoadPickRules(path)
	require.NoError(t, err)
	assert.Equal(t, 2, rules.Depth)

	_, err = LoadPickRules(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}
