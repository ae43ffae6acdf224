package domain

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMetricSpec(t *testing.T) {
	tests := []struct {
		in   string
		want MetricSpec
	}{
		{"total_score", MetricSpec{Name: "total_score", Direction: Minimize}},
		{"-restraint_dist", MetricSpec{Name: "restraint_dist", Direction: Minimize}},
		{"+foldit_score", MetricSpec{Name: "foldit_score", Direction: Maximize}},
		{" + packstat ", MetricSpec{Name: "packstat", Direction: Maximize}},
		{"Packstat Score [[+]]", MetricSpec{Name: "Packstat Score [[+]]", Direction: Maximize}},
		{"Buried Unsats [[-]]", MetricSpec{Name: "Buried Unsats [[-]]", Direction: Minimize}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseMetricSpec(tt.in))
		})
	}
}

func TestDirection_Better(t *testing.T) {
	assert.True(t, Minimize.Better(1, 2))
	assert.False(t, Minimize.Better(2, 2))
	assert.True(t, Maximize.Better(2, 1))
}

func TestMetricNames_SortedUnion(t *testing.T) {
	records := []MetricRecord{
		{Metrics: map[string]float64{"b": 1, "a": 2}},
		{Metrics: map[string]float64{"c": 1, "a": 3}},
		{},
	}
	assert.Equal(t, []string{"a", "b", "c"}, MetricNames(records))
}

func TestMetricRecord_DropNonFinite(t *testing.T) {
	r := MetricRecord{Metrics: map[string]float64{
		"total_score": math.NaN(),
		"loop_dist":   math.Inf(1),
		"ddg":         math.Inf(-1),
		"sasa":        12,
	}}
	assert.Equal(t, []string{"ddg", "loop_dist", "total_score"}, r.DropNonFinite())
	assert.Equal(t, map[string]float64{"sasa": 12}, r.Metrics)
	assert.Empty(t, r.DropNonFinite())
}

func TestPickRules_Validate(t *testing.T) {
	rules := PickRules{}
	require.NoError(t, rules.Validate())
	assert.Equal(t, 1, rules.Depth)

	bad := PickRules{Depth: -1}
	assert.Error(t, bad.Validate())

	neg := PickRules{Epsilon: -0.1}
	assert.Error(t, neg.Validate())

	pinned := PickRules{EpsilonWidths: map[string]float64{"total_score": -1}}
	assert.Error(t, pinned.Validate())
}

func TestTypedErrors_UnwrapToSentinels(t *testing.T) {
	cause := errors.New("qsub: command not found")
	tests := []struct {
		err  error
		want error
	}{
		{&StageNotFoundError{Path: "/tmp"}, ErrStageNotFound},
		{&MissingInputError{Paths: []string{"a"}}, ErrPathNotFound},
		{&UnknownMetricError{Names: []string{"x"}}, ErrUnknownMetric},
		{&MissingMetricError{Artifact: "a", Metric: "x"}, ErrMissingMetric},
		{&SubmissionError{Stage: BuildStage(), Cause: cause}, ErrSubmission},
		{&SubmissionError{Stage: BuildStage(), Cause: cause}, cause},
	}
	for _, tt := range tests {
		assert.ErrorIs(t, tt.err, tt.want)
	}

	claimed := &SubmissionError{Stage: DesignStage(1), Claimed: true, Cause: cause}
	assert.Contains(t, claimed.Error(), "clear the stage")
}

func TestSettings_LimitsFor(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, DefaultResourceLimits(StageKindValidate), s.LimitsFor(StageKindValidate))

	delete(s.Limits, StageKindDesign)
	assert.Equal(t, DefaultResourceLimits(StageKindDesign), s.LimitsFor(StageKindDesign))
}
